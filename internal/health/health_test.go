package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/livetalk/internal/live"
)

type fakeSession struct {
	state live.State
	id    string
}

func (f *fakeSession) State() live.State { return f.state }
func (f *fakeSession) SessionID() string { return f.id }

func serve(t *testing.T, h *Handler, path string) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	t.Parallel()

	h := New(nil, WithSession(&fakeSession{state: live.StateError}))
	code, body := serve(t, h, "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %+v", code, body)
	}
}

func TestHealthz_ContentType(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	New(nil).Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyz_Session(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state     live.State
		wantCode  int
		wantCheck string
	}{
		{live.StateOpen, http.StatusOK, "ok"},
		{live.StateConnecting, http.StatusServiceUnavailable, "fail: session is connecting"},
		{live.StateError, http.StatusServiceUnavailable, "fail: session is error"},
		{live.StateIdle, http.StatusServiceUnavailable, "fail: session is idle"},
	}
	for _, tc := range tests {
		t.Run(tc.state.String(), func(t *testing.T) {
			t.Parallel()
			h := New(nil, WithSession(&fakeSession{state: tc.state, id: "abc"}))
			code, body := serve(t, h, "/readyz")
			if code != tc.wantCode {
				t.Errorf("status = %d, want %d", code, tc.wantCode)
			}
			if body.Checks["session"] != tc.wantCheck {
				t.Errorf("session check = %q, want %q", body.Checks["session"], tc.wantCheck)
			}
			if body.SessionID != "abc" {
				t.Errorf("session_id = %q", body.SessionID)
			}
		})
	}
}

func TestReadyz_CombinesCheckers(t *testing.T) {
	t.Parallel()

	speakerUp := false
	h := New(
		[]Checker{FuncCheck("speaker", "output device not running", func() bool { return speakerUp })},
		WithSession(&fakeSession{state: live.StateOpen}),
	)

	code, body := serve(t, h, "/readyz")
	if code != http.StatusServiceUnavailable || body.Status != "fail" {
		t.Errorf("readyz = %d %+v", code, body)
	}
	if body.Checks["session"] != "ok" {
		t.Errorf("session check = %q", body.Checks["session"])
	}
	if body.Checks["speaker"] != "fail: output device not running" {
		t.Errorf("speaker check = %q", body.Checks["speaker"])
	}

	speakerUp = true
	if code, _ := serve(t, h, "/readyz"); code != http.StatusOK {
		t.Errorf("status = %d after speaker recovered", code)
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	t.Parallel()

	code, body := serve(t, New(nil), "/readyz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("readyz = %d %+v", code, body)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()

	h := New([]Checker{{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
