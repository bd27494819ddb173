package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/livetalk/pkg/media"
	"github.com/MrWong99/livetalk/pkg/provider/s2s"
	"github.com/MrWong99/livetalk/pkg/provider/s2s/gemini"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete consumes the client's setup message and sends the
// server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server, opts ...gemini.Option) *gemini.Provider {
	return gemini.New("test-api-key", append([]gemini.Option{gemini.WithBaseURL(wsURL(srv))}, opts...)...)
}

// recorder captures callback invocations on buffered channels.
type recorder struct {
	opened   chan struct{}
	messages chan *s2s.ServerMessage
	errs     chan error
	closes   chan string
	ends     atomic.Int32
}

func newRecorder() *recorder {
	return &recorder{
		opened:   make(chan struct{}, 4),
		messages: make(chan *s2s.ServerMessage, 16),
		errs:     make(chan error, 4),
		closes:   make(chan string, 4),
	}
}

func (r *recorder) callbacks() s2s.Callbacks {
	return s2s.Callbacks{
		OnOpen:    func() { r.opened <- struct{}{} },
		OnMessage: func(m *s2s.ServerMessage) { r.messages <- m },
		OnError:   func(err error) { r.ends.Add(1); r.errs <- err },
		OnClose:   func(reason string) { r.ends.Add(1); r.closes <- reason },
	}
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
	var zero T
	return zero
}

// ── Option and setup tests ────────────────────────────────────────────────────

func TestWithModel_SetsModel(t *testing.T) {
	t.Parallel()

	modelCh := make(chan string, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		modelCh <- msg.Setup.Model
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv, gemini.WithModel("custom-model"))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{}, s2s.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if model := waitFor(t, modelCh, "setup model"); model != "models/custom-model" {
		t.Errorf("model = %q; want %q", model, "models/custom-model")
	}
}

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
					LanguageCode string `json:"languageCode"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	cfg := s2s.SessionConfig{Instructions: "Be brief.", Voice: "Orus", Language: "es-ES"}
	handle, err := newProvider(srv).Connect(context.Background(), cfg, s2s.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	msg := waitFor(t, received, "setup message")
	gc := msg.Setup.GenerationConfig
	if len(gc.ResponseModalities) != 1 || gc.ResponseModalities[0] != "AUDIO" {
		t.Errorf("responseModalities = %v, want [AUDIO]", gc.ResponseModalities)
	}
	if gc.SpeechConfig == nil {
		t.Fatal("speechConfig missing")
	}
	if got := gc.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Orus" {
		t.Errorf("voiceName = %q, want Orus", got)
	}
	if gc.SpeechConfig.LanguageCode != "es-ES" {
		t.Errorf("languageCode = %q, want es-ES", gc.SpeechConfig.LanguageCode)
	}
	if msg.Setup.SystemInstruction == nil || len(msg.Setup.SystemInstruction.Parts) != 1 ||
		msg.Setup.SystemInstruction.Parts[0].Text != "Be brief." {
		t.Errorf("systemInstruction = %+v", msg.Setup.SystemInstruction)
	}
	if msg.Setup.InputAudioTranscription == nil || msg.Setup.OutputAudioTranscription == nil {
		t.Error("transcription configs should be present by default")
	}
}

func TestWithTranscripts_Disabled(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]map[string]any, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg map[string]map[string]any
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv, gemini.WithTranscripts(false)).
		Connect(context.Background(), s2s.SessionConfig{}, s2s.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	msg := waitFor(t, received, "setup message")
	if _, ok := msg["setup"]["inputAudioTranscription"]; ok {
		t.Error("inputAudioTranscription present, want omitted")
	}
	if _, ok := msg["setup"]["speechConfig"]; ok {
		t.Error("speechConfig present without voice or language")
	}
}

func TestConnect_DialError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	_, err := gemini.New("k", gemini.WithBaseURL(url)).
		Connect(context.Background(), s2s.SessionConfig{}, s2s.Callbacks{})
	if !errors.Is(err, s2s.ErrTransport) {
		t.Errorf("err = %v, want ErrTransport", err)
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	caps := gemini.New("key").Capabilities()
	if caps.InputSampleRate != 16000 || caps.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d, want 16000/24000", caps.InputSampleRate, caps.OutputSampleRate)
	}
	if len(caps.Voices) == 0 {
		t.Error("Voices should be non-empty")
	}
}

// ── Inbound events ────────────────────────────────────────────────────────────

func TestOnOpen_FiresOnSetupComplete(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	waitFor(t, rec.opened, "OnOpen")
	if handle.ID() == "" {
		t.Error("ID() should be non-empty")
	}
}

func TestOnMessage_AudioAndInterrupted(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AAAA"}},
						{"text": "thinking"},
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "BBBB"}},
					},
				},
				"interrupted": true,
			},
		})
		// Frames with nothing actionable are not surfaced.
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	msg := waitFor(t, rec.messages, "audio message")
	if len(msg.Audio) != 2 || msg.Audio[0] != "AAAA" || msg.Audio[1] != "BBBB" {
		t.Errorf("Audio = %v, want [AAAA BBBB]", msg.Audio)
	}
	if !msg.Interrupted {
		t.Error("Interrupted = false, want true")
	}

	next := waitFor(t, rec.messages, "turnComplete message")
	if !next.TurnComplete || next.HasAudio() {
		t.Errorf("second message = %+v, want bare turnComplete", next)
	}
}

func TestOnMessage_Transcripts(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription":  map[string]any{"text": "hola"},
				"outputTranscription": map[string]any{"text": "buenas"},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	msg := waitFor(t, rec.messages, "transcript message")
	if msg.InputTranscript != "hola" || msg.OutputTranscript != "buenas" {
		t.Errorf("transcripts = %q / %q", msg.InputTranscript, msg.OutputTranscript)
	}
}

func TestOnMessage_GoAway(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		goAway   map[string]any
		wantLeft time.Duration
	}{
		{name: "with time left", goAway: map[string]any{"timeLeft": "5s"}, wantLeft: 5 * time.Second},
		{name: "fractional", goAway: map[string]any{"timeLeft": "0.250s"}, wantLeft: 250 * time.Millisecond},
		{name: "no time left", goAway: map[string]any{}, wantLeft: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
				sendSetupComplete(t, conn)
				writeJSON(t, conn, map[string]any{"goAway": tt.goAway})
				<-conn.CloseRead(context.Background()).Done()
			})

			rec := newRecorder()
			handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, rec.callbacks())
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
			defer handle.Close()

			msg := waitFor(t, rec.messages, "goAway message")
			if !msg.GoAway {
				t.Fatalf("GoAway = false, message = %+v", msg)
			}
			if msg.TimeLeft != tt.wantLeft {
				t.Errorf("TimeLeft = %v, want %v", msg.TimeLeft, tt.wantLeft)
			}
			if msg.HasAudio() || msg.Interrupted {
				t.Errorf("goAway message carries media: %+v", msg)
			}
			if rec.ends.Load() != 0 {
				t.Error("goAway ended the session")
			}
		})
	}
}

// ── Outbound media ────────────────────────────────────────────────────────────

func TestSendRealtimeInput_InOrder(t *testing.T) {
	t.Parallel()

	type chunkMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	got := make(chan chunkMsg, 8)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		for range 3 {
			var m chunkMsg
			readJSON(t, conn, &m)
			got <- m
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, s2s.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	blobs := []media.Blob{
		{MIMEType: "audio/pcm;rate=16000", Data: "MQ=="},
		{MIMEType: "audio/pcm;rate=16000", Data: "Mg=="},
		{MIMEType: media.MIMEJPEG, Data: "Mw=="},
	}
	for _, b := range blobs {
		if err := handle.SendRealtimeInput(b); err != nil {
			t.Fatalf("SendRealtimeInput: %v", err)
		}
	}

	for i, want := range blobs {
		m := waitFor(t, got, "media chunk")
		if len(m.RealtimeInput.MediaChunks) != 1 {
			t.Fatalf("chunk %d: %d media chunks, want 1", i, len(m.RealtimeInput.MediaChunks))
		}
		c := m.RealtimeInput.MediaChunks[0]
		if c.MIMEType != want.MIMEType || c.Data != want.Data {
			t.Errorf("chunk %d = %+v, want %+v", i, c, want)
		}
	}
}

func TestSendRealtimeInput_AfterClose(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, s2s.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err = handle.SendRealtimeInput(media.Blob{MIMEType: "audio/pcm;rate=16000", Data: "AA=="})
	if !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
}

// ── Session end ───────────────────────────────────────────────────────────────

func TestOnClose_ServerClosesWithReason(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		conn.Close(websocket.StatusNormalClosure, "session expired")
	})

	rec := newRecorder()
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if reason := waitFor(t, rec.closes, "OnClose"); reason != "session expired" {
		t.Errorf("reason = %q, want %q", reason, "session expired")
	}
	handle.Close()
	if n := rec.ends.Load(); n != 1 {
		t.Errorf("terminal callbacks = %d, want 1", n)
	}
}

func TestOnError_ServerErrorFrame(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 403, "message": "API key invalid"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	got := waitFor(t, rec.errs, "OnError")
	if !errors.Is(got, s2s.ErrTransport) {
		t.Errorf("err = %v, want ErrTransport", got)
	}
	if !strings.Contains(got.Error(), "API key invalid") {
		t.Errorf("err = %q, want server message", got)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for range 3 {
		if err := handle.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}
	if reason := waitFor(t, rec.closes, "OnClose"); reason != "closed by client" {
		t.Errorf("reason = %q", reason)
	}
	if n := rec.ends.Load(); n != 1 {
		t.Errorf("terminal callbacks = %d, want 1", n)
	}
}
