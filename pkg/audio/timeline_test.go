package audio_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/livetalk/pkg/audio"
)

// rate is chosen so one frame is exactly one millisecond.
const rate = 1000

func constBuffer(channels, frames int, v float32) *audio.Buffer {
	b := audio.NewBuffer(audio.Format{SampleRate: rate, Channels: channels}, frames)
	for c := range b.Data {
		for i := range b.Data[c] {
			b.Data[c][i] = v
		}
	}
	return b
}

func newTimeline(t *testing.T, channels int, opts ...audio.TimelineOption) *audio.Timeline {
	t.Helper()
	tl := audio.NewTimeline(audio.Format{SampleRate: rate, Channels: channels}, opts...)
	t.Cleanup(tl.Close)
	return tl
}

func TestTimeline_ClockFollowsRenderedFrames(t *testing.T) {
	t.Parallel()

	tl := newTimeline(t, 2)
	if tl.Now() != 0 {
		t.Fatalf("Now() = %v, want 0", tl.Now())
	}
	tl.Render(make([]float32, 2*250))
	tl.Render(make([]float32, 2*250))
	if got := tl.Now(); got != 500*time.Millisecond {
		t.Errorf("Now() = %v, want 500ms", got)
	}
}

func TestTimeline_PlacesVoiceAtPosition(t *testing.T) {
	t.Parallel()

	tl := newTimeline(t, 1)
	if _, err := tl.Play(constBuffer(1, 3, 0.5), 5*time.Millisecond, nil); err != nil {
		t.Fatalf("Play: %v", err)
	}

	out := make([]float32, 10)
	tl.Render(out)
	want := []float32{0, 0, 0, 0, 0, 0.5, 0.5, 0.5, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out = %v, want %v", out, want)
		}
	}
	if tl.Active() != 0 {
		t.Errorf("Active() = %d after voice finished", tl.Active())
	}
}

func TestTimeline_SpansBlocks(t *testing.T) {
	t.Parallel()

	tl := newTimeline(t, 1)
	if _, err := tl.Play(constBuffer(1, 6, 0.25), 2*time.Millisecond, nil); err != nil {
		t.Fatalf("Play: %v", err)
	}

	first := make([]float32, 4)
	second := make([]float32, 4)
	tl.Render(first)
	if tl.Active() != 1 {
		t.Fatalf("Active() = %d mid-voice, want 1", tl.Active())
	}
	tl.Render(second)

	got := append(first, second...)
	want := []float32{0, 0, 0.25, 0.25, 0.25, 0.25, 0.25, 0.25}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("out = %v, want %v", got, want)
		}
	}
}

func TestTimeline_PastStartSkipsElapsed(t *testing.T) {
	t.Parallel()

	tl := newTimeline(t, 1)
	tl.Render(make([]float32, 10))

	b := constBuffer(1, 4, 0)
	for i := range b.Data[0] {
		b.Data[0][i] = float32(i+1) / 10
	}
	if _, err := tl.Play(b, 8*time.Millisecond, nil); err != nil {
		t.Fatalf("Play: %v", err)
	}

	out := make([]float32, 4)
	tl.Render(out)
	want := []float32{0.3, 0.4, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out = %v, want %v", out, want)
		}
	}
}

func TestTimeline_MixesAndClamps(t *testing.T) {
	t.Parallel()

	tl := newTimeline(t, 2)
	for range 3 {
		if _, err := tl.Play(constBuffer(1, 2, 0.5), 0, nil); err != nil {
			t.Fatalf("Play: %v", err)
		}
	}
	out := make([]float32, 4)
	tl.Render(out)
	for i, s := range out {
		if s != 1 {
			t.Errorf("out[%d] = %v, want clamped 1", i, s)
		}
	}
}

func TestTimeline_EndedNotification(t *testing.T) {
	t.Parallel()

	tl := newTimeline(t, 1)
	ended := make(chan struct{}, 1)
	if _, err := tl.Play(constBuffer(1, 5, 0.1), 0, func() { ended <- struct{}{} }); err != nil {
		t.Fatalf("Play: %v", err)
	}

	tl.Render(make([]float32, 4))
	select {
	case <-ended:
		t.Fatal("ended before the last frame was rendered")
	case <-time.After(20 * time.Millisecond):
	}

	tl.Render(make([]float32, 4))
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("ended not delivered")
	}
}

func TestTimeline_StopSilencesWithoutEnded(t *testing.T) {
	t.Parallel()

	tl := newTimeline(t, 1)
	ended := make(chan struct{}, 1)
	v, err := tl.Play(constBuffer(1, 8, 0.7), 0, func() { ended <- struct{}{} })
	if err != nil {
		t.Fatalf("Play: %v", err)
	}

	v.Stop()
	v.Stop()
	out := make([]float32, 8)
	tl.Render(out)
	for i, s := range out {
		if s != 0 {
			t.Fatalf("out[%d] = %v after Stop", i, s)
		}
	}
	select {
	case <-ended:
		t.Error("stopped voice fired ended")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestTimeline_FormatMismatch(t *testing.T) {
	t.Parallel()

	tl := newTimeline(t, 1)
	b := audio.NewBuffer(audio.Format{SampleRate: 24000, Channels: 1}, 10)
	if _, err := tl.Play(b, 0, nil); !errors.Is(err, audio.ErrFormatMismatch) {
		t.Errorf("err = %v, want ErrFormatMismatch", err)
	}
	if _, err := tl.Play(&audio.Buffer{SampleRate: rate}, 0, nil); err == nil {
		t.Error("empty buffer accepted")
	}
}

func TestTimeline_OutputMeter(t *testing.T) {
	t.Parallel()

	m := audio.NewMeter()
	tl := newTimeline(t, 1, audio.WithOutputMeter(m))
	if _, err := tl.Play(constBuffer(1, 4, 0.5), 0, nil); err != nil {
		t.Fatalf("Play: %v", err)
	}
	tl.Render(make([]float32, 4))
	if got := m.Level(); got < 0.49 || got > 0.51 {
		t.Errorf("Level() = %v, want ~0.5", got)
	}
}

func TestVoice_Start(t *testing.T) {
	t.Parallel()

	tl := newTimeline(t, 1)
	v, err := tl.Play(constBuffer(1, 1, 0), 1500*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if v.Start() != 1500*time.Millisecond {
		t.Errorf("Start() = %v", v.Start())
	}
}
