package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrFormatMismatch is returned by Timeline.Play when a buffer's sample rate
// differs from the timeline's.
var ErrFormatMismatch = errors.New("audio: format mismatch")

// defaultNotifyQueue bounds the pending end-of-playback notifications.
const defaultNotifyQueue = 256

// Timeline mixes buffers placed at absolute positions into a continuous
// output stream. Its clock is the number of frames rendered so far, so
// positions are sample-accurate with respect to what the device has played.
//
// Render is called from the device's real-time callback. It never blocks on
// listeners: end-of-playback notifications are delivered from a separate
// goroutine, so they never run synchronously inside Play or Render.
//
// All exported methods are safe for concurrent use. Call [Timeline.Close] to
// stop the notification goroutine.
type Timeline struct {
	format Format
	meter  *Meter

	mu     sync.Mutex
	pos    int64 // frames rendered
	voices []*Voice

	notify chan *Voice
	done   chan struct{}
	once   sync.Once
}

// TimelineOption configures a [Timeline] during construction.
type TimelineOption func(*Timeline)

// WithOutputMeter observes every rendered block with m.
func WithOutputMeter(m *Meter) TimelineOption {
	return func(t *Timeline) { t.meter = m }
}

// NewTimeline returns a silent Timeline producing f. It panics if f is not
// valid.
func NewTimeline(f Format, opts ...TimelineOption) *Timeline {
	if !f.Valid() {
		panic(fmt.Sprintf("audio: invalid timeline format %s", f))
	}
	t := &Timeline{
		format: f,
		notify: make(chan *Voice, defaultNotifyQueue),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	go t.dispatch()
	return t
}

// Format returns the output format.
func (t *Timeline) Format() Format { return t.format }

// Now returns the position of the next frame to be rendered.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return FramesToDuration(int(t.pos), t.format.SampleRate)
}

// Active returns the number of voices that are queued or playing.
func (t *Timeline) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.voices)
}

// Play places buf at position at. A position in the past starts immediately
// with the elapsed part skipped. onEnded, if non-nil, is called once from the
// notification goroutine after the last frame has been rendered, unless the
// voice was stopped first.
func (t *Timeline) Play(buf *Buffer, at time.Duration, onEnded func()) (*Voice, error) {
	if buf == nil || buf.Frames() == 0 {
		return nil, fmt.Errorf("audio: play: empty buffer")
	}
	if buf.SampleRate != t.format.SampleRate {
		return nil, fmt.Errorf("audio: play %s on %s: %w", buf.Format(), t.format, ErrFormatMismatch)
	}
	v := &Voice{
		t:       t,
		buf:     buf,
		start:   DurationToFrames(at, t.format.SampleRate),
		onEnded: onEnded,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.voices = append(t.voices, v)
	return v, nil
}

// Render fills out, interleaved with the timeline's channel count, with the
// sum of every voice overlapping the next len(out)/channels frames, and
// advances the clock.
func (t *Timeline) Render(out []float32) {
	ch := t.format.Channels
	n := len(out) / ch
	clear(out)

	t.mu.Lock()
	from, to := t.pos, t.pos+int64(n)
	kept := t.voices[:0]
	var ended []*Voice
	for _, v := range t.voices {
		if v.stopped {
			continue
		}
		end := v.start + int64(v.buf.Frames())
		lo, hi := max(v.start, from), min(end, to)
		for f := lo; f < hi; f++ {
			src := int(f - v.start)
			dst := int(f-from) * ch
			for c := range ch {
				out[dst+c] += v.sample(c, src)
			}
		}
		if end <= to {
			v.stopped = true
			ended = append(ended, v)
			continue
		}
		kept = append(kept, v)
	}
	clear(t.voices[len(kept):])
	t.voices = kept
	t.pos = to
	t.mu.Unlock()

	for i, s := range out {
		out[i] = max(-1, min(1, s))
	}
	if t.meter != nil {
		t.meter.Observe(out)
	}
	for _, v := range ended {
		if v.onEnded == nil {
			continue
		}
		select {
		case t.notify <- v:
		default:
			go v.onEnded()
		}
	}
}

// Close stops the notification goroutine and drops every voice. Pending
// notifications are discarded. Idempotent.
func (t *Timeline) Close() {
	t.once.Do(func() {
		t.mu.Lock()
		t.voices = nil
		t.mu.Unlock()
		close(t.done)
	})
}

func (t *Timeline) dispatch() {
	for {
		select {
		case <-t.done:
			return
		case v := <-t.notify:
			v.onEnded()
		}
	}
}

// Voice is one buffer placed on a Timeline.
type Voice struct {
	t       *Timeline
	buf     *Buffer
	start   int64
	onEnded func()

	// stopped is guarded by t.mu.
	stopped bool
}

// Start returns the scheduled start position.
func (v *Voice) Start() time.Duration {
	return FramesToDuration(int(v.start), v.t.format.SampleRate)
}

// Stop removes the voice from the timeline. A stopped voice is silent from
// the next rendered block on and does not trigger onEnded. Idempotent.
func (v *Voice) Stop() {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	if v.stopped {
		return
	}
	v.stopped = true
	for i, o := range v.t.voices {
		if o == v {
			v.t.voices = append(v.t.voices[:i], v.t.voices[i+1:]...)
			break
		}
	}
}

// sample returns the value of output channel c at frame i, mapping mono
// buffers to every channel and downmixing otherwise mismatched layouts.
func (v *Voice) sample(c, i int) float32 {
	switch {
	case v.buf.Channels() == v.t.format.Channels:
		return v.buf.Data[c][i]
	case v.buf.Channels() == 1:
		return v.buf.Data[0][i]
	default:
		return v.buf.MonoAt(i)
	}
}
