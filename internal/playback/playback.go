// Package playback places decoded reply audio on a continuous, gap-free
// output timeline and cancels it on interruption.
//
// A [Scheduler] keeps a cursor on the output device's clock. Each chunk starts
// at max(cursor, now) and advances the cursor by its duration, so
// back-to-back chunks play seamlessly while a chunk arriving after the
// timeline has drained starts immediately instead of in the past.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/livetalk/internal/observe"
	"github.com/MrWong99/livetalk/pkg/audio"
)

// ErrEmptyBuffer is returned by Schedule for buffers without samples.
var ErrEmptyBuffer = errors.New("playback: empty buffer")

// Clock reports the current position of the output device's timeline.
type Clock interface {
	Now() time.Duration
}

// Voice is one scheduled playback source.
type Voice interface {
	// Stop cancels playback immediately, whether or not it has started.
	// Stop does not trigger the ended notification. Idempotent.
	Stop()
}

// Output renders buffers at absolute positions on its clock.
//
// Play must not invoke onEnded synchronously; it is called at most once,
// from the output's own goroutine, when the buffer has finished playing.
type Output interface {
	Play(buf *audio.Buffer, at time.Duration, onEnded func()) (Voice, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics records scheduling metrics to m. Defaults to
// observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler owns the playback cursor and the set of active voices. All
// methods are safe for concurrent use; Schedule and Interrupt are mutually
// atomic.
type Scheduler struct {
	out     Output
	clock   Clock
	metrics *observe.Metrics

	mu     sync.Mutex
	nextID uint64
	voices map[uint64]Voice

	// The cursor is runStart plus runFrames at runRate: the frames queued
	// since the current gap-free run began, converted once.
	runStart  time.Duration
	runFrames int64
	runRate   int
}

// New returns a Scheduler whose cursor starts at clock.Now().
func New(out Output, clock Clock, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:      out,
		clock:    clock,
		runStart: clock.Now(),
		voices:   make(map[uint64]Voice),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Schedule queues buf to start at max(cursor, now) and advances the cursor
// past it. It returns the start position on the output clock. On error the
// cursor is unchanged.
func (s *Scheduler) Schedule(buf *audio.Buffer) (time.Duration, error) {
	if buf == nil || buf.Frames() == 0 {
		return 0, ErrEmptyBuffer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cursor := s.cursorLocked()
	start := max(cursor, now)

	id := s.nextID
	s.nextID++
	voice, err := s.out.Play(buf, start, func() { s.ended(id) })
	if err != nil {
		return 0, fmt.Errorf("playback: schedule: %w", err)
	}
	s.voices[id] = voice
	if start == cursor && buf.SampleRate == s.runRate {
		s.runFrames += int64(buf.Frames())
	} else {
		s.runStart, s.runFrames, s.runRate = start, int64(buf.Frames()), buf.SampleRate
	}

	ctx := context.Background()
	s.metrics.ChunksScheduled.Add(ctx, 1)
	s.metrics.ActiveVoices.Add(ctx, 1)
	s.metrics.ScheduleLead.Record(ctx, (start - now).Seconds())
	return start, nil
}

// Interrupt stops every active voice, forgets them, and resets the cursor to
// zero so the next chunk starts at the current clock position. It returns the
// number of voices stopped.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.voices)
	for id, v := range s.voices {
		v.Stop()
		delete(s.voices, id)
	}
	s.runStart, s.runFrames, s.runRate = 0, 0, 0
	if n > 0 {
		s.metrics.ActiveVoices.Add(context.Background(), int64(-n))
	}
	return n
}

// Active returns the number of voices scheduled and not yet ended.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.voices)
}

// Cursor returns the position at which the next chunk would start if the
// clock has not passed it.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursorLocked()
}

func (s *Scheduler) cursorLocked() time.Duration {
	return s.runStart + audio.FramesToDuration(int(s.runFrames), s.runRate)
}

// ended removes a voice that finished naturally. Voices already removed by
// Interrupt are ignored.
func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.voices[id]; !ok {
		return
	}
	delete(s.voices, id)
	s.metrics.ActiveVoices.Add(context.Background(), -1)
}
