// Package mock provides test doubles for the playback package interfaces.
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/livetalk/internal/playback"
	"github.com/MrWong99/livetalk/pkg/audio"
)

// Clock is a manually advanced playback.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Duration
}

// Now returns the current position.
func (c *Clock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to d.
func (c *Clock) Set(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = d
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

var _ playback.Clock = (*Clock)(nil)

// PlayCall records one invocation of Output.Play.
type PlayCall struct {
	Buf   *audio.Buffer
	At    time.Duration
	Voice *Voice
}

// Output is a mock playback.Output that records every Play call.
type Output struct {
	mu sync.Mutex

	// PlayErr, if non-nil, is returned by Play.
	PlayErr error

	calls []PlayCall
}

// Play records the call and returns a new Voice.
func (o *Output) Play(buf *audio.Buffer, at time.Duration, onEnded func()) (playback.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PlayErr != nil {
		return nil, o.PlayErr
	}
	v := &Voice{onEnded: onEnded}
	o.calls = append(o.calls, PlayCall{Buf: buf, At: at, Voice: v})
	return v, nil
}

// Calls returns a copy of every recorded Play call.
func (o *Output) Calls() []PlayCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PlayCall, len(o.calls))
	copy(out, o.calls)
	return out
}

var _ playback.Output = (*Output)(nil)

// Voice is a mock playback.Voice.
type Voice struct {
	mu      sync.Mutex
	onEnded func()
	stopped int
	ended   bool
}

// Stop records the call.
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped++
}

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped > 0
}

// End simulates natural completion and fires the ended notification once.
// Must not be called while holding locks the scheduler may need.
func (v *Voice) End() {
	v.mu.Lock()
	if v.ended || v.onEnded == nil {
		v.mu.Unlock()
		return
	}
	v.ended = true
	fn := v.onEnded
	v.mu.Unlock()
	fn()
}

var _ playback.Voice = (*Voice)(nil)
