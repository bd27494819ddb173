// Package capture turns a live microphone stream into encoded PCM frames and
// forwards them to the session without batching.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/livetalk/internal/observe"
	"github.com/MrWong99/livetalk/pkg/audio"
	"github.com/MrWong99/livetalk/pkg/audio/pcm"
	"github.com/MrWong99/livetalk/pkg/media"
)

// ErrPermission is reported when the user or OS refused microphone access.
var ErrPermission = audio.ErrPermissionDenied

const (
	// DefaultFrameSize is the number of samples per outbound frame.
	DefaultFrameSize = 256

	// DefaultSampleRate is the microphone capture rate.
	DefaultSampleRate = pcm.DefaultInputRate
)

// Microphone opens capture streams. fn is called from the device's callback
// goroutine with exactly frameSize mono samples per call; the slice is only
// valid for the duration of the call.
type Microphone interface {
	Open(ctx context.Context, sampleRate, frameSize int, fn func(samples []float32)) (io.Closer, error)
}

// Sender accepts encoded audio frames. It must not block.
type Sender interface {
	SendAudioFrame(blob media.Blob) error
}

// VideoStopper is stopped together with recording.
type VideoStopper interface {
	StopVideo()
}

// Reporter receives user-facing status and error lines.
type Reporter interface {
	SetStatus(msg string)
	SetError(msg string)
}

// Config configures a Pipeline.
type Config struct {
	// SampleRate of captured audio. Zero means DefaultSampleRate.
	SampleRate int

	// FrameSize in samples. Zero means DefaultFrameSize.
	FrameSize int

	// Meter, if set, observes every captured frame before encoding.
	Meter *audio.Meter

	// Video, if set, is stopped whenever recording stops.
	Video VideoStopper

	// Reporter, if set, receives status and error lines.
	Reporter Reporter

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Pipeline owns the recording state: an active flag and the live microphone
// stream. It is safe for concurrent use.
type Pipeline struct {
	mic    Microphone
	sender Sender
	cfg    Config

	recording atomic.Bool
	sent      atomic.Int64
	dropped   atomic.Int64

	mu     sync.Mutex
	stream io.Closer
}

// New returns a stopped Pipeline that reads from mic and sends to sender.
func New(mic Microphone, sender Sender, cfg Config) *Pipeline {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Pipeline{mic: mic, sender: sender, cfg: cfg}
}

// Start opens the microphone and begins forwarding frames. Starting an
// already recording pipeline is a no-op. On failure no stream is left open
// and the error wraps one of audio.ErrPermissionDenied, audio.ErrNoDevice or
// audio.ErrDevice.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return nil
	}

	p.status("Requesting microphone access...")
	p.recording.Store(true)
	stream, err := p.mic.Open(ctx, p.cfg.SampleRate, p.cfg.FrameSize, p.onFrame)
	if err != nil {
		p.recording.Store(false)
		p.cfg.Metrics.RecordDeviceError(ctx, "microphone")
		slog.Error("capture: microphone open failed", "err", err)
		if errors.Is(err, audio.ErrPermissionDenied) {
			p.fail(fmt.Sprintf("Microphone permission denied: %v", err))
		} else {
			p.fail(fmt.Sprintf("Microphone error: %v", err))
		}
		return fmt.Errorf("capture: start: %w", err)
	}
	p.stream = stream

	slog.Info("capture: recording started", "sample_rate", p.cfg.SampleRate, "frame_size", p.cfg.FrameSize)
	p.status("Recording... capturing PCM chunks.")
	return nil
}

// Stop closes the microphone stream, clears the recording state, and stops
// any active video. Stopping an idle pipeline is a no-op.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil && !p.recording.Load() {
		return
	}

	p.status("Stopping recording...")
	p.recording.Store(false)
	if p.stream != nil {
		if err := p.stream.Close(); err != nil {
			slog.Warn("capture: closing microphone stream", "err", err)
		}
		p.stream = nil
	}
	if p.cfg.Video != nil {
		p.cfg.Video.StopVideo()
	}
	slog.Info("capture: recording stopped", "frames_sent", p.sent.Load(), "frames_dropped", p.dropped.Load())
	p.status("Recording stopped.")
}

// Recording reports whether frames are currently being forwarded.
func (p *Pipeline) Recording() bool { return p.recording.Load() }

// Stats returns the number of frames sent and dropped since creation.
func (p *Pipeline) Stats() (sent, dropped int64) {
	return p.sent.Load(), p.dropped.Load()
}

// onFrame runs on the device callback goroutine.
func (p *Pipeline) onFrame(samples []float32) {
	if !p.recording.Load() {
		return
	}
	if p.cfg.Meter != nil {
		p.cfg.Meter.Observe(samples)
	}
	if err := p.sender.SendAudioFrame(pcm.EncodeRate(samples, p.cfg.SampleRate)); err != nil {
		p.dropped.Add(1)
		return
	}
	p.sent.Add(1)
}

func (p *Pipeline) status(msg string) {
	if p.cfg.Reporter != nil {
		p.cfg.Reporter.SetStatus(msg)
	}
}

func (p *Pipeline) fail(msg string) {
	if p.cfg.Reporter != nil {
		p.cfg.Reporter.SetError(msg)
	}
}
