package portaudio

import (
	"fmt"
	"io"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/livetalk/pkg/audio"
)

// SpeakerConfig configures the output stream.
type SpeakerConfig struct {
	// SampleRate of the stream. Buffers played on the speaker must match it.
	SampleRate int

	// Channels of the stream. Mono buffers are copied to every channel.
	Channels int

	// FramesPerBuffer per callback. Smaller values lower latency.
	FramesPerBuffer int

	// Meter, if set, observes everything the speaker renders.
	Meter *audio.Meter
}

// Speaker is the default output device driven by an [audio.Timeline]. Its
// clock is the timeline position, so scheduling against Now is sample
// accurate relative to what the device has consumed.
type Speaker struct {
	tl     *audio.Timeline
	closer io.Closer
}

// OpenSpeaker opens and starts the default output device.
func OpenSpeaker(cfg SpeakerConfig) (*Speaker, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = 512
	}
	if _, err := portaudio.DefaultOutputDevice(); err != nil {
		return nil, mapError("open speaker", err)
	}

	var opts []audio.TimelineOption
	if cfg.Meter != nil {
		opts = append(opts, audio.WithOutputMeter(cfg.Meter))
	}
	tl := audio.NewTimeline(audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}, opts...)

	stream, err := portaudio.OpenDefaultStream(0, cfg.Channels, float64(cfg.SampleRate), cfg.FramesPerBuffer, func(out []float32) {
		tl.Render(out)
	})
	if err != nil {
		tl.Close()
		return nil, mapError("open speaker", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		tl.Close()
		return nil, mapError("start speaker", err)
	}
	return &Speaker{tl: tl, closer: &startedStream{s: stream, op: "speaker"}}, nil
}

// Now returns the output clock.
func (s *Speaker) Now() time.Duration { return s.tl.Now() }

// Format returns the stream format.
func (s *Speaker) Format() audio.Format { return s.tl.Format() }

// Play schedules buf at the absolute output position at.
func (s *Speaker) Play(buf *audio.Buffer, at time.Duration, onEnded func()) (*audio.Voice, error) {
	v, err := s.tl.Play(buf, at, onEnded)
	if err != nil {
		return nil, fmt.Errorf("portaudio: %w", err)
	}
	return v, nil
}

// Close stops the device and drops all voices.
func (s *Speaker) Close() error {
	err := s.closer.Close()
	s.tl.Close()
	return err
}
