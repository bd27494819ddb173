package portaudio

import (
	"context"
	"io"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// Microphone opens mono capture streams on the default input device.
type Microphone struct{}

// NewMicrophone returns a Microphone.
func NewMicrophone() *Microphone { return &Microphone{} }

// Open starts a capture stream at sampleRate delivering exactly frameSize
// samples per call to fn. fn runs on PortAudio's callback thread and must not
// block; the slice is reused after fn returns.
func (m *Microphone) Open(ctx context.Context, sampleRate, frameSize int, fn func(samples []float32)) (io.Closer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := portaudio.DefaultInputDevice(); err != nil {
		return nil, mapError("open microphone", err)
	}

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), frameSize, func(in []float32) {
		fn(in)
	})
	if err != nil {
		return nil, mapError("open microphone", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, mapError("start microphone", err)
	}
	return &startedStream{s: stream, op: "microphone"}, nil
}

// startedStream stops and closes a started stream exactly once.
type startedStream struct {
	s    *portaudio.Stream
	op   string
	once sync.Once
	err  error
}

func (c *startedStream) Close() error {
	c.once.Do(func() {
		if err := c.s.Stop(); err != nil {
			c.err = mapError("stop "+c.op, err)
		}
		if err := c.s.Close(); err != nil && c.err == nil {
			c.err = mapError("close "+c.op, err)
		}
	})
	return c.err
}
