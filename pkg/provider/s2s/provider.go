// Package s2s defines the Provider interface for live speech-to-speech
// backends.
//
// A live provider holds one persistent bidirectional session with a remote
// conversational engine: the client streams realtime media (PCM audio frames
// and JPEG stills) and the engine streams synthesised audio replies back,
// together with turn and interruption signals.
//
// Inbound events are delivered through a [Callbacks] set supplied to
// [Provider.Connect]. Every callback for one session is invoked from that
// session's single receive goroutine, so callbacks observe server messages in
// arrival order. Outbound media is queued and written by one writer goroutine
// per session; [SessionHandle.SendRealtimeInput] never blocks.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/livetalk/pkg/media"
)

var (
	// ErrTransport wraps failures of the underlying connection: dial errors,
	// read/write errors and error frames reported by the remote engine.
	ErrTransport = errors.New("s2s: transport error")

	// ErrSessionClosed is returned when sending on a session that has been
	// closed by either side.
	ErrSessionClosed = errors.New("s2s: session closed")

	// ErrSendQueueFull is returned when the outbound queue of a session is
	// full. The offered blob is dropped.
	ErrSendQueueFull = errors.New("s2s: send queue full")
)

// DefaultSendQueue is the outbound queue depth used when SessionConfig.SendQueue
// is zero. At 16 kHz with 256-sample frames this is roughly one second of audio.
const DefaultSendQueue = 64

// SessionConfig is the fixed configuration of a new live session.
type SessionConfig struct {
	// Instructions is the system-level persona prompt.
	Instructions string

	// Voice is the provider-specific prebuilt voice name (e.g. "Orus").
	// Empty selects the provider default.
	Voice string

	// Language is an optional BCP-47 language code for speech output.
	Language string

	// InputSampleRate is the sample rate of outbound PCM frames. Zero means
	// 16000.
	InputSampleRate int

	// OutputSampleRate is the sample rate the caller expects inbound audio in.
	// Zero means the provider's native rate.
	OutputSampleRate int

	// SendQueue bounds the number of outbound messages buffered ahead of the
	// writer. Zero means [DefaultSendQueue].
	SendQueue int
}

// QueueSize returns the effective outbound queue depth.
func (c SessionConfig) QueueSize() int {
	if c.SendQueue <= 0 {
		return DefaultSendQueue
	}
	return c.SendQueue
}

// ServerMessage is one inbound event from the remote engine.
//
// Audio holds the base64 payloads of every inline-data part of the model turn,
// in order. Consumers decode each payload and then, if Interrupted is set,
// cancel all pending playback.
//
// GoAway announces that the engine will end the session soon; TimeLeft is
// the remaining time when the engine reports one and zero otherwise.
type ServerMessage struct {
	Audio            []string
	Interrupted      bool
	TurnComplete     bool
	InputTranscript  string
	OutputTranscript string

	GoAway   bool
	TimeLeft time.Duration
}

// HasAudio reports whether the message carries at least one audio payload.
func (m *ServerMessage) HasAudio() bool { return len(m.Audio) > 0 }

// Callbacks receives the lifecycle and message events of one session. Nil
// fields are ignored.
//
// Exactly one of OnError or OnClose is invoked when the session ends. OnOpen is
// invoked once the engine has acknowledged the session configuration.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(*ServerMessage)
	OnError   func(error)
	OnClose   func(reason string)
}

// Open invokes OnOpen if set.
func (c Callbacks) Open() {
	if c.OnOpen != nil {
		c.OnOpen()
	}
}

// Message invokes OnMessage if set.
func (c Callbacks) Message(m *ServerMessage) {
	if c.OnMessage != nil {
		c.OnMessage(m)
	}
}

// Error invokes OnError if set.
func (c Callbacks) Error(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

// Close invokes OnClose if set.
func (c Callbacks) Close(reason string) {
	if c.OnClose != nil {
		c.OnClose(reason)
	}
}

// SessionHandle is the caller's handle on an open live session. It is an
// interface so tests can supply mock implementations without a live
// connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// ID returns the opaque session identifier used in logs.
	ID() string

	// SendRealtimeInput enqueues one media blob for delivery. It never blocks:
	// it returns [ErrSendQueueFull] when the queue is full and
	// [ErrSessionClosed] when the session has ended.
	SendRealtimeInput(blob media.Blob) error

	// Close terminates the session. OnClose fires with a client-side reason
	// unless the session already ended. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// InputSampleRate is the PCM rate the engine expects for audio input.
	InputSampleRate int

	// OutputSampleRate is the PCM rate of synthesised audio.
	OutputSampleRate int

	// MaxSessionDuration is the hard upper bound on session lifetime imposed
	// by the provider. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voice names the provider accepts.
	Voices []string
}

// Provider is the abstraction over any live speech-to-speech backend.
type Provider interface {
	// Connect dials the engine and sends the session configuration. The
	// returned handle accepts media immediately; cb.OnOpen fires once the
	// engine acknowledges the setup, possibly before Connect returns.
	//
	// ctx bounds the dial only; the session outlives it until Close.
	Connect(ctx context.Context, cfg SessionConfig, cb Callbacks) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
