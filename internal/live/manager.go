// Package live owns the single live session with the remote conversational
// engine: it opens and resets the session, routes outbound media to it, and
// turns inbound messages into scheduled playback and interruptions.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livetalk/internal/observe"
	"github.com/MrWong99/livetalk/pkg/audio"
	"github.com/MrWong99/livetalk/pkg/audio/pcm"
	"github.com/MrWong99/livetalk/pkg/media"
	"github.com/MrWong99/livetalk/pkg/provider/s2s"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoSession is returned by the send methods when no session can carry
// media.
var ErrNoSession = errors.New("live: no open session")

// Playback is the output side of the manager.
type Playback interface {
	Schedule(buf *audio.Buffer) (time.Duration, error)
	Interrupt() int
}

// Config configures a Manager.
type Config struct {
	// Session is the initial session configuration.
	Session s2s.SessionConfig

	// OutputSampleRate and OutputChannels describe inbound PCM. Zero means
	// 24000 Hz mono.
	OutputSampleRate int
	OutputChannels   int

	// Board receives status, error and transcript lines. A new Board is
	// created when nil.
	Board *Board

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Manager is the session lifecycle state machine. At most one session is
// live at a time. Callbacks from superseded sessions are ignored: each open
// attempt gets a generation number and callbacks compare it with the current
// one under the manager mutex.
type Manager struct {
	provider s2s.Provider
	playback Playback
	board    *Board
	metrics  *observe.Metrics
	outFmt   audio.Format

	mu     sync.Mutex
	cfg    s2s.SessionConfig
	state  State
	gen    uint64
	handle s2s.SessionHandle
}

// NewManager returns an idle Manager.
func NewManager(provider s2s.Provider, pb Playback, cfg Config) *Manager {
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = 24000
	}
	if cfg.OutputChannels <= 0 {
		cfg.OutputChannels = 1
	}
	if cfg.Board == nil {
		cfg.Board = NewBoard()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Manager{
		provider: provider,
		playback: pb,
		board:    cfg.Board,
		metrics:  cfg.Metrics,
		outFmt:   audio.Format{SampleRate: cfg.OutputSampleRate, Channels: cfg.OutputChannels},
		cfg:      cfg.Session,
	}
}

// Board returns the manager's status board.
func (m *Manager) Board() *Board { return m.board }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID returns the id of the current session handle, or "".
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return ""
	}
	return m.handle.ID()
}

// Ready reports whether the session is open. It backs the readiness probe.
func (m *Manager) Ready() bool { return m.State() == StateOpen }

// SessionOpen reports whether a session is available for media.
func (m *Manager) SessionOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle != nil && m.state.Live()
}

// Open dials a new session. It is a no-op while a session is connecting or
// open. The session becomes Open once the engine acknowledges the setup.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Live() {
		m.mu.Unlock()
		return nil
	}
	gen, cfg := m.beginLocked()
	m.mu.Unlock()

	return m.dial(ctx, gen, cfg)
}

// Reset closes the current session, stops all scheduled output, and opens a
// fresh session with the latest configuration. It is the only recovery path
// from Error and Closed.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	old := m.handle
	m.handle = nil
	gen, cfg := m.beginLocked()
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			m.logger(ctx).Warn("live: closing previous session", "previous_session_id", old.ID(), "err", err)
		}
	}
	if n := m.playback.Interrupt(); n > 0 {
		m.logger(ctx).Debug("live: stopped pending playback on reset", "voices", n)
	}
	m.board.EndTranscriptTurn()
	m.board.SetStatus("Session cleared.")
	m.logger(ctx).Info("live: session reset")

	return m.dial(ctx, gen, cfg)
}

// Close ends the current session for good. Sends fail afterwards until Open
// or Reset is called. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	old := m.handle
	m.handle = nil
	m.gen++
	wasLive := m.state.Live()
	if m.state != StateIdle {
		m.state = StateClosed
	}
	m.mu.Unlock()

	if old == nil {
		return nil
	}
	if wasLive {
		m.metrics.RecordSessionTransition(context.Background(), StateClosed.String())
	}
	m.playback.Interrupt()
	if err := old.Close(); err != nil {
		return fmt.Errorf("live: close: %w", err)
	}
	return nil
}

// Reconfigure stores cfg for the next Open or Reset. The current session is
// not touched.
func (m *Manager) Reconfigure(cfg s2s.SessionConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	slog.Info("live: session configuration updated; takes effect on next reset", "voice", cfg.Voice)
}

// SendAudioFrame forwards an encoded microphone frame. It never blocks.
func (m *Manager) SendAudioFrame(blob media.Blob) error {
	return m.send(blob, observe.KindAudio)
}

// SendImageFrame forwards an encoded still image. It never blocks.
func (m *Manager) SendImageFrame(blob media.Blob) error {
	err := m.send(blob, observe.KindImage)
	if err == nil {
		m.logger(context.Background()).Info("live: image frame sent", "mime", blob.MIMEType, "bytes", len(blob.Data))
	}
	return err
}

func (m *Manager) send(blob media.Blob, kind string) error {
	m.mu.Lock()
	h := m.handle
	live := m.state.Live()
	m.mu.Unlock()

	ctx := context.Background()
	if h == nil || !live {
		m.metrics.RecordFrameDropped(ctx, kind, observe.ReasonNoSession)
		m.logger(ctx).Debug("live: frame dropped", "kind", kind, "reason", observe.ReasonNoSession)
		return ErrNoSession
	}
	if err := h.SendRealtimeInput(blob); err != nil {
		reason := observe.ReasonError
		switch {
		case errors.Is(err, s2s.ErrSendQueueFull):
			reason = observe.ReasonQueueFull
		case errors.Is(err, s2s.ErrSessionClosed):
			reason = observe.ReasonClosed
		}
		m.metrics.RecordFrameDropped(ctx, kind, reason)
		m.logger(ctx).Debug("live: frame dropped", "kind", kind, "reason", reason)
		return fmt.Errorf("live: send %s: %w", kind, err)
	}
	m.metrics.RecordFrameSent(ctx, kind)
	return nil
}

// beginLocked starts a new generation in the Connecting state. m.mu must be
// held.
func (m *Manager) beginLocked() (uint64, s2s.SessionConfig) {
	m.gen++
	m.state = StateConnecting
	return m.gen, m.cfg
}

func (m *Manager) dial(ctx context.Context, gen uint64, cfg s2s.SessionConfig) error {
	m.metrics.RecordSessionTransition(ctx, StateConnecting.String())
	m.board.SetStatus("Connecting...")

	ctx = observe.WithSession(ctx, "", StateConnecting.String())
	ctx, span := observe.StartSpan(ctx, "live.open", trace.WithAttributes(
		observe.AttrVoice.String(cfg.Voice),
		observe.AttrGeneration.Int64(int64(gen)),
	))
	defer span.End()

	start := time.Now()
	handle, err := m.provider.Connect(ctx, cfg, m.callbacks(gen))
	m.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())

	m.mu.Lock()
	if gen != m.gen {
		// Reset or Close ran while dialling.
		m.mu.Unlock()
		if handle != nil {
			_ = handle.Close()
		}
		span.SetAttributes(observe.AttrSessionState.String("superseded"))
		return nil
	}
	if err != nil {
		m.state = StateError
		m.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		span.SetAttributes(observe.AttrSessionState.String(StateError.String()))
		m.metrics.RecordSessionTransition(ctx, StateError.String())
		observe.Logger(observe.WithSession(ctx, "", StateError.String())).Error("live: connect failed", "err", err)
		m.board.SetError(err.Error())
		return fmt.Errorf("live: open: %w", err)
	}
	m.handle = handle
	state := m.state
	m.mu.Unlock()

	span.SetAttributes(observe.SessionAttrs(handle.ID(), state.String())...)
	observe.Logger(observe.WithSession(ctx, handle.ID(), state.String())).Info("live: session dialled", "voice", cfg.Voice)
	return nil
}

// logger returns a logger carrying the current session id and state.
func (m *Manager) logger(ctx context.Context) *slog.Logger {
	m.mu.Lock()
	id := ""
	if m.handle != nil {
		id = m.handle.ID()
	}
	state := m.state
	m.mu.Unlock()
	return observe.Logger(observe.WithSession(ctx, id, state.String()))
}

// callbacks binds the provider events of one generation to the manager.
func (m *Manager) callbacks(gen uint64) s2s.Callbacks {
	return s2s.Callbacks{
		OnOpen: func() {
			if !m.transition(gen, StateOpen, StateConnecting) {
				return
			}
			m.logger(context.Background()).Info("live: session opened")
			m.board.SetStatus("Opened")
		},
		OnMessage: func(msg *s2s.ServerMessage) {
			if !m.current(gen) {
				return
			}
			m.handleMessage(msg)
		},
		OnError: func(err error) {
			if !m.transition(gen, StateError, StateConnecting, StateOpen) {
				return
			}
			m.logger(context.Background()).Error("live: session error", "err", err)
			m.board.SetError(err.Error())
		},
		OnClose: func(reason string) {
			if !m.transition(gen, StateClosed, StateConnecting, StateOpen) {
				return
			}
			m.logger(context.Background()).Info("live: session closed", "reason", reason)
			m.board.SetStatus("Close: " + reason)
		},
	}
}

// transition moves to state `to` if gen is current and the state is one of
// from. It reports whether the transition happened.
func (m *Manager) transition(gen uint64, to State, from ...State) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	ok := false
	for _, f := range from {
		if m.state == f {
			ok = true
			break
		}
	}
	if ok {
		m.state = to
	}
	m.mu.Unlock()

	if ok {
		m.metrics.RecordSessionTransition(context.Background(), to.String())
	}
	return ok
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

// handleMessage schedules every audio payload of msg, then applies the
// interruption flag. Bad payloads are logged and skipped; they never touch
// the playback cursor.
func (m *Manager) handleMessage(msg *s2s.ServerMessage) {
	ctx := context.Background()
	for _, payload := range msg.Audio {
		data, err := pcm.Decode(payload)
		if err != nil {
			m.metrics.RecordChunkError(ctx, "decode")
			m.logger(ctx).Warn("live: dropping undecodable audio chunk", "err", err)
			continue
		}
		buf, err := pcm.DecodeAudioData(data, m.outFmt.SampleRate, m.outFmt.Channels)
		if err != nil {
			m.metrics.RecordChunkError(ctx, "format")
			m.logger(ctx).Warn("live: dropping malformed audio chunk", "bytes", len(data), "err", err)
			continue
		}
		if buf.Frames() == 0 {
			continue
		}
		if _, err := m.playback.Schedule(buf); err != nil {
			m.metrics.RecordChunkError(ctx, "schedule")
			slog.Warn("live: scheduling audio chunk", "err", err)
		}
	}

	if msg.Interrupted {
		n := m.playback.Interrupt()
		m.metrics.Interruptions.Add(ctx, 1)
		slog.Debug("live: interrupted", "voices_stopped", n)
	}

	if msg.InputTranscript != "" {
		m.board.AppendTranscript("you", msg.InputTranscript)
	}
	if msg.OutputTranscript != "" {
		m.board.AppendTranscript("model", msg.OutputTranscript)
	}
	if msg.TurnComplete {
		m.board.EndTranscriptTurn()
	}

	if msg.GoAway {
		m.logger(ctx).Warn("live: engine is ending the session", "time_left", msg.TimeLeft)
		m.board.SetStatus(goAwayStatus(msg.TimeLeft))
	}
}

// goAwayStatus is the board line shown when the engine announces the end of
// the session.
func goAwayStatus(left time.Duration) string {
	if left <= 0 {
		return "Session ending soon; reset to continue."
	}
	if left >= time.Second {
		left = left.Round(time.Second)
	}
	return fmt.Sprintf("Session ending in %s; reset to continue.", left)
}
