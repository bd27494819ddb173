// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 at 24 kHz; captured frames at
// other rates are resampled before they are appended to the input buffer.
// Server-side voice activity detection doubles as the barge-in signal: a
// speech_started event is reported as an interruption.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/livetalk/pkg/audio"
	"github.com/MrWong99/livetalk/pkg/media"
	"github.com/MrWong99/livetalk/pkg/provider/s2s"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// nativeRate is the only PCM16 rate the Realtime API accepts and emits.
	nativeRate = 24000

	readLimit = 16 << 20
)

// ErrUnsupportedMedia is returned by SendRealtimeInput for blobs that are
// neither PCM audio nor JPEG images.
var ErrUnsupportedMedia = errors.New("openai: unsupported media type")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTranscriptionModel sets the model used for input audio transcription.
// An empty name disables input transcription.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: "whisper-1",
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:    nativeRate,
		OutputSampleRate:   nativeRate,
		MaxSessionDuration: 30 * time.Minute,
		Voices:             []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect establishes a new OpenAI Realtime session with the given configuration.
// cb.OnOpen fires on the first session.updated acknowledgement.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig, cb s2s.Callbacks) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w: %w", s2s.ErrTransport, err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		id:     s2s.NewSessionID(),
		conn:   conn,
		cb:     cb,
		outbox: s2s.NewOutbox(cfg.QueueSize()),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.writeJSON(ctx, p.sessionUpdate(cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w: %w", s2s.ErrTransport, err)
	}

	go sess.receiveLoop()
	go sess.writeLoop()

	return sess, nil
}

func (p *Provider) sessionUpdate(cfg s2s.SessionConfig) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if p.transcriptionModel != "" {
		params.InputAudioTranscription = &inputAudioTranscription{
			Model:    p.transcriptionModel,
			Language: primaryLanguage(cfg.Language),
		}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// primaryLanguage reduces a BCP-47 tag such as "es-ES" to its ISO-639-1
// primary subtag.
func primaryLanguage(tag string) string {
	lang, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(lang)
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string                 `json:"modalities,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection           `json:"turn_detection,omitempty"`
}

type inputAudioTranscription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type     string `json:"type"`
	ImageURL string `json:"image_url,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done /
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	id     string
	conn   *websocket.Conn
	cb     s2s.Callbacks
	outbox *s2s.Outbox

	mu     sync.Mutex
	closed bool

	// opened is only touched by the receive goroutine.
	opened bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *session) finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.outbox.Close()
	return true
}

func (s *session) fail(err error) {
	if s.finish() {
		s.cb.Error(err)
	}
	s.cancel()
	s.conn.CloseNow()
}

// receiveLoop reads events from the WebSocket and dispatches them.
func (s *session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				reason := ce.Reason
				if reason == "" {
					reason = ce.Code.String()
				}
				if s.finish() {
					s.cb.Close(reason)
				}
				s.cancel()
				return
			}
			s.fail(fmt.Errorf("openai: read: %w: %w", s2s.ErrTransport, err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent dispatches evt and reports whether the receive loop
// should continue.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "session.updated":
		if !s.opened {
			s.opened = true
			s.cb.Open()
		}

	case "response.audio.delta", "response.output_audio.delta":
		if evt.Delta != "" {
			s.cb.Message(&s2s.ServerMessage{Audio: []string{evt.Delta}})
		}

	case "input_audio_buffer.speech_started":
		s.cb.Message(&s2s.ServerMessage{Interrupted: true})

	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		if evt.Transcript != "" {
			s.cb.Message(&s2s.ServerMessage{OutputTranscript: evt.Transcript})
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" {
			s.cb.Message(&s2s.ServerMessage{InputTranscript: evt.Transcript})
		}

	case "response.done":
		s.cb.Message(&s2s.ServerMessage{TurnComplete: true})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.fail(fmt.Errorf("openai: server error: %s: %w", msg, s2s.ErrTransport))
		return false
	}
	return true
}

// writeLoop drains the outbox onto the connection in enqueue order.
func (s *session) writeLoop() {
	err := s.outbox.Run(s.ctx, func(ctx context.Context, msg []byte) error {
		return s.conn.Write(ctx, websocket.MessageText, msg)
	})
	if err != nil {
		s.fail(fmt.Errorf("openai: write: %w: %w", s2s.ErrTransport, err))
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// ID returns the session identifier.
func (s *session) ID() string { return s.id }

// SendRealtimeInput enqueues blob. PCM audio is resampled to 24 kHz and
// appended to the input buffer; JPEG stills are added as a user image item.
func (s *session) SendRealtimeInput(blob media.Blob) error {
	var msg any
	switch {
	case strings.HasPrefix(blob.MIMEType, "audio/pcm"):
		payload := blob.Data
		if rate, ok := media.PCMRate(blob.MIMEType); ok && rate != nativeRate {
			raw, err := blob.Bytes()
			if err != nil {
				return fmt.Errorf("openai: decode audio: %w", err)
			}
			payload = base64.StdEncoding.EncodeToString(audio.ResampleMono16(raw, rate, nativeRate))
		}
		msg = appendAudioMessage{Type: "input_audio_buffer.append", Audio: payload}

	case blob.MIMEType == media.MIMEJPEG:
		msg = createConversationItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type: "message",
				Role: "user",
				Content: []conversationPart{{
					Type:     "input_image",
					ImageURL: "data:" + media.MIMEJPEG + ";base64," + blob.Data,
				}},
			},
		}

	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedMedia, blob.MIMEType)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	if err := s.outbox.Push(data); err != nil {
		return fmt.Errorf("openai: send: %w", err)
	}
	return nil
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	if s.finish() {
		s.cb.Close("closed by client")
	}
	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
