// Package app wires all livetalk subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the devices, the output
// scheduler, the session manager, the capture pipeline and the video bridge;
// Run opens the live session and serves the operational endpoints; Shutdown
// tears everything down in order.
//
// For testing, inject device doubles via functional options (WithMicrophone,
// WithOutput, WithVideoOpener). When an option is not provided, New opens the
// real PortAudio devices and the ffmpeg video sources from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livetalk/internal/capture"
	"github.com/MrWong99/livetalk/internal/config"
	"github.com/MrWong99/livetalk/internal/health"
	"github.com/MrWong99/livetalk/internal/live"
	"github.com/MrWong99/livetalk/internal/observe"
	"github.com/MrWong99/livetalk/internal/playback"
	"github.com/MrWong99/livetalk/internal/video"
	"github.com/MrWong99/livetalk/pkg/audio"
	"github.com/MrWong99/livetalk/pkg/audio/portaudio"
	"github.com/MrWong99/livetalk/pkg/provider/s2s"
)

// shutdownTimeout bounds the graceful stop of the HTTP server.
const shutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes of the livetalk client.
type App struct {
	cfg      *config.Config
	provider s2s.Provider
	caps     s2s.Capabilities

	// outRate is the PCM rate of inbound audio and of the speaker.
	outRate int

	// Injected or opened in New.
	mic     capture.Microphone
	output  playback.Output
	clock   playback.Clock
	opener  video.Opener
	metrics *observe.Metrics
	promReg *prometheus.Registry
	level   *slog.LevelVar

	configPath string
	autoRecord bool

	// Subsystems, initialised in New and torn down in Shutdown.
	board     *live.Board
	scheduler *playback.Scheduler
	manager   *live.Manager
	capture   *capture.Pipeline
	video     *video.Bridge
	inMeter   *audio.Meter
	outMeter  *audio.Meter

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMicrophone injects the capture device instead of the default PortAudio
// input.
func WithMicrophone(m capture.Microphone) Option {
	return func(a *App) { a.mic = m }
}

// WithOutput injects the playback device and its clock instead of the default
// PortAudio speaker.
func WithOutput(out playback.Output, clock playback.Clock) Option {
	return func(a *App) {
		a.output = out
		a.clock = clock
	}
}

// WithVideoOpener injects the camera and screen sources instead of ffmpeg.
func WithVideoOpener(o video.Opener) Option {
	return func(a *App) { a.opener = o }
}

// WithMetrics records to m instead of observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithPrometheusRegistry serves reg on /metrics instead of the default
// gatherer.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(a *App) { a.promReg = reg }
}

// WithLogLevel lets configuration reloads change the log level of the running
// process.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigWatch polls path while Run is active and applies persona and log
// level changes.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithAutoRecord starts recording as soon as Run has opened the session.
func WithAutoRecord(on bool) Option {
	return func(a *App) { a.autoRecord = on }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The provider comes
// from main.go (created via the config registry). Devices that were not
// injected are opened here; on error everything opened so far is released.
func New(cfg *config.Config, provider s2s.Provider, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		provider: provider,
		board:    live.NewBoard(),
		inMeter:  audio.NewMeter(),
		outMeter: audio.NewMeter(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.caps = provider.Capabilities()
	a.outRate = OutputSampleRate(cfg, a.caps)
	checkCapabilities(cfg, a.caps)
	a.inMeter.SetGain(gainOrUnit(cfg.Audio.InputGain))
	a.outMeter.SetGain(gainOrUnit(cfg.Audio.OutputGain))

	// ── 1. Audio devices ─────────────────────────────────────────────────
	if err := a.initDevices(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init devices: %w", err)
	}

	// ── 2. Output scheduler + session manager ────────────────────────────
	a.scheduler = playback.New(a.output, a.clock, playback.WithMetrics(a.metrics))
	a.manager = live.NewManager(a.provider, a.scheduler, live.Config{
		Session:          SessionConfig(cfg, a.caps),
		OutputSampleRate: a.outRate,
		OutputChannels:   cfg.Audio.OutputChannels,
		Board:            a.board,
		Metrics:          a.metrics,
	})

	// ── 3. Video bridge ──────────────────────────────────────────────────
	if a.opener == nil {
		a.opener = video.NewFFmpeg(ffmpegConfig(cfg.Video))
	}
	a.video = video.NewBridge(a.opener, a.manager, a.board, video.Config{
		JPEGQuality: cfg.Video.JPEGQuality,
		Metrics:     a.metrics,
	})

	// ── 4. Capture pipeline ──────────────────────────────────────────────
	a.capture = capture.New(a.mic, a.manager, capture.Config{
		SampleRate: cfg.Audio.InputSampleRate,
		FrameSize:  cfg.Audio.FrameSize,
		Meter:      a.inMeter,
		Video:      a.video,
		Reporter:   a.board,
		Metrics:    a.metrics,
	})

	// Teardown order: stop producers first, then the session, then devices.
	a.closers = append([]func() error{
		func() error { a.capture.Stop(); return nil },
		func() error { a.video.StopVideo(); return nil },
		a.manager.Close,
	}, a.closers...)

	return a, nil
}

// initDevices opens the PortAudio microphone and speaker unless both were
// injected.
func (a *App) initDevices() error {
	if a.mic != nil && a.output != nil {
		return nil
	}

	terminate, err := portaudio.Initialize()
	if err != nil {
		return err
	}
	a.closers = append(a.closers, terminate)

	if a.mic == nil {
		a.mic = portaudio.NewMicrophone()
	}
	if a.output == nil {
		sp, err := portaudio.OpenSpeaker(portaudio.SpeakerConfig{
			SampleRate:      a.outRate,
			Channels:        a.cfg.Audio.OutputChannels,
			FramesPerBuffer: a.cfg.Audio.OutputFramesPerBuffer,
			Meter:           a.outMeter,
		})
		if err != nil {
			return err
		}
		// The speaker must close before PortAudio terminates.
		a.closers = append([]func() error{sp.Close}, a.closers...)
		a.output = speakerOutput{sp}
		a.clock = sp
	}
	return nil
}

// speakerOutput adapts the PortAudio speaker to playback.Output.
type speakerOutput struct {
	sp *portaudio.Speaker
}

func (o speakerOutput) Play(buf *audio.Buffer, at time.Duration, onEnded func()) (playback.Voice, error) {
	v, err := o.sp.Play(buf, at, onEnded)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func ffmpegConfig(v config.VideoConfig) video.FFmpegConfig {
	return video.FFmpegConfig{
		Path:         v.FFmpegPath,
		CameraFormat: v.CameraFormat,
		CameraInput:  v.CameraInput,
		ScreenFormat: v.ScreenFormat,
		ScreenInput:  v.ScreenInput,
		Width:        v.Width,
		Height:       v.Height,
		FPS:          v.FPS,
	}
}

func gainOrUnit(g float64) float64 {
	if g <= 0 {
		return 1
	}
	return g
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Board returns the status board shared by every subsystem.
func (a *App) Board() *live.Board { return a.board }

// Manager returns the session manager.
func (a *App) Manager() *live.Manager { return a.manager }

// Handler returns the operational HTTP handler: /healthz, /readyz and
// /metrics, wrapped in the request metrics middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	checks := []health.Checker{
		health.FuncCheck("speaker", "output device not open", func() bool { return a.output != nil }),
	}
	health.New(checks, health.WithSession(a.manager)).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler(a.promReg))
	session := observe.WithSessionInfo(func() (string, string) {
		return a.manager.SessionID(), a.manager.State().String()
	})
	return observe.Middleware(a.metrics, session)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens the live session, serves the operational endpoints when
// server.listen_addr is set, and blocks until ctx is cancelled.
//
// A session that fails to open is not fatal: the error is shown on the board
// and the user may reset. Run returns ctx.Err() (or the HTTP server error).
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("operational endpoints listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve %s: %w", addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.ApplyConfig)
		if err != nil {
			slog.Warn("config watch disabled", "path", a.configPath, "err", err)
		} else {
			defer w.Stop()
		}
	}

	if err := a.manager.Open(ctx); err != nil {
		slog.Error("failed to open live session", "err", err)
	} else if a.autoRecord {
		if err := a.capture.Start(ctx); err != nil {
			slog.Error("failed to start recording", "err", err)
		}
	}

	slog.Info("app running", "provider", a.cfg.Provider.Name, "session_id", a.manager.SessionID())
	g.Go(func() error {
		<-gctx.Done()
		return ctx.Err()
	})
	return g.Wait()
}

// ApplyConfig applies a reloaded configuration. Persona changes take effect
// on the next reset and log level changes immediately; every other section
// needs a restart.
func (a *App) ApplyConfig(_, next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PersonaChanged {
		if !VoiceSupported(next.Persona.Voice, a.caps) {
			slog.Warn("app: persona voice is not offered by the provider", "voice", next.Persona.Voice, "voices", a.caps.Voices)
		}
		a.manager.Reconfigure(SessionConfig(next, a.caps))
		a.board.SetStatus("Persona updated. Reset the session to apply it.")
	}
	for _, section := range d.RestartRequired {
		slog.Warn("config section changed; restart to apply", "section", section)
	}
}

// ─── User triggers ───────────────────────────────────────────────────────────

// ToggleRecording starts recording when stopped and stops it otherwise.
func (a *App) ToggleRecording(ctx context.Context) error {
	if a.capture.Recording() {
		a.capture.Stop()
		return nil
	}
	return a.capture.Start(ctx)
}

// Recording reports whether the microphone is being forwarded.
func (a *App) Recording() bool { return a.capture.Recording() }

// StartCamera switches the video source to the camera.
func (a *App) StartCamera(ctx context.Context) error { return a.video.StartCamera(ctx) }

// StartScreenShare switches the video source to the screen.
func (a *App) StartScreenShare(ctx context.Context) error { return a.video.StartScreenShare(ctx) }

// StopVideo closes the video source.
func (a *App) StopVideo() { a.video.StopVideo() }

// VideoMode returns the kind of the live video source.
func (a *App) VideoMode() video.Mode { return a.video.Mode() }

// CaptureFrame sends the latest video frame to the engine.
func (a *App) CaptureFrame() error { return a.video.CaptureAndSendFrame() }

// Reset discards the session and its pending output and opens a fresh one.
func (a *App) Reset(ctx context.Context) error { return a.manager.Reset(ctx) }

// Snapshot returns the current status board contents.
func (a *App) Snapshot() live.Snapshot { return a.board.Snapshot() }

// SessionState returns the lifecycle state of the live session.
func (a *App) SessionState() live.State { return a.manager.State() }

// Levels returns the input and output level meter readings.
func (a *App) Levels() (in, out float64) { return a.inMeter.Level(), a.outMeter.Level() }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers releases partially initialised resources after a failed New.
func (a *App) runClosers() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
}
