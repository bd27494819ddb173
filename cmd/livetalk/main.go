// Command livetalk streams microphone audio and optional video frames to a
// live conversational engine and plays its spoken replies.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/MrWong99/livetalk/internal/app"
	"github.com/MrWong99/livetalk/internal/config"
	"github.com/MrWong99/livetalk/internal/observe"
	"github.com/MrWong99/livetalk/internal/tui"
	"github.com/MrWong99/livetalk/pkg/audio/portaudio"
	"github.com/MrWong99/livetalk/pkg/provider/s2s"
)

// defaultConfigPath is used when --config is not given. A missing default
// file is not an error: the client then runs from defaults and environment.
const defaultConfigPath = "livetalk.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "livetalk:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
		headless   bool
	)

	root := &cobra.Command{
		Use:           "livetalk",
		Short:         "Talk to a live speech-to-speech engine from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), configPath, envFile, headless)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with API keys (ignored when missing)")
	root.Flags().BoolVar(&headless, "headless", false, "record immediately and log to stderr instead of running the terminal UI")

	root.AddCommand(newDevicesCmd())
	return root
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input and output devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			terminate, err := portaudio.Initialize()
			if err != nil {
				return err
			}
			defer func() { _ = terminate() }()

			devices, err := portaudio.Devices()
			if err != nil {
				return err
			}
			printDevices(cmd.OutOrStdout(), devices)
			return nil
		},
	}
}

func run(parent context.Context, stdout io.Writer, configPath, envFile string, headless bool) error {
	if parent == nil {
		parent = context.Background()
	}

	// ── Configuration ─────────────────────────────────────────────────────────
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, watchPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	logOut, closeLog, err := logOutput(cfg, headless)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: &level})))

	slog.Info("livetalk starting",
		"config", watchPath,
		"provider", cfg.Provider.Name,
		"voice", cfg.Persona.Voice,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	shutdownTelemetry, err := observe.InitProvider(parent, observe.ProviderConfig{
		ServiceName: "livetalk",
		Registry:    promReg,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterBuiltins(reg)
	provider, err := reg.Create(cfg.Provider)
	if err != nil {
		return err
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []app.Option{
		app.WithLogLevel(&level),
		app.WithPrometheusRegistry(promReg),
		app.WithAutoRecord(headless),
	}
	if watchPath != "" {
		opts = append(opts, app.WithConfigWatch(watchPath))
	}
	application, err := app.New(cfg, provider, opts...)
	if err != nil {
		return err
	}

	if headless {
		printStartupSummary(stdout, cfg, provider.Capabilities())
		err = application.Run(ctx)
	} else {
		err = runInteractive(ctx, application)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if serr := application.Shutdown(shutdownCtx); serr != nil {
		return fmt.Errorf("shutdown: %w", serr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runInteractive runs the application behind the terminal UI. Quitting the
// UI stops the application.
func runInteractive(ctx context.Context, application *app.App) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- application.Run(ctx) }()

	uiErr := tui.Run(ctx, application)
	cancel()
	err := <-runErr
	if uiErr != nil && ctx.Err() == nil {
		return uiErr
	}
	return err
}

// loadConfig loads path. A missing default file falls back to defaults plus
// environment and disables config watching.
func loadConfig(path string) (cfg *config.Config, watchPath string, err error) {
	cfg, err = config.Load(path)
	switch {
	case err == nil:
		return cfg, path, nil
	case errors.Is(err, os.ErrNotExist) && path == defaultConfigPath:
		cfg, err = config.LoadFromEnv()
		if err != nil {
			return nil, "", err
		}
		return cfg, "", nil
	default:
		return nil, "", err
	}
}

// logOutput returns stderr in headless mode and the configured log file when
// the terminal UI owns the screen.
func logOutput(cfg *config.Config, headless bool) (io.Writer, func(), error) {
	if headless {
		return os.Stderr, func() {}, nil
	}
	f, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// ── Output ────────────────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config, caps s2s.Capabilities) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        livetalk — startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Provider", providerLabel(cfg.Provider))
	printRow(w, "Voice", cfg.Persona.Voice)
	printRow(w, "Audio in", fmt.Sprintf("%d Hz / %d", cfg.Audio.InputSampleRate, cfg.Audio.FrameSize))
	printRow(w, "Audio out", fmt.Sprintf("%d Hz / %d ch", app.OutputSampleRate(cfg, caps), cfg.Audio.OutputChannels))
	if cfg.Server.ListenAddr != "" {
		printRow(w, "Listen addr", cfg.Server.ListenAddr)
	} else {
		printRow(w, "Listen addr", "(disabled)")
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func providerLabel(p config.ProviderEntry) string {
	if p.Model == "" {
		return p.Name
	}
	return p.Name + " / " + p.Model
}

func printRow(w io.Writer, key, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", key, value)
}

func printDevices(w io.Writer, devices []portaudio.DeviceInfo) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "no audio devices")
		return
	}
	for i, d := range devices {
		mark := " "
		switch {
		case d.DefaultInput && d.DefaultOutput:
			mark = "*"
		case d.DefaultInput:
			mark = ">"
		case d.DefaultOutput:
			mark = "<"
		}
		fmt.Fprintf(w, "%s %2d  %-40s in=%d out=%d %6.0f Hz  [%s]\n",
			mark, i, d.Name, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate, d.HostAPI)
	}
}
