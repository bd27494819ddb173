package config_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/livetalk/internal/config"
	"github.com/MrWong99/livetalk/pkg/provider/s2s"
	"github.com/MrWong99/livetalk/pkg/provider/s2s/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: "127.0.0.1:9464"
  log_level: debug
  log_file: /tmp/livetalk.log

provider:
  name: openai-realtime
  api_key: sk-test
  model: gpt-4o-realtime-preview
  options:
    transcription_model: whisper-1

persona:
  instructions: You are a terse pirate.
  voice: alloy
  language: es-ES

audio:
  input_sample_rate: 16000
  output_sample_rate: 24000
  output_channels: 1
  frame_size: 512
  output_frames_per_buffer: 256
  send_queue: 32
  input_gain: 2.5

video:
  camera_format: v4l2
  camera_input: /dev/video2
  width: 320
  height: 240
  fps: 5
  jpeg_quality: 70
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != "127.0.0.1:9464" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Provider.Name != "openai-realtime" || cfg.Provider.Model != "gpt-4o-realtime-preview" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if got := cfg.Provider.Options["transcription_model"]; got != "whisper-1" {
		t.Errorf("options.transcription_model = %v", got)
	}
	if cfg.Persona.Voice != "alloy" || cfg.Persona.Language != "es-ES" {
		t.Errorf("persona = %+v", cfg.Persona)
	}
	if cfg.Audio.FrameSize != 512 || cfg.Audio.SendQueue != 32 || cfg.Audio.InputGain != 2.5 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Audio.OutputGain != 1 {
		t.Errorf("output_gain default = %v, want 1", cfg.Audio.OutputGain)
	}
	if cfg.Video.CameraInput != "/dev/video2" || cfg.Video.JPEGQuality != 70 {
		t.Errorf("video = %+v", cfg.Video)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader("provider:\n  api_key: k\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	want := config.Default()
	if cfg.Provider.Name == "" {
		t.Error("provider.name not defaulted")
	}
	if cfg.Audio != want.Audio {
		t.Errorf("audio = %+v, want %+v", cfg.Audio, want.Audio)
	}
	if cfg.Persona.Instructions == "" || cfg.Server.LogFile != config.DefaultLogFile {
		t.Errorf("defaults not applied: %+v %+v", cfg.Persona, cfg.Server)
	}
	if cfg.Audio.InputSampleRate != 16000 || cfg.Audio.OutputSampleRate != 24000 || cfg.Audio.FrameSize != 256 {
		t.Errorf("audio defaults = %+v", cfg.Audio)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("provider:\n  api_key: k\n  apikey: typo\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/livetalk.yaml")
	if err == nil || !strings.Contains(err.Error(), "open") {
		t.Errorf("err = %v, want open error", err)
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func validConfig() *config.Config {
	cfg := config.Default()
	cfg.Provider.APIKey = "k"
	return cfg
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"valid", func(*config.Config) {}, ""},
		{"bad log level", func(c *config.Config) { c.Server.LogLevel = "bananas" }, "server.log_level"},
		{"missing api key", func(c *config.Config) { c.Provider.APIKey = "" }, "GEMINI_API_KEY"},
		{"missing provider", func(c *config.Config) { c.Provider.Name = "" }, "provider.name"},
		{"channels", func(c *config.Config) { c.Audio.OutputChannels = 6 }, "audio.output_channels"},
		{"frame size", func(c *config.Config) { c.Audio.FrameSize = 1 << 20 }, "audio.frame_size"},
		{"negative gain", func(c *config.Config) { c.Audio.OutputGain = -1 }, "gains"},
		{"half video size", func(c *config.Config) { c.Video.Width = 640 }, "video.width"},
		{"jpeg quality", func(c *config.Config) { c.Video.JPEGQuality = 101 }, "video.jpeg_quality"},
		{"camera pair", func(c *config.Config) { c.Video.CameraFormat = "v4l2" }, "camera_format"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(cfg)
			err := config.Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Server.LogLevel = "loud"
	cfg.Video.FPS = -1
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"log_level", "video.fps"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()

	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
		{"trace", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := tc.in.Level(); got != tc.want {
			t.Errorf("LogLevel(%q).Level() = %v, want %v", tc.in, got, tc.want)
		}
	}
}

// ── Environment ───────────────────────────────────────────────────────────────

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		provider string
		fileKey  string
		env      map[string]string
		wantKey  string
	}{
		{"gemini key fills empty", "", "", map[string]string{"GEMINI_API_KEY": "g"}, "g"},
		{"openai key fills empty", "openai-realtime", "", map[string]string{"OPENAI_API_KEY": "o", "GEMINI_API_KEY": "g"}, "o"},
		{"file key kept over provider env", "gemini-live", "file", map[string]string{"GEMINI_API_KEY": "g"}, "file"},
		{"livetalk key wins", "gemini-live", "file", map[string]string{"LIVETALK_API_KEY": "lt", "GEMINI_API_KEY": "g"}, "lt"},
		{"nothing set", "gemini-live", "", nil, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{Provider: config.ProviderEntry{Name: tc.provider, APIKey: tc.fileKey}}
			config.ApplyEnv(cfg, envMap(tc.env))
			if cfg.Provider.APIKey != tc.wantKey {
				t.Errorf("APIKey = %q, want %q", cfg.Provider.APIKey, tc.wantKey)
			}
		})
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	config.ApplyEnv(cfg, envMap(map[string]string{
		"LIVETALK_PROVIDER": "openai-realtime",
		"LIVETALK_MODEL":    "gpt-realtime",
		"LIVETALK_VOICE":    "verse",
		"OPENAI_API_KEY":    "o",
	}))
	if cfg.Provider.Name != "openai-realtime" || cfg.Provider.Model != "gpt-realtime" || cfg.Persona.Voice != "verse" {
		t.Errorf("overrides not applied: %+v %+v", cfg.Provider, cfg.Persona)
	}
	if cfg.Provider.APIKey != "o" {
		t.Errorf("APIKey = %q, want key of the overridden provider", cfg.Provider.APIKey)
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	var got config.ProviderEntry
	reg.Register("mock", func(e config.ProviderEntry) (s2s.Provider, error) {
		got = e
		return &mock.Provider{}, nil
	})
	reg.Register("broken", func(config.ProviderEntry) (s2s.Provider, error) {
		return nil, errors.New("bad key")
	})

	p, err := reg.Create(config.ProviderEntry{Name: "mock", Model: "m1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := p.Connect(context.Background(), s2s.SessionConfig{}, s2s.Callbacks{}); err != nil {
		t.Errorf("created provider unusable: %v", err)
	}
	if got.Model != "m1" {
		t.Errorf("factory got %+v", got)
	}

	if _, err := reg.Create(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.Create(config.ProviderEntry{Name: "broken"}); err == nil || !strings.Contains(err.Error(), "bad key") {
		t.Errorf("err = %v, want factory error", err)
	}

	names := reg.Names()
	if len(names) != 2 || names[0] != "broken" || names[1] != "mock" {
		t.Errorf("Names() = %v", names)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("LIVETALK_TEST_DOTENV=from-file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("LIVETALK_TEST_DOTENV") })

	if err := config.LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("LIVETALK_TEST_DOTENV"); got != "from-file" {
		t.Errorf("LIVETALK_TEST_DOTENV = %q", got)
	}
}
