package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the built-in engine names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live", "openai-realtime"}

// Environment variables read by [ApplyEnv].
const (
	EnvAPIKey       = "LIVETALK_API_KEY"
	EnvProvider     = "LIVETALK_PROVIDER"
	EnvModel        = "LIVETALK_MODEL"
	EnvVoice        = "LIVETALK_VOICE"
	EnvGeminiAPIKey = "GEMINI_API_KEY"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
)

// providerKeyEnv maps provider names to their conventional API key variable.
var providerKeyEnv = map[string]string{
	"gemini-live":     EnvGeminiAPIKey,
	"openai-realtime": EnvOpenAIAPIKey,
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (".env" when none)
// into the process environment. Variables already set are not overridden and
// missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", p, err)
		}
		slog.Debug("loaded environment file", "path", p)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv returns the default configuration with environment overrides
// applied, for running without a config file.
func LoadFromEnv() (*Config, error) {
	return LoadFromReader(strings.NewReader(""))
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with values from the environment. LIVETALK_API_KEY
// always wins; the provider's conventional variable (GEMINI_API_KEY or
// OPENAI_API_KEY) only fills an empty key.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	if v := get(EnvProvider); v != "" {
		cfg.Provider.Name = v
	}
	if v := get(EnvModel); v != "" {
		cfg.Provider.Model = v
	}
	if v := get(EnvVoice); v != "" {
		cfg.Persona.Voice = v
	}

	name := cfg.Provider.Name
	if name == "" {
		name = DefaultProvider
	}
	switch {
	case get(EnvAPIKey) != "":
		cfg.Provider.APIKey = get(EnvAPIKey)
	case cfg.Provider.APIKey == "" && providerKeyEnv[name] != "":
		cfg.Provider.APIKey = get(providerKeyEnv[name])
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else if !slices.Contains(ValidProviderNames, cfg.Provider.Name) {
		slog.Warn("unknown provider name; may be a typo or third-party provider",
			"name", cfg.Provider.Name,
			"known", ValidProviderNames,
		)
	}
	if cfg.Provider.APIKey == "" {
		hint := EnvAPIKey
		if env := providerKeyEnv[cfg.Provider.Name]; env != "" {
			hint += " or " + env
		}
		errs = append(errs, fmt.Errorf("provider.api_key is required; set it in the file or via %s", hint))
	}

	// Audio
	a := cfg.Audio
	if a.InputSampleRate < 0 || a.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio sample rates must be positive, got input=%d output=%d", a.InputSampleRate, a.OutputSampleRate))
	}
	if a.OutputChannels < 0 || a.OutputChannels > 2 {
		errs = append(errs, fmt.Errorf("audio.output_channels %d is out of range [1, 2]", a.OutputChannels))
	}
	if a.FrameSize < 0 || a.FrameSize > 16384 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d is out of range [1, 16384]", a.FrameSize))
	}
	if a.OutputFramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.output_frames_per_buffer %d must be positive", a.OutputFramesPerBuffer))
	}
	if a.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("audio.send_queue %d must be positive", a.SendQueue))
	}
	if a.InputGain < 0 || a.OutputGain < 0 {
		errs = append(errs, fmt.Errorf("audio gains must not be negative, got input=%.2f output=%.2f", a.InputGain, a.OutputGain))
	}

	// Video
	v := cfg.Video
	if (v.Width == 0) != (v.Height == 0) || v.Width < 0 || v.Height < 0 {
		errs = append(errs, fmt.Errorf("video.width and video.height must both be set and positive, got %dx%d", v.Width, v.Height))
	}
	if v.FPS < 0 {
		errs = append(errs, fmt.Errorf("video.fps %d must not be negative", v.FPS))
	}
	if v.JPEGQuality < 0 || v.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("video.jpeg_quality %d is out of range [1, 100]", v.JPEGQuality))
	}
	if (v.CameraFormat == "") != (v.CameraInput == "") {
		errs = append(errs, errors.New("video.camera_format and video.camera_input must be set together"))
	}
	if (v.ScreenFormat == "") != (v.ScreenInput == "") {
		errs = append(errs, errors.New("video.screen_format and video.screen_input must be set together"))
	}

	return errors.Join(errs...)
}
