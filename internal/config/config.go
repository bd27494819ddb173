// Package config provides the configuration schema, loader, and provider registry
// for the livetalk client.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level returns the slog level for l. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultProvider         = "gemini-live"
	DefaultVoice            = "Orus"
	DefaultLogFile          = "livetalk.log"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultFrameSize        = 256
	DefaultFramesPerBuffer  = 512
	DefaultSendQueue        = 64
	DefaultJPEGQuality      = 85
	DefaultWatchInterval    = 5 * time.Second
)

// DefaultInstructions is the persona used when persona.instructions is empty.
const DefaultInstructions = "You are a helpful voice assistant. Answer in the same language the " +
	"question was asked in. You may be shown an image together with a question; describe " +
	"what you see or answer questions about it when asked. Keep spoken answers short."

// Config is the root configuration structure for livetalk.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Provider ProviderEntry `yaml:"provider"`
	Persona  PersonaConfig `yaml:"persona"`
	Audio    AudioConfig   `yaml:"audio"`
	Video    VideoConfig   `yaml:"video"`
}

// ServerConfig holds logging settings and the address of the operational
// HTTP endpoints (/healthz, /readyz, /metrics).
type ServerConfig struct {
	// ListenAddr is the TCP address of the operational endpoints (e.g.,
	// "127.0.0.1:9464"). Empty disables them.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFile receives logs while the terminal UI owns the terminal.
	LogFile string `yaml:"log_file"`
}

// ProviderEntry selects and configures the remote conversational engine.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation ("gemini-live",
	// "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API. It is usually
	// supplied through the environment rather than the file.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// PersonaConfig is the fixed session configuration sent when a session opens.
type PersonaConfig struct {
	// Instructions is the system instruction for the engine.
	Instructions string `yaml:"instructions"`

	// Voice is the provider's prebuilt voice name.
	Voice string `yaml:"voice"`

	// Language is an optional BCP-47 language code for speech output.
	Language string `yaml:"language"`
}

// AudioConfig describes the capture and playback formats.
type AudioConfig struct {
	// InputSampleRate of the microphone and of outbound PCM frames.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate of inbound PCM and of the speaker stream.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// OutputChannels of inbound PCM.
	OutputChannels int `yaml:"output_channels"`

	// FrameSize is the number of samples per outbound frame.
	FrameSize int `yaml:"frame_size"`

	// OutputFramesPerBuffer is the speaker callback size.
	OutputFramesPerBuffer int `yaml:"output_frames_per_buffer"`

	// SendQueue bounds outbound media waiting for the socket.
	SendQueue int `yaml:"send_queue"`

	// InputGain and OutputGain scale the level meters only. Zero means 1.
	InputGain  float64 `yaml:"input_gain"`
	OutputGain float64 `yaml:"output_gain"`
}

// VideoConfig configures the ffmpeg-backed camera and screen sources.
type VideoConfig struct {
	FFmpegPath   string `yaml:"ffmpeg_path"`
	CameraFormat string `yaml:"camera_format"`
	CameraInput  string `yaml:"camera_input"`
	ScreenFormat string `yaml:"screen_format"`
	ScreenInput  string `yaml:"screen_input"`
	Width        int    `yaml:"width"`
	Height       int    `yaml:"height"`
	FPS          int    `yaml:"fps"`

	// JPEGQuality of captured stills in [1, 100].
	JPEGQuality int `yaml:"jpeg_quality"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero fields of cfg. Video fields left empty are
// resolved per platform by the video package.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFile == "" {
		cfg.Server.LogFile = DefaultLogFile
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProvider
	}
	if cfg.Persona.Instructions == "" {
		cfg.Persona.Instructions = DefaultInstructions
	}
	if cfg.Persona.Voice == "" {
		cfg.Persona.Voice = DefaultVoice
	}
	a := &cfg.Audio
	if a.InputSampleRate == 0 {
		a.InputSampleRate = DefaultInputSampleRate
	}
	if a.OutputSampleRate == 0 {
		a.OutputSampleRate = DefaultOutputSampleRate
	}
	if a.OutputChannels == 0 {
		a.OutputChannels = 1
	}
	if a.FrameSize == 0 {
		a.FrameSize = DefaultFrameSize
	}
	if a.OutputFramesPerBuffer == 0 {
		a.OutputFramesPerBuffer = DefaultFramesPerBuffer
	}
	if a.SendQueue == 0 {
		a.SendQueue = DefaultSendQueue
	}
	if a.InputGain == 0 {
		a.InputGain = 1
	}
	if a.OutputGain == 0 {
		a.OutputGain = 1
	}
	if cfg.Video.JPEGQuality == 0 {
		cfg.Video.JPEGQuality = DefaultJPEGQuality
	}
}
