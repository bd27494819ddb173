package app

import (
	"log/slog"
	"strings"

	"github.com/MrWong99/livetalk/internal/config"
	"github.com/MrWong99/livetalk/pkg/provider/s2s"
	"github.com/MrWong99/livetalk/pkg/provider/s2s/gemini"
	"github.com/MrWong99/livetalk/pkg/provider/s2s/openai"
)

// RegisterBuiltins wires the engines that ship with livetalk into reg.
// Each factory receives the provider section of the config.
func RegisterBuiltins(reg *config.Registry) {
	reg.Register("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if v, ok := optBool(entry.Options, "transcripts"); ok {
			opts = append(opts, gemini.WithTranscripts(v))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.Register("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if m := optString(entry.Options, "transcription_model"); m != "" {
			opts = append(opts, openai.WithTranscriptionModel(m))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "name", name)
	}
}

// SessionConfig derives the live session configuration from cfg. Inbound
// audio is requested at the rate [OutputSampleRate] settles on.
func SessionConfig(cfg *config.Config, caps s2s.Capabilities) s2s.SessionConfig {
	return s2s.SessionConfig{
		Instructions:     cfg.Persona.Instructions,
		Voice:            cfg.Persona.Voice,
		Language:         cfg.Persona.Language,
		InputSampleRate:  cfg.Audio.InputSampleRate,
		OutputSampleRate: OutputSampleRate(cfg, caps),
		SendQueue:        cfg.Audio.SendQueue,
	}
}

// OutputSampleRate returns the rate inbound PCM is decoded and played at.
// Engines synthesise at a fixed native rate, so a rate reported by the
// provider wins over audio.output_sample_rate.
func OutputSampleRate(cfg *config.Config, caps s2s.Capabilities) int {
	if caps.OutputSampleRate > 0 {
		return caps.OutputSampleRate
	}
	if cfg.Audio.OutputSampleRate > 0 {
		return cfg.Audio.OutputSampleRate
	}
	return config.DefaultOutputSampleRate
}

// VoiceSupported reports whether voice is one of the provider's prebuilt
// voices. An empty voice or an empty voice list always passes. Matching is
// case-insensitive.
func VoiceSupported(voice string, caps s2s.Capabilities) bool {
	if voice == "" || len(caps.Voices) == 0 {
		return true
	}
	for _, v := range caps.Voices {
		if strings.EqualFold(v, voice) {
			return true
		}
	}
	return false
}

// checkCapabilities logs where cfg disagrees with what the provider offers.
func checkCapabilities(cfg *config.Config, caps s2s.Capabilities) {
	if !VoiceSupported(cfg.Persona.Voice, caps) {
		slog.Warn("persona voice is not offered by the provider; the engine may reject the session",
			"voice", cfg.Persona.Voice, "voices", caps.Voices)
	}
	if caps.OutputSampleRate > 0 && cfg.Audio.OutputSampleRate != caps.OutputSampleRate {
		slog.Warn("audio.output_sample_rate differs from the provider's native rate; using the provider rate",
			"configured", cfg.Audio.OutputSampleRate, "provider", caps.OutputSampleRate)
	}
	if caps.MaxSessionDuration > 0 {
		slog.Info("provider limits session length; reset to start a new one",
			"max_session_duration", caps.MaxSessionDuration)
	}
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optBool extracts a bool value from a provider Options map.
func optBool(opts map[string]any, key string) (value, ok bool) {
	value, ok = opts[key].(bool)
	return value, ok
}
