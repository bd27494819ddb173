package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// PersonaChanged is true if instructions, voice or language changed.
	// Applied on the next session reset.
	PersonaChanged bool
	NewPersona     PersonaConfig

	// LogLevelChanged is applied immediately.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists sections that changed but are only read at
	// start-up (provider, audio, video, server address).
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.PersonaChanged && !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Persona != new.Persona {
		d.PersonaChanged = true
		d.NewPersona = new.Persona
	}

	if old.Provider.Name != new.Provider.Name ||
		old.Provider.APIKey != new.Provider.APIKey ||
		old.Provider.BaseURL != new.Provider.BaseURL ||
		old.Provider.Model != new.Provider.Model ||
		!reflect.DeepEqual(old.Provider.Options, new.Provider.Options) {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Video != new.Video {
		d.RestartRequired = append(d.RestartRequired, "video")
	}
	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.LogFile != new.Server.LogFile {
		d.RestartRequired = append(d.RestartRequired, "server")
	}

	return d
}
