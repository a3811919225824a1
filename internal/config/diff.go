package config

import "slices"

// ConfigDiff describes what changed between two configs. Log level and
// session settings apply without a restart; everything else is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged means voice, instructions or recording consent changed.
	// The new values are sent on the next connection.
	SessionChanged bool

	// ContextChanged means the context injection settings changed. The new
	// payload is injected on the next connection.
	ContextChanged bool

	// RestartRequired names the changed sections that only apply on restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && !d.ContextChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.SessionChanged = old.Session != new.Session
	d.ContextChanged = old.Context != new.Context

	if old.Server.StatusAddr != new.Server.StatusAddr {
		d.RestartRequired = append(d.RestartRequired, "server.status_addr")
	}
	if old.Backend != new.Backend {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Reconnect != new.Reconnect {
		d.RestartRequired = append(d.RestartRequired, "reconnect")
	}
	if old.Transcript.MaxEntries != new.Transcript.MaxEntries ||
		!slices.Equal(old.Transcript.Vocabulary, new.Transcript.Vocabulary) {
		d.RestartRequired = append(d.RestartRequired, "transcript")
	}
	return d
}
