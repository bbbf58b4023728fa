package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only the log level
// can be applied to a running daemon; every other change takes effect after
// a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the top-level sections whose values differ and
	// cannot be hot-applied.
	RestartRequired []string
}

// Empty reports whether no change was detected.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// The server section is compared with the log level masked out so a
	// level-only change does not demand a restart.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"transport", old.Transport, new.Transport},
		{"paths", old.Paths, new.Paths},
		{"providers", old.Providers, new.Providers},
		{"transcription", old.Transcription, new.Transcription},
		{"tts", old.TTS, new.TTS},
		{"search", old.Search, new.Search},
		{"ui", old.UI, new.UI},
		{"oracle", old.Oracle, new.Oracle},
		{"index", old.Index, new.Index},
		{"narrative", old.Narrative, new.Narrative},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
