package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// LogLevelChanged is the only change applied without a restart.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the top-level sections that changed and only
	// take effect for the next session.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}

	sections := []struct {
		name     string
		old, new any
	}{
		{"audio", old.Audio, new.Audio},
		{"capture", old.Capture, new.Capture},
		{"denoise", old.Denoise, new.Denoise},
		{"dispatch", old.Dispatch, new.Dispatch},
		{"session", old.Session, new.Session},
		{"providers", old.Providers, new.Providers},
		{"output", old.Output, new.Output},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
