package config

import "reflect"

// ConfigDiff describes what changed between two configs.
//
// Only the log level can be applied to a running server. Every other change
// is listed in RestartRequired by section name.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the sections (or fields) whose change takes
	// effect only after a restart, e.g. "dataset" or "server.listen_addr".
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares prev and next and returns what changed.
func Diff(prev, next *Config) ConfigDiff {
	d := ConfigDiff{}

	if prev.Server.LogLevel != next.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = next.Server.LogLevel
	}
	if prev.Server.ListenAddr != next.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(prev.Server.OriginPatterns, next.Server.OriginPatterns) {
		d.RestartRequired = append(d.RestartRequired, "server.origin_patterns")
	}
	if prev.Store != next.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if !reflect.DeepEqual(prev.Dataset, next.Dataset) {
		d.RestartRequired = append(d.RestartRequired, "dataset")
	}
	if prev.Loader != next.Loader {
		d.RestartRequired = append(d.RestartRequired, "loader")
	}
	if prev.Telemetry != next.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}
