package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PipelineChanged is set when prompts, models, voice, retry policy or
	// fan-out limits changed. These apply to the next stage that runs.
	PipelineChanged bool

	DashboardTTLChanged bool

	// RestartRequired lists sections whose changes only take effect after a
	// restart (connections, providers, listen address, mode).
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PipelineChanged && !d.DashboardTTLChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	op, np := old.Pipeline, new.Pipeline
	if op.Prompts != np.Prompts || op.Models != np.Models || op.Voice != np.Voice ||
		op.Retry != np.Retry || op.ImageConcurrency != np.ImageConcurrency ||
		op.MaxKeyMoments != np.MaxKeyMoments || op.AutoEnqueue != np.AutoEnqueue {
		d.PipelineChanged = true
	}

	if old.Cache.DashboardTTL != new.Cache.DashboardTTL {
		d.DashboardTTLChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.Mode != new.Server.Mode {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Database != new.Database {
		d.RestartRequired = append(d.RestartRequired, "database")
	}
	if old.Blob != new.Blob {
		d.RestartRequired = append(d.RestartRequired, "blob")
	}
	if old.Redis != new.Redis || old.Queue != new.Queue {
		d.RestartRequired = append(d.RestartRequired, "redis")
	}
	if op.Workers != np.Workers || op.LeaseTTL != np.LeaseTTL {
		d.RestartRequired = append(d.RestartRequired, "pipeline.workers")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	return d
}
