package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     string

	SchedulerChanged bool
	NewSchedule      SchedulerConfig

	ProvidersChanged bool // primary/fallback provider entries for any stage
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without a process restart:
// the database DSN and server listen address are not hot-reloadable.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Scheduler.Kind != new.Scheduler.Kind ||
		old.Scheduler.Hour != new.Scheduler.Hour ||
		old.Scheduler.Minute != new.Scheduler.Minute ||
		old.Scheduler.TickInterval != new.Scheduler.TickInterval ||
		old.Scheduler.MaxRetries != new.Scheduler.MaxRetries ||
		!slices.Equal(old.Scheduler.Weekdays, new.Scheduler.Weekdays) {
		d.SchedulerChanged = true
		d.NewSchedule = new.Scheduler
	}

	if old.Providers.Truthfulness != new.Providers.Truthfulness ||
		old.Providers.ToneAnalysis != new.Providers.ToneAnalysis ||
		old.Providers.SkillAnalysis != new.Providers.SkillAnalysis {
		d.ProvidersChanged = true
	}

	return d
}
