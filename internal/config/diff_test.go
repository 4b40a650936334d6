package config_test

import (
	"testing"

	"github.com/merlin-platform/copywriting-evaluator/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: "info"},
		Scheduler: config.SchedulerConfig{
			Kind: "twice_weekly", Weekdays: []string{"tuesday", "friday"}, Hour: 9,
		},
		Providers: config.ProvidersConfig{
			Truthfulness: config.StageProviderConfig{Primary: config.ProviderEntry{Name: "gemini"}},
		},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if d.SchedulerChanged {
		t.Error("expected SchedulerChanged=false for identical configs")
	}
	if d.ProvidersChanged {
		t.Error("expected ProvidersChanged=false for identical configs")
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: "info"}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: "debug"}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != "debug" {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_SchedulerWeekdaysChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Scheduler: config.SchedulerConfig{Weekdays: []string{"tuesday"}}}
	new := &config.Config{Scheduler: config.SchedulerConfig{Weekdays: []string{"tuesday", "friday"}}}

	d := config.Diff(old, new)
	if !d.SchedulerChanged {
		t.Error("expected SchedulerChanged=true")
	}
	if len(d.NewSchedule.Weekdays) != 2 {
		t.Errorf("expected NewSchedule.Weekdays to have 2 entries, got %d", len(d.NewSchedule.Weekdays))
	}
}

func TestDiff_SchedulerHourChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Scheduler: config.SchedulerConfig{Hour: 9}}
	new := &config.Config{Scheduler: config.SchedulerConfig{Hour: 14}}

	d := config.Diff(old, new)
	if !d.SchedulerChanged {
		t.Error("expected SchedulerChanged=true")
	}
}

func TestDiff_ProvidersChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Providers: config.ProvidersConfig{
			Truthfulness: config.StageProviderConfig{Primary: config.ProviderEntry{Name: "gemini", Model: "gemini-2.5-flash"}},
		},
	}
	new := &config.Config{
		Providers: config.ProvidersConfig{
			Truthfulness: config.StageProviderConfig{Primary: config.ProviderEntry{Name: "gemini", Model: "gemini-2.5-pro"}},
		},
	}

	d := config.Diff(old, new)
	if !d.ProvidersChanged {
		t.Error("expected ProvidersChanged=true")
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server:    config.ServerConfig{LogLevel: "info"},
		Scheduler: config.SchedulerConfig{Hour: 9},
	}
	new := &config.Config{
		Server:    config.ServerConfig{LogLevel: "warn"},
		Scheduler: config.SchedulerConfig{Hour: 14},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if !d.SchedulerChanged {
		t.Error("expected SchedulerChanged=true")
	}
	if d.ProvidersChanged {
		t.Error("expected ProvidersChanged=false")
	}
}
