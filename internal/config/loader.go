package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known LLM provider names. Used by [Validate] to
// warn about unrecognised provider names (typos or third-party providers).
var ValidProviderNames = []string{"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

var validLogLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "error": true}
var validModes = map[string]bool{"testing": true, "production": true}
var validSchedulerKinds = map[string]bool{"twice_weekly": true, "daily": true, "weekly": true, "custom": true}
var validWeekdays = map[string]bool{
	"sunday": true, "monday": true, "tuesday": true, "wednesday": true,
	"thursday": true, "friday": true, "saturday": true,
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found; soft
// issues are logged as warnings rather than failing the load.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !validLogLevels[cfg.Server.LogLevel] {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.AuthToken == "" {
		slog.Warn("server.auth_token is empty; the HTTP API will accept unauthenticated requests")
	}

	// Database
	if cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}

	// Pipeline
	mode := cfg.Pipeline.Mode
	if mode == "" {
		mode = "production"
	}
	if !validModes[mode] {
		errs = append(errs, fmt.Errorf("pipeline.mode %q is invalid; valid values: testing, production", cfg.Pipeline.Mode))
	}
	if cfg.Pipeline.ErrorLimit < 0 {
		errs = append(errs, fmt.Errorf("pipeline.error_limit %d must be >= 0", cfg.Pipeline.ErrorLimit))
	}

	// Providers — name validation and required primaries.
	validateProviderName("providers.truthfulness.primary", cfg.Providers.Truthfulness.Primary.Name)
	validateProviderName("providers.truthfulness.fallback", cfg.Providers.Truthfulness.Fallback.Name)
	validateProviderName("providers.tone_analysis.primary", cfg.Providers.ToneAnalysis.Primary.Name)
	validateProviderName("providers.tone_analysis.fallback", cfg.Providers.ToneAnalysis.Fallback.Name)
	validateProviderName("providers.skill_analysis.primary", cfg.Providers.SkillAnalysis.Primary.Name)
	validateProviderName("providers.skill_analysis.fallback", cfg.Providers.SkillAnalysis.Fallback.Name)

	if cfg.Providers.Truthfulness.Primary.Name == "" {
		errs = append(errs, errors.New("providers.truthfulness.primary.name is required"))
	}
	if cfg.Providers.ToneAnalysis.Primary.Name == "" {
		errs = append(errs, errors.New("providers.tone_analysis.primary.name is required"))
	}
	if cfg.Providers.SkillAnalysis.Primary.Name == "" {
		errs = append(errs, errors.New("providers.skill_analysis.primary.name is required"))
	}

	// Scheduler — only load-bearing in production mode.
	if mode == "production" {
		kind := cfg.Scheduler.Kind
		if kind == "" {
			kind = "twice_weekly"
		}
		if !validSchedulerKinds[kind] {
			errs = append(errs, fmt.Errorf("scheduler.kind %q is invalid; valid values: twice_weekly, daily, weekly, custom", cfg.Scheduler.Kind))
		}
		for _, wd := range cfg.Scheduler.Weekdays {
			if !validWeekdays[wd] {
				errs = append(errs, fmt.Errorf("scheduler.weekdays contains invalid day %q", wd))
			}
		}
		if cfg.Scheduler.Hour < 0 || cfg.Scheduler.Hour > 23 {
			errs = append(errs, fmt.Errorf("scheduler.hour %d is out of range [0, 23]", cfg.Scheduler.Hour))
		}
		if cfg.Scheduler.Minute < 0 || cfg.Scheduler.Minute > 59 {
			errs = append(errs, fmt.Errorf("scheduler.minute %d is out of range [0, 59]", cfg.Scheduler.Minute))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown LLM provider name — may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
