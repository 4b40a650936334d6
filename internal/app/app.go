// Package app wires the evaluation pipeline's subsystems into a running
// application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run starts the production scheduler (if configured) and blocks
// until the context is cancelled, and Shutdown tears everything down in
// order.
//
// For testing, inject mock implementations via functional options
// (WithSentenceStore, WithRuleStore, WithCircuit, WithRecorder). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/merlin-platform/copywriting-evaluator/internal/circuit"
	"github.com/merlin-platform/copywriting-evaluator/internal/config"
	"github.com/merlin-platform/copywriting-evaluator/internal/llm"
	"github.com/merlin-platform/copywriting-evaluator/internal/orchestrator"
	"github.com/merlin-platform/copywriting-evaluator/internal/perf"
	"github.com/merlin-platform/copywriting-evaluator/internal/pipeline"
	"github.com/merlin-platform/copywriting-evaluator/internal/pipeline/stages"
	"github.com/merlin-platform/copywriting-evaluator/internal/scheduler"
	"github.com/merlin-platform/copywriting-evaluator/internal/store"
	llmprovider "github.com/merlin-platform/copywriting-evaluator/pkg/provider/llm"
	"go.opentelemetry.io/otel/metric"
)

// reprocessTaskName is the scheduler task name used for the twice-weekly
// (or configured cadence) production processing run.
const reprocessTaskName = "reprocess_sentence_banks"

// App owns all subsystem lifetimes and orchestrates the evaluation pipeline.
type App struct {
	cfg *config.Config

	pool         *pgxpool.Pool
	sentences    *store.SentenceStore
	rules        *store.RuleStore
	circuitB     *circuit.Circuit
	recorder     *perf.Recorder
	sched        *scheduler.Scheduler
	orchestrator *orchestrator.Orchestrator

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSentenceStore injects a sentence store instead of creating one from config.
func WithSentenceStore(s *store.SentenceStore) Option {
	return func(a *App) { a.sentences = s }
}

// WithRuleStore injects a rule store instead of creating one from config.
func WithRuleStore(r *store.RuleStore) Option {
	return func(a *App) { a.rules = r }
}

// WithCircuit injects an error circuit instead of creating one from config.
func WithCircuit(c *circuit.Circuit) Option {
	return func(a *App) { a.circuitB = c }
}

// WithRecorder injects a performance recorder instead of creating one.
func WithRecorder(r *perf.Recorder) Option {
	return func(a *App) { a.recorder = r }
}

// ── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. providerFactory
// constructs an llm.Provider from a config.ProviderEntry (typically
// config.Registry.CreateLLM). Use Option functions to inject test doubles for
// any subsystem.
//
// New performs its initialisation synchronously: database connection +
// migration, rule/sentence store construction, the error circuit, the
// performance recorder, the stage processor factories, the scheduler, and the
// orchestrator. Per-stage LLM clients are not built here; each LLM stage's
// factory builds its client on first use.
func New(ctx context.Context, cfg *config.Config, providerFactory func(config.ProviderEntry) (llmprovider.Provider, error), meterProvider metric.MeterProvider, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if err := a.initDatabase(ctx); err != nil {
		return nil, fmt.Errorf("app: init database: %w", err)
	}

	if a.circuitB == nil {
		if cfg.Pipeline.Mode == "testing" {
			a.circuitB = circuit.New(circuit.TestingConfig(), a.pool)
		} else {
			a.circuitB = circuit.New(circuitConfigFrom(cfg), a.pool)
		}
	}

	if a.recorder == nil {
		var metrics *perf.Metrics
		if meterProvider != nil {
			m, err := perf.NewMetrics(meterProvider)
			if err != nil {
				return nil, fmt.Errorf("app: init perf metrics: %w", err)
			}
			metrics = m
		}
		a.recorder = perf.NewRecorder(a.pool, metrics)
	}

	factories, err := a.buildStageFactories(providerFactory)
	if err != nil {
		return nil, fmt.Errorf("app: build stage factories: %w", err)
	}

	a.sched = scheduler.New(cfg.Scheduler.TickInterval)

	mode := orchestrator.ModeProduction
	if cfg.Pipeline.Mode == "testing" {
		mode = orchestrator.ModeTesting
	}
	a.orchestrator = orchestrator.New(a.sentences, a.circuitB, a.recorder, a.sched, factories, mode)

	a.sched.AddTask(&scheduler.Task{
		Name:       reprocessTaskName,
		Cadence:    cadenceFrom(cfg.Scheduler),
		Run:        a.runScheduledReprocess,
		Enabled:    mode == orchestrator.ModeProduction,
		MaxRetries: cfg.Scheduler.MaxRetries,
	})

	return a, nil
}

// initDatabase connects to PostgreSQL, runs migrations, and constructs the
// sentence/rule stores unless they were injected.
func (a *App) initDatabase(ctx context.Context) error {
	if a.sentences != nil && a.rules != nil && a.pool != nil {
		return nil
	}

	pool, err := pgxpool.New(ctx, a.cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := store.Migrate(ctx, pool); err != nil {
		pool.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})

	if a.sentences == nil {
		a.sentences = store.NewSentenceStore(pool)
	}
	if a.rules == nil {
		keywordTTL := time.Duration(a.cfg.Pipeline.KeywordCacheMinutes) * time.Minute
		spellingTTL := time.Duration(a.cfg.Pipeline.SpellingCacheMinutes) * time.Minute
		a.rules = store.NewRuleStore(pool, keywordTTL, spellingTTL)
	}
	return nil
}

// buildStageFactories constructs the lazy StageProcessorFactory map: every
// stage processor is built on first use. The two deterministic stages need
// nothing beyond the rule store; the three LLM stages build their LLM client
// inside the factory, so a deployment missing one stage's credentials can
// still run the others.
func (a *App) buildStageFactories(providerFactory func(config.ProviderEntry) (llmprovider.Provider, error)) (map[pipeline.Stage]orchestrator.StageProcessorFactory, error) {
	factories := make(map[pipeline.Stage]orchestrator.StageProcessorFactory)

	factories[pipeline.StageKeywordFilter] = func() (pipeline.StageProcessor, error) {
		return stages.NewKeywordFilter(a.rules), nil
	}
	factories[pipeline.StageCanadianSpelling] = func() (pipeline.StageProcessor, error) {
		return stages.NewCanadianSpelling(a.rules), nil
	}

	factories[pipeline.StageTruthfulness] = func() (pipeline.StageProcessor, error) {
		client, err := a.buildLLMClient(providerFactory, a.cfg.Providers.Truthfulness)
		if err != nil {
			return nil, fmt.Errorf("truthfulness: %w", err)
		}
		return stages.NewTruthfulness(client, a.rules), nil
	}
	factories[pipeline.StageToneAnalysis] = func() (pipeline.StageProcessor, error) {
		client, err := a.buildLLMClient(providerFactory, a.cfg.Providers.ToneAnalysis)
		if err != nil {
			return nil, fmt.Errorf("tone_analysis: %w", err)
		}
		return stages.NewToneAnalysis(client), nil
	}
	factories[pipeline.StageSkillAnalysis] = func() (pipeline.StageProcessor, error) {
		client, err := a.buildLLMClient(providerFactory, a.cfg.Providers.SkillAnalysis)
		if err != nil {
			return nil, fmt.Errorf("skill_analysis: %w", err)
		}
		return stages.NewSkillAnalysis(client), nil
	}

	return factories, nil
}

// buildLLMClient constructs an internal/llm.Client for one stage from its
// primary/fallback provider entries. The fallback is optional: an empty
// Fallback.Name means the stage has no fallback model configured.
func (a *App) buildLLMClient(providerFactory func(config.ProviderEntry) (llmprovider.Provider, error), stageCfg config.StageProviderConfig) (*llm.Client, error) {
	primary, err := providerFactory(stageCfg.Primary)
	if err != nil {
		return nil, fmt.Errorf("primary provider %q: %w", stageCfg.Primary.Name, err)
	}

	var fallback llmprovider.Provider
	fallbackName := ""
	if stageCfg.Fallback.Name != "" {
		fallback, err = providerFactory(stageCfg.Fallback)
		if err != nil {
			return nil, fmt.Errorf("fallback provider %q: %w", stageCfg.Fallback.Name, err)
		}
		fallbackName = stageCfg.Fallback.Name
	}

	return llm.New(primary, stageCfg.Primary.Name, fallback, fallbackName, llm.DefaultConfig()), nil
}

// runScheduledReprocess is the scheduler TaskFunc for the production
// reprocessing run: both sentence tables, starting from keyword_filter.
func (a *App) runScheduledReprocess(ctx context.Context) error {
	stats, err := a.orchestrator.ProcessBothTables(ctx, "")
	if err != nil {
		return err
	}
	for _, s := range stats {
		slog.Info("scheduled reprocess complete", "session", s.SessionID, "total_input", s.TotalInput, "errors", s.ErrorCount)
	}
	return nil
}

// circuitConfigFrom builds a circuit.Config from the pipeline config,
// falling back to circuit.DefaultConfig's values for zero fields.
func circuitConfigFrom(cfg *config.Config) circuit.Config {
	c := circuit.DefaultConfig()
	if cfg.Pipeline.ErrorLimit > 0 {
		c.Limit = cfg.Pipeline.ErrorLimit
	}
	if cfg.Pipeline.CooldownHours > 0 {
		c.CooldownDuration = time.Duration(cfg.Pipeline.CooldownHours) * time.Hour
	}
	return c
}

// cadenceFrom converts a config.SchedulerConfig into a scheduler.Cadence.
func cadenceFrom(sc config.SchedulerConfig) scheduler.Cadence {
	kind := scheduler.CadenceKind(sc.Kind)
	if kind == "" {
		kind = scheduler.CadenceTwiceWeekly
	}
	weekdays := make([]time.Weekday, 0, len(sc.Weekdays))
	for _, name := range sc.Weekdays {
		if wd, ok := weekdayByName[name]; ok {
			weekdays = append(weekdays, wd)
		}
	}
	if len(weekdays) == 0 && kind != scheduler.CadenceDaily {
		weekdays = []time.Weekday{time.Tuesday, time.Friday}
	}
	return scheduler.Cadence{Kind: kind, Weekdays: weekdays, Hour: sc.Hour, Minute: sc.Minute}
}

var weekdayByName = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Orchestrator returns the session orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// Scheduler returns the production scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Circuit returns the error circuit.
func (a *App) Circuit() *circuit.Circuit { return a.circuitB }

// Recorder returns the performance recorder.
func (a *App) Recorder() *perf.Recorder { return a.recorder }

// Pool returns the underlying database pool, used by readiness checks.
func (a *App) Pool() *pgxpool.Pool { return a.pool }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the scheduler (if the orchestrator is in production mode) and
// blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.orchestrator.Mode() == orchestrator.ModeProduction {
		a.sched.Start(ctx)
		slog.Info("app running", "mode", "production", "scheduler", "started")
	} else {
		slog.Info("app running", "mode", "testing", "scheduler", "not started")
	}

	<-ctx.Done()
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the scheduler, then runs the closers in the order they were
// registered. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.sched != nil {
			a.sched.Stop()
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
