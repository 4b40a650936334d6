package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/merlin-platform/copywriting-evaluator/internal/circuit"
	"github.com/merlin-platform/copywriting-evaluator/internal/config"
	"github.com/merlin-platform/copywriting-evaluator/internal/orchestrator"
	"github.com/merlin-platform/copywriting-evaluator/internal/pipeline"
	"github.com/merlin-platform/copywriting-evaluator/internal/scheduler"
)

func TestCircuitConfigFrom_UsesDefaultsWhenUnset(t *testing.T) {
	cfg := &config.Config{}
	got := circuitConfigFrom(cfg)
	want := circuit.DefaultConfig()
	if got.Limit != want.Limit || got.CooldownDuration != want.CooldownDuration {
		t.Errorf("circuitConfigFrom(empty) = %+v, want defaults %+v", got, want)
	}
}

func TestCircuitConfigFrom_OverridesFromPipelineConfig(t *testing.T) {
	cfg := &config.Config{Pipeline: config.PipelineConfig{ErrorLimit: 5, CooldownHours: 2}}
	got := circuitConfigFrom(cfg)
	if got.Limit != 5 {
		t.Errorf("Limit = %d, want 5", got.Limit)
	}
	if got.CooldownDuration != 2*time.Hour {
		t.Errorf("CooldownDuration = %v, want 2h", got.CooldownDuration)
	}
}

func TestCadenceFrom_DefaultsToTwiceWeeklyTuesdayFriday(t *testing.T) {
	c := cadenceFrom(config.SchedulerConfig{Hour: 9, Minute: 0})
	if c.Kind != scheduler.CadenceTwiceWeekly {
		t.Errorf("Kind = %s, want twice_weekly", c.Kind)
	}
	if len(c.Weekdays) != 2 || c.Weekdays[0] != time.Tuesday || c.Weekdays[1] != time.Friday {
		t.Errorf("Weekdays = %v, want [Tuesday Friday]", c.Weekdays)
	}
}

func TestCadenceFrom_DailyKindSkipsWeekdayFallback(t *testing.T) {
	c := cadenceFrom(config.SchedulerConfig{Kind: "daily", Hour: 6})
	if c.Kind != scheduler.CadenceDaily {
		t.Errorf("Kind = %s, want daily", c.Kind)
	}
	if len(c.Weekdays) != 0 {
		t.Errorf("Weekdays = %v, want empty for a daily cadence", c.Weekdays)
	}
}

func TestCadenceFrom_ExplicitWeekdaysHonored(t *testing.T) {
	c := cadenceFrom(config.SchedulerConfig{Kind: "weekly", Weekdays: []string{"monday"}})
	if len(c.Weekdays) != 1 || c.Weekdays[0] != time.Monday {
		t.Errorf("Weekdays = %v, want [Monday]", c.Weekdays)
	}
}

func TestCadenceFrom_UnknownWeekdayNamesAreDropped(t *testing.T) {
	c := cadenceFrom(config.SchedulerConfig{Kind: "weekly", Weekdays: []string{"funday"}})
	if len(c.Weekdays) != 2 {
		t.Fatalf("Weekdays = %v, want the twice-weekly fallback since no valid name was given", c.Weekdays)
	}
}

// newTestApp builds an App by direct struct construction, bypassing New's
// database connection requirement — appropriate here since these tests only
// exercise Run/Shutdown/accessors and the task wiring, not persistence.
func newTestApp(mode orchestrator.Mode, run scheduler.TaskFunc) *App {
	circuitB := circuit.New(circuit.TestingConfig(), nil)
	sched := scheduler.New(time.Millisecond)
	orch := orchestrator.New(nil, circuitB, nil, sched, map[pipeline.Stage]orchestrator.StageProcessorFactory{}, mode)

	a := &App{circuitB: circuitB, sched: sched, orchestrator: orch}
	sched.AddTask(&scheduler.Task{
		Name:    reprocessTaskName,
		Cadence: scheduler.Cadence{Kind: scheduler.CadenceDaily, Hour: 3},
		Run:     run,
		Enabled: mode == orchestrator.ModeProduction,
	})
	return a
}

func TestApp_Run_ProductionStartsScheduler(t *testing.T) {
	a := newTestApp(orchestrator.ModeProduction, func(ctx context.Context) error { return nil })
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := a.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() = %v, want context.DeadlineExceeded", err)
	}
	// Run starts the scheduler but does not stop it on return — that's Shutdown's job.
	running, _ := a.Scheduler().Status()
	if !running {
		t.Error("expected scheduler to still be running after Run returns; Run does not stop it")
	}
	a.Scheduler().Stop()
}

func TestApp_Run_TestingModeDoesNotStartScheduler(t *testing.T) {
	a := newTestApp(orchestrator.ModeTesting, func(ctx context.Context) error { return nil })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_ = a.Run(ctx)
	running, _ := a.Scheduler().Status()
	if running {
		t.Error("expected scheduler not to be started in testing mode")
	}
}

func TestApp_Shutdown_StopsSchedulerAndRunsClosers(t *testing.T) {
	a := newTestApp(orchestrator.ModeProduction, func(ctx context.Context) error { return nil })
	a.sched.Start(context.Background())

	closed := false
	a.closers = append(a.closers, func() error { closed = true; return nil })

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !closed {
		t.Error("expected closer to run during Shutdown")
	}
	running, _ := a.Scheduler().Status()
	if running {
		t.Error("expected scheduler to be stopped after Shutdown")
	}
}

func TestApp_Shutdown_IsIdempotent(t *testing.T) {
	a := newTestApp(orchestrator.ModeTesting, func(ctx context.Context) error { return nil })

	calls := 0
	a.closers = append(a.closers, func() error { calls++; return nil })

	_ = a.Shutdown(context.Background())
	_ = a.Shutdown(context.Background())
	if calls != 1 {
		t.Errorf("closer ran %d times, want exactly 1 (Shutdown must be idempotent)", calls)
	}
}

func TestApp_RunScheduledReprocess_DelegatesToOrchestrator(t *testing.T) {
	circuitB := circuit.New(circuit.TestingConfig(), nil)
	sched := scheduler.New(time.Millisecond)

	var approveAll pipeline.StageProcessor = stageProcessorFunc(func(ctx context.Context, pctx pipeline.ProcessContext, sentences []*pipeline.Sentence) ([]pipeline.Verdict, error) {
		return nil, nil
	})
	factories := make(map[pipeline.Stage]orchestrator.StageProcessorFactory, len(pipeline.Stages))
	for _, s := range pipeline.Stages {
		factories[s] = func() (pipeline.StageProcessor, error) { return approveAll, nil }
	}
	orch := orchestrator.New(emptySentenceStore{}, circuitB, nil, sched, factories, orchestrator.ModeTesting)
	a := &App{circuitB: circuitB, sched: sched, orchestrator: orch}

	if err := a.runScheduledReprocess(context.Background()); err != nil {
		t.Fatalf("runScheduledReprocess: %v", err)
	}
}

// stageProcessorFunc adapts a function literal to pipeline.StageProcessor.
type stageProcessorFunc func(ctx context.Context, pctx pipeline.ProcessContext, sentences []*pipeline.Sentence) ([]pipeline.Verdict, error)

func (f stageProcessorFunc) ProcessBatch(ctx context.Context, pctx pipeline.ProcessContext, sentences []*pipeline.Sentence) ([]pipeline.Verdict, error) {
	return f(ctx, pctx, sentences)
}

// emptySentenceStore is an orchestrator.SentenceStore returning no sentences,
// enough to exercise runScheduledReprocess without a database.
type emptySentenceStore struct{}

func (emptySentenceStore) SelectForProcessing(ctx context.Context, table pipeline.Table, ids []string, restartFrom pipeline.Stage) ([]*pipeline.Sentence, error) {
	return nil, nil
}
func (emptySentenceStore) ApplyVerdicts(ctx context.Context, stage pipeline.Stage, verdicts []pipeline.Verdict) error {
	return nil
}
func (emptySentenceStore) BulkReject(ctx context.Context, table pipeline.Table, ids []string, reason string) error {
	return nil
}
