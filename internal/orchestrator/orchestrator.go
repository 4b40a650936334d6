// Package orchestrator drives a processing session end to end: the variable
// gate, the five-stage loop, in-memory working-set synchronization, restart-
// from-stage, and mode switching between testing and production.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/merlin-platform/copywriting-evaluator/internal/circuit"
	"github.com/merlin-platform/copywriting-evaluator/internal/perf"
	"github.com/merlin-platform/copywriting-evaluator/internal/pipeline"
	"github.com/merlin-platform/copywriting-evaluator/internal/scheduler"
	"github.com/merlin-platform/copywriting-evaluator/internal/store"
)

// Mode selects the orchestrator's operating posture.
type Mode string

const (
	ModeTesting    Mode = "testing"
	ModeProduction Mode = "production"
)

// supportedVariables is the exact set of {identifier} template variables the
// downstream document generator substitutes. Anything else fails the gate.
var supportedVariables = map[string]bool{
	"job_title":    true,
	"company_name": true,
}

var variablePattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// SentenceStore is the persistence contract the orchestrator depends on.
type SentenceStore interface {
	SelectForProcessing(ctx context.Context, table pipeline.Table, ids []string, restartFrom pipeline.Stage) ([]*pipeline.Sentence, error)
	ApplyVerdicts(ctx context.Context, stage pipeline.Stage, verdicts []pipeline.Verdict) error
	BulkReject(ctx context.Context, table pipeline.Table, ids []string, reason string) error
}

var _ SentenceStore = (*store.SentenceStore)(nil)

// StageProcessorFactory lazily builds a stage processor on first use, so a
// deployment missing LLM credentials can still run the deterministic stages.
type StageProcessorFactory func() (pipeline.StageProcessor, error)

// ProcessingStats summarizes one session's outcome.
type ProcessingStats struct {
	SessionID  string
	StartedAt  time.Time
	EndedAt    time.Time
	PerStage   map[pipeline.Stage]StageCounts
	TotalInput int
	ErrorCount int
}

// StageCounts tallies one stage's verdicts within a session.
type StageCounts struct {
	Approved int
	Rejected int
	Errored  int
	Duration time.Duration
}

// Orchestrator wires together the sentence store, the error circuit, the
// performance recorder, and the five stage processors into one session
// lifecycle.
type Orchestrator struct {
	store     SentenceStore
	circuitB  *circuit.Circuit
	recorder  *perf.Recorder
	scheduler *scheduler.Scheduler

	mu         sync.Mutex
	mode       Mode
	factories  map[pipeline.Stage]StageProcessorFactory
	processors map[pipeline.Stage]pipeline.StageProcessor
}

// New creates an Orchestrator. factories supplies a lazy constructor for each
// stage; Process populates the corresponding processor on first use.
func New(sentenceStore SentenceStore, circuitB *circuit.Circuit, recorder *perf.Recorder, sched *scheduler.Scheduler, factories map[pipeline.Stage]StageProcessorFactory, mode Mode) *Orchestrator {
	return &Orchestrator{
		store:      sentenceStore,
		circuitB:   circuitB,
		recorder:   recorder,
		scheduler:  sched,
		mode:       mode,
		factories:  factories,
		processors: make(map[pipeline.Stage]pipeline.StageProcessor),
	}
}

func (o *Orchestrator) processorFor(stage pipeline.Stage) (pipeline.StageProcessor, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if p, ok := o.processors[stage]; ok {
		return p, nil
	}
	factory, ok := o.factories[stage]
	if !ok {
		return nil, fmt.Errorf("orchestrator: no factory registered for stage %q", stage)
	}
	p, err := factory()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build processor for %q: %w", stage, err)
	}
	o.processors[stage] = p
	return p, nil
}

// Options customize a single Process call.
type Options struct {
	Table       pipeline.Table
	IDs         []string
	RestartFrom pipeline.Stage // zero value means start at keyword_filter
}

// Process runs one session: gate, then the stage loop in fixed order,
// starting from RestartFrom (or the first stage if unset).
func (o *Orchestrator) Process(ctx context.Context, opts Options) (*ProcessingStats, error) {
	sessionID := uuid.NewString()
	stats := &ProcessingStats{SessionID: sessionID, StartedAt: time.Now(), PerStage: make(map[pipeline.Stage]StageCounts)}

	if o.mode == ModeProduction {
		if err := o.circuitB.CanProcess(); err != nil {
			return nil, fmt.Errorf("orchestrator: session %s denied: %w", sessionID, err)
		}
	}

	startStage := opts.RestartFrom
	if startStage == "" {
		startStage = pipeline.StageKeywordFilter
	}

	working, err := o.store.SelectForProcessing(ctx, opts.Table, opts.IDs, startStage)
	if err != nil {
		o.circuitB.RecordError(ctx, sessionID, string(startStage), err, nil)
		return nil, fmt.Errorf("orchestrator: select for processing: %w", err)
	}
	stats.TotalInput = len(working)

	isFreshRun := startStage == pipeline.StageKeywordFilter
	if isFreshRun {
		working, err = o.applyVariableGate(ctx, opts.Table, working)
		if err != nil {
			o.circuitB.RecordError(ctx, sessionID, "variable_gate", err, nil)
			return nil, fmt.Errorf("orchestrator: variable gate: %w", err)
		}
	}

	stageList := stagesFrom(startStage)
	for _, stage := range stageList {
		eligible := filterEligible(working, stage)
		if len(eligible) == 0 {
			continue
		}

		processor, err := o.processorFor(stage)
		if err != nil {
			o.circuitB.RecordError(ctx, sessionID, string(stage), err, nil)
			return stats, fmt.Errorf("orchestrator: %w", err)
		}

		stageStart := time.Now()
		counts := StageCounts{}
		batchSize := pipeline.BatchSize(stage)

		var stageErr error
		for i := 0; i < len(eligible); i += batchSize {
			end := i + batchSize
			if end > len(eligible) {
				end = len(eligible)
			}
			batch := eligible[i:end]

			callStart := time.Now()
			verdicts, err := processor.ProcessBatch(ctx, pipeline.ProcessContext{SessionID: sessionID}, batch)
			success := err == nil

			if o.recorder != nil {
				o.recorder.LogCall(ctx, perf.Call{
					SessionID: sessionID, StageName: string(stage), APICallType: "batch",
					ResponseTime: time.Since(callStart), Success: success, BatchSize: len(batch),
					SentencesProcessed: len(batch),
				})
			}

			if err != nil {
				o.circuitB.RecordError(ctx, sessionID, string(stage), err, map[string]any{"batch_size": len(batch)})
				stageErr = err
			} else {
				o.circuitB.RecordSuccess()
			}

			// A stage must still return one verdict per sentence even when it
			// reports a batch-level error, so those sentences land in the
			// store as errored rather than silently staying pending forever.
			if len(verdicts) > 0 {
				if err := o.store.ApplyVerdicts(ctx, stage, verdicts); err != nil {
					o.circuitB.RecordError(ctx, sessionID, string(stage), err, nil)
					stageErr = err
				} else {
					applyToWorkingSet(working, stage, verdicts)
					tallyVerdicts(&counts, verdicts)
				}
			}

			if stageErr != nil && o.mode == ModeProduction {
				if cerr := o.circuitB.CanProcess(); cerr != nil {
					break
				}
			}
		}

		counts.Duration = time.Since(stageStart)
		stats.PerStage[stage] = counts
		stats.ErrorCount += counts.Errored

		if stage == pipeline.StageKeywordFilter {
			working = removeRejected(working, stage)
		}

		if stageErr != nil && o.mode == ModeProduction {
			if cerr := o.circuitB.CanProcess(); cerr != nil {
				slog.Warn("orchestrator: stopping session early, circuit in cooldown", "session", sessionID, "stage", stage)
				break
			}
		}
	}

	stats.EndedAt = time.Now()
	if o.recorder != nil {
		o.recorder.LogSessionSummary(ctx, sessionID, stats.TotalInput, stats.EndedAt.Sub(stats.StartedAt), stats.ErrorCount == 0)
	}
	return stats, nil
}

// ProcessBothTables runs Process concurrently for the resume and cover_letter
// tables, since they share no state.
func (o *Orchestrator) ProcessBothTables(ctx context.Context, restartFrom pipeline.Stage) ([]*ProcessingStats, error) {
	tables := []pipeline.Table{pipeline.TableResume, pipeline.TableCoverLetter}
	results := make([]*ProcessingStats, len(tables))

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tables {
		i, t := i, t
		g.Go(func() error {
			stats, err := o.Process(gctx, Options{Table: t, RestartFrom: restartFrom})
			if err != nil {
				return err
			}
			results[i] = stats
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// SwitchMode reconfigures the orchestrator for testing or production. It
// resets the error circuit and starts/stops the scheduler, but does not
// affect a session already in flight.
func (o *Orchestrator) SwitchMode(newMode Mode) {
	o.mu.Lock()
	current := o.mode
	o.mu.Unlock()

	if current == newMode {
		return
	}

	o.circuitB.Reset()
	if newMode == ModeProduction {
		o.circuitB.Reconfigure(circuit.DefaultConfig())
	} else {
		o.circuitB.Reconfigure(circuit.TestingConfig())
	}

	o.mu.Lock()
	o.mode = newMode
	o.mu.Unlock()

	if o.scheduler != nil {
		if newMode == ModeProduction {
			o.scheduler.Start(context.Background())
		} else {
			o.scheduler.Stop()
		}
	}
	slog.Info("orchestrator: mode switched", "from", current, "to", newMode)
}

// Mode returns the orchestrator's current mode.
func (o *Orchestrator) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// applyVariableGate bulk-rejects sentences referencing unsupported template
// variables and returns the remaining working set. Sentences are grouped by
// their exact set of unsupported variables so each group's reject reason
// names precisely the variables that triggered it.
func (o *Orchestrator) applyVariableGate(ctx context.Context, table pipeline.Table, sentences []*pipeline.Sentence) ([]*pipeline.Sentence, error) {
	byReason := make(map[string][]string)
	kept := make([]*pipeline.Sentence, 0, len(sentences))

	for _, s := range sentences {
		unsupported := unsupportedVariables(s.ContentText)
		if len(unsupported) > 0 {
			reason := fmt.Sprintf("Unsupported variables: %s", strings.Join(unsupported, ", "))
			byReason[reason] = append(byReason[reason], s.ID)
			slog.Warn("orchestrator: rejecting sentence with unsupported variables", "id", s.ID, "variables", unsupported)
			continue
		}
		kept = append(kept, s)
	}

	for reason, ids := range byReason {
		if err := o.store.BulkReject(ctx, table, ids, reason); err != nil {
			return nil, err
		}
	}
	return kept, nil
}

func unsupportedVariables(text string) []string {
	matches := variablePattern.FindAllStringSubmatch(text, -1)
	seen := map[string]bool{}
	var out []string
	for _, m := range matches {
		name := m[1]
		if supportedVariables[name] || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func stagesFrom(start pipeline.Stage) []pipeline.Stage {
	for i, s := range pipeline.Stages {
		if s == start {
			return pipeline.Stages[i:]
		}
	}
	return pipeline.Stages
}

func filterEligible(sentences []*pipeline.Sentence, stage pipeline.Stage) []*pipeline.Sentence {
	out := make([]*pipeline.Sentence, 0, len(sentences))
	for _, s := range sentences {
		if s.StageStatus(stage).Pending() {
			out = append(out, s)
		}
	}
	return out
}

// applyToWorkingSet mutates each sentence's in-memory stage state so the next
// stage's eligibility filter sees up-to-date statuses. This is the
// orchestrator's load-bearing invariant.
func applyToWorkingSet(sentences []*pipeline.Sentence, stage pipeline.Stage, verdicts []pipeline.Verdict) {
	byID := make(map[string]*pipeline.Sentence, len(sentences))
	for _, s := range sentences {
		byID[s.ID] = s
	}
	for _, v := range verdicts {
		if s, ok := byID[v.ID]; ok {
			s.SetStage(stage, pipeline.StageState{
				Status: v.Status, Date: time.Now(), Reason: v.Reason, Model: v.Model, Payload: v.Payload,
			})
		}
	}
}

func removeRejected(sentences []*pipeline.Sentence, stage pipeline.Stage) []*pipeline.Sentence {
	out := sentences[:0]
	for _, s := range sentences {
		if s.StageStatus(stage) != pipeline.StatusRejected {
			out = append(out, s)
		}
	}
	return out
}

func tallyVerdicts(counts *StageCounts, verdicts []pipeline.Verdict) {
	for _, v := range verdicts {
		switch v.Status {
		case pipeline.StatusApproved:
			counts.Approved++
		case pipeline.StatusRejected:
			counts.Rejected++
		case pipeline.StatusError:
			counts.Errored++
		}
	}
}
