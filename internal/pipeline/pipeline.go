// Package pipeline defines the shared vocabulary used by every evaluation
// stage and by the orchestrator that drives them: sentences, stages, statuses,
// and verdicts.
package pipeline

import (
	"context"
	"time"
)

// Table identifies which physical sentence bank a sentence belongs to.
type Table string

const (
	TableResume       Table = "resume"
	TableCoverLetter  Table = "cover_letter"
)

// Stage identifies one of the five ordered evaluation steps.
type Stage string

const (
	StageKeywordFilter     Stage = "keyword_filter"
	StageTruthfulness      Stage = "truthfulness"
	StageCanadianSpelling  Stage = "canadian_spelling"
	StageToneAnalysis      Stage = "tone_analysis"
	StageSkillAnalysis     Stage = "skill_analysis"
)

// Stages lists every stage in the fixed execution order. Callers that need to
// iterate "all stages" or "every stage status column" should range over this
// slice rather than hard-coding the order elsewhere.
var Stages = []Stage{
	StageKeywordFilter,
	StageTruthfulness,
	StageCanadianSpelling,
	StageToneAnalysis,
	StageSkillAnalysis,
}

// LLMStages lists the stages that call out to an LLM provider. BatchSize for
// these stages is 5; deterministic stages use a batch size of 1.
var LLMStages = map[Stage]bool{
	StageTruthfulness: true,
	StageToneAnalysis: true,
	StageSkillAnalysis: true,
}

// BatchSize returns the orchestrator's chunking size for a stage.
func BatchSize(s Stage) int {
	if LLMStages[s] {
		return 5
	}
	return 1
}

// Status is the per-stage lifecycle state of a sentence.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusError     Status = "error"
	// StatusCompleted is a defined vocabulary value reserved for a stage type
	// with no approve/reject semantics. No shipped stage processor emits it.
	StatusCompleted Status = "completed"
)

// Pending reports whether a status means "eligible to (re)enter this stage".
func (s Status) Pending() bool {
	return s == StatusPending || s == StatusError
}

// StageState holds one stage's column values for one sentence.
type StageState struct {
	Status  Status
	Date    time.Time
	Reason  string
	Model   string
	Payload map[string]any
}

// Sentence is the central pipeline entity: one candidate sentence plus its
// five stage states.
type Sentence struct {
	ID          string
	Table       Table
	ContentText string
	Tone        string
	BodySection string
	Position    string
	CreatedAt   time.Time

	Stages map[Stage]StageState
}

// StageStatus is a convenience accessor; it returns StatusPending if the stage
// has never been written.
func (s *Sentence) StageStatus(stage Stage) Status {
	st, ok := s.Stages[stage]
	if !ok {
		return StatusPending
	}
	return st.Status
}

// SetStage mutates the sentence's in-memory stage state. This is the orchestrator's
// load-bearing invariant: the working set must reflect each stage's verdicts
// before the next stage's selection filter runs.
func (s *Sentence) SetStage(stage Stage, state StageState) {
	if s.Stages == nil {
		s.Stages = make(map[Stage]StageState, len(Stages))
	}
	s.Stages[stage] = state
}

// Verdict is the result a stage processor produces for one sentence.
type Verdict struct {
	ID      string
	Table   Table
	Stage   Stage
	Status  Status
	Reason  string
	Model   string
	Payload map[string]any
}

// StageProcessor is the uniform contract every evaluation stage implements.
// Implementations must always produce exactly one verdict per input sentence,
// even when returning a non-nil error. A failure specific to one sentence
// (its reply could not be matched to a result, or the result failed to
// parse) becomes a StatusError verdict for that sentence alone, with a nil
// batch error. A failure that affects the whole batch — the upstream
// transport exhausted retries, a shared dependency the batch needs could not
// be loaded — must still fill in StatusError verdicts for every sentence in
// the batch (so the working set has something to apply) but also return that
// error, so the orchestrator counts it against the error circuit instead of
// treating the batch as a success.
type StageProcessor interface {
	ProcessBatch(ctx context.Context, pctx ProcessContext, sentences []*Sentence) ([]Verdict, error)
}

// ProcessContext threads the session id (and anything else a stage needs from
// the orchestrator) into ProcessBatch without widening the signature every
// time a new cross-cutting concern appears.
type ProcessContext struct {
	SessionID string
}
