package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/merlin-platform/copywriting-evaluator/internal/llm"
	"github.com/merlin-platform/copywriting-evaluator/internal/pipeline"
)

const skillAnalysisBatchSize = 5

const defaultSkill = "General Professional Skills"

// SkillAnalysis is the LLM-backed fifth stage: assigns a single free-form
// primary_skill label to each sentence.
type SkillAnalysis struct {
	client *llm.Client
}

// NewSkillAnalysis creates a SkillAnalysis processor.
func NewSkillAnalysis(client *llm.Client) *SkillAnalysis {
	return &SkillAnalysis{client: client}
}

type skillResult struct {
	SentenceID   string `json:"sentence_id"`
	Index        int    `json:"index"`
	PrimarySkill string `json:"primary_skill"`
}

type skillResponse struct {
	Results []skillResult `json:"results"`
}

// ProcessBatch implements [pipeline.StageProcessor]. A sub-batch whose LLM
// request exhausts retries and fallback returns a non-nil error alongside
// its default verdicts, so the orchestrator counts it against the error
// circuit instead of a success.
func (sa *SkillAnalysis) ProcessBatch(ctx context.Context, pctx pipeline.ProcessContext, sentences []*pipeline.Sentence) ([]pipeline.Verdict, error) {
	var verdicts []pipeline.Verdict
	var batchErr error
	for start := 0; start < len(sentences); start += skillAnalysisBatchSize {
		end := start + skillAnalysisBatchSize
		if end > len(sentences) {
			end = len(sentences)
		}
		sub, err := sa.processSubBatch(ctx, pctx, sentences[start:end])
		verdicts = append(verdicts, sub...)
		if err != nil {
			batchErr = err
		}
	}
	return verdicts, batchErr
}

func (sa *SkillAnalysis) processSubBatch(ctx context.Context, pctx pipeline.ProcessContext, batch []*pipeline.Sentence) ([]pipeline.Verdict, error) {
	prompt := buildSkillPrompt(pctx.SessionID, batch)
	result, err := sa.client.RequestJSON(ctx, prompt)
	if err != nil {
		return defaultSkillVerdicts(batch, "", "llm_request_failed"), err
	}

	var resp skillResponse
	if err := llm.ParseJSONObject(result.Raw, &resp); err != nil {
		return defaultSkillVerdicts(batch, result.Model, "parse_failure"), nil
	}

	byID := make(map[string]skillResult, len(resp.Results))
	byIndex := make(map[int]skillResult, len(resp.Results))
	for _, r := range resp.Results {
		byID[r.SentenceID] = r
		byIndex[r.Index] = r
	}

	verdicts := make([]pipeline.Verdict, 0, len(batch))
	for i, s := range batch {
		r, ok := byID[s.ID]
		if !ok {
			r, ok = byIndex[i+1]
		}
		if !ok || strings.TrimSpace(r.PrimarySkill) == "" {
			verdicts = append(verdicts, pipeline.Verdict{
				ID: s.ID, Table: s.Table, Stage: pipeline.StageSkillAnalysis,
				Status: pipeline.StatusError, Model: result.Model, Reason: "skill_missing",
				Payload: map[string]any{"primary_skill": defaultSkill},
			})
			continue
		}
		verdicts = append(verdicts, pipeline.Verdict{
			ID: s.ID, Table: s.Table, Stage: pipeline.StageSkillAnalysis,
			Status: pipeline.StatusApproved, Model: result.Model,
			Payload: map[string]any{"primary_skill": r.PrimarySkill},
		})
	}
	return verdicts, nil
}

func defaultSkillVerdicts(batch []*pipeline.Sentence, model, reason string) []pipeline.Verdict {
	verdicts := make([]pipeline.Verdict, 0, len(batch))
	for _, s := range batch {
		verdicts = append(verdicts, pipeline.Verdict{
			ID: s.ID, Table: s.Table, Stage: pipeline.StageSkillAnalysis,
			Status: pipeline.StatusError, Model: model, Reason: reason,
			Payload: map[string]any{"primary_skill": defaultSkill},
		})
	}
	return verdicts
}

func buildSkillPrompt(sessionID string, batch []*pipeline.Sentence) string {
	var b strings.Builder
	b.WriteString("Identify the single primary professional skill each sentence demonstrates. Use a short free-form phrase (e.g. \"Project Management\", \"Data Analysis\").\n")
	fmt.Fprintf(&b, "\nSESSION: %s\n\nSENTENCES:\n", sessionID)
	for i, s := range batch {
		fmt.Fprintf(&b, "SENTENCE %d: (ID: %s)\n%q\n\n", i+1, s.ID, s.ContentText)
	}
	b.WriteString(`Return a JSON object: {"results": [{"sentence_id": string, "index": int, "primary_skill": string}]}. Return only the JSON object, nothing else.` + "\n")
	return b.String()
}
