package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/merlin-platform/copywriting-evaluator/internal/llm"
	"github.com/merlin-platform/copywriting-evaluator/internal/pipeline"
	"github.com/merlin-platform/copywriting-evaluator/internal/store"
)

const toneAnalysisBatchSize = 5

// ToneAnalysis is the LLM-backed fourth stage. It never rejects content: a
// sentence with a matched result is approved, while a failed request, an
// unparsable reply, or a sentence with no matching result gets a StatusError
// verdict carrying the default neutral (Analytical) payload.
type ToneAnalysis struct {
	client *llm.Client
}

// NewToneAnalysis creates a ToneAnalysis processor.
func NewToneAnalysis(client *llm.Client) *ToneAnalysis {
	return &ToneAnalysis{client: client}
}

type toneResult struct {
	SentenceID         string   `json:"sentence_id"`
	Index              int      `json:"index"`
	PrimaryTone        string   `json:"primary_tone"`
	SecondaryTone      string   `json:"secondary_tone"`
	ConfidenceScore    *float64 `json:"confidence_score"`
	ToneStrength       string   `json:"tone_strength"`
	Reasoning          string   `json:"reasoning"`
	ToneIndicators     []string `json:"tone_indicators"`
	ProfessionalImpact string   `json:"professional_impact"`
}

type toneResponse struct {
	Results []toneResult `json:"results"`
}

// ProcessBatch implements [pipeline.StageProcessor]. A sub-batch whose LLM
// request exhausts retries and fallback returns a non-nil error alongside
// its default verdicts, so the orchestrator counts it against the error
// circuit instead of a success.
func (t *ToneAnalysis) ProcessBatch(ctx context.Context, pctx pipeline.ProcessContext, sentences []*pipeline.Sentence) ([]pipeline.Verdict, error) {
	var verdicts []pipeline.Verdict
	var batchErr error
	for start := 0; start < len(sentences); start += toneAnalysisBatchSize {
		end := start + toneAnalysisBatchSize
		if end > len(sentences) {
			end = len(sentences)
		}
		sub, err := t.processSubBatch(ctx, pctx, sentences[start:end])
		verdicts = append(verdicts, sub...)
		if err != nil {
			batchErr = err
		}
	}
	return verdicts, batchErr
}

func (t *ToneAnalysis) processSubBatch(ctx context.Context, pctx pipeline.ProcessContext, batch []*pipeline.Sentence) ([]pipeline.Verdict, error) {
	prompt := buildTonePrompt(pctx.SessionID, batch)
	result, err := t.client.RequestJSON(ctx, prompt)
	if err != nil {
		return defaultToneVerdicts(batch, "", "llm_request_failed"), err
	}

	var resp toneResponse
	if err := llm.ParseJSONObject(result.Raw, &resp); err != nil {
		return defaultToneVerdicts(batch, result.Model, "parse_failure"), nil
	}

	byID := make(map[string]toneResult, len(resp.Results))
	byIndex := make(map[int]toneResult, len(resp.Results))
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
		if !ok {
			verdicts = append(verdicts, defaultToneVerdict(s, result.Model, "no analysis result returned"))
			continue
		}

		warning := ""
		primary := r.PrimaryTone
		if !store.ValidTone(primary) {
			warning = fmt.Sprintf("invalid primary_tone %q defaulted to Analytical", primary)
			primary = "Analytical"
		}
		secondary := r.SecondaryTone
		if secondary != "" && !store.ValidTone(secondary) {
			secondary = ""
		}
		confidence := 0.5
		if r.ConfidenceScore != nil {
			confidence = clamp01(*r.ConfidenceScore)
		}

		payload := map[string]any{
			"primary_tone":        primary,
			"secondary_tone":      secondary,
			"confidence_score":    confidence,
			"tone_strength":       defaultString(r.ToneStrength, "Moderate"),
			"reasoning":           r.Reasoning,
			"tone_indicators":     r.ToneIndicators,
			"professional_impact": r.ProfessionalImpact,
		}
		if warning != "" {
			payload["warning"] = warning
		}

		verdicts = append(verdicts, pipeline.Verdict{
			ID: s.ID, Table: s.Table, Stage: pipeline.StageToneAnalysis,
			Status: pipeline.StatusApproved, Model: result.Model, Payload: payload,
		})
	}
	return verdicts, nil
}

func defaultToneVerdicts(batch []*pipeline.Sentence, model, reason string) []pipeline.Verdict {
	verdicts := make([]pipeline.Verdict, 0, len(batch))
	for _, s := range batch {
		verdicts = append(verdicts, defaultToneVerdict(s, model, reason))
	}
	return verdicts
}

func defaultToneVerdict(s *pipeline.Sentence, model, reason string) pipeline.Verdict {
	return pipeline.Verdict{
		ID: s.ID, Table: s.Table, Stage: pipeline.StageToneAnalysis,
		Status: pipeline.StatusError, Model: model, Reason: reason,
		Payload: map[string]any{
			"primary_tone":        "Analytical",
			"secondary_tone":      "",
			"confidence_score":    0.3,
			"tone_strength":       "Subtle",
			"reasoning":           reason,
			"tone_indicators":     []string{},
			"professional_impact": "Analysis unavailable",
		},
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func buildTonePrompt(sessionID string, batch []*pipeline.Sentence) string {
	var b strings.Builder
	b.WriteString("Classify the dominant tone of each sentence below using exactly these categories:\n")
	for _, c := range store.ToneCategories {
		fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Description)
	}
	fmt.Fprintf(&b, "\nSESSION: %s\n\nSENTENCES:\n", sessionID)
	for i, s := range batch {
		fmt.Fprintf(&b, "SENTENCE %d: (ID: %s)\n%q\n\n", i+1, s.ID, s.ContentText)
	}
	b.WriteString(`Return a JSON object: {"results": [{"sentence_id": string, "index": int, "primary_tone": string, "secondary_tone": string, "confidence_score": number 0-1, "tone_strength": "Subtle"|"Moderate"|"Strong", "reasoning": string, "tone_indicators": [string], "professional_impact": string}]}. Return only the JSON object, nothing else.` + "\n")
	return b.String()
}
