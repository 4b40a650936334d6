package stages

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/merlin-platform/copywriting-evaluator/internal/llm"
	"github.com/merlin-platform/copywriting-evaluator/internal/pipeline"
	llmprovider "github.com/merlin-platform/copywriting-evaluator/pkg/provider/llm"
	"github.com/merlin-platform/copywriting-evaluator/pkg/provider/llm/mock"
)

func fastLLMConfig() llm.Config {
	return llm.Config{MaxRetries: 1, BaseBackoff: time.Millisecond, RequestTimeout: time.Second}
}

func TestToneAnalysis_ProcessBatch_Approves(t *testing.T) {
	provider := &mock.Provider{CompleteResponse: &llmprovider.CompletionResponse{
		Content: `{"results":[{"sentence_id":"s1","index":1,"primary_tone":"Confident","confidence_score":0.9,"reasoning":"direct language"}]}`,
	}}
	client := llm.New(provider, "test-model", nil, "", fastLLMConfig())
	stage := NewToneAnalysis(client)

	sentences := []*pipeline.Sentence{{ID: "s1", ContentText: "We deliver results."}}
	verdicts, err := stage.ProcessBatch(context.Background(), pipeline.ProcessContext{SessionID: "sess"}, sentences)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(verdicts) != 1 {
		t.Fatalf("len(verdicts) = %d, want 1", len(verdicts))
	}
	v := verdicts[0]
	if v.Status != pipeline.StatusApproved {
		t.Errorf("Status = %s, want approved (tone analysis never rejects)", v.Status)
	}
	if v.Payload["primary_tone"] != "Confident" {
		t.Errorf("primary_tone = %v, want Confident", v.Payload["primary_tone"])
	}
}

func TestToneAnalysis_ProcessBatch_InvalidToneDefaultsToAnalytical(t *testing.T) {
	provider := &mock.Provider{CompleteResponse: &llmprovider.CompletionResponse{
		Content: `{"results":[{"sentence_id":"s1","index":1,"primary_tone":"NotARealTone","confidence_score":0.5}]}`,
	}}
	client := llm.New(provider, "test-model", nil, "", fastLLMConfig())
	stage := NewToneAnalysis(client)

	sentences := []*pipeline.Sentence{{ID: "s1", ContentText: "Some text."}}
	verdicts, err := stage.ProcessBatch(context.Background(), pipeline.ProcessContext{}, sentences)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdicts[0].Payload["primary_tone"] != "Analytical" {
		t.Errorf("primary_tone = %v, want Analytical fallback", verdicts[0].Payload["primary_tone"])
	}
	if _, ok := verdicts[0].Payload["warning"]; !ok {
		t.Error("expected a warning to be recorded for an invalid tone")
	}
}

func TestToneAnalysis_ProcessBatch_LLMFailureReturnsErrorAndDefaultVerdicts(t *testing.T) {
	provider := &mock.Provider{CompleteErr: errors.New("invalid request")}
	client := llm.New(provider, "test-model", nil, "", fastLLMConfig())
	stage := NewToneAnalysis(client)

	sentences := []*pipeline.Sentence{{ID: "s1", ContentText: "Some text."}}
	verdicts, err := stage.ProcessBatch(context.Background(), pipeline.ProcessContext{}, sentences)
	if !errors.Is(err, llm.ErrLLMFailure) {
		t.Fatalf("err = %v, want wrapped llm.ErrLLMFailure so the orchestrator counts this against the error circuit", err)
	}
	if verdicts[0].Status != pipeline.StatusError {
		t.Errorf("Status = %s, want error", verdicts[0].Status)
	}
	if verdicts[0].Payload["primary_tone"] != "Analytical" {
		t.Errorf("default payload tone = %v, want Analytical", verdicts[0].Payload["primary_tone"])
	}
}

func TestToneAnalysis_ProcessBatch_ParseFailureStaysPerSentence(t *testing.T) {
	provider := &mock.Provider{CompleteResponse: &llmprovider.CompletionResponse{Content: "not json"}}
	client := llm.New(provider, "test-model", nil, "", fastLLMConfig())
	stage := NewToneAnalysis(client)

	sentences := []*pipeline.Sentence{{ID: "s1", ContentText: "Some text."}}
	verdicts, err := stage.ProcessBatch(context.Background(), pipeline.ProcessContext{}, sentences)
	if err != nil {
		t.Fatalf("unexpected batch error for a per-sentence parse failure: %v", err)
	}
	if verdicts[0].Status != pipeline.StatusError {
		t.Errorf("Status = %s, want error", verdicts[0].Status)
	}
	if verdicts[0].Reason != "parse_failure" {
		t.Errorf("Reason = %q, want parse_failure", verdicts[0].Reason)
	}
}

func TestClamp01(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-0.5, 0}, {0.5, 0.5}, {1.5, 1},
	}
	for _, tt := range tests {
		if got := clamp01(tt.in); got != tt.want {
			t.Errorf("clamp01(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDefaultString(t *testing.T) {
	if got := defaultString("", "fallback"); got != "fallback" {
		t.Errorf("defaultString(\"\", ...) = %q, want fallback", got)
	}
	if got := defaultString("set", "fallback"); got != "set" {
		t.Errorf("defaultString(\"set\", ...) = %q, want set", got)
	}
}
