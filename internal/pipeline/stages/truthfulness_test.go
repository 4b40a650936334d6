package stages

import (
	"strings"
	"testing"

	"github.com/merlin-platform/copywriting-evaluator/internal/pipeline"
)

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short, 10) = %q, want unchanged", got)
	}
	if got := truncate("this is a long string", 7); got != "this is" {
		t.Errorf("truncate(..., 7) = %q, want %q", got, "this is")
	}
}

func TestReasonIfRejected(t *testing.T) {
	if got := reasonIfRejected(pipeline.StatusApproved, "some reason"); got != "" {
		t.Errorf("reasonIfRejected(approved, ...) = %q, want empty", got)
	}
	if got := reasonIfRejected(pipeline.StatusRejected, "unsupported claim"); got != "unsupported claim" {
		t.Errorf("reasonIfRejected(rejected, ...) = %q, want unsupported claim", got)
	}
}

func TestBuildTruthfulnessPrompt_IncludesTokenTruthsAndSentences(t *testing.T) {
	batch := []*pipeline.Sentence{{ID: "s1", ContentText: "I led the team."}}
	prompt := buildTruthfulnessPrompt("tok123", "sess1", []string{"Candidate managed a team of 5"}, batch)

	for _, want := range []string{"tok123", "sess1", "Candidate managed a team of 5", "s1", "I led the team."} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Count(prompt, "tok123") != 2 {
		t.Error("expected the security token to appear as both a header and a checkpoint")
	}
}
