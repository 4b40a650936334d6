package pipeline

import "testing"

func TestBatchSize(t *testing.T) {
	tests := []struct {
		stage Stage
		want  int
	}{
		{StageKeywordFilter, 1},
		{StageCanadianSpelling, 1},
		{StageTruthfulness, 5},
		{StageToneAnalysis, 5},
		{StageSkillAnalysis, 5},
	}
	for _, tt := range tests {
		if got := BatchSize(tt.stage); got != tt.want {
			t.Errorf("BatchSize(%s) = %d, want %d", tt.stage, got, tt.want)
		}
	}
}

func TestStatus_Pending(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, true},
		{StatusError, true},
		{StatusApproved, false},
		{StatusRejected, false},
		{StatusCompleted, false},
	}
	for _, tt := range tests {
		if got := tt.status.Pending(); got != tt.want {
			t.Errorf("%s.Pending() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestSentence_StageStatusDefaultsToPending(t *testing.T) {
	s := &Sentence{ID: "1"}
	if got := s.StageStatus(StageKeywordFilter); got != StatusPending {
		t.Errorf("StageStatus on unwritten stage = %s, want pending", got)
	}
}

func TestSentence_SetStage(t *testing.T) {
	s := &Sentence{ID: "1"}
	s.SetStage(StageKeywordFilter, StageState{Status: StatusRejected, Reason: "blocked word"})

	if got := s.StageStatus(StageKeywordFilter); got != StatusRejected {
		t.Errorf("StageStatus after SetStage = %s, want rejected", got)
	}
	if got := s.Stages[StageKeywordFilter].Reason; got != "blocked word" {
		t.Errorf("Reason = %q, want %q", got, "blocked word")
	}
}

func TestStagesOrder(t *testing.T) {
	want := []Stage{
		StageKeywordFilter,
		StageTruthfulness,
		StageCanadianSpelling,
		StageToneAnalysis,
		StageSkillAnalysis,
	}
	if len(Stages) != len(want) {
		t.Fatalf("len(Stages) = %d, want %d", len(Stages), len(want))
	}
	for i, s := range want {
		if Stages[i] != s {
			t.Errorf("Stages[%d] = %s, want %s", i, Stages[i], s)
		}
	}
}
