package perf_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/merlin-platform/copywriting-evaluator/internal/perf"
	"github.com/merlin-platform/copywriting-evaluator/internal/store"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if EVALUATOR_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("EVALUATOR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("EVALUATOR_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS performance_metrics CASCADE"); err != nil {
		t.Fatalf("drop schema: %v", err)
	}
	if err := store.Migrate(ctx, pool); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return pool
}

func TestRecorder_LogCallAndAggregate(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	r := perf.NewRecorder(pool, nil)

	r.LogCall(ctx, perf.Call{SessionID: "s1", StageName: "keyword_filter", ResponseTime: 120 * time.Millisecond, Success: true, BatchSize: 1, SentencesProcessed: 1})
	r.LogCall(ctx, perf.Call{SessionID: "s1", StageName: "keyword_filter", ResponseTime: 80 * time.Millisecond, Success: false, ErrorMessage: "boom", BatchSize: 1, SentencesProcessed: 1})

	sp, err := r.StagePerformanceSince(ctx, "keyword_filter", time.Hour)
	if err != nil {
		t.Fatalf("StagePerformanceSince: %v", err)
	}
	if sp.TotalCalls != 2 {
		t.Errorf("TotalCalls = %d, want 2", sp.TotalCalls)
	}
	if sp.SuccessRate != 0.5 {
		t.Errorf("SuccessRate = %v, want 0.5", sp.SuccessRate)
	}
}

func TestRecorder_StagePerformanceSince_NoRowsReturnsZeroValue(t *testing.T) {
	pool := newTestPool(t)
	r := perf.NewRecorder(pool, nil)

	sp, err := r.StagePerformanceSince(context.Background(), "nonexistent_stage", time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sp.TotalCalls != 0 {
		t.Errorf("TotalCalls = %d, want 0 for an unknown stage", sp.TotalCalls)
	}
}

func TestRecorder_OverallPerformanceSince(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	r := perf.NewRecorder(pool, nil)

	r.LogCall(ctx, perf.Call{SessionID: "s1", StageName: "truthfulness", ResponseTime: time.Second, Success: true})
	r.LogCall(ctx, perf.Call{SessionID: "s1", StageName: "tone_analysis", ResponseTime: time.Second, Success: true})

	got, err := r.OverallPerformanceSince(ctx, time.Hour)
	if err != nil {
		t.Fatalf("OverallPerformanceSince: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2 distinct stages", len(got))
	}
}

func TestRecorder_RecentErrors(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	r := perf.NewRecorder(pool, nil)

	r.LogCall(ctx, perf.Call{SessionID: "s1", StageName: "truthfulness", Success: true})
	r.LogCall(ctx, perf.Call{SessionID: "s1", StageName: "truthfulness", Success: false, ErrorMessage: "429 rate limited"})

	errs, err := r.RecentErrors(ctx, 10)
	if err != nil {
		t.Fatalf("RecentErrors: %v", err)
	}
	if len(errs) != 1 {
		t.Fatalf("len(errs) = %d, want 1", len(errs))
	}
	if errs[0].ErrorMessage != "429 rate limited" {
		t.Errorf("ErrorMessage = %q, want %q", errs[0].ErrorMessage, "429 rate limited")
	}
}

func TestRecorder_LogSessionSummary(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	r := perf.NewRecorder(pool, nil)

	r.LogSessionSummary(ctx, "sess-1", 42, 2*time.Second, true)

	errs, err := r.RecentErrors(ctx, 10)
	if err != nil {
		t.Fatalf("RecentErrors: %v", err)
	}
	if len(errs) != 0 {
		t.Fatalf("expected a successful summary not to show up as an error, got %+v", errs)
	}

	sp, err := r.StagePerformanceSince(ctx, "session_summary", time.Hour)
	if err != nil {
		t.Fatalf("StagePerformanceSince: %v", err)
	}
	if sp.TotalCalls != 1 {
		t.Fatalf("TotalCalls = %d, want 1", sp.TotalCalls)
	}
}
