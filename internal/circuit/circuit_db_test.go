package circuit_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/merlin-platform/copywriting-evaluator/internal/circuit"
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

	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS error_log CASCADE"); err != nil {
		t.Fatalf("drop schema: %v", err)
	}
	if err := store.Migrate(ctx, pool); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return pool
}

func TestCircuit_RecordErrorPersistsToErrorLog(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	c := circuit.New(circuit.TestingConfig(), pool)

	rec := c.RecordError(ctx, "sess-1", "truthfulness", errors.New("llm: request failed: timeout"), map[string]any{"batch_size": 5})

	var (
		sessionID, stage, category, severity, message string
		occurredAt                                     time.Time
	)
	err := pool.QueryRow(ctx,
		`SELECT session_id, stage, category, severity, message, occurred_at FROM error_log WHERE record_id = $1`,
		rec.ID,
	).Scan(&sessionID, &stage, &category, &severity, &message, &occurredAt)
	if err != nil {
		t.Fatalf("query error_log: %v", err)
	}
	if sessionID != "sess-1" || stage != "truthfulness" {
		t.Errorf("session_id/stage = %q/%q, want sess-1/truthfulness", sessionID, stage)
	}
	if category != string(circuit.CategoryNetwork) {
		t.Errorf("category = %q, want %q", category, circuit.CategoryNetwork)
	}
}

func TestCircuit_RecordErrorToleratesNilPool(t *testing.T) {
	c := circuit.New(circuit.TestingConfig(), nil)
	rec := c.RecordError(context.Background(), "sess", "stage", errors.New("boom"), nil)
	if rec.ID == "" {
		t.Fatal("expected a non-empty record id even without a pool")
	}
}
