// Package circuit implements the pipeline's error circuit: a binary
// OK/COOLDOWN gate over consecutive processing errors, distinct from
// [resilience.CircuitBreaker] which protects individual LLM provider calls.
package circuit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrCooldownActive is returned by [Circuit.CanProcess] when the circuit has
// tripped and the cooldown window has not yet elapsed.
var ErrCooldownActive = errors.New("error circuit is in cooldown")

// Category classifies an error by the subsystem that produced it.
type Category string

const (
	CategoryAPI        Category = "api"
	CategoryDatabase   Category = "database"
	CategoryNetwork    Category = "network"
	CategoryValidation Category = "validation"
	CategoryProcessing Category = "processing"
	CategoryResource   Category = "resource"
	CategorySystem     Category = "system"
)

// Severity indicates how serious an error is. Severity affects logging only;
// it never changes circuit state.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Classify assigns a category and severity to an error based on its message,
// mirroring the keyword-based classification used by the source system's
// error handler.
func Classify(err error) (Category, Severity) {
	if err == nil {
		return CategoryProcessing, SeverityLow
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "quota", "rate limit", "429", "unauthorized", "401", "forbidden", "403"):
		return CategoryAPI, SeverityHigh
	case containsAny(msg, "sql", "connection refused", "pgx", "database", "relation", "constraint"):
		return CategoryDatabase, SeverityCritical
	case containsAny(msg, "timeout", "deadline exceeded", "dns", "no such host", "connection reset"):
		return CategoryNetwork, SeverityMedium
	case containsAny(msg, "invalid", "unsupported", "malformed", "validation"):
		return CategoryValidation, SeverityLow
	case containsAny(msg, "memory", "disk", "too many open files", "resource"):
		return CategoryResource, SeverityCritical
	case containsAny(msg, "panic", "nil pointer", "index out of range"):
		return CategorySystem, SeverityCritical
	default:
		return CategoryProcessing, SeverityMedium
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// Record is a single classified error event, as persisted by the error log.
type Record struct {
	ID         string
	SessionID  string
	Stage      string
	Category   Category
	Severity   Severity
	Message    string
	Context    map[string]any
	OccurredAt time.Time
	Resolved   bool
}

// Config tunes the circuit's trip threshold and cooldown window.
type Config struct {
	// Limit is the number of consecutive errors that trips the circuit into
	// cooldown. In testing mode this should be set very high (effectively
	// disabled).
	Limit int

	// CooldownDuration is how long the circuit stays tripped once Limit is
	// reached. Default: 23 hours, matching the source system.
	CooldownDuration time.Duration
}

// DefaultConfig returns the production defaults: a limit of 15 consecutive
// errors and a 23-hour cooldown.
func DefaultConfig() Config {
	return Config{Limit: 15, CooldownDuration: 23 * time.Hour}
}

// TestingConfig returns a configuration with cooldown effectively disabled,
// for use when the pipeline runs in testing mode.
func TestingConfig() Config {
	return Config{Limit: 1 << 30, CooldownDuration: 0}
}

// Circuit tracks consecutive processing errors and gates further work once a
// cooldown has been entered. It is safe for concurrent use.
type Circuit struct {
	mu sync.Mutex

	cfg  Config
	pool *pgxpool.Pool

	consecutiveErrors int
	cooldownUntil     time.Time

	records []Record
}

// New creates a Circuit in the OK state with the given configuration,
// persisting every recorded error to the error_log table via pool. pool may
// be nil (as in tests), in which case errors are tracked in memory only.
func New(cfg Config, pool *pgxpool.Pool) *Circuit {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultConfig().Limit
	}
	return &Circuit{cfg: cfg, pool: pool}
}

// Reconfigure swaps the circuit's tuning knobs in place (used when the
// pipeline switches mode) without discarding its error history.
func (c *Circuit) Reconfigure(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// CanProcess reports whether the orchestrator may start a new session. It
// returns [ErrCooldownActive] wrapped with the remaining cooldown duration
// when the circuit is tripped.
func (c *Circuit) CanProcess() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cooldownUntil.IsZero() {
		return nil
	}
	if time.Now().Before(c.cooldownUntil) {
		return fmt.Errorf("%w: until %s", ErrCooldownActive, c.cooldownUntil.Format(time.RFC3339))
	}
	// Cooldown window has elapsed; clear it.
	c.cooldownUntil = time.Time{}
	c.consecutiveErrors = 0
	return nil
}

// RecordSuccess resets the consecutive error counter. It never clears an
// active cooldown on its own — only the cooldown's own expiry (checked in
// CanProcess) or an explicit Reset does that.
func (c *Circuit) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveErrors = 0
}

// RecordError classifies err, appends a Record, and increments the
// consecutive error counter. If the counter reaches the configured limit and
// the circuit is not already in cooldown, it trips into cooldown. The record
// is also persisted to the error_log table; a persistence failure is logged
// and swallowed, matching perf.Recorder.LogCall — the circuit's in-memory
// state must never depend on the database being reachable.
func (c *Circuit) RecordError(ctx context.Context, sessionID, stage string, err error, errContext map[string]any) Record {
	category, severity := Classify(err)
	rec := Record{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Stage:      stage,
		Category:   category,
		Severity:   severity,
		Message:    err.Error(),
		Context:    errContext,
		OccurredAt: time.Now(),
	}

	c.mu.Lock()
	c.records = append(c.records, rec)
	c.consecutiveErrors++
	if c.consecutiveErrors >= c.cfg.Limit && c.cooldownUntil.IsZero() {
		c.cooldownUntil = time.Now().Add(c.cfg.CooldownDuration)
		slog.Warn("error circuit tripped into cooldown",
			"consecutive_errors", c.consecutiveErrors,
			"cooldown_until", c.cooldownUntil,
			"category", category,
			"severity", severity)
	}
	c.mu.Unlock()

	c.persist(ctx, rec)
	return rec
}

// persist writes rec to the error_log table. Swallows and logs failures;
// never called while c.mu is held.
func (c *Circuit) persist(ctx context.Context, rec Record) {
	if c.pool == nil {
		return
	}

	errCtx := rec.Context
	if errCtx == nil {
		errCtx = map[string]any{}
	}
	ctxJSON, err := json.Marshal(errCtx)
	if err != nil {
		slog.Error("circuit: failed to marshal error context", "error", err)
		return
	}

	const q = `
		INSERT INTO error_log
		    (record_id, session_id, stage, category, severity, message, context, occurred_at, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = c.pool.Exec(ctx, q,
		rec.ID, rec.SessionID, rec.Stage, string(rec.Category), string(rec.Severity),
		rec.Message, ctxJSON, rec.OccurredAt, rec.Resolved)
	if err != nil {
		slog.Error("circuit: failed to log error", "stage", rec.Stage, "error", err)
	}
}

// Reset clears the consecutive error counter and any active cooldown.
func (c *Circuit) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveErrors = 0
	c.cooldownUntil = time.Time{}
}

// Status is a snapshot of the circuit's current state, for the HTTP status
// surface and health readiness checks.
type Status struct {
	ConsecutiveErrors int
	InCooldown        bool
	CooldownUntil     time.Time
	RecentErrors      []Record
}

// Status returns a snapshot, including up to the last 10 recorded errors.
func (c *Circuit) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	recent := c.records
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	out := make([]Record, len(recent))
	copy(out, recent)

	return Status{
		ConsecutiveErrors: c.consecutiveErrors,
		InCooldown:        !c.cooldownUntil.IsZero() && time.Now().Before(c.cooldownUntil),
		CooldownUntil:     c.cooldownUntil,
		RecentErrors:       out,
	}
}
