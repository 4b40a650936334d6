// Package perf implements the performance recorder: one persisted row per
// API/batch call, read-only SQL aggregations, and mirrored OpenTelemetry
// counters/histograms. Recorder failures never propagate to the pipeline.
package perf

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Call is one recorded stage invocation.
type Call struct {
	SessionID           string
	StageName           string
	APICallType         string
	ResponseTime        time.Duration
	Success             bool
	ErrorMessage        string
	CostEstimate        *float64
	BatchSize           int
	SentencesProcessed  int
	ModelUsed           string
}

// Metrics holds the OTel instruments mirrored alongside every persisted row.
type Metrics struct {
	duration    metric.Float64Histogram
	callCount   metric.Int64Counter
	errorCount  metric.Int64Counter
}

// NewMetrics creates the performance recorder's OTel instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("copywriting-evaluator/perf")

	duration, err := meter.Float64Histogram("pipeline.stage.duration",
		metric.WithDescription("Stage call duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	callCount, err := meter.Int64Counter("pipeline.stage.calls",
		metric.WithDescription("Number of stage calls"))
	if err != nil {
		return nil, err
	}
	errorCount, err := meter.Int64Counter("pipeline.stage.errors",
		metric.WithDescription("Number of failed stage calls"))
	if err != nil {
		return nil, err
	}

	return &Metrics{duration: duration, callCount: callCount, errorCount: errorCount}, nil
}

// Recorder persists calls to performance_metrics and mirrors them to Metrics.
type Recorder struct {
	pool    *pgxpool.Pool
	metrics *Metrics
}

// NewRecorder creates a Recorder. metrics may be nil to disable OTel mirroring.
func NewRecorder(pool *pgxpool.Pool, metrics *Metrics) *Recorder {
	return &Recorder{pool: pool, metrics: metrics}
}

// LogCall persists call and updates metrics. Failures are logged and
// swallowed — performance tracking must never break the pipeline.
func (r *Recorder) LogCall(ctx context.Context, call Call) {
	if r.metrics != nil {
		attrs := []attribute.KeyValue{
			attribute.String("stage", call.StageName),
			attribute.Bool("success", call.Success),
			attribute.String("model", call.ModelUsed),
		}
		r.metrics.duration.Record(ctx, call.ResponseTime.Seconds(), metric.WithAttributes(attrs...))
		r.metrics.callCount.Add(ctx, 1, metric.WithAttributes(attrs...))
		if !call.Success {
			r.metrics.errorCount.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
	}

	const q = `
		INSERT INTO performance_metrics
		    (session_id, stage_name, api_call_type, response_time_ms, success, error_message,
		     cost_estimate, batch_size, sentences_processed, model_used)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.pool.Exec(ctx, q,
		call.SessionID, call.StageName, call.APICallType, call.ResponseTime.Milliseconds(), call.Success,
		call.ErrorMessage, call.CostEstimate, call.BatchSize, call.SentencesProcessed, call.ModelUsed)
	if err != nil {
		slog.Error("perf: failed to log call", "stage", call.StageName, "error", err)
	}
}

// LogSessionSummary records a single row summarizing a completed session,
// mirroring the source system's session_summary convention.
func (r *Recorder) LogSessionSummary(ctx context.Context, sessionID string, totalSentences int, duration time.Duration, success bool) {
	r.LogCall(ctx, Call{
		SessionID: sessionID, StageName: "session_summary", APICallType: "session",
		ResponseTime: duration, Success: success, SentencesProcessed: totalSentences,
	})
}

// StagePerformance is a read-only aggregate over a rolling window.
type StagePerformance struct {
	StageName   string
	TotalCalls  int64
	SuccessRate float64
	AvgMs       float64
	MinMs       int64
	MaxMs       int64
	TotalCost   float64
}

// StagePerformanceSince aggregates call metrics for stageName over the last
// window duration.
func (r *Recorder) StagePerformanceSince(ctx context.Context, stageName string, window time.Duration) (StagePerformance, error) {
	const q = `
		SELECT stage_name,
		       COUNT(*),
		       COALESCE(AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END), 0),
		       COALESCE(AVG(response_time_ms), 0),
		       COALESCE(MIN(response_time_ms), 0),
		       COALESCE(MAX(response_time_ms), 0),
		       COALESCE(SUM(cost_estimate), 0)
		FROM   performance_metrics
		WHERE  stage_name = $1 AND recorded_at >= now() - $2::interval
		GROUP  BY stage_name`

	row := r.pool.QueryRow(ctx, q, stageName, window.String())
	var sp StagePerformance
	if err := row.Scan(&sp.StageName, &sp.TotalCalls, &sp.SuccessRate, &sp.AvgMs, &sp.MinMs, &sp.MaxMs, &sp.TotalCost); err != nil {
		if err == pgx.ErrNoRows {
			return StagePerformance{StageName: stageName}, nil
		}
		return StagePerformance{}, err
	}
	return sp, nil
}

// OverallPerformanceSince aggregates call metrics across every stage over
// the last window duration, grouped by stage.
func (r *Recorder) OverallPerformanceSince(ctx context.Context, window time.Duration) ([]StagePerformance, error) {
	const q = `
		SELECT stage_name,
		       COUNT(*),
		       COALESCE(AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END), 0),
		       COALESCE(AVG(response_time_ms), 0),
		       COALESCE(MIN(response_time_ms), 0),
		       COALESCE(MAX(response_time_ms), 0),
		       COALESCE(SUM(cost_estimate), 0)
		FROM   performance_metrics
		WHERE  recorded_at >= now() - $1::interval
		GROUP  BY stage_name
		ORDER  BY stage_name`

	rows, err := r.pool.Query(ctx, q, window.String())
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (StagePerformance, error) {
		var sp StagePerformance
		err := row.Scan(&sp.StageName, &sp.TotalCalls, &sp.SuccessRate, &sp.AvgMs, &sp.MinMs, &sp.MaxMs, &sp.TotalCost)
		return sp, err
	})
}

// RecentErrors returns the limit most recent failed calls across all stages.
func (r *Recorder) RecentErrors(ctx context.Context, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
		SELECT session_id, stage_name, api_call_type, response_time_ms, success, error_message,
		       cost_estimate, batch_size, sentences_processed, model_used
		FROM   performance_metrics
		WHERE  success = false
		ORDER  BY recorded_at DESC
		LIMIT  $1`

	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Call, error) {
		var c Call
		var ms int64
		var cost *float64
		err := row.Scan(&c.SessionID, &c.StageName, &c.APICallType, &ms, &c.Success, &c.ErrorMessage,
			&cost, &c.BatchSize, &c.SentencesProcessed, &c.ModelUsed)
		c.ResponseTime = time.Duration(ms) * time.Millisecond
		c.CostEstimate = cost
		return c, err
	})
}
