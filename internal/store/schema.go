// Package store is the PostgreSQL-backed persistence layer for sentences and
// their shared rule corpora, accessed with raw SQL through pgx — no ORM or
// code generation.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSentenceBanks = `
CREATE TABLE IF NOT EXISTS sentence_bank_resume (
    id                       TEXT         PRIMARY KEY,
    content_text             TEXT         NOT NULL,
    tone                     TEXT         NOT NULL DEFAULT '',
    body_section             TEXT         NOT NULL DEFAULT '',
    keyword_filter_status    TEXT         NOT NULL DEFAULT 'pending',
    keyword_filter_date      TIMESTAMPTZ,
    keyword_filter_reason    TEXT         NOT NULL DEFAULT '',
    keyword_filter_payload   JSONB        NOT NULL DEFAULT '{}',
    truthfulness_status      TEXT         NOT NULL DEFAULT 'pending',
    truthfulness_date        TIMESTAMPTZ,
    truthfulness_reason      TEXT         NOT NULL DEFAULT '',
    truthfulness_model       TEXT         NOT NULL DEFAULT '',
    truthfulness_payload     JSONB        NOT NULL DEFAULT '{}',
    canadian_spelling_status TEXT         NOT NULL DEFAULT 'pending',
    canadian_spelling_date   TIMESTAMPTZ,
    canadian_spelling_reason TEXT         NOT NULL DEFAULT '',
    canadian_spelling_payload JSONB       NOT NULL DEFAULT '{}',
    tone_analysis_status     TEXT         NOT NULL DEFAULT 'pending',
    tone_analysis_date       TIMESTAMPTZ,
    tone_analysis_reason     TEXT         NOT NULL DEFAULT '',
    tone_analysis_model      TEXT         NOT NULL DEFAULT '',
    tone_analysis_payload    JSONB        NOT NULL DEFAULT '{}',
    skill_analysis_status    TEXT         NOT NULL DEFAULT 'pending',
    skill_analysis_date      TIMESTAMPTZ,
    skill_analysis_reason    TEXT         NOT NULL DEFAULT '',
    skill_analysis_model     TEXT         NOT NULL DEFAULT '',
    skill_analysis_payload   JSONB        NOT NULL DEFAULT '{}',
    created_at               TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sentence_bank_cover_letter (
    id                       TEXT         PRIMARY KEY,
    content_text             TEXT         NOT NULL,
    tone                     TEXT         NOT NULL DEFAULT '',
    position_label           TEXT         NOT NULL DEFAULT '',
    keyword_filter_status    TEXT         NOT NULL DEFAULT 'pending',
    keyword_filter_date      TIMESTAMPTZ,
    keyword_filter_reason    TEXT         NOT NULL DEFAULT '',
    keyword_filter_payload   JSONB        NOT NULL DEFAULT '{}',
    truthfulness_status      TEXT         NOT NULL DEFAULT 'pending',
    truthfulness_date        TIMESTAMPTZ,
    truthfulness_reason      TEXT         NOT NULL DEFAULT '',
    truthfulness_model       TEXT         NOT NULL DEFAULT '',
    truthfulness_payload     JSONB        NOT NULL DEFAULT '{}',
    canadian_spelling_status TEXT         NOT NULL DEFAULT 'pending',
    canadian_spelling_date   TIMESTAMPTZ,
    canadian_spelling_reason TEXT         NOT NULL DEFAULT '',
    canadian_spelling_payload JSONB       NOT NULL DEFAULT '{}',
    tone_analysis_status     TEXT         NOT NULL DEFAULT 'pending',
    tone_analysis_date       TIMESTAMPTZ,
    tone_analysis_reason     TEXT         NOT NULL DEFAULT '',
    tone_analysis_model      TEXT         NOT NULL DEFAULT '',
    tone_analysis_payload    JSONB        NOT NULL DEFAULT '{}',
    skill_analysis_status    TEXT         NOT NULL DEFAULT 'pending',
    skill_analysis_date      TIMESTAMPTZ,
    skill_analysis_reason    TEXT         NOT NULL DEFAULT '',
    skill_analysis_model     TEXT         NOT NULL DEFAULT '',
    skill_analysis_payload   JSONB        NOT NULL DEFAULT '{}',
    created_at               TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_resume_keyword_filter_status ON sentence_bank_resume (keyword_filter_status);
CREATE INDEX IF NOT EXISTS idx_resume_truthfulness_status ON sentence_bank_resume (truthfulness_status);
CREATE INDEX IF NOT EXISTS idx_cover_letter_keyword_filter_status ON sentence_bank_cover_letter (keyword_filter_status);
CREATE INDEX IF NOT EXISTS idx_cover_letter_truthfulness_status ON sentence_bank_cover_letter (truthfulness_status);
`

const ddlRuleCorpora = `
CREATE TABLE IF NOT EXISTS keyword_filters (
    keyword     TEXT         PRIMARY KEY,
    status      TEXT         NOT NULL DEFAULT 'active',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS canadian_spellings (
    american_spelling TEXT PRIMARY KEY,
    canadian_spelling  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS atomic_truths (
    id           BIGSERIAL    PRIMARY KEY,
    candidate_id TEXT         NOT NULL DEFAULT 'default',
    statement    TEXT         NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_atomic_truths_candidate ON atomic_truths (candidate_id);
`

const ddlPerformanceAndErrors = `
CREATE TABLE IF NOT EXISTS performance_metrics (
    id                  BIGSERIAL    PRIMARY KEY,
    session_id          TEXT         NOT NULL,
    stage_name          TEXT         NOT NULL,
    api_call_type       TEXT         NOT NULL DEFAULT '',
    response_time_ms    BIGINT,
    success             BOOLEAN      NOT NULL,
    error_message       TEXT         NOT NULL DEFAULT '',
    cost_estimate       DOUBLE PRECISION,
    batch_size          INT,
    sentences_processed INT,
    model_used          TEXT         NOT NULL DEFAULT '',
    recorded_at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_performance_metrics_stage ON performance_metrics (stage_name);
CREATE INDEX IF NOT EXISTS idx_performance_metrics_session ON performance_metrics (session_id);
CREATE INDEX IF NOT EXISTS idx_performance_metrics_recorded_at ON performance_metrics (recorded_at);

CREATE TABLE IF NOT EXISTS error_log (
    id                BIGSERIAL    PRIMARY KEY,
    record_id         TEXT         NOT NULL,
    session_id        TEXT         NOT NULL DEFAULT '',
    stage              TEXT         NOT NULL DEFAULT '',
    category          TEXT         NOT NULL,
    severity          TEXT         NOT NULL,
    message           TEXT         NOT NULL,
    context           JSONB        NOT NULL DEFAULT '{}',
    occurred_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    resolved          BOOLEAN      NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS idx_error_log_session ON error_log (session_id);
CREATE INDEX IF NOT EXISTS idx_error_log_occurred_at ON error_log (occurred_at);
`

// Migrate creates or ensures all pipeline tables and indexes exist. It is
// idempotent and safe to call on every process start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlSentenceBanks,
		ddlRuleCorpora,
		ddlPerformanceAndErrors,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
