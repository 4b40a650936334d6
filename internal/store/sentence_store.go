package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/merlin-platform/copywriting-evaluator/internal/pipeline"
)

// columnPrefix maps a pipeline.Stage to its column prefix in the sentence
// bank tables (e.g. StageKeywordFilter -> "keyword_filter").
var columnPrefix = map[pipeline.Stage]string{
	pipeline.StageKeywordFilter:    "keyword_filter",
	pipeline.StageTruthfulness:     "truthfulness",
	pipeline.StageCanadianSpelling: "canadian_spelling",
	pipeline.StageToneAnalysis:     "tone_analysis",
	pipeline.StageSkillAnalysis:    "skill_analysis",
}

// hasModelColumn reports whether a stage's columns include a model column
// (the two deterministic stages do not record a model).
var hasModelColumn = map[pipeline.Stage]bool{
	pipeline.StageTruthfulness:  true,
	pipeline.StageToneAnalysis:  true,
	pipeline.StageSkillAnalysis: true,
}

func tableName(t pipeline.Table) (string, error) {
	switch t {
	case pipeline.TableResume:
		return "sentence_bank_resume", nil
	case pipeline.TableCoverLetter:
		return "sentence_bank_cover_letter", nil
	default:
		return "", fmt.Errorf("store: unknown table %q", t)
	}
}

// SentenceStore is the PostgreSQL-backed implementation of the pipeline's
// sentence persistence contract.
type SentenceStore struct {
	pool *pgxpool.Pool
}

// NewSentenceStore wraps an existing connection pool.
func NewSentenceStore(pool *pgxpool.Pool) *SentenceStore {
	return &SentenceStore{pool: pool}
}

// SelectForProcessing returns sentences from table whose status at
// restartFrom is pending or error, bounded to a page of at most 1000 rows, in
// insertion order. When ids is non-empty, the selection is additionally
// restricted to those ids.
func (s *SentenceStore) SelectForProcessing(ctx context.Context, table pipeline.Table, ids []string, restartFrom pipeline.Stage) ([]*pipeline.Sentence, error) {
	tn, err := tableName(table)
	if err != nil {
		return nil, err
	}
	prefix, ok := columnPrefix[restartFrom]
	if !ok {
		return nil, fmt.Errorf("store: unknown stage %q", restartFrom)
	}

	args := []any{}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		fmt.Sprintf("%s_status IN ('pending', 'error')", prefix),
	}
	if len(ids) > 0 {
		conditions = append(conditions, "id = ANY("+next(ids)+")")
	}

	q := fmt.Sprintf(`
		SELECT id, content_text, tone, created_at,
		       keyword_filter_status, keyword_filter_date, keyword_filter_reason, keyword_filter_payload,
		       truthfulness_status, truthfulness_date, truthfulness_reason, truthfulness_model, truthfulness_payload,
		       canadian_spelling_status, canadian_spelling_date, canadian_spelling_reason, canadian_spelling_payload,
		       tone_analysis_status, tone_analysis_date, tone_analysis_reason, tone_analysis_model, tone_analysis_payload,
		       skill_analysis_status, skill_analysis_date, skill_analysis_reason, skill_analysis_model, skill_analysis_payload
		FROM   %s
		WHERE  %s
		ORDER  BY created_at
		LIMIT  1000`, tn, strings.Join(conditions, " AND "))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: select for processing: %w", err)
	}
	return collectSentences(rows, table)
}

func collectSentences(rows pgx.Rows, table pipeline.Table) ([]*pipeline.Sentence, error) {
	sentences, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*pipeline.Sentence, error) {
		sent := &pipeline.Sentence{Table: table, Stages: make(map[pipeline.Stage]pipeline.StageState, len(pipeline.Stages))}

		var (
			kfStatus, kfReason                                     string
			kfDate                                                 *time.Time
			kfPayload                                              []byte
			tStatus, tReason, tModel                               string
			tDate                                                  *time.Time
			tPayload                                               []byte
			csStatus, csReason                                     string
			csDate                                                 *time.Time
			csPayload                                              []byte
			taStatus, taReason, taModel                            string
			taDate                                                 *time.Time
			taPayload                                              []byte
			saStatus, saReason, saModel                            string
			saDate                                                 *time.Time
			saPayload                                              []byte
		)

		if err := row.Scan(
			&sent.ID, &sent.ContentText, &sent.Tone, &sent.CreatedAt,
			&kfStatus, &kfDate, &kfReason, &kfPayload,
			&tStatus, &tDate, &tReason, &tModel, &tPayload,
			&csStatus, &csDate, &csReason, &csPayload,
			&taStatus, &taDate, &taReason, &taModel, &taPayload,
			&saStatus, &saDate, &saReason, &saModel, &saPayload,
		); err != nil {
			return nil, err
		}

		set := func(stage pipeline.Stage, status, reason, model string, date *time.Time, payload []byte) error {
			var p map[string]any
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &p); err != nil {
					return fmt.Errorf("decode %s payload: %w", stage, err)
				}
			}
			st := pipeline.StageState{Status: pipeline.Status(status), Reason: reason, Model: model, Payload: p}
			if date != nil {
				st.Date = *date
			}
			sent.SetStage(stage, st)
			return nil
		}

		if err := set(pipeline.StageKeywordFilter, kfStatus, kfReason, "", kfDate, kfPayload); err != nil {
			return nil, err
		}
		if err := set(pipeline.StageTruthfulness, tStatus, tReason, tModel, tDate, tPayload); err != nil {
			return nil, err
		}
		if err := set(pipeline.StageCanadianSpelling, csStatus, csReason, "", csDate, csPayload); err != nil {
			return nil, err
		}
		if err := set(pipeline.StageToneAnalysis, taStatus, taReason, taModel, taDate, taPayload); err != nil {
			return nil, err
		}
		if err := set(pipeline.StageSkillAnalysis, saStatus, saReason, saModel, saDate, saPayload); err != nil {
			return nil, err
		}

		return sent, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan sentences: %w", err)
	}
	if sentences == nil {
		sentences = []*pipeline.Sentence{}
	}
	return sentences, nil
}

// ApplyVerdicts writes a stage's verdicts back to the store. Each verdict is
// applied as an independent, atomic per-row update.
func (s *SentenceStore) ApplyVerdicts(ctx context.Context, stage pipeline.Stage, verdicts []pipeline.Verdict) error {
	prefix, ok := columnPrefix[stage]
	if !ok {
		return fmt.Errorf("store: unknown stage %q", stage)
	}

	for _, v := range verdicts {
		tn, err := tableName(v.Table)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(v.Payload)
		if err != nil {
			return fmt.Errorf("store: marshal payload for %s: %w", v.ID, err)
		}

		var q string
		var args []any
		if hasModelColumn[stage] {
			q = fmt.Sprintf(`
				UPDATE %s
				SET %s_status = $1, %s_date = now(), %s_reason = $2, %s_model = $3, %s_payload = $4
				WHERE id = $5`, tn, prefix, prefix, prefix, prefix, prefix)
			args = []any{string(v.Status), v.Reason, v.Model, payload, v.ID}
		} else {
			q = fmt.Sprintf(`
				UPDATE %s
				SET %s_status = $1, %s_date = now(), %s_reason = $2, %s_payload = $3
				WHERE id = $4`, tn, prefix, prefix, prefix, prefix)
			args = []any{string(v.Status), v.Reason, payload, v.ID}
		}

		if _, err := s.pool.Exec(ctx, q, args...); err != nil {
			return fmt.Errorf("store: apply verdict for %s at %s: %w", v.ID, stage, err)
		}
	}
	return nil
}

// BulkReject sets all five stage statuses to rejected with reason, atomically
// per row, for every id in the given table.
func (s *SentenceStore) BulkReject(ctx context.Context, table pipeline.Table, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	tn, err := tableName(table)
	if err != nil {
		return err
	}

	q := fmt.Sprintf(`
		UPDATE %s
		SET keyword_filter_status = 'rejected', keyword_filter_date = now(), keyword_filter_reason = $1,
		    truthfulness_status = 'rejected', truthfulness_date = now(), truthfulness_reason = $1,
		    canadian_spelling_status = 'rejected', canadian_spelling_date = now(), canadian_spelling_reason = $1,
		    tone_analysis_status = 'rejected', tone_analysis_date = now(), tone_analysis_reason = $1,
		    skill_analysis_status = 'rejected', skill_analysis_date = now(), skill_analysis_reason = $1
		WHERE id = ANY($2)`, tn)

	if _, err := s.pool.Exec(ctx, q, reason, ids); err != nil {
		return fmt.Errorf("store: bulk reject: %w", err)
	}
	return nil
}

// Insert adds a new sentence row with all stage statuses pending. Used by
// ingestion producers and by tests.
func (s *SentenceStore) Insert(ctx context.Context, sent *pipeline.Sentence) error {
	tn, err := tableName(sent.Table)
	if err != nil {
		return err
	}
	extraCol, extraVal := "body_section", sent.BodySection
	if sent.Table == pipeline.TableCoverLetter {
		extraCol, extraVal = "position_label", sent.Position
	}
	q := fmt.Sprintf(`
		INSERT INTO %s (id, content_text, tone, %s)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`, tn, extraCol)
	if _, err := s.pool.Exec(ctx, q, sent.ID, sent.ContentText, sent.Tone, extraVal); err != nil {
		return fmt.Errorf("store: insert sentence: %w", err)
	}
	return nil
}
