// Package stages implements the five evaluation stage processors.
package stages

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/merlin-platform/copywriting-evaluator/internal/pipeline"
	"github.com/merlin-platform/copywriting-evaluator/internal/store"
)

// KeywordFilter is the deterministic first stage: a sentence passes only if
// its lowercased content contains at least one active keyword as a whole word.
type KeywordFilter struct {
	rules *store.RuleStore

	mu          sync.Mutex
	matcherFor  map[string]*regexp.Regexp
}

// NewKeywordFilter creates a KeywordFilter backed by rules.
func NewKeywordFilter(rules *store.RuleStore) *KeywordFilter {
	return &KeywordFilter{rules: rules, matcherFor: make(map[string]*regexp.Regexp)}
}

func (f *KeywordFilter) matcher(keyword string) *regexp.Regexp {
	f.mu.Lock()
	defer f.mu.Unlock()
	if re, ok := f.matcherFor[keyword]; ok {
		return re
	}
	// \b only holds next to a word character, so a keyword that starts or ends
	// with a symbol (e.g. "c++") is anchored only on its word-character sides.
	isWord := func(b byte) bool {
		return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
	}
	pattern := regexp.QuoteMeta(keyword)
	if keyword != "" && isWord(keyword[0]) {
		pattern = `\b` + pattern
	}
	if keyword != "" && isWord(keyword[len(keyword)-1]) {
		pattern += `\b`
	}
	re := regexp.MustCompile(pattern)
	f.matcherFor[keyword] = re
	return re
}

// ProcessBatch implements [pipeline.StageProcessor].
func (f *KeywordFilter) ProcessBatch(ctx context.Context, pctx pipeline.ProcessContext, sentences []*pipeline.Sentence) ([]pipeline.Verdict, error) {
	keywords, err := f.rules.ActiveKeywords(ctx)
	if err != nil {
		return errorVerdicts(sentences, pipeline.StageKeywordFilter, "keyword_load_failed"), err
	}

	if len(keywords) == 0 {
		slog.Warn("keyword filter: no active keywords configured, rejecting all sentences")
		verdicts := make([]pipeline.Verdict, 0, len(sentences))
		for _, s := range sentences {
			verdicts = append(verdicts, pipeline.Verdict{
				ID: s.ID, Table: s.Table, Stage: pipeline.StageKeywordFilter,
				Status: pipeline.StatusRejected, Reason: "no_active_keywords",
			})
		}
		return verdicts, nil
	}

	verdicts := make([]pipeline.Verdict, 0, len(sentences))
	for _, s := range sentences {
		if strings.TrimSpace(s.ContentText) == "" {
			verdicts = append(verdicts, pipeline.Verdict{
				ID: s.ID, Table: s.Table, Stage: pipeline.StageKeywordFilter,
				Status: pipeline.StatusRejected, Reason: "empty_content",
			})
			continue
		}

		lower := strings.ToLower(s.ContentText)
		var matched []string
		for _, kw := range keywords {
			if f.matcher(strings.ToLower(kw)).MatchString(lower) {
				matched = append(matched, kw)
			}
		}

		if len(matched) > 0 {
			verdicts = append(verdicts, pipeline.Verdict{
				ID: s.ID, Table: s.Table, Stage: pipeline.StageKeywordFilter,
				Status: pipeline.StatusApproved,
				Payload: map[string]any{"matched_keywords": matched},
			})
		} else {
			verdicts = append(verdicts, pipeline.Verdict{
				ID: s.ID, Table: s.Table, Stage: pipeline.StageKeywordFilter,
				Status: pipeline.StatusRejected, Reason: "no_brand_keywords",
			})
		}
	}
	return verdicts, nil
}

// errorVerdicts builds a uniform error verdict for every sentence in a batch,
// used when a stage cannot even begin (e.g. its rule corpus failed to load).
func errorVerdicts(sentences []*pipeline.Sentence, stage pipeline.Stage, reason string) []pipeline.Verdict {
	verdicts := make([]pipeline.Verdict, 0, len(sentences))
	for _, s := range sentences {
		verdicts = append(verdicts, pipeline.Verdict{
			ID: s.ID, Table: s.Table, Stage: stage, Status: pipeline.StatusError, Reason: reason,
		})
	}
	return verdicts
}
