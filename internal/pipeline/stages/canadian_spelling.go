package stages

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/merlin-platform/copywriting-evaluator/internal/pipeline"
	"github.com/merlin-platform/copywriting-evaluator/internal/store"
)

// change is one substitution applied while converting a sentence.
type change struct {
	Original    string `json:"original"`
	Replacement string `json:"replacement"`
	Position    int    `json:"position"`
	MatchType   string `json:"match_type"`
}

// CanadianSpelling is the deterministic locale-normalization stage. It never
// mutates the sentence's content_text; the corrected text is recorded in the
// verdict payload.
type CanadianSpelling struct {
	rules *store.RuleStore

	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
}

// NewCanadianSpelling creates a CanadianSpelling processor backed by rules.
func NewCanadianSpelling(rules *store.RuleStore) *CanadianSpelling {
	return &CanadianSpelling{rules: rules, compiled: make(map[string]*regexp.Regexp)}
}

func (c *CanadianSpelling) matcher(word string) *regexp.Regexp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if re, ok := c.compiled[word]; ok {
		return re
	}
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(word) + `\b`)
	c.compiled[word] = re
	return re
}

// ProcessBatch implements [pipeline.StageProcessor].
func (c *CanadianSpelling) ProcessBatch(ctx context.Context, pctx pipeline.ProcessContext, sentences []*pipeline.Sentence) ([]pipeline.Verdict, error) {
	pairs, err := c.rules.SpellingPairs(ctx)
	if err != nil {
		return errorVerdicts(sentences, pipeline.StageCanadianSpelling, "spelling_pairs_load_failed"), err
	}

	verdicts := make([]pipeline.Verdict, 0, len(sentences))
	for _, s := range sentences {
		corrected, changes := c.apply(s.ContentText, pairs)
		verdicts = append(verdicts, pipeline.Verdict{
			ID: s.ID, Table: s.Table, Stage: pipeline.StageCanadianSpelling,
			Status: pipeline.StatusApproved,
			Payload: map[string]any{
				"corrected_text": corrected,
				"changes":        changes,
				"changes_count":  len(changes),
			},
		})
	}
	return verdicts, nil
}

// apply runs every spelling pair (already sorted longest-source-first by the
// rule store) against text in three case variants, each variant's
// substitution operating progressively on the output of the previous one.
func (c *CanadianSpelling) apply(text string, pairs []store.SpellingPair) (string, []change) {
	var changes []change
	current := text

	for _, pair := range pairs {
		if pair.American == "" {
			continue
		}
		variants := c.variants(pair)
		for _, v := range variants {
			re := c.matcher(v.source)
			var applied []change
			current, applied = replaceAllTracked(re, current, v.target, v.matchType)
			changes = append(changes, applied...)
		}
	}
	return current, changes
}

// replaceAllTracked replaces every non-overlapping match of re in s with
// target, returning the result along with a change record per match whose
// Position is that match's own byte offset in s. Unlike
// strings.Index(s, match), this reports the correct offset for every
// occurrence of a repeated word, not just the first.
func replaceAllTracked(re *regexp.Regexp, s, target, matchType string) (string, []change) {
	locs := re.FindAllStringIndex(s, -1)
	if locs == nil {
		return s, nil
	}

	var b strings.Builder
	changes := make([]change, 0, len(locs))
	prev := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		b.WriteString(s[prev:start])
		b.WriteString(target)
		changes = append(changes, change{
			Original:    s[start:end],
			Replacement: target,
			Position:    start,
			MatchType:   matchType,
		})
		prev = end
	}
	b.WriteString(s[prev:])
	return b.String(), changes
}

type variant struct {
	source, target, matchType string
}

// variants builds the exact, capitalized, and (len>2) uppercase forms of a
// spelling pair, skipping capitalized when the source is already uppercase-first.
func (c *CanadianSpelling) variants(pair store.SpellingPair) []variant {
	out := []variant{{pair.American, pair.Canadian, "exact"}}

	if len(pair.American) > 0 && !isUpperFirst(pair.American) {
		out = append(out, variant{titleCase(pair.American), titleCase(pair.Canadian), "capitalized"})
	}

	if len(pair.American) > 2 {
		out = append(out, variant{strings.ToUpper(pair.American), strings.ToUpper(pair.Canadian), "uppercase"})
	}

	return out
}

func isUpperFirst(s string) bool {
	r := []rune(s)
	return len(r) > 0 && strings.ToUpper(string(r[0])) == string(r[0]) && strings.ToLower(string(r[0])) != string(r[0])
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	return strings.ToUpper(string(r[0])) + string(r[1:])
}
