package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SpellingPair is one source->target substitution, ordered longest-source-first
// by [RuleStore.SpellingPairs].
type SpellingPair struct {
	American string
	Canadian string
}

// ToneCategory is one of the nine fixed tone labels with its prompt description.
type ToneCategory struct {
	Name        string
	Description string
}

// ToneCategories is the fixed, compiled-in set of nine tone labels used by the
// tone analysis stage. It is not stored in the database.
var ToneCategories = []ToneCategory{
	{"Confident", "Assured, direct, no hedging language"},
	{"Warm", "Personable, approachable, empathetic"},
	{"Analytical", "Data-driven, precise, structured reasoning"},
	{"Insightful", "Demonstrates depth of understanding or foresight"},
	{"Storytelling", "Narrative-driven, uses anecdote or sequence"},
	{"Curious", "Inquisitive, exploratory, open-ended"},
	{"Bold", "Assertive, takes a stance, unafraid of risk"},
	{"Rebellious", "Challenges convention, contrarian framing"},
	{"Quirky", "Playful, unconventional phrasing or humor"},
}

// ValidTone reports whether name is one of the nine fixed tone categories.
func ValidTone(name string) bool {
	for _, t := range ToneCategories {
		if t.Name == name {
			return true
		}
	}
	return false
}

type cacheEntry[T any] struct {
	value    T
	loadedAt time.Time
}

// RuleStore caches the keyword list and spelling pairs in-process with
// independent TTLs, and serves the atomic-truth corpus on demand. All three
// corpora are backed by the same pool as the sentence store.
type RuleStore struct {
	pool *pgxpool.Pool

	keywordTTL time.Duration
	spellingTTL time.Duration

	mu       sync.Mutex
	keywords cacheEntry[[]string]
	spelling cacheEntry[[]SpellingPair]
}

// NewRuleStore creates a RuleStore. Zero durations fall back to the source
// system's defaults: 60 minutes for the keyword cache, 120 for spelling pairs.
func NewRuleStore(pool *pgxpool.Pool, keywordTTL, spellingTTL time.Duration) *RuleStore {
	if keywordTTL <= 0 {
		keywordTTL = 60 * time.Minute
	}
	if spellingTTL <= 0 {
		spellingTTL = 120 * time.Minute
	}
	return &RuleStore{pool: pool, keywordTTL: keywordTTL, spellingTTL: spellingTTL}
}

// ActiveKeywords returns the current set of active keywords, refreshing the
// cache if it has expired.
func (r *RuleStore) ActiveKeywords(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if time.Since(r.keywords.loadedAt) < r.keywordTTL && r.keywords.value != nil {
		return r.keywords.value, nil
	}

	rows, err := r.pool.Query(ctx, `SELECT keyword FROM keyword_filters WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("rule store: load keywords: %w", err)
	}
	keywords, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("rule store: scan keywords: %w", err)
	}
	if keywords == nil {
		keywords = []string{}
	}
	r.keywords = cacheEntry[[]string]{value: keywords, loadedAt: time.Now()}
	return keywords, nil
}

// RefreshKeywords invalidates the keyword cache so the next call to
// ActiveKeywords re-queries the database.
func (r *RuleStore) RefreshKeywords() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keywords = cacheEntry[[]string]{}
}

// SpellingPairs returns the American->Canadian substitution pairs sorted by
// source length descending, refreshing the cache if expired.
func (r *RuleStore) SpellingPairs(ctx context.Context) ([]SpellingPair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if time.Since(r.spelling.loadedAt) < r.spellingTTL && r.spelling.value != nil {
		return r.spelling.value, nil
	}

	rows, err := r.pool.Query(ctx, `SELECT american_spelling, canadian_spelling FROM canadian_spellings`)
	if err != nil {
		return nil, fmt.Errorf("rule store: load spelling pairs: %w", err)
	}
	pairs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SpellingPair, error) {
		var p SpellingPair
		err := row.Scan(&p.American, &p.Canadian)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("rule store: scan spelling pairs: %w", err)
	}
	sort.Slice(pairs, func(i, j int) bool {
		return len(pairs[i].American) > len(pairs[j].American)
	})
	if pairs == nil {
		pairs = []SpellingPair{}
	}
	r.spelling = cacheEntry[[]SpellingPair]{value: pairs, loadedAt: time.Now()}
	return pairs, nil
}

// RefreshSpellingPairs invalidates the spelling-pair cache.
func (r *RuleStore) RefreshSpellingPairs() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spelling = cacheEntry[[]SpellingPair]{}
}

// AtomicTruths returns the evidentiary statements for candidateID, used by
// the truthfulness stage's prompt. Not cached: the truthfulness stage queries
// it on every ProcessBatch call, so once per batch.
func (r *RuleStore) AtomicTruths(ctx context.Context, candidateID string) ([]string, error) {
	if candidateID == "" {
		candidateID = "default"
	}
	rows, err := r.pool.Query(ctx, `SELECT statement FROM atomic_truths WHERE candidate_id = $1`, candidateID)
	if err != nil {
		return nil, fmt.Errorf("rule store: load atomic truths: %w", err)
	}
	truths, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("rule store: scan atomic truths: %w", err)
	}
	if truths == nil {
		truths = []string{}
	}
	return truths, nil
}
