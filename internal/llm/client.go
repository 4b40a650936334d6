// Package llm implements the pipeline's JSON-mode request/response client:
// retries with exponential backoff per model, a fallback-model attempt once
// the primary exhausts its retries (routed through a
// [resilience.FallbackGroup] so a persistently unhealthy primary trips its
// own circuit breaker and is skipped on subsequent sessions), and strict
// parsing of the model's JSON reply. Transport is provided by any
// [llmprovider.Provider] implementation (any-llm-go, OpenAI, or a mock for
// tests) — this package adds the pipeline-specific contract on top.
package llm

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/merlin-platform/copywriting-evaluator/internal/resilience"
	llmprovider "github.com/merlin-platform/copywriting-evaluator/pkg/provider/llm"
	"github.com/merlin-platform/copywriting-evaluator/pkg/types"
)

// ErrLLMFailure is returned once all retries (and the fallback-model retry)
// are exhausted.
var ErrLLMFailure = errors.New("llm: request failed")

// ErrParseFailure indicates the model replied but its content could not be
// parsed as the expected JSON shape.
var ErrParseFailure = errors.New("llm: response parse failure")

// Config tunes the client's retry/backoff/timeout behavior.
type Config struct {
	MaxRetries     int
	BaseBackoff    time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig returns the spec's defaults: 3 attempts, 2s base backoff
// (doubling), 30s per-call timeout.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, BaseBackoff: 2 * time.Second, RequestTimeout: 30 * time.Second}
}

// Client sends JSON-mode completion requests to a primary model, retrying
// transient failures and falling back to a secondary model once the primary
// exhausts its retries for any reason. Primary/fallback routing and
// per-model health tracking are delegated to a [resilience.FallbackGroup]
// so a primary with a repeated failure history trips its own circuit
// breaker independent of the pipeline's own Error Circuit.
type Client struct {
	group        *resilience.FallbackGroup[llmprovider.Provider]
	primaryName  string
	fallbackName string
	hasFallback  bool
	cfg          Config
}

// New creates a Client. fallback may be nil if no secondary model is configured.
func New(primary llmprovider.Provider, primaryName string, fallback llmprovider.Provider, fallbackName string, cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg = DefaultConfig()
	}
	group := resilience.NewFallbackGroup(primary, primaryName, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: 5 * time.Minute,
		},
	})
	hasFallback := fallback != nil && fallbackName != ""
	if hasFallback {
		group.AddFallback(fallbackName, fallback)
	}
	return &Client{group: group, primaryName: primaryName, fallbackName: fallbackName, hasFallback: hasFallback, cfg: cfg}
}

// GenerateSecurityToken returns a fresh 16-byte hex token for prompt-injection
// deterrence, to be embedded at the start and checkpointed near the end of a
// prompt. It is never validated on return — see DESIGN.md.
func GenerateSecurityToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("llm: generate security token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Result is the client's parsed reply plus the model that produced it.
type Result struct {
	Raw   string
	Model string
}

// RequestJSON sends prompt to the primary model under JSON-mode instructions
// (the caller's prompt must itself instruct the model to emit a JSON object
// and nothing else). Each provider in the underlying [resilience.FallbackGroup]
// is called up to MaxRetries times in total, with exponential backoff after a
// 429/timeout error (any other error ends that provider's attempts at once),
// before the group moves on to the next one; a provider whose circuit breaker is already open
// from a recent string of failures is skipped entirely.
func (c *Client) RequestJSON(ctx context.Context, prompt string) (*Result, error) {
	req := types.Message{Role: "user", Content: prompt}

	names := []string{c.primaryName}
	if c.hasFallback {
		names = append(names, c.fallbackName)
	}

	var result *Result
	var lastEntryErr error
	idx := 0
	groupErr := c.group.Execute(func(p llmprovider.Provider) error {
		name := names[idx]
		if idx > 0 {
			slog.Warn("llm: primary unavailable, trying fallback model",
				"primary", c.primaryName, "fallback", name, "previous_error", lastEntryErr)
		}
		idx++
		r, err := c.attempt(ctx, p, name, req)
		if err != nil {
			lastEntryErr = err
			return err
		}
		result = r
		return nil
	})
	if groupErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrLLMFailure, lastEntryErr)
	}
	return result, nil
}

// attempt performs up to MaxRetries calls against one provider with
// exponential backoff on 429/timeout.
func (c *Client) attempt(ctx context.Context, provider llmprovider.Provider, modelName string, msg types.Message) (*Result, error) {
	var lastErr error
	for i := 0; i < c.cfg.MaxRetries; i++ {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		resp, err := provider.Complete(callCtx, llmprovider.CompletionRequest{
			Messages:    []types.Message{msg},
			Temperature: 0.1,
		})
		cancel()

		if err == nil {
			return &Result{Raw: resp.Content, Model: modelName}, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return nil, err
		}

		backoff := time.Duration(math.Pow(2, float64(i))) * c.cfg.BaseBackoff
		slog.Debug("llm: retrying after transient error", "model", modelName, "attempt", i+1, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func isRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded")
}

// ExtractText defensively pulls the reply text out of a raw Gemini-shaped
// envelope (candidates[0].content.parts[0].text) if present; otherwise it
// returns raw unchanged. This tolerates a provider returning the underlying
// wire shape instead of already-unwrapped text.
func ExtractText(raw string) string {
	if gjson.Valid(raw) {
		if text := gjson.Get(raw, "candidates.0.content.parts.0.text"); text.Exists() {
			return text.String()
		}
	}
	return raw
}

// ParseJSONObject strictly decodes raw (after [ExtractText]) into dst. A
// non-object or malformed payload is reported as [ErrParseFailure].
func ParseJSONObject(raw string, dst any) error {
	text := strings.TrimSpace(ExtractText(raw))
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if !gjson.Valid(text) {
		return fmt.Errorf("%w: not valid JSON", ErrParseFailure)
	}
	if err := json.Unmarshal([]byte(text), dst); err != nil {
		return fmt.Errorf("%w: %v", ErrParseFailure, err)
	}
	return nil
}
