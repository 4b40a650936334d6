package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	llmprovider "github.com/merlin-platform/copywriting-evaluator/pkg/provider/llm"
	"github.com/merlin-platform/copywriting-evaluator/pkg/provider/llm/mock"
)

func fastConfig() Config {
	return Config{MaxRetries: 2, BaseBackoff: time.Millisecond, RequestTimeout: time.Second}
}

func TestClient_RequestJSON_PrimarySucceeds(t *testing.T) {
	primary := &mock.Provider{CompleteResponse: &llmprovider.CompletionResponse{Content: `{"ok":true}`}}
	c := New(primary, "primary-model", nil, "", fastConfig())

	result, err := c.RequestJSON(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Model != "primary-model" {
		t.Errorf("Model = %q, want primary-model", result.Model)
	}
	if len(primary.CompleteCalls) != 1 {
		t.Errorf("primary called %d times, want 1", len(primary.CompleteCalls))
	}
}

func TestClient_RequestJSON_RetriesOnRetryableError(t *testing.T) {
	primary := &mock.Provider{CompleteErr: errors.New("429 rate limit exceeded")}
	c := New(primary, "primary-model", nil, "", fastConfig())

	_, err := c.RequestJSON(context.Background(), "prompt")
	if err == nil {
		t.Fatal("expected an error once retries are exhausted")
	}
	if len(primary.CompleteCalls) != 2 {
		t.Errorf("primary called %d times, want MaxRetries=2", len(primary.CompleteCalls))
	}
}

func TestClient_RequestJSON_NonRetryableErrorStopsImmediately(t *testing.T) {
	primary := &mock.Provider{CompleteErr: errors.New("invalid request: malformed prompt")}
	c := New(primary, "primary-model", nil, "", fastConfig())

	_, err := c.RequestJSON(context.Background(), "prompt")
	if err == nil {
		t.Fatal("expected an error")
	}
	if len(primary.CompleteCalls) != 1 {
		t.Errorf("primary called %d times, want 1 (non-retryable error should not retry)", len(primary.CompleteCalls))
	}
}

func TestClient_RequestJSON_FallsBackWhenPrimaryExhausted(t *testing.T) {
	primary := &mock.Provider{CompleteErr: errors.New("503 service unavailable")}
	fallback := &mock.Provider{CompleteResponse: &llmprovider.CompletionResponse{Content: `{"ok":true}`}}
	c := New(primary, "primary-model", fallback, "fallback-model", fastConfig())

	result, err := c.RequestJSON(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("expected fallback to succeed, got error: %v", err)
	}
	if result.Model != "fallback-model" {
		t.Errorf("Model = %q, want fallback-model", result.Model)
	}
	if len(fallback.CompleteCalls) == 0 {
		t.Error("expected fallback provider to be called")
	}
}

func TestClient_RequestJSON_NoFallbackConfigured(t *testing.T) {
	primary := &mock.Provider{CompleteErr: errors.New("503 service unavailable")}
	c := New(primary, "primary-model", nil, "", fastConfig())

	_, err := c.RequestJSON(context.Background(), "prompt")
	if !errors.Is(err, ErrLLMFailure) {
		t.Fatalf("err = %v, want ErrLLMFailure", err)
	}
}

func TestParseJSONObject(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	if err := ParseJSONObject(`{"name": "resume"}`, &dst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dst.Name != "resume" {
		t.Errorf("Name = %q, want resume", dst.Name)
	}
}

func TestParseJSONObject_StripsCodeFence(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	if err := ParseJSONObject("```json\n{\"name\": \"resume\"}\n```", &dst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dst.Name != "resume" {
		t.Errorf("Name = %q, want resume", dst.Name)
	}
}

func TestParseJSONObject_InvalidJSON(t *testing.T) {
	var dst struct{}
	if err := ParseJSONObject("not json", &dst); !errors.Is(err, ErrParseFailure) {
		t.Fatalf("err = %v, want ErrParseFailure", err)
	}
}

func TestExtractText_GeminiEnvelope(t *testing.T) {
	raw := `{"candidates":[{"content":{"parts":[{"text":"hello"}]}}]}`
	if got := ExtractText(raw); got != "hello" {
		t.Errorf("ExtractText() = %q, want hello", got)
	}
}

func TestExtractText_PassthroughWhenNotGeminiShaped(t *testing.T) {
	raw := `{"name":"resume"}`
	if got := ExtractText(raw); got != raw {
		t.Errorf("ExtractText() = %q, want unchanged input", got)
	}
}

func TestGenerateSecurityToken_Unique(t *testing.T) {
	a, err := GenerateSecurityToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := GenerateSecurityToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == b {
		t.Error("expected two generated tokens to differ")
	}
	if len(a) != 32 {
		t.Errorf("len(token) = %d, want 32 hex chars for 16 bytes", len(a))
	}
}
