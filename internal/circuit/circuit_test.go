package circuit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err      error
		wantCat  Category
		wantSev  Severity
	}{
		{errors.New("rate limit exceeded"), CategoryAPI, SeverityHigh},
		{errors.New("pgx: connection refused"), CategoryDatabase, SeverityCritical},
		{errors.New("context deadline exceeded"), CategoryNetwork, SeverityMedium},
		{errors.New("invalid request body"), CategoryValidation, SeverityLow},
		{errors.New("too many open files"), CategoryResource, SeverityCritical},
		{errors.New("runtime error: index out of range"), CategorySystem, SeverityCritical},
		{errors.New("something unexpected"), CategoryProcessing, SeverityMedium},
		{nil, CategoryProcessing, SeverityLow},
	}
	for _, tt := range tests {
		cat, sev := Classify(tt.err)
		if cat != tt.wantCat || sev != tt.wantSev {
			t.Errorf("Classify(%v) = (%v, %v), want (%v, %v)", tt.err, cat, sev, tt.wantCat, tt.wantSev)
		}
	}
}

func TestCircuit_TripsAtLimit(t *testing.T) {
	c := New(Config{Limit: 3, CooldownDuration: time.Hour}, nil)

	for i := 0; i < 2; i++ {
		c.RecordError(context.Background(), "sess", "keyword_filter", errors.New("boom"), nil)
	}
	if err := c.CanProcess(); err != nil {
		t.Fatalf("CanProcess before limit reached: %v", err)
	}

	c.RecordError(context.Background(), "sess", "keyword_filter", errors.New("boom"), nil)
	if err := c.CanProcess(); !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("CanProcess after limit reached = %v, want ErrCooldownActive", err)
	}
}

func TestCircuit_SuccessResetsCounter(t *testing.T) {
	c := New(Config{Limit: 3, CooldownDuration: time.Hour}, nil)

	c.RecordError(context.Background(), "sess", "stage", errors.New("boom"), nil)
	c.RecordError(context.Background(), "sess", "stage", errors.New("boom"), nil)
	c.RecordSuccess()
	c.RecordError(context.Background(), "sess", "stage", errors.New("boom"), nil)
	c.RecordError(context.Background(), "sess", "stage", errors.New("boom"), nil)

	if err := c.CanProcess(); err != nil {
		t.Fatalf("CanProcess should still be OK after reset broke the streak: %v", err)
	}
}

func TestCircuit_CooldownExpires(t *testing.T) {
	c := New(Config{Limit: 1, CooldownDuration: 10 * time.Millisecond}, nil)
	c.RecordError(context.Background(), "sess", "stage", errors.New("boom"), nil)

	if err := c.CanProcess(); !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("expected cooldown immediately after trip, got %v", err)
	}

	time.Sleep(15 * time.Millisecond)

	if err := c.CanProcess(); err != nil {
		t.Fatalf("expected cooldown to have expired: %v", err)
	}
	if status := c.Status(); status.InCooldown {
		t.Fatal("status should report cooldown cleared after CanProcess observes expiry")
	}
}

func TestCircuit_Reset(t *testing.T) {
	c := New(Config{Limit: 1, CooldownDuration: time.Hour}, nil)
	c.RecordError(context.Background(), "sess", "stage", errors.New("boom"), nil)
	if err := c.CanProcess(); err == nil {
		t.Fatal("expected cooldown active before reset")
	}

	c.Reset()
	if err := c.CanProcess(); err != nil {
		t.Fatalf("expected OK after Reset: %v", err)
	}
}

func TestCircuit_StatusTracksRecentErrors(t *testing.T) {
	c := New(TestingConfig(), nil)
	for i := 0; i < 12; i++ {
		c.RecordError(context.Background(), "sess", "stage", errors.New("boom"), nil)
	}
	status := c.Status()
	if len(status.RecentErrors) != 10 {
		t.Fatalf("RecentErrors length = %d, want 10", len(status.RecentErrors))
	}
	if status.ConsecutiveErrors != 12 {
		t.Fatalf("ConsecutiveErrors = %d, want 12", status.ConsecutiveErrors)
	}
}

func TestTestingConfig_NeverTrips(t *testing.T) {
	c := New(TestingConfig(), nil)
	for i := 0; i < 100; i++ {
		c.RecordError(context.Background(), "sess", "stage", errors.New("boom"), nil)
	}
	if err := c.CanProcess(); err != nil {
		t.Fatalf("testing config should never trip the circuit: %v", err)
	}
}

func TestNew_DefaultsLimitWhenZero(t *testing.T) {
	c := New(Config{}, nil)
	if c.cfg.Limit != DefaultConfig().Limit {
		t.Fatalf("Limit = %d, want default %d", c.cfg.Limit, DefaultConfig().Limit)
	}
}
