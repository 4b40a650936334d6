package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestCadence_NextDaily(t *testing.T) {
	c := Cadence{Kind: CadenceDaily, Hour: 9, Minute: 30}
	after := time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)

	got := c.Next(after)
	want := time.Date(2026, 3, 5, 9, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next() = %v, want %v", got, want)
	}
}

func TestCadence_NextDaily_RollsToTomorrowWhenTimePassed(t *testing.T) {
	c := Cadence{Kind: CadenceDaily, Hour: 9, Minute: 30}
	after := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)

	got := c.Next(after)
	want := time.Date(2026, 3, 6, 9, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next() = %v, want %v", got, want)
	}
}

func TestCadence_NextWeekly(t *testing.T) {
	c := Cadence{Kind: CadenceWeekly, Weekdays: []time.Weekday{time.Monday}, Hour: 9, Minute: 0}
	// 2026-03-05 is a Thursday.
	after := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)

	got := c.Next(after)
	if got.Weekday() != time.Monday {
		t.Fatalf("Next() weekday = %v, want Monday", got.Weekday())
	}
	if !got.After(after) {
		t.Fatalf("Next() = %v, want a time after %v", got, after)
	}
}

func TestCadence_NextTwiceWeekly(t *testing.T) {
	c := Cadence{Kind: CadenceTwiceWeekly, Weekdays: []time.Weekday{time.Tuesday, time.Friday}, Hour: 8, Minute: 0}
	after := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC) // Thursday

	got := c.Next(after)
	if got.Weekday() != time.Friday {
		t.Fatalf("Next() weekday = %v, want Friday", got.Weekday())
	}
}

func TestCadence_NextCustom_EmptyWeekdaysFallsBackToDaily(t *testing.T) {
	c := Cadence{Kind: CadenceCustom, Hour: 6, Minute: 0}
	after := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)

	got := c.Next(after)
	want := time.Date(2026, 3, 5, 6, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next() = %v, want %v", got, want)
	}
}

func TestScheduler_ForceRunTask(t *testing.T) {
	s := New(time.Minute)
	var calls int32
	s.AddTask(&Task{
		Name:    "reprocess",
		Cadence: Cadence{Kind: CadenceDaily, Hour: 3, Minute: 0},
		Enabled: true,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	})

	if err := s.ForceRunTask(context.Background(), "reprocess"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	_, statuses := s.Status()
	if len(statuses) != 1 || statuses[0].RunCount != 1 {
		t.Fatalf("status = %+v, want one task with RunCount 1", statuses)
	}
}

func TestScheduler_ForceRunTask_UnknownTask(t *testing.T) {
	s := New(time.Minute)
	if err := s.ForceRunTask(context.Background(), "nonexistent"); err == nil {
		t.Fatal("expected an error for an unknown task")
	}
}

func TestScheduler_SetEnabled(t *testing.T) {
	s := New(time.Minute)
	s.AddTask(&Task{Name: "t", Cadence: Cadence{Kind: CadenceDaily}, Enabled: false, Run: func(ctx context.Context) error { return nil }})

	if err := s.SetEnabled("t", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, statuses := s.Status()
	if !statuses[0].Enabled {
		t.Fatal("expected task to be enabled after SetEnabled(true)")
	}

	if err := s.SetEnabled("missing", true); err == nil {
		t.Fatal("expected an error for an unknown task")
	}
}

func TestScheduler_RunTask_FailureRetriesBeforeFallingBackToCadence(t *testing.T) {
	s := New(time.Minute)
	task := &Task{
		Name:       "flaky",
		Cadence:    Cadence{Kind: CadenceDaily, Hour: 3, Minute: 0},
		Enabled:    true,
		MaxRetries: 2,
		Run:        func(ctx context.Context) error { return errors.New("boom") },
	}
	s.AddTask(task)

	_ = s.ForceRunTask(context.Background(), "flaky")
	_, statuses := s.Status()
	firstNextRun := statuses[0].NextRun
	if !firstNextRun.Before(time.Now().Add(2 * time.Hour)) {
		t.Fatalf("expected a short retry backoff, got next run at %v", firstNextRun)
	}

	_ = s.ForceRunTask(context.Background(), "flaky")
	_, statuses = s.Status()
	if statuses[0].ErrorCount != 2 {
		t.Fatalf("ErrorCount = %d, want 2", statuses[0].ErrorCount)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s := New(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	running, _ := s.Status()
	if !running {
		t.Fatal("expected scheduler to be running after Start")
	}

	s.Stop()
	running, _ = s.Status()
	if running {
		t.Fatal("expected scheduler to be stopped after Stop")
	}
}
