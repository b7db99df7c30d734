package services

import (
	"testing"
	"time"
)

func TestRetrySchedulerBackoffLadder(t *testing.T) {
	scheduler := NewRetryScheduler()

	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 30 * time.Minute},
		{1, time.Hour},
		{2, 4 * time.Hour},
		{3, 12 * time.Hour},
		{7, 12 * time.Hour},
		{-1, 30 * time.Minute},
	}
	for _, tc := range cases {
		if got := scheduler.Backoff(tc.retryCount); got != tc.want {
			t.Errorf("Backoff(%d) = %s, want %s", tc.retryCount, got, tc.want)
		}
	}
}

func TestRetrySchedulerNext(t *testing.T) {
	scheduler := NewRetryScheduler()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	decision := scheduler.Next(0, now)
	if decision.Exhausted {
		t.Fatal("first failure should not exhaust")
	}
	if decision.RetryCount != 1 {
		t.Fatalf("retryCount = %d, want 1", decision.RetryCount)
	}
	if !decision.NextRetryAt.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("nextRetryAt = %v", decision.NextRetryAt)
	}

	decision = scheduler.Next(1, now)
	if decision.Exhausted || decision.RetryCount != 2 {
		t.Fatalf("second failure decision = %+v", decision)
	}
	if !decision.NextRetryAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("nextRetryAt = %v", decision.NextRetryAt)
	}
}

func TestRetrySchedulerExhaustsAtCeiling(t *testing.T) {
	scheduler := NewRetryScheduler()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	decision := scheduler.Next(2, now)
	if !decision.Exhausted {
		t.Fatal("third failure should exhaust the ceiling")
	}
	if decision.RetryCount != 3 {
		t.Fatalf("retryCount = %d, want 3", decision.RetryCount)
	}
	if !decision.NextRetryAt.IsZero() {
		t.Fatalf("exhausted decision carries a schedule: %v", decision.NextRetryAt)
	}
}

func TestRetrySchedulerFirstDoesNotConsumeAnAttempt(t *testing.T) {
	scheduler := NewRetryScheduler()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	if got := scheduler.First(0, now); !got.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("First(0) = %v, want now+30m", got)
	}
	if got := scheduler.First(2, now); !got.Equal(now.Add(4 * time.Hour)) {
		t.Fatalf("First(2) = %v, want now+4h", got)
	}
}

func TestRetrySchedulerOptions(t *testing.T) {
	scheduler := NewRetryScheduler(
		WithBackoffLadder([]time.Duration{time.Minute}),
		WithRetryCeiling(5),
	)
	if scheduler.Ceiling() != 5 {
		t.Fatalf("ceiling = %d, want 5", scheduler.Ceiling())
	}
	if got := scheduler.Backoff(3); got != time.Minute {
		t.Fatalf("Backoff(3) = %s, want 1m", got)
	}
}
