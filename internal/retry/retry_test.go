package retry

import (
	"testing"
	"time"

	"github.com/bsn2000/dispatchcore/internal/corerr"
	"github.com/bsn2000/dispatchcore/internal/models"
)

func Test_ExponentialBackoff_Delay_GrowsThenCaps(t *testing.T) {
	policy := models.RetryPolicy{
		MaxAttempts:            5,
		InitialIntervalSeconds: 2,
		BackoffMultiplier:      2,
		MaxIntervalSeconds:     10,
	}
	strategy := ExponentialBackoff{}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second}, // would be 16s, capped at max
		{5, 10 * time.Second},
	}
	for _, c := range cases {
		got := strategy.Delay(policy, c.attempt)
		if got != c.want {
			t.Errorf("Delay(attempt=%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func Test_ExponentialBackoff_Delay_ClampsBelowFirstAttempt(t *testing.T) {
	policy := models.RetryPolicy{InitialIntervalSeconds: 1, BackoffMultiplier: 2}
	strategy := ExponentialBackoff{}
	if got, want := strategy.Delay(policy, 0), 1*time.Second; got != want {
		t.Errorf("Delay(attempt=0) = %v, want %v", got, want)
	}
	if got, want := strategy.Delay(policy, -3), 1*time.Second; got != want {
		t.Errorf("Delay(attempt=-3) = %v, want %v", got, want)
	}
}

func Test_Classify_UnclassifiedErrorRetriesUntilAttemptsExhausted(t *testing.T) {
	policy := models.RetryPolicy{MaxAttempts: 3}
	plainErr := errString("connection reset")

	if got := Classify(plainErr, 1, policy); got != OutcomeRetry {
		t.Fatalf("attempt 1: got %v, want OutcomeRetry", got)
	}
	if got := Classify(plainErr, 2, policy); got != OutcomeRetry {
		t.Fatalf("attempt 2: got %v, want OutcomeRetry", got)
	}
	if got := Classify(plainErr, 3, policy); got != OutcomeFailed {
		t.Fatalf("attempt 3 (== MaxAttempts): got %v, want OutcomeFailed", got)
	}
}

func Test_Classify_PermanentAlwaysFailsImmediately(t *testing.T) {
	policy := models.RetryPolicy{MaxAttempts: 10}
	permErr := corerr.NewPermanent("bad request payload")
	if got := Classify(permErr, 1, policy); got != OutcomeFailed {
		t.Fatalf("got %v, want OutcomeFailed", got)
	}
}

func Test_Classify_TransientRetriesWithinBudget(t *testing.T) {
	policy := models.RetryPolicy{MaxAttempts: 4}
	transientErr := corerr.NewTransient("upstream timeout")
	if got := Classify(transientErr, 1, policy); got != OutcomeRetry {
		t.Fatalf("got %v, want OutcomeRetry", got)
	}
}

func Test_NextAttemptAt_AddsStrategyDelayToNow(t *testing.T) {
	policy := models.RetryPolicy{InitialIntervalSeconds: 5, BackoffMultiplier: 1}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := NextAttemptAt(ExponentialBackoff{}, policy, 1, now)
	want := now.Add(5 * time.Second)
	if !got.Equal(want) {
		t.Errorf("NextAttemptAt = %v, want %v", got, want)
	}
}

type errString string

func (e errString) Error() string { return string(e) }
