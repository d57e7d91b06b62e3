package upload

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestPolicyDecide(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 10, 10, 0, 0, 0, time.UTC)
	p := Policy{Backoff: []time.Duration{time.Minute, 5 * time.Minute}, MaxAttempts: 4}

	cases := []struct {
		name    string
		attempt int
		kind    FailureKind
		want    Decision
	}{
		{"first transient", 1, FailureTransient, RetryAt(now.Add(time.Minute))},
		{"second transient", 2, FailureTransient, RetryAt(now.Add(5 * time.Minute))},
		{"last entry repeats", 3, FailureTransient, RetryAt(now.Add(5 * time.Minute))},
		{"ceiling reached", 4, FailureTransient, Abandon()},
		{"permanent", 1, FailurePermanent, Abandon()},
	}
	for _, tc := range cases {
		if got := p.Decide(tc.attempt, tc.kind, now); got != tc.want {
			t.Fatalf("%s: Decide = %v, want %v", tc.name, got, tc.want)
		}
	}

	if got := (Policy{MaxAttempts: 3}).Decide(1, FailureTransient, now); got.Retry {
		t.Fatalf("empty backoff Decide = %v, want abandon", got)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want FailureKind
	}{
		{Permanent(errors.New("401")), FailurePermanent},
		{fmt.Errorf("wrapped: %w", Permanent(errors.New("bad media"))), FailurePermanent},
		{Transient(errors.New("503")), FailureTransient},
		{context.DeadlineExceeded, FailureTransient},
		{errors.New("connection reset"), FailureTransient},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
	if Permanent(nil) != nil || Transient(nil) != nil {
		t.Fatalf("marking nil must stay nil")
	}
}

func TestNextSlot(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 5, 11, 17, 45, 0, 0, time.UTC)
	cases := []struct {
		queued int
		want   time.Time
	}{
		{0, time.Date(2024, 5, 11, 9, 0, 0, 0, time.UTC)},
		{1, time.Date(2024, 5, 11, 9, 30, 0, 0, time.UTC)},
		{31, time.Date(2024, 5, 12, 0, 30, 0, 0, time.UTC)},
		{-2, time.Date(2024, 5, 11, 9, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := NextSlot(day, 9, 30*time.Minute, tc.queued); !got.Equal(tc.want) {
			t.Fatalf("NextSlot(queued=%d) = %v, want %v", tc.queued, got, tc.want)
		}
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	const want = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got := Fingerprint([]byte("hello")); got != want {
		t.Fatalf("Fingerprint = %s, want %s", got, want)
	}
}
