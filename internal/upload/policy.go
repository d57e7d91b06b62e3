package upload

import (
	"time"
)

// Policy decides what happens to a job after a failed publish call.
// It is pure: the same inputs always yield the same decision.
type Policy struct {
	// Backoff[i] is the delay after the (i+1)th attempt; the last entry
	// repeats for later attempts.
	Backoff []time.Duration
	// MaxAttempts caps publish calls per job, the first one included.
	MaxAttempts int
}

// Decision is either a retry at At or abandonment.
type Decision struct {
	Retry bool
	At    time.Time
}

func RetryAt(t time.Time) Decision { return Decision{Retry: true, At: t} }

func Abandon() Decision { return Decision{} }

func (d Decision) String() string {
	if d.Retry {
		return "retry at " + d.At.UTC().Format(time.RFC3339)
	}
	return "abandon"
}

// Decide applies the policy to a job that has made attempt publish calls.
func (p Policy) Decide(attempt int, kind FailureKind, now time.Time) Decision {
	if kind == FailurePermanent {
		return Abandon()
	}
	if attempt >= p.MaxAttempts || len(p.Backoff) == 0 {
		return Abandon()
	}
	i := min(max(attempt-1, 0), len(p.Backoff)-1)
	return RetryAt(now.Add(p.Backoff[i]))
}
