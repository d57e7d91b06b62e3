package job

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateDispatched, true},
		{StateDispatched, StatePublished, true},
		{StateDispatched, StateDeferred, true},
		{StateDeferred, StatePending, true},
		{StateDeferred, StateDispatched, false},
		{StatePublished, StatePending, false},
		{StateFailed, StatePending, false},
		{StatePublished, StateFailed, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestDuplicateErrorMatches(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("create: %w", &DuplicateError{ExistingID: "j1", Destination: "main"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("errors.Is(%v, ErrDuplicate) = false", err)
	}
	var de *DuplicateError
	if !errors.As(err, &de) || de.ExistingID != "j1" {
		t.Fatalf("errors.As = %+v, want ExistingID j1", de)
	}
}

func TestDayStart(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+7", 7*3600)
	in := time.Date(2024, 3, 2, 3, 30, 0, 0, loc) // 2024-03-01 20:30 UTC
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if got := DayStart(in); !got.Equal(want) {
		t.Fatalf("DayStart = %v, want %v", got, want)
	}
}
