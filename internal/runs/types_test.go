package runs

import (
	"slices"
	"testing"

	"pgregory.net/rapid"
)

var lifecycle = []Status{StatusPending, StatusRunning, StatusSucceeded, StatusFailed}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		from := rapid.SampledFrom(lifecycle).Draw(t, "from")
		to := rapid.SampledFrom(lifecycle).Draw(t, "to")
		if !canAdvance(from, to) {
			return
		}
		if from.Terminal() {
			t.Fatalf("left terminal state %s for %s", from, to)
		}
		if slices.Index(lifecycle, to) <= slices.Index(lifecycle, from) {
			t.Fatalf("%s -> %s moves backwards", from, to)
		}
	})
}

func TestCanAdvanceTable(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusSucceeded, false},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusPending, false},
		{StatusSucceeded, StatusFailed, false},
		{StatusFailed, StatusRunning, false},
	}
	for _, tt := range tests {
		if got := canAdvance(tt.from, tt.to); got != tt.want {
			t.Errorf("canAdvance(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
