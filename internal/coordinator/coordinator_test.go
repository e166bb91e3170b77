package coordinator

import (
	"context"
	"testing"

	"github.com/anika-dewari/safebox/internal/safety"
	"github.com/anika-dewari/safebox/internal/vector"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c, err := New(vector.Vector{10, 10}, t.TempDir(), "sandbox-init", Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestSubmit_RejectsDeclareExceedingTotals(t *testing.T) {
	c := newTestCoordinator(t)
	spec := JobSpec{
		JobID:   safety.JobID("job-1"),
		Path:    "/bin/true",
		Max:     vector.Vector{20, 20},
		Request: vector.Vector{1, 1},
	}
	result, err := c.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if result.Admitted {
		t.Fatal("expected job to be rejected")
	}
	if result.Status != StatusRejected {
		t.Fatalf("expected StatusRejected, got %v", result.Status)
	}

	stored, ok := c.Table().Get(spec.JobID)
	if !ok {
		t.Fatal("expected rejected result stored in table")
	}
	if stored.Admitted {
		t.Fatal("stored result should not be admitted")
	}
}

func TestSubmit_RejectsRequestExceedingAvailable(t *testing.T) {
	c := newTestCoordinator(t)
	spec := JobSpec{
		JobID:   safety.JobID("job-2"),
		Path:    "/bin/true",
		Max:     vector.Vector{10, 10},
		Request: vector.Vector{20, 20},
	}
	result, err := c.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if result.Admitted {
		t.Fatal("expected job to be rejected")
	}
	if result.RejectionReason == "" {
		t.Fatal("expected a non-empty rejection reason")
	}
}

func TestSafetyState_ReflectsDeclaredTotals(t *testing.T) {
	c := newTestCoordinator(t)
	state := c.SafetyState()
	if len(state.Totals) != 2 || state.Totals[0] != 10 || state.Totals[1] != 10 {
		t.Fatalf("unexpected totals: %v", state.Totals)
	}
	if len(state.Available) != 2 || state.Available[0] != 10 || state.Available[1] != 10 {
		t.Fatalf("unexpected available: %v", state.Available)
	}
}

func TestReleaseJob_UnknownJobIsError(t *testing.T) {
	c := newTestCoordinator(t)
	if err := c.ReleaseJob(context.Background(), safety.JobID("missing")); err == nil {
		t.Fatal("expected error releasing an unknown job")
	}
}
