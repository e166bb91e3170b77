package safety

import (
	"reflect"
	"testing"

	"github.com/anika-dewari/safebox/internal/vector"
	"github.com/anika-dewari/safebox/pkg/errors"
)

// newScenario1 builds the classical safe-state scenario: totals [10,5,7],
// three jobs with declared max and initial allocations, matching the
// reference banker demo.
func newScenario1(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(vector.Vector{10, 5, 7})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	maxes := []vector.Vector{{7, 5, 3}, {3, 2, 2}, {9, 0, 2}}
	allocs := []vector.Vector{{0, 1, 0}, {2, 0, 0}, {3, 0, 2}}
	for i, max := range maxes {
		id := JobID(jobName(i))
		if err := e.Declare(id, max); err != nil {
			t.Fatalf("Declare(%s): %v", id, err)
		}
		if err := e.Request(id, allocs[i]); err != nil {
			t.Fatalf("seed allocation Request(%s): %v", id, err)
		}
	}
	return e
}

func jobName(i int) string {
	return []string{"0", "1", "2"}[i]
}

func TestScenario1_ClassicalSafeState(t *testing.T) {
	e := newScenario1(t)
	st := e.State()

	want := vector.Vector{5, 4, 5}
	if !reflect.DeepEqual(st.Available, want) {
		t.Fatalf("available = %v, want %v", st.Available, want)
	}

	seq, safe := e.DetectDeadlock()
	if !safe {
		t.Fatalf("expected safe state")
	}
	wantSeq := []JobID{"1", "2", "0"}
	if !reflect.DeepEqual(seq, wantSeq) {
		t.Fatalf("safe sequence = %v, want %v", seq, wantSeq)
	}
}

func TestScenario2_UnsafeRejection(t *testing.T) {
	e := newScenario1(t)
	before := e.State()

	err := e.Request("0", vector.Vector{0, 2, 0})
	if err == nil {
		t.Fatalf("expected rejection")
	}
	if errors.GetCode(err) != errors.UnsafeState {
		t.Fatalf("code = %v, want UnsafeState", errors.GetCode(err))
	}

	after := e.State()
	if !reflect.DeepEqual(before.Available, after.Available) {
		t.Fatalf("available changed after rejected request: %v -> %v", before.Available, after.Available)
	}
}

func TestScenario3_GrantedRequest(t *testing.T) {
	e := newScenario1(t)

	if err := e.Request("1", vector.Vector{1, 0, 2}); err != nil {
		t.Fatalf("Request(1): %v", err)
	}

	st := e.State()
	want := vector.Vector{4, 4, 3}
	if !reflect.DeepEqual(st.Available, want) {
		t.Fatalf("available = %v, want %v", st.Available, want)
	}

	seq, safe := e.DetectDeadlock()
	if !safe {
		t.Fatalf("expected safe state after grant")
	}
	wantSeq := []JobID{"1", "2", "0"}
	if !reflect.DeepEqual(seq, wantSeq) {
		t.Fatalf("safe sequence = %v, want %v", seq, wantSeq)
	}
}

func TestDeclare_RejectsOverTotals(t *testing.T) {
	e, _ := NewEngine(vector.Vector{10, 5, 7})
	err := e.Declare("x", vector.Vector{11, 0, 0})
	if errors.GetCode(err) != errors.ExceedsMax {
		t.Fatalf("code = %v, want ExceedsMax", errors.GetCode(err))
	}
}

func TestDeclare_RejectsDuplicateID(t *testing.T) {
	e, _ := NewEngine(vector.Vector{10, 5, 7})
	if err := e.Declare("x", vector.Vector{1, 1, 1}); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	err := e.Declare("x", vector.Vector{1, 1, 1})
	if err == nil {
		t.Fatalf("expected rejection of duplicate id")
	}
}

func TestRequest_UnknownJob(t *testing.T) {
	e, _ := NewEngine(vector.Vector{10, 5, 7})
	err := e.Request("ghost", vector.Vector{1, 1, 1})
	if errors.GetCode(err) != errors.UnknownJob {
		t.Fatalf("code = %v, want UnknownJob", errors.GetCode(err))
	}
}

func TestRequest_ExceedingNeedByOne_IsExceedsMax(t *testing.T) {
	e, _ := NewEngine(vector.Vector{10, 5, 7})
	if err := e.Declare("x", vector.Vector{3, 3, 3}); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	// need is [3,3,3]; requesting one more than max-allocated in a slot
	// must be rejected ExceedsMax, not silently clamped.
	err := e.Request("x", vector.Vector{4, 0, 0})
	if errors.GetCode(err) != errors.ExceedsMax {
		t.Fatalf("code = %v, want ExceedsMax", errors.GetCode(err))
	}
}

func TestRequest_ZeroAlwaysGranted(t *testing.T) {
	e := newScenario1(t)
	before := e.State()
	if err := e.Request("0", vector.Vector{0, 0, 0}); err != nil {
		t.Fatalf("zero request rejected: %v", err)
	}
	after := e.State()
	if !reflect.DeepEqual(before.Available, after.Available) {
		t.Fatalf("zero request altered availability")
	}
}

func TestRequestRelease_RestoresAllocation(t *testing.T) {
	e := newScenario1(t)
	req := vector.Vector{1, 0, 2}
	if err := e.Request("1", req); err != nil {
		t.Fatalf("Request: %v", err)
	}
	beforeState := e.State()
	if err := e.Release("1", req); err != nil {
		t.Fatalf("Release: %v", err)
	}
	afterState := e.State()

	wantAlloc := beforeState.Jobs["1"].Allocated.Sub(req)
	if !reflect.DeepEqual(afterState.Jobs["1"].Allocated, wantAlloc) {
		t.Fatalf("allocation after release = %v, want %v", afterState.Jobs["1"].Allocated, wantAlloc)
	}
}

func TestRelease_RejectsExceedingAllocation(t *testing.T) {
	e := newScenario1(t)
	err := e.Release("0", vector.Vector{100, 100, 100})
	if errors.GetCode(err) != errors.NegativeRelease {
		t.Fatalf("code = %v, want NegativeRelease", errors.GetCode(err))
	}
}

func TestDeclareReleaseAll_RestoresAvailableToTotals(t *testing.T) {
	e := newScenario1(t)
	for _, id := range []JobID{"0", "1", "2"} {
		if err := e.ReleaseAll(id); err != nil {
			t.Fatalf("ReleaseAll(%s): %v", id, err)
		}
		if err := e.Remove(id); err != nil {
			t.Fatalf("Remove(%s): %v", id, err)
		}
	}
	st := e.State()
	if !reflect.DeepEqual(st.Available, st.Totals) {
		t.Fatalf("available = %v, want totals %v", st.Available, st.Totals)
	}
	if len(st.Jobs) != 0 {
		t.Fatalf("expected empty live set, got %d jobs", len(st.Jobs))
	}
}
