// Package safety implements the banker's-algorithm admission control that
// the daemon uses to decide whether a resource request can be granted
// without leaving the system in a state from which no safe completion
// order exists.
//
// The algorithm itself is ported from the reference BankerAlgorithm
// (add_process / request_resources / release_resources / is_safe_state),
// generalized from its three hardcoded resource classes to an
// arbitrary, caller-declared arity.
package safety

import (
	"sort"
	"sync"

	"github.com/anika-dewari/safebox/internal/vector"
	"github.com/anika-dewari/safebox/pkg/errors"
)

// JobID identifies a declared job within the engine.
type JobID string

// job tracks one declared job's claim and current allocation.
type job struct {
	id        JobID
	max       vector.Vector
	allocated vector.Vector
}

func (j *job) need() vector.Vector {
	return j.max.Sub(j.allocated)
}

// State is a point-in-time snapshot of the engine, safe to read without
// holding the engine's lock afterward.
type State struct {
	Totals    vector.Vector
	Available vector.Vector
	Jobs      map[JobID]JobState
}

// JobState is one job's entry within a State snapshot.
type JobState struct {
	Max       vector.Vector
	Allocated vector.Vector
	Need      vector.Vector
}

// Engine is the banker's-algorithm safety engine. Zero value is not
// usable; construct with NewEngine. Safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	arity     int
	totals    vector.Vector
	available vector.Vector
	jobs      map[JobID]*job
	order     []JobID // declaration order, for deterministic iteration
}

// NewEngine initializes the engine with the given total resource vector.
// Corresponds to the reference's system construction: the caller declares
// the fixed arity and total capacity once, up front.
func NewEngine(totals vector.Vector) (*Engine, error) {
	if len(totals) == 0 {
		return nil, errors.New(errors.Uninitialized).WithMessage("totals must declare at least one resource class")
	}
	if totals.HasNegative() {
		return nil, errors.New(errors.Uninitialized).WithMessage("totals must be non-negative")
	}
	return &Engine{
		arity:     len(totals),
		totals:    totals.Clone(),
		available: totals.Clone(),
		jobs:      make(map[JobID]*job),
	}, nil
}

// Declare registers a new job with its maximum possible claim. Mirrors
// add_process: max must not exceed totals, and the job id must be unused.
func (e *Engine) Declare(id JobID, max vector.Vector) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := vector.ValidateArity(max, e.arity); err != nil {
		return errors.Wrap(err, errors.ExceedsMax)
	}
	if max.HasNegative() {
		return errors.New(errors.ExceedsMax).WithMessage("max claim must be non-negative")
	}
	if !max.LessEq(e.totals) {
		return errors.New(errors.ExceedsMax).
			WithDetail("job_id", string(id)).
			WithMessage("max claim exceeds declared totals")
	}
	if _, exists := e.jobs[id]; exists {
		return errors.New(errors.ExceedsMax).WithMessage("job id already declared")
	}

	e.jobs[id] = &job{
		id:        id,
		max:       max.Clone(),
		allocated: vector.Zero(e.arity),
	}
	e.order = append(e.order, id)
	return nil
}

// Request attempts to grant an incremental allocation to an already
// declared job. It mirrors request_resources: the request must not exceed
// the job's remaining need, must not exceed currently available
// resources, and the resulting state (were it granted) must be safe —
// otherwise the request is rejected and no state changes.
func (e *Engine) Request(id JobID, req vector.Vector) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.jobs[id]
	if !ok {
		return errors.New(errors.UnknownJob).WithDetail("job_id", string(id))
	}
	if err := vector.ValidateArity(req, e.arity); err != nil {
		return errors.Wrap(err, errors.ExceedsMax)
	}
	if req.HasNegative() {
		return errors.New(errors.ExceedsMax).WithMessage("request must be non-negative")
	}
	if !req.LessEq(j.need()) {
		return errors.New(errors.ExceedsMax).
			WithDetail("job_id", string(id)).
			WithMessage("request exceeds job's remaining need")
	}
	if !req.LessEq(e.available) {
		return errors.New(errors.InsufficientAvailable).WithDetail("job_id", string(id))
	}

	// Tentatively grant, then verify safety; roll back if unsafe.
	e.available = e.available.Sub(req)
	j.allocated = j.allocated.Add(req)

	if _, safe := e.safeSequence(); !safe {
		e.available = e.available.Add(req)
		j.allocated = j.allocated.Sub(req)
		return errors.New(errors.UnsafeState).WithDetail("job_id", string(id))
	}
	return nil
}

// Release returns allocated resources to the pool. Mirrors
// release_resources: releasing more than a job currently holds is
// rejected outright (NegativeRelease) rather than clamped.
func (e *Engine) Release(id JobID, rel vector.Vector) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.jobs[id]
	if !ok {
		return errors.New(errors.UnknownJob).WithDetail("job_id", string(id))
	}
	if err := vector.ValidateArity(rel, e.arity); err != nil {
		return errors.Wrap(err, errors.NegativeRelease)
	}
	if rel.HasNegative() {
		return errors.New(errors.NegativeRelease).WithMessage("release must be non-negative")
	}
	if !rel.LessEq(j.allocated) {
		return errors.New(errors.NegativeRelease).
			WithDetail("job_id", string(id)).
			WithMessage("release exceeds job's current allocation")
	}

	j.allocated = j.allocated.Sub(rel)
	e.available = e.available.Add(rel)
	return nil
}

// ReleaseAll returns everything a job currently holds, equivalent to
// calling Release with the job's full allocation, and is what the
// coordinator calls when a job terminates.
func (e *Engine) ReleaseAll(id JobID) error {
	e.mu.Lock()
	j, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return errors.New(errors.UnknownJob).WithDetail("job_id", string(id))
	}
	full := j.allocated.Clone()
	e.mu.Unlock()
	return e.Release(id, full)
}

// Remove forgets a declared job entirely. The job must hold no
// allocation; callers release first.
func (e *Engine) Remove(id JobID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.jobs[id]
	if !ok {
		return errors.New(errors.UnknownJob).WithDetail("job_id", string(id))
	}
	if !j.allocated.IsZero() {
		return errors.New(errors.NegativeRelease).WithMessage("cannot remove a job that still holds resources")
	}
	delete(e.jobs, id)
	for i, existing := range e.order {
		if existing == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return nil
}

// State returns a snapshot of the engine's current totals, availability,
// and per-job allocation/need.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := State{
		Totals:    e.totals.Clone(),
		Available: e.available.Clone(),
		Jobs:      make(map[JobID]JobState, len(e.jobs)),
	}
	for id, j := range e.jobs {
		out.Jobs[id] = JobState{
			Max:       j.max.Clone(),
			Allocated: j.allocated.Clone(),
			Need:      j.need(),
		}
	}
	return out
}

// DetectDeadlock reports whether the current state has a safe completion
// sequence; when it does not, it is, by construction, unreachable via
// Request (which never admits an unsafe state) — DetectDeadlock exists
// for diagnostics and for verifying states restored from external sources.
func (e *Engine) DetectDeadlock() (sequence []JobID, safe bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.safeSequence()
}

// safeSequence runs the banker's safety algorithm against the engine's
// current allocation state and returns a completion order if one exists.
// Ties among simultaneously-finishable jobs are broken by ascending
// JobID, matching the reference's deterministic ordering.
func (e *Engine) safeSequence() (sequence []JobID, safe bool) {
	work := e.available.Clone()
	finished := make(map[JobID]bool, len(e.jobs))

	candidates := make([]JobID, len(e.order))
	copy(candidates, e.order)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	for len(sequence) < len(e.jobs) {
		progressed := false
		for _, id := range candidates {
			if finished[id] {
				continue
			}
			j := e.jobs[id]
			if j.need().LessEq(work) {
				work = work.Add(j.allocated)
				finished[id] = true
				sequence = append(sequence, id)
				progressed = true
			}
		}
		if !progressed {
			return nil, false
		}
	}
	return sequence, true
}
