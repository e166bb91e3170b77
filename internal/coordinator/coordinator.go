// Package coordinator sequences admission, cgroup setup, spawn, attach,
// wait, and cleanup for a submitted job behind a single Submit
// operation, the way Worker.Execute sequences compile/run/cleanup for
// one submission in judge_service/internal/sandbox/worker.go —
// generalized here from a judge run to a job's admission-then-isolated-
// execution lifecycle, and with explicit step-by-step rollback instead
// of that defer-based cleanup.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anika-dewari/safebox/internal/audit"
	"github.com/anika-dewari/safebox/internal/cgroupmgr"
	"github.com/anika-dewari/safebox/internal/lock"
	"github.com/anika-dewari/safebox/internal/metrics"
	"github.com/anika-dewari/safebox/internal/sandbox"
	"github.com/anika-dewari/safebox/internal/safety"
	"github.com/anika-dewari/safebox/internal/vector"
	"github.com/anika-dewari/safebox/pkg/errors"
	"github.com/anika-dewari/safebox/pkg/logger"
	"go.uber.org/zap"
)

// AuditSink receives a terminal JobResult for optional persistence.
// *audit.Log implements it; a nil AuditSink disables persistence, since
// appending completed jobs to a JSON-lines audit log is optional.
type AuditSink interface {
	Append(ctx context.Context, e audit.Entry) error
}

// JobStatus is a job's lifecycle phase within the JobTable.
type JobStatus string

const (
	StatusDeclared JobStatus = "declared"
	StatusRunning  JobStatus = "running"
	StatusExited   JobStatus = "exited"
	StatusReleased JobStatus = "released"
	StatusRejected JobStatus = "rejected"
)

// JobSpec is what a caller submits.
type JobSpec struct {
	JobID   safety.JobID
	Path    string
	Args    []string
	Env     []string
	WorkDir string

	Max     vector.Vector
	Request vector.Vector

	MemoryMaxBytes int64
	CPUQuotaUS     int64
	PIDsMax        int64

	Timeout    time.Duration
	AllowNewNet bool
}

// ExitInfo mirrors the JobResult.exit shape clients see over HTTP/CLI.
type ExitInfo struct {
	Kind      string `json:"kind"` // "exited" | "signaled" | "setup_failed"
	Code      int    `json:"code"`
	ErrorCode int    `json:"error_code,omitempty"` // set when Kind is "setup_failed"
}

// StatsInfo mirrors the JobResult.stats shape.
type StatsInfo struct {
	MemoryPeak int64 `json:"memory_peak"`
	CPUUsageUS int64 `json:"cpu_usage_us"`
}

// JobResult is returned from Submit and stored in the JobTable.
type JobResult struct {
	JobID           safety.JobID `json:"job_id"`
	Admitted        bool         `json:"admitted"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
	SafeSequence    []safety.JobID `json:"safe_sequence,omitempty"`
	Exit            ExitInfo     `json:"exit"`
	Stats           StatsInfo    `json:"stats"`
	Status          JobStatus    `json:"status"`
}

// JobTable tracks every job the coordinator has admitted, keyed by id.
// Mutated only by the coordinator; it is the single owner of job state.
type JobTable struct {
	mu   sync.Mutex
	jobs map[safety.JobID]*JobResult
}

func newJobTable() *JobTable {
	return &JobTable{jobs: make(map[safety.JobID]*JobResult)}
}

func (t *JobTable) put(r JobResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := r
	t.jobs[r.JobID] = &cp
}

// Get returns a copy of a job's last known result.
func (t *JobTable) Get(id safety.JobID) (JobResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.jobs[id]
	if !ok {
		return JobResult{}, false
	}
	return *r, true
}

// liveJob is a running Submit call's out-of-band handle: cancelling it
// drives the same SIGTERM-then-grace-period-then-SIGKILL path child.Wait
// already takes on its own timeout, and done closes once Submit has
// finished releasing the job's cgroup and admission.
type liveJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator owns the SafetyEngine, CgroupManager, and Launcher, and
// presents a single Submit entry point to external collaborators (the
// HTTP API, the CLI). No hidden singletons: callers construct one and
// pass it explicitly.
type Coordinator struct {
	safety   *safety.Engine
	cgroups  *cgroupmgr.Manager
	launcher sandbox.Launcher
	table    *JobTable
	lock     lock.Locker
	audit    AuditSink

	enableCgroup     bool
	enableNamespaces bool
	enableSeccomp    bool
	seccompLog       bool
	unprivUID        int
	unprivGID        int
	bindMountDirs    []string
	gracePeriod      time.Duration
	resourceNames    []string

	liveMu    sync.Mutex
	live      map[safety.JobID]*liveJob
	liveOrder []safety.JobID
}

// Options configures a Coordinator's behavior beyond its three owned
// collaborators.
type Options struct {
	EnableCgroup     bool
	EnableNamespaces bool
	EnableSeccomp    bool
	SeccompLog       bool
	UnprivUID        int
	UnprivGID        int
	BindMountDirs    []string
	GracePeriod      time.Duration
	Lock             lock.Locker
	Audit            AuditSink
	// ResourceNames labels each slot of the resource vector for the
	// SafetyEngineAvailable gauge; defaults to "r0", "r1", ... if unset
	// or shorter than the vector's arity.
	ResourceNames []string
}

// New constructs a Coordinator. totals establishes the SafetyEngine's
// fixed arity and capacity for the process's lifetime.
func New(totals vector.Vector, cgroupRoot, helperPath string, opts Options) (*Coordinator, error) {
	engine, err := safety.NewEngine(totals)
	if err != nil {
		return nil, err
	}
	l := opts.Lock
	if l == nil {
		l = lock.NewMutexLocker()
	}
	if opts.GracePeriod == 0 {
		opts.GracePeriod = 5 * time.Second
	}
	return &Coordinator{
		safety:           engine,
		cgroups:          cgroupmgr.NewManager(cgroupRoot),
		launcher:         sandbox.NewLauncher(helperPath),
		table:            newJobTable(),
		lock:             l,
		audit:            opts.Audit,
		enableCgroup:     opts.EnableCgroup,
		enableNamespaces: opts.EnableNamespaces,
		enableSeccomp:    opts.EnableSeccomp,
		seccompLog:       opts.SeccompLog,
		unprivUID:        opts.UnprivUID,
		unprivGID:        opts.UnprivGID,
		bindMountDirs:    opts.BindMountDirs,
		gracePeriod:      opts.GracePeriod,
		resourceNames:    opts.ResourceNames,
		live:             make(map[safety.JobID]*liveJob),
	}, nil
}

// resourceName returns the configured label for vector slot i, falling
// back to a positional name when ResourceNames was unset or too short.
func (c *Coordinator) resourceName(i int) string {
	if i < len(c.resourceNames) && c.resourceNames[i] != "" {
		return c.resourceNames[i]
	}
	return fmt.Sprintf("r%d", i)
}

// Table exposes the job table for read-only external queries (the HTTP
// GET /jobs/:id endpoint, the CLI "get" command).
func (c *Coordinator) Table() *JobTable { return c.table }

// SafetyState exposes a read-only SafetyEngine snapshot.
func (c *Coordinator) SafetyState() safety.State { return c.safety.State() }

// ReleaseJob force-releases a job's full current allocation and marks it
// released in the table, for an operator recovering from a job whose
// process is gone but whose admission was never cleaned up (e.g. the
// daemon restarted mid-run). It does not touch the job's cgroup or child
// process; those are assumed already gone.
func (c *Coordinator) ReleaseJob(ctx context.Context, id safety.JobID) error {
	if err := c.lock.Lock(ctx, string(id)); err != nil {
		return errors.Wrap(err, errors.InternalServerError)
	}
	defer c.lock.Unlock(ctx, string(id))

	if err := c.safety.ReleaseAll(id); err != nil {
		return err
	}
	c.publishAvailable()
	if existing, ok := c.table.Get(id); ok {
		existing.Status = StatusReleased
		c.table.put(existing)
	}
	return nil
}

// registerLive records a running job's cancel func so Kill and Shutdown
// can reach it, and its creation order so Shutdown can tear jobs down
// newest-first.
func (c *Coordinator) registerLive(id safety.JobID, cancel context.CancelFunc, done chan struct{}) {
	c.liveMu.Lock()
	defer c.liveMu.Unlock()
	c.live[id] = &liveJob{cancel: cancel, done: done}
	c.liveOrder = append(c.liveOrder, id)
}

func (c *Coordinator) unregisterLive(id safety.JobID) {
	c.liveMu.Lock()
	defer c.liveMu.Unlock()
	delete(c.live, id)
	for i, existing := range c.liveOrder {
		if existing == id {
			c.liveOrder = append(c.liveOrder[:i], c.liveOrder[i+1:]...)
			break
		}
	}
}

// Kill terminates a running job out of band: it cancels the job's wait
// context, which drives child.Wait through the same SIGTERM-then-grace-
// period-then-SIGKILL sequence a timeout takes, then blocks until the
// owning Submit call has finished releasing the job's cgroup and
// admission. Returns NotFound if the job isn't currently running.
func (c *Coordinator) Kill(id safety.JobID) error {
	c.liveMu.Lock()
	lj, ok := c.live[id]
	c.liveMu.Unlock()
	if !ok {
		return errors.New(errors.NotFound).WithMessage("job not running")
	}
	lj.cancel()
	<-lj.done
	return nil
}

// Shutdown kills every still-running job in reverse creation order,
// waiting for each Submit call to finish destroying its cgroup and
// releasing its admission before returning. Satisfies the daemon's
// requirement that no cgroup or sandboxed child outlives the process
// that owns their JobTable entry.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.liveMu.Lock()
	ids := make([]safety.JobID, len(c.liveOrder))
	copy(ids, c.liveOrder)
	c.liveMu.Unlock()

	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		c.liveMu.Lock()
		lj, ok := c.live[id]
		c.liveMu.Unlock()
		if !ok {
			continue
		}
		lj.cancel()
		select {
		case <-lj.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Submit runs the full 9-step admission-through-release sequence for
// one job. On any failure after admission, every completed step is
// rolled back in reverse before returning.
func (c *Coordinator) Submit(ctx context.Context, spec JobSpec) (JobResult, error) {
	ctx = logger.WithJobID(ctx, string(spec.JobID))
	metrics.JobsSubmittedTotal.Inc()
	start := time.Now()

	if err := c.lock.Lock(ctx, string(spec.JobID)); err != nil {
		return JobResult{}, errors.Wrap(err, errors.InternalServerError)
	}
	defer c.lock.Unlock(ctx, string(spec.JobID))

	// Step 1: declare if unseen.
	if _, exists := c.table.Get(spec.JobID); !exists {
		if err := c.safety.Declare(spec.JobID, spec.Max); err != nil {
			result := rejected(spec.JobID, err)
			c.finish(ctx, result)
			return result, nil
		}
	}

	// Step 2: request admission.
	if err := c.safety.Request(spec.JobID, spec.Request); err != nil {
		result := rejected(spec.JobID, err)
		c.finish(ctx, result)
		return result, nil
	}
	metrics.JobsAdmittedTotal.Inc()
	safeSeq, _ := c.safety.DetectDeadlock()
	c.publishAvailable()

	// From here, any failure must roll back the admitted request.
	rollbackAdmission := func() {
		_ = c.safety.Release(spec.JobID, spec.Request)
	}

	var cg *cgroupmgr.Handle
	if c.enableCgroup {
		var err error
		cg, err = c.cgroups.Create(string(spec.JobID), cgroupmgr.Limits{
			MemoryMaxBytes: spec.MemoryMaxBytes,
			CPUQuotaUS:     spec.CPUQuotaUS,
			PIDsMax:        spec.PIDsMax,
		})
		if err != nil {
			rollbackAdmission()
			result := JobResult{JobID: spec.JobID, Admitted: true, Status: StatusRejected, Exit: ExitInfo{Kind: "setup_failed", ErrorCode: int(errors.GetCode(err))}}
			c.finish(ctx, result)
			return result, err
		}
	}

	child, err := c.launcher.Spawn(ctx, sandbox.Request{
		Path: spec.Path, Args: spec.Args, Env: spec.Env, WorkDir: spec.WorkDir,
		EnableNamespaces: c.enableNamespaces,
		AllowNewNet:      spec.AllowNewNet,
		EnableSeccomp:    c.enableSeccomp,
		SeccompLog:       c.seccompLog,
		UnprivUID:        c.unprivUID,
		UnprivGID:        c.unprivGID,
		BindMountDirs:    c.bindMountDirs,
		GracePeriod:      c.gracePeriod,
	})
	if err != nil {
		if cg != nil {
			_ = c.cgroups.Destroy(cg)
		}
		rollbackAdmission()
		result := JobResult{JobID: spec.JobID, Admitted: true, Status: StatusRejected, Exit: ExitInfo{Kind: "setup_failed", ErrorCode: int(errors.GetCode(err))}}
		c.finish(ctx, result)
		return result, err
	}

	if c.enableCgroup {
		if err := c.cgroups.Attach(cg, child.Pid()); err != nil {
			_ = child.Kill()
			_ = c.cgroups.Destroy(cg)
			rollbackAdmission()
			result := JobResult{JobID: spec.JobID, Admitted: true, Status: StatusRejected, Exit: ExitInfo{Kind: "setup_failed", ErrorCode: int(errors.GetCode(err))}}
			c.finish(ctx, result)
			return result, err
		}
	}

	if err := sandbox.Release(child); err != nil {
		_ = child.Kill()
		if cg != nil {
			_ = c.cgroups.Destroy(cg)
		}
		rollbackAdmission()
		result := JobResult{JobID: spec.JobID, Admitted: true, Status: StatusRejected, Exit: ExitInfo{Kind: "setup_failed", ErrorCode: int(errors.GetCode(err))}}
		c.finish(ctx, result)
		return result, err
	}

	running := JobResult{JobID: spec.JobID, Admitted: true, SafeSequence: safeSeq, Status: StatusRunning}
	c.table.put(running)

	waitCtx, waitCancel := context.WithCancel(ctx)
	defer waitCancel()
	if spec.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		waitCtx, timeoutCancel = context.WithTimeout(waitCtx, spec.Timeout)
		defer timeoutCancel()
	}
	done := make(chan struct{})
	c.registerLive(spec.JobID, waitCancel, done)
	defer func() {
		close(done)
		c.unregisterLive(spec.JobID)
	}()

	var peak *cgroupmgr.PeakTracker
	peakCtx, stopPeak := context.WithCancel(waitCtx)
	if c.enableCgroup {
		peak = c.cgroups.TrackPeakMemory(peakCtx, cg, memoryPeakSampleInterval)
	}

	// child.Wait enforces waitCtx's deadline (whether from spec.Timeout or
	// an out-of-band Kill/Shutdown cancelling waitCancel) by signaling the
	// child itself; a wait error here means the deadline fired, not that
	// wait(2) failed.
	exit, _ := child.Wait(waitCtx)
	stopPeak()

	var stats cgroupmgr.Stats
	if c.enableCgroup {
		stats, _ = c.cgroups.Stats(cg)
		if p := peak.Peak(); p > stats.MemoryPeakBytes {
			stats.MemoryPeakBytes = p
		}
		if err := c.cgroups.Destroy(cg); err != nil {
			logger.Error(ctx, "cgroup destroy failed after job exit", zap.String("job_id", string(spec.JobID)), zap.Error(err))
		}
	}

	if err := c.safety.ReleaseAll(spec.JobID); err != nil {
		logger.Error(ctx, "release_all failed after job exit", zap.String("job_id", string(spec.JobID)), zap.Error(err))
	}
	c.publishAvailable()

	result := JobResult{
		JobID:        spec.JobID,
		Admitted:     true,
		SafeSequence: safeSeq,
		Exit:         exitInfoFrom(exit),
		Stats:        StatsInfo{MemoryPeak: stats.MemoryPeakBytes, CPUUsageUS: stats.CPUUsageUS},
		Status:       StatusReleased,
	}

	metrics.JobDurationSeconds.Observe(time.Since(start).Seconds())
	metrics.JobMemoryPeakBytes.Observe(float64(stats.MemoryPeakBytes))
	metrics.JobsExitedTotal.WithLabelValues(result.Exit.Kind).Inc()
	// The kernel delivers the same SIGKILL for an OOM kill as for any
	// other hard kill of a cgroup-attached child; like the OOM scenario's
	// own wait-status assertion, that signal is treated as the OOM signal
	// rather than consulting memory.events.
	if c.enableCgroup && exit.Kind == sandbox.ExitSignaled && exit.Signal == sigKILL {
		metrics.OOMKillsTotal.Inc()
	}
	if exit.Kind == sandbox.ExitSignaled && exit.Signal == sigSYS {
		metrics.SeccompKillsTotal.Inc()
	}
	c.finish(ctx, result)
	return result, nil
}

// memoryPeakSampleInterval bounds how often TrackPeakMemory polls
// memory.current while a job runs.
const memoryPeakSampleInterval = 200 * time.Millisecond

// sigKILL is the signal (SIGKILL) the kernel delivers to a cgroup's
// processes when its memory limit is exceeded, and that the launcher
// itself sends when a job's grace period expires.
const sigKILL = 9

// sigSYS is the signal (SIGSYS) delivered when the seccomp filter's
// default action kills the process for an unlisted syscall.
const sigSYS = 31

// finish records a terminal JobResult in the table and, if configured,
// mirrors it to the metrics registry's rejection counter and the audit
// log. Non-terminal (Running) results go through table.put directly.
func (c *Coordinator) finish(ctx context.Context, r JobResult) {
	c.table.put(r)
	if r.Status == StatusRejected && !r.Admitted {
		metrics.JobsRejectedTotal.WithLabelValues(r.RejectionReason).Inc()
	}
	if c.audit == nil {
		return
	}
	entry := audit.Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		JobID:     string(r.JobID),
		Admitted:  r.Admitted,
		Status:    string(r.Status),
		Detail:    r,
	}
	if err := c.audit.Append(ctx, entry); err != nil {
		logger.Error(ctx, "audit append failed", zap.String("job_id", string(r.JobID)), zap.Error(err))
	}
}

// publishAvailable mirrors the SafetyEngine's current availability
// vector into the SafetyEngineAvailable gauge, one label per resource
// class in declared order.
func (c *Coordinator) publishAvailable() {
	state := c.safety.State()
	for i, amount := range state.Available {
		metrics.SafetyEngineAvailable.WithLabelValues(c.resourceName(i)).Set(float64(amount))
	}
}

func rejected(id safety.JobID, err error) JobResult {
	return JobResult{
		JobID:           id,
		Admitted:        false,
		RejectionReason: errors.GetCode(err).Message(),
		Status:          StatusRejected,
	}
}

func exitInfoFrom(exit sandbox.ExitResult) ExitInfo {
	if exit.ReportedSetupFailure {
		return ExitInfo{Kind: "setup_failed", Code: exit.Code}
	}
	switch exit.Kind {
	case sandbox.ExitSignaled:
		return ExitInfo{Kind: "signaled", Code: exit.Signal}
	case sandbox.ExitExited:
		return ExitInfo{Kind: "exited", Code: exit.Code}
	default:
		return ExitInfo{Kind: "setup_failed"}
	}
}
