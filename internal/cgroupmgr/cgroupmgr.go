// Package cgroupmgr manages cgroup v2 unified-hierarchy directories used
// to enforce per-job memory and CPU limits and to observe a job's
// resource usage after the fact. Within a job's directory it touches
// exactly memory.max, cpu.max, pids.max, and cgroup.procs for setup, and
// memory.current and cpu.stat for observation — no other cgroup file;
// Probe additionally reads the root's cgroup.subtree_control. Peak memory is derived by
// polling memory.current rather than reading the kernel's own
// memory.peak file, and OOM kills are inferred by the coordinator from
// the child's own exit signal rather than read from memory.events.
//
// It generalizes the createRunCgroup/applyCgroupLimits/
// addProcessToCgroup helpers in
// internal/judge/sandbox/engine/cgroup_linux.go into a named manager
// type with an explicit Handle per job, plus cpu.stat parsing and
// memory.current-based peak tracking that engine never did.
package cgroupmgr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/anika-dewari/safebox/pkg/errors"
)

// requiredControllers lists the cgroup v2 controllers a job's limits rely
// on; Manager.Probe checks these are present in root's cgroup.subtree_control.
var requiredControllers = []string{"memory", "cpu", "pids"}

// Limits are the resource caps to apply to a job's cgroup.
type Limits struct {
	MemoryMaxBytes int64 // 0 means "max" (unset)
	CPUQuotaUS     int64 // 0 means "max" (unset); period is fixed at 100000us
	PIDsMax        int64 // 0 means "max" (unset)
}

// Stats is a point-in-time read of a job's cgroup usage. MemoryPeakBytes
// is left zero by Stats itself; callers fill it in from a PeakTracker
// sampled over the job's lifetime.
type Stats struct {
	MemoryCurrentBytes int64
	MemoryPeakBytes    int64
	CPUUsageUS         int64
	CPUUserUS          int64
	CPUSystemUS        int64
}

// Handle is an owned reference to one job's cgroup directory. The caller
// that created it is responsible for calling Destroy.
type Handle struct {
	path string
}

// Manager creates and tears down per-job cgroup directories rooted at a
// single configured path.
type Manager struct {
	root string
}

// NewManager constructs a Manager rooted at root (e.g. "/sys/fs/cgroup").
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Probe checks that the controllers jobs rely on are delegated to root.
func (m *Manager) Probe() error {
	data, err := os.ReadFile(filepath.Join(m.root, "cgroup.subtree_control"))
	if err != nil {
		return errors.Wrap(err, errors.ControllersUnavailable)
	}
	enabled := make(map[string]bool)
	for _, c := range strings.Fields(string(data)) {
		enabled[c] = true
	}
	var missing []string
	for _, c := range requiredControllers {
		if !enabled[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return errors.New(errors.ControllersUnavailable).
			WithDetail("missing", missing)
	}
	return nil
}

// resolve validates name and returns the absolute cgroup directory path,
// rejecting any name that would escape the configured root.
func (m *Manager) resolve(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\x00") || name == "." || name == ".." {
		return "", errors.New(errors.CgroupPathTraversal).WithDetail("name", name)
	}
	path := filepath.Join(m.root, name)
	if !strings.HasPrefix(path, filepath.Clean(m.root)+string(os.PathSeparator)) {
		return "", errors.New(errors.CgroupPathTraversal).WithDetail("name", name)
	}
	return path, nil
}

// Create makes a new cgroup directory named "safebox_<name>" under root
// and applies limits to it. Returns an owned Handle.
func (m *Manager) Create(name string, limits Limits) (*Handle, error) {
	path, err := m.resolve("safebox_" + name)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return nil, errors.New(errors.CgroupAlreadyExists).WithDetail("path", path)
	}
	if err := os.MkdirAll(path, 0750); err != nil {
		return nil, errors.Wrap(err, errors.CgroupWriteFailed)
	}
	h := &Handle{path: path}
	if err := m.applyLimits(h, limits); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return h, nil
}

func (m *Manager) applyLimits(h *Handle, limits Limits) error {
	pidsValue := "max"
	if limits.PIDsMax > 0 {
		pidsValue = strconv.FormatInt(limits.PIDsMax, 10)
	}
	if err := m.write(h, "pids.max", pidsValue); err != nil {
		return err
	}

	memValue := "max"
	if limits.MemoryMaxBytes > 0 {
		memValue = strconv.FormatInt(limits.MemoryMaxBytes, 10)
	}
	if err := m.write(h, "memory.max", memValue); err != nil {
		return err
	}

	cpuValue := "max 100000"
	if limits.CPUQuotaUS > 0 {
		cpuValue = fmt.Sprintf("%d 100000", limits.CPUQuotaUS)
	}
	if err := m.write(h, "cpu.max", cpuValue); err != nil {
		return err
	}
	return nil
}

// Attach moves pid into the job's cgroup by writing cgroup.procs.
func (m *Manager) Attach(h *Handle, pid int) error {
	if pid <= 0 {
		return errors.New(errors.AttachFailed).WithMessage("invalid pid")
	}
	if err := m.write(h, "cgroup.procs", strconv.Itoa(pid)); err != nil {
		return errors.Wrap(err, errors.AttachFailed)
	}
	return nil
}

// Stats reads the job's current resource usage from memory.current and
// cpu.stat, the only files this package reads for observation.
func (m *Manager) Stats(h *Handle) (Stats, error) {
	var st Stats

	if v, err := m.readInt(h, "memory.current"); err == nil {
		st.MemoryCurrentBytes = v
	}

	cpu, err := m.readKV(h, "cpu.stat")
	if err == nil {
		st.CPUUsageUS = cpu["usage_usec"]
		st.CPUUserUS = cpu["user_usec"]
		st.CPUSystemUS = cpu["system_usec"]
	}
	return st, nil
}

// PeakTracker remembers the highest memory.current sample TrackPeakMemory
// has observed for one job's cgroup.
type PeakTracker struct {
	peak int64
}

// Peak returns the highest sample observed so far.
func (t *PeakTracker) Peak() int64 { return atomic.LoadInt64(&t.peak) }

func (t *PeakTracker) update(v int64) {
	for {
		old := atomic.LoadInt64(&t.peak)
		if v <= old {
			return
		}
		if atomic.CompareAndSwapInt64(&t.peak, old, v) {
			return
		}
	}
}

// TrackPeakMemory samples h's memory.current every interval until ctx is
// done, standing in for the kernel's own memory.peak file with a value
// derived entirely from the whitelisted memory.current.
func (m *Manager) TrackPeakMemory(ctx context.Context, h *Handle, interval time.Duration) *PeakTracker {
	t := &PeakTracker{}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if v, err := m.readInt(h, "memory.current"); err == nil {
					t.update(v)
				}
			}
		}
	}()
	return t
}

// Destroy removes the job's cgroup directory. The cgroup must be empty
// (no attached processes); kernels refuse rmdir otherwise, surfaced here
// as CgroupNotEmpty.
func (m *Manager) Destroy(h *Handle) error {
	procs, err := os.ReadFile(filepath.Join(h.path, "cgroup.procs"))
	if err == nil && len(strings.TrimSpace(string(procs))) > 0 {
		return errors.New(errors.CgroupNotEmpty).WithDetail("path", h.path)
	}
	if err := os.RemoveAll(h.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, errors.CgroupWriteFailed)
	}
	return nil
}

func (m *Manager) write(h *Handle, file, value string) error {
	path := filepath.Join(h.path, file)
	if err := os.WriteFile(path, []byte(value), 0640); err != nil {
		return errors.Wrap(err, errors.CgroupWriteFailed).WithDetail("file", file)
	}
	return nil
}

func (m *Manager) readInt(h *Handle, file string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(h.path, file))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// readKV parses a "key value\n" per line file like cpu.stat.
func (m *Manager) readKV(h *Handle, file string) (map[string]int64, error) {
	data, err := os.ReadFile(filepath.Join(h.path, file))
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		out[fields[0]] = v
	}
	return out, nil
}

// Path returns the handle's absolute cgroup directory, for callers (e.g.
// the launcher) that need to pass it to a child process.
func (h *Handle) Path() string { return h.path }
