package cgroupmgr

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/anika-dewari/safebox/pkg/errors"
)

func TestCreate_WritesLimitsAndCgroupAlreadyExists(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)

	h, err := m.Create("1", Limits{MemoryMaxBytes: 10 * 1024 * 1024, CPUQuotaUS: 50000, PIDsMax: 32})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	mem, err := os.ReadFile(filepath.Join(h.Path(), "memory.max"))
	if err != nil || strings.TrimSpace(string(mem)) != "10485760" {
		t.Fatalf("memory.max = %q, err %v", mem, err)
	}
	cpu, err := os.ReadFile(filepath.Join(h.Path(), "cpu.max"))
	if err != nil || strings.TrimSpace(string(cpu)) != "50000 100000" {
		t.Fatalf("cpu.max = %q, err %v", cpu, err)
	}
	pids, err := os.ReadFile(filepath.Join(h.Path(), "pids.max"))
	if err != nil || strings.TrimSpace(string(pids)) != "32" {
		t.Fatalf("pids.max = %q, err %v", pids, err)
	}

	if _, err := m.Create("1", Limits{}); errors.GetCode(err) != errors.CgroupAlreadyExists {
		t.Fatalf("code = %v, want CgroupAlreadyExists", errors.GetCode(err))
	}
}

func TestCreate_DefaultsAreUnlimited(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)

	h, err := m.Create("2", Limits{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	mem, _ := os.ReadFile(filepath.Join(h.Path(), "memory.max"))
	if strings.TrimSpace(string(mem)) != "max" {
		t.Fatalf("memory.max = %q, want max", mem)
	}
}

func TestResolve_RejectsPathTraversal(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)

	for _, bad := range []string{"../escape", "a/b", "", "."} {
		if _, err := m.resolve(bad); errors.GetCode(err) != errors.CgroupPathTraversal {
			t.Fatalf("resolve(%q) code = %v, want CgroupPathTraversal", bad, errors.GetCode(err))
		}
	}
}

func TestDestroy_RejectsNonEmptyCgroup(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)

	h, err := m.Create("3", Limits{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := os.WriteFile(filepath.Join(h.Path(), "cgroup.procs"), []byte("1234\n"), 0640); err != nil {
		t.Fatalf("seed cgroup.procs: %v", err)
	}
	if err := m.Destroy(h); errors.GetCode(err) != errors.CgroupNotEmpty {
		t.Fatalf("code = %v, want CgroupNotEmpty", errors.GetCode(err))
	}
}

func TestCreateDestroy_IsNoOpOnFilesystemState(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)

	h, err := m.Create("4", Limits{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := os.WriteFile(filepath.Join(h.Path(), "cgroup.procs"), []byte(""), 0640); err != nil {
		t.Fatalf("seed empty cgroup.procs: %v", err)
	}
	if err := m.Destroy(h); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := os.Stat(h.Path()); !os.IsNotExist(err) {
		t.Fatalf("expected cgroup directory removed, stat err = %v", err)
	}

	h2, err := m.Create("4", Limits{})
	if err != nil {
		t.Fatalf("recreate after destroy: %v", err)
	}
	if err := os.WriteFile(filepath.Join(h2.Path(), "cgroup.procs"), []byte(""), 0640); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := m.Destroy(h2); err != nil {
		t.Fatalf("Destroy again: %v", err)
	}
}

func TestStats_ReadsMemoryAndCPU(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)

	h, err := m.Create("5", Limits{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := os.WriteFile(filepath.Join(h.Path(), "memory.current"), []byte("1048576"), 0640); err != nil {
		t.Fatalf("seed memory.current: %v", err)
	}
	if err := os.WriteFile(filepath.Join(h.Path(), "cpu.stat"), []byte("usage_usec 5000\nuser_usec 3000\nsystem_usec 2000\n"), 0640); err != nil {
		t.Fatalf("seed cpu.stat: %v", err)
	}

	st, err := m.Stats(h)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.MemoryCurrentBytes != 1048576 {
		t.Fatalf("memory stats = %+v", st)
	}
	if st.MemoryPeakBytes != 0 {
		t.Fatalf("Stats itself should not populate MemoryPeakBytes, got %+v", st)
	}
	if st.CPUUsageUS != 5000 || st.CPUUserUS != 3000 || st.CPUSystemUS != 2000 {
		t.Fatalf("cpu stats = %+v", st)
	}
}

func TestTrackPeakMemory_RemembersHighestSample(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)

	h, err := m.Create("6", Limits{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	writeCurrent := func(v string) {
		if err := os.WriteFile(filepath.Join(h.Path(), "memory.current"), []byte(v), 0640); err != nil {
			t.Fatalf("seed memory.current: %v", err)
		}
	}
	writeCurrent("1000")

	ctx, cancel := context.WithCancel(context.Background())
	tracker := m.TrackPeakMemory(ctx, h, time.Millisecond)

	writeCurrent("5000")
	time.Sleep(20 * time.Millisecond)
	writeCurrent("2000")
	time.Sleep(20 * time.Millisecond)
	cancel()

	if got := tracker.Peak(); got != 5000 {
		t.Fatalf("Peak() = %d, want 5000", got)
	}
}

func TestProbe_ReportsMissingControllers(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)
	if err := os.WriteFile(filepath.Join(root, "cgroup.subtree_control"), []byte("memory pids"), 0640); err != nil {
		t.Fatalf("seed subtree_control: %v", err)
	}
	err := m.Probe()
	if errors.GetCode(err) != errors.ControllersUnavailable {
		t.Fatalf("code = %v, want ControllersUnavailable", errors.GetCode(err))
	}
}
