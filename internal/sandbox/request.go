// Package sandbox launches an isolated child process for one job: a
// namespaced, seccomp-filtered, cgroup-attached process running the
// job's target binary.
//
// The launcher speaks to a small re-exec helper (cmd/sandbox-init) over
// a pipe, the way linuxEngine.Run hands a JSON-encoded initRequest to
// its helper's stdin — generalized here from a judge run-spec to the
// job submission's target binary, args, and isolation settings, and
// with an explicit start-signal barrier so the parent can finish
// cgroup attach before the child execs.
package sandbox

import "time"

// Request describes the process to launch and the isolation to apply.
type Request struct {
	Path    string   `json:"path"`
	Args    []string `json:"args"`
	Env     []string `json:"env"`
	WorkDir string   `json:"workDir"`

	StdoutPath string `json:"stdoutPath"`
	StderrPath string `json:"stderrPath"`

	EnableNamespaces bool `json:"enableNamespaces"`
	AllowNewNet      bool `json:"allowNewNet"` // true: clone a fresh, isolated net namespace
	EnableSeccomp    bool `json:"enableSeccomp"`
	SeccompLog       bool `json:"seccompLog"`

	UnprivUID int `json:"unprivUID"`
	UnprivGID int `json:"unprivGID"`

	BindMountDirs []string `json:"bindMountDirs"`

	WallTimeLimit time.Duration `json:"-"`

	// GracePeriod is how long Wait waits after sending SIGTERM before
	// escalating to SIGKILL once its context is done. Zero means SIGKILL
	// immediately, matching the pre-grace-period behavior.
	GracePeriod time.Duration `json:"-"`
}

// ExitKind classifies how a child process ended.
type ExitKind int

const (
	ExitUnknown ExitKind = iota
	ExitExited
	ExitSignaled
)

// ExitResult is the outcome the coordinator records after waiting on a
// child: how it ended, plus the relevant code or signal.
type ExitResult struct {
	Kind                 ExitKind
	Code                 int
	Signal               int
	ReportedSetupFailure bool
	SetupError           string
}
