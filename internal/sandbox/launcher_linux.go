//go:build linux

package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/anika-dewari/safebox/pkg/errors"
)

// helperRequest is what's written to the helper's stdin: the launch
// Request plus nothing else — the helper reads it whole before doing
// any namespace/mount/seccomp setup.
type helperRequest = Request

type linuxLauncher struct {
	helperPath string
}

// NewLauncher returns the Linux Launcher, which re-execs helperPath
// (cmd/sandbox-init) to perform namespace, mount, and seccomp setup
// before calling execve on the job's target.
func NewLauncher(helperPath string) Launcher {
	return &linuxLauncher{helperPath: helperPath}
}

type linuxChild struct {
	cmd         *exec.Cmd
	stderr      *bytes.Buffer
	startW      *os.File
	gracePeriod time.Duration
}

func (c *linuxChild) Pid() int { return c.cmd.Process.Pid }

func (c *linuxChild) signal(sig syscall.Signal) error {
	if c.cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-c.cmd.Process.Pid, sig)
}

// Kill hard-kills the child's whole process group immediately.
func (c *linuxChild) Kill() error {
	return c.signal(syscall.SIGKILL)
}

// Wait blocks until the child exits or ctx is done. On ctx.Done it sends
// SIGTERM to the child's process group first, gives it gracePeriod to exit
// on its own, and only escalates to SIGKILL if it is still running once the
// grace period elapses.
func (c *linuxChild) Wait(ctx context.Context) (ExitResult, error) {
	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = c.signal(syscall.SIGTERM)
		timer := time.NewTimer(c.gracePeriod)
		defer timer.Stop()
		select {
		case err := <-done:
			return exitResultFromWait(err, c.cmd.ProcessState, c.stderr), nil
		case <-timer.C:
			_ = c.Kill()
			<-done
			return ExitResult{}, ctx.Err()
		}
	case err := <-done:
		return exitResultFromWait(err, c.cmd.ProcessState, c.stderr), nil
	}
}

func exitResultFromWait(waitErr error, state *os.ProcessState, stderr *bytes.Buffer) ExitResult {
	if state == nil {
		return ExitResult{Kind: ExitUnknown, ReportedSetupFailure: true, SetupError: stderr.String()}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return ExitResult{Kind: ExitSignaled, Signal: int(ws.Signal())}
		}
		return ExitResult{Kind: ExitExited, Code: ws.ExitStatus()}
	}
	return ExitResult{Kind: ExitExited, Code: state.ExitCode()}
}

// Spawn starts the helper, hands it the request over stdin, waits for
// the caller to release the start-signal pipe (so the parent can attach
// the child's pid to its cgroup before the child execs), and returns an
// owned ChildHandle. The start-signal barrier mirrors the
// fork/clone-then-wait-for-parent pattern used to synchronize namespace
// and cgroup setup before the target binary runs.
func (l *linuxLauncher) Spawn(ctx context.Context, req Request) (ChildHandle, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, errors.CloneFailed)
	}
	startR, startW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, errors.Wrap(err, errors.CloneFailed)
	}

	cmd := exec.CommandContext(ctx, l.helperPath)
	cmd.Stdin = stdinR
	cmd.ExtraFiles = []*os.File{startR}
	cmd.SysProcAttr = buildSysProcAttr(req)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		startR.Close()
		startW.Close()
		return nil, errors.Wrap(err, errors.CloneFailed)
	}
	// The helper owns its ends now.
	stdinR.Close()
	startR.Close()

	enc := json.NewEncoder(stdinW)
	if err := enc.Encode(helperRequest(req)); err != nil {
		stdinW.Close()
		startW.Close()
		_ = cmd.Process.Kill()
		return nil, errors.Wrap(err, errors.MountFailed).WithMessage("encode helper request failed")
	}
	stdinW.Close()

	return &linuxChild{cmd: cmd, stderr: &stderr, startW: startW, gracePeriod: req.GracePeriod}, nil
}

// Release signals the started child's helper that it may proceed past
// its setup barrier and execve the target. Called by the coordinator
// once cgroup attach has succeeded.
func Release(h ChildHandle) error {
	lc, ok := h.(*linuxChild)
	if !ok {
		return errors.New(errors.ExecFailed).WithMessage("not a linux child handle")
	}
	defer lc.startW.Close()
	if _, err := io.WriteString(lc.startW, "1"); err != nil {
		return errors.Wrap(err, errors.ExecFailed).WithMessage("signal start barrier failed")
	}
	return nil
}

// buildSysProcAttr builds the clone attributes for the sandboxed child.
// It always puts the child in its own process group so a single kill
// signals the whole group, and, when namespaces are enabled, clones a
// fresh pid/mount/uts/ipc/user namespace (optionally net) with a
// single-entry uid/gid map from in-namespace 0 to this process's
// euid/egid — that map IS the privilege drop when namespaces are in play.
func buildSysProcAttr(req Request) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !req.EnableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS |
		syscall.CLONE_NEWIPC | syscall.CLONE_NEWUSER)
	if req.AllowNewNet {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Geteuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getegid(),
		Size:        1,
	}}
	return attr
}
