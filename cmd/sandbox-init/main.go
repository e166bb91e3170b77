//go:build linux

// sandbox-init is the re-exec helper SandboxLauncher starts via clone.
// It reads its launch request from stdin, blocks on fd 3 (the
// start-signal pipe the parent writes to once cgroup attach has
// succeeded), then performs mount/hostname/privilege-drop/seccomp setup
// and execves the job's target. Any failure before execve is reported
// on stderr and via a distinguished exit code, never a panic.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/anika-dewari/safebox/internal/sandbox"
	"github.com/anika-dewari/safebox/internal/sandbox/seccomp"
)

// setupFailureBase mirrors the reference's "127+step" distinguished exit
// code range: each numbered step below adds its index to this base.
const setupFailureBase = 127

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(exitCodeForStep(err))
	}
}

type stepError struct {
	step int
	err  error
}

func (s *stepError) Error() string { return s.err.Error() }

func exitCodeForStep(err error) int {
	if se, ok := err.(*stepError); ok {
		return setupFailureBase + se.step
	}
	return setupFailureBase
}

func run() error {
	req, err := decodeRequest(os.Stdin)
	if err != nil {
		return &stepError{1, err}
	}
	if err := validateRequest(req); err != nil {
		return &stepError{1, err}
	}

	if err := waitForStartSignal(); err != nil {
		return &stepError{2, err}
	}

	if req.EnableNamespaces {
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
			return &stepError{3, fmt.Errorf("make mount private: %w", err)}
		}
		if err := unix.Mount("proc", "/proc", "proc", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, ""); err != nil {
			return &stepError{3, fmt.Errorf("remount /proc: %w", err)}
		}
		if err := bindMountReadOnly(req.BindMountDirs); err != nil {
			return &stepError{3, err}
		}
		if err := unix.Sethostname([]byte("safebox")); err != nil {
			return &stepError{4, fmt.Errorf("sethostname: %w", err)}
		}
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return &stepError{5, fmt.Errorf("set no new privs: %w", err)}
	}

	if !req.EnableNamespaces {
		if err := dropPrivileges(req.UnprivUID, req.UnprivGID); err != nil {
			return &stepError{6, err}
		}
	}

	if err := redirectIO(req.StdoutPath, req.StderrPath); err != nil {
		return &stepError{7, err}
	}

	if req.EnableSeccomp {
		if err := seccomp.Install(seccomp.Options{
			LogUname:       req.SeccompLog,
			NetworkAllowed: !req.AllowNewNet,
		}); err != nil {
			return &stepError{8, err}
		}
	}

	if req.WorkDir != "" {
		if err := os.Chdir(req.WorkDir); err != nil {
			return &stepError{9, fmt.Errorf("chdir workdir: %w", err)}
		}
	}

	env := req.Env
	if len(env) == 0 {
		env = []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
	}
	argv := append([]string{req.Path}, req.Args...)
	return &stepError{10, unix.Exec(req.Path, argv, env)}
}

// waitForStartSignal blocks on fd 3, the read end of the parent's
// start-signal pipe (ChildHandle.Release writes to the other end once
// the parent has attached this process to its cgroup).
func waitForStartSignal() error {
	f := os.NewFile(3, "start-signal")
	if f == nil {
		return fmt.Errorf("start-signal fd not present")
	}
	defer f.Close()
	buf := make([]byte, 1)
	_, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return fmt.Errorf("read start signal: %w", err)
	}
	return nil
}

func bindMountReadOnly(dirs []string) error {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := unix.Mount(dir, dir, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind mount %s: %w", dir, err)
		}
		if err := unix.Mount("", dir, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("remount readonly %s: %w", dir, err)
		}
	}
	return nil
}

// dropPrivileges is only used on the namespaces-disabled fallback path;
// with namespaces enabled, the single-entry uid/gid map the parent wrote
// when starting this helper already maps in-namespace 0 to an unprivileged host id,
// which is the privilege drop.
func dropPrivileges(uid, gid int) error {
	if gid > 0 {
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("setgid: %w", err)
		}
	}
	if uid > 0 {
		if err := unix.Setuid(uid); err != nil {
			return fmt.Errorf("setuid: %w", err)
		}
	}
	return nil
}

func redirectIO(stdoutPath, stderrPath string) error {
	if stdoutPath == "" {
		stdoutPath = "/dev/null"
	}
	if stderrPath == "" {
		stderrPath = "/dev/null"
	}
	stdoutFile, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open stdout: %w", err)
	}
	stderrFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open stderr: %w", err)
	}
	if err := unix.Dup2(int(stdoutFile.Fd()), int(os.Stdout.Fd())); err != nil {
		return fmt.Errorf("dup stdout: %w", err)
	}
	if err := unix.Dup2(int(stderrFile.Fd()), int(os.Stderr.Fd())); err != nil {
		return fmt.Errorf("dup stderr: %w", err)
	}
	_ = stdoutFile.Close()
	_ = stderrFile.Close()
	return nil
}

func decodeRequest(r io.Reader) (sandbox.Request, error) {
	var req sandbox.Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return sandbox.Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func validateRequest(req sandbox.Request) error {
	if req.Path == "" {
		return fmt.Errorf("target path is required")
	}
	if !filepath.IsAbs(req.Path) {
		return fmt.Errorf("target path must be absolute")
	}
	return nil
}
