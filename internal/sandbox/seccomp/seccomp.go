//go:build linux

// Package seccomp installs the fixed, audited syscall allow-list filter
// the sandbox-init helper applies to a job's child process just before
// execve. The category table and the explicit deny/special actions are
// ported from the reference apply_seccomp_filter(), generalized from
// libseccomp's C API to its Go binding.
package seccomp

import (
	"fmt"

	libseccomp "github.com/seccomp/libseccomp-golang"
)

// Options configures filter installation.
type Options struct {
	// LogUname, when true, makes the uname syscall SCMP_ACT_LOG (observed
	// and allowed) instead of silently allowed.
	LogUname bool
	// NetworkAllowed permits the sockets/IPC category; callers disable
	// this when the child's network namespace is isolated, matching
	// "only if network namespace is shared off" in the allow-list.
	NetworkAllowed bool
}

// The category slices below enumerate syscalls in SCMP_ACT_ALLOW, grouped
// purely for readability; the filter treats them identically.
var ioSyscalls = []string{
	"read", "write", "readv", "writev", "pread64", "pwrite64", "lseek", "close",
	"readlink", "readlinkat", "fstat", "fstatat", "newfstatat", "statx", "ioctl",
}

var fileSyscalls = []string{
	"open", "openat", "openat2", "access", "faccessat", "faccessat2",
	"getdents", "getdents64", "getcwd", "fcntl", "chdir", "fchdir",
	"mkdir", "mkdirat", "rmdir", "unlink", "unlinkat", "rename", "renameat", "renameat2",
	"link", "linkat", "symlink", "symlinkat", "chmod", "fchmod", "fchmodat",
	"truncate", "ftruncate",
}

var memorySyscalls = []string{
	"brk", "mmap", "munmap", "mremap", "mprotect", "madvise", "msync", "mincore",
}

var processSyscalls = []string{
	"clone", "clone3", "fork", "vfork", "execve", "execveat",
	"wait4", "waitid", "exit", "exit_group",
	"getpid", "gettid", "set_tid_address", "set_robust_list", "get_robust_list",
	"rseq", "futex", "futex_waitv", "arch_prctl", "prctl",
	"sched_yield", "sched_getaffinity", "sched_setaffinity", "sched_getparam",
	"sched_getscheduler", "sched_get_priority_max", "sched_get_priority_min",
	"getrusage", "prlimit64", "getrlimit", "setrlimit",
}

var signalSyscalls = []string{
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack", "kill", "tkill", "tgkill",
}

var timeSyscalls = []string{
	"clock_gettime", "clock_nanosleep", "nanosleep", "gettimeofday", "getrandom", "time",
}

var socketSyscalls = []string{
	"socket", "connect", "bind", "listen", "accept", "accept4",
	"sendto", "sendmsg", "sendmmsg", "recvfrom", "recvmsg", "recvmmsg",
	"getsockname", "getpeername", "getsockopt", "setsockopt", "shutdown", "pipe", "pipe2", "dup2", "dup3",
}

var pollSyscalls = []string{
	"poll", "ppoll", "select", "pselect6", "epoll_create", "epoll_create1",
	"epoll_ctl", "epoll_wait", "epoll_pwait", "eventfd", "eventfd2",
	"signalfd", "signalfd4", "timerfd_create", "timerfd_settime", "timerfd_gettime",
}

var identitySyscalls = []string{
	"getuid", "geteuid", "getgid", "getegid", "getgroups",
	"setuid", "setgid", "setreuid", "setregid", "setresuid", "setresgid", "setgroups",
	"capget", "capset",
}

// Install builds and loads the filter into the calling thread/process.
// It must be called as the last privileged operation before execve, in
// the sandbox-init helper's child path.
func Install(opts Options) error {
	filter, err := libseccomp.NewFilter(libseccomp.ActKillProcess)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()

	categories := [][]string{
		ioSyscalls, fileSyscalls, memorySyscalls, processSyscalls,
		signalSyscalls, timeSyscalls, pollSyscalls, identitySyscalls,
	}
	if opts.NetworkAllowed {
		categories = append(categories, socketSyscalls)
	}

	for _, category := range categories {
		for _, name := range category {
			if err := allow(filter, name); err != nil {
				return err
			}
		}
	}

	if err := denyWithErrno(filter, "reboot"); err != nil {
		return err
	}
	for _, name := range []string{"mount", "umount2", "pivot_root", "chroot"} {
		if err := trap(filter, name); err != nil {
			return err
		}
	}
	if opts.LogUname {
		if err := logThenAllow(filter, "uname"); err != nil {
			return err
		}
	} else if err := allow(filter, "uname"); err != nil {
		return err
	}

	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

func allow(filter *libseccomp.ScmpFilter, name string) error {
	call, err := libseccomp.GetSyscallFromName(name)
	if err != nil {
		// Some syscalls are architecture- or kernel-version-specific
		// (e.g. openat2, clone3); skip ones the loaded libseccomp/kernel
		// headers don't know about rather than failing filter setup.
		return nil
	}
	return filter.AddRule(call, libseccomp.ActAllow)
}

func denyWithErrno(filter *libseccomp.ScmpFilter, name string) error {
	call, err := libseccomp.GetSyscallFromName(name)
	if err != nil {
		return nil
	}
	action := libseccomp.ActErrno.SetReturnCode(int16(1)) // EPERM
	return filter.AddRule(call, action)
}

func trap(filter *libseccomp.ScmpFilter, name string) error {
	call, err := libseccomp.GetSyscallFromName(name)
	if err != nil {
		return nil
	}
	return filter.AddRule(call, libseccomp.ActTrap)
}

func logThenAllow(filter *libseccomp.ScmpFilter, name string) error {
	call, err := libseccomp.GetSyscallFromName(name)
	if err != nil {
		return nil
	}
	return filter.AddRule(call, libseccomp.ActLog)
}
