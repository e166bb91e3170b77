package sandbox

import "context"

// ChildHandle is an owned reference to a launched child process. The
// launcher that created it is the only owner; callers must not leak the
// PID to anything else and must eventually call Wait or Kill.
type ChildHandle interface {
	Pid() int
	Wait(ctx context.Context) (ExitResult, error)
	Kill() error
}

// Launcher spawns isolated child processes.
type Launcher interface {
	Spawn(ctx context.Context, req Request) (ChildHandle, error)
}
