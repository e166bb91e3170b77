//go:build !linux

package sandbox

import (
	"context"
	"runtime"

	"github.com/anika-dewari/safebox/pkg/errors"
)

type stubLauncher struct{}

// NewLauncher returns a Launcher that always refuses to start: the core
// is Linux-only, and on other hosts the daemon refuses to start rather
// than pretend to isolate anything.
func NewLauncher(helperPath string) Launcher {
	return &stubLauncher{}
}

func (s *stubLauncher) Spawn(ctx context.Context, req Request) (ChildHandle, error) {
	return nil, errors.New(errors.CloneFailed).
		WithMessage("safebox sandboxing requires Linux namespaces and cgroup v2").
		WithDetail("goos", runtime.GOOS)
}
