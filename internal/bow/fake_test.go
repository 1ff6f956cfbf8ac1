package bow

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"quiver/internal/armory"
	"quiver/internal/backend"
	"quiver/internal/errdefs"
	"quiver/internal/process"
	"quiver/internal/target"
)

// containerBackend is an in-memory backend without host filesystem access.
type containerBackend struct {
	backend.Backend

	spec      backend.LaunchSpec
	mu        sync.Mutex
	files     map[string]*backend.File
	endpoints func(pid int) []backend.Endpoint
}

func newContainerBackend(arch string) *containerBackend {
	return &containerBackend{
		spec:  backend.LaunchSpec{Argv: []string{"/usr/bin/prog"}, Arch: arch},
		files: make(map[string]*backend.File),
	}
}

func (c *containerBackend) Name() string { return "container" }

func (c *containerBackend) Build(ctx context.Context, id string) (backend.LaunchSpec, error) {
	return c.spec, nil
}

func (c *containerBackend) Destroy(ctx context.Context) error { return nil }

func (c *containerBackend) WriteFile(ctx context.Context, f *backend.File) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[f.Path] = f
	return nil
}

func (c *containerBackend) ReadFile(ctx context.Context, p string) (*backend.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[p]
	if !ok {
		return nil, errdefs.ErrPathNotFound
	}
	return f, nil
}

func (c *containerBackend) MountPath() string { return "/var/lib/docker/merged" }
func (c *containerBackend) ScratchDir() string { return "/tmp/quiver" }
func (c *containerBackend) HostFS() bool { return false }

func (c *containerBackend) Endpoints(ctx context.Context, pid int, declared []nat.Port) ([]backend.Endpoint, error) {
	if c.endpoints == nil {
		return nil, nil
	}
	return c.endpoints(pid), nil
}

func builtTarget(t *testing.T, b backend.Backend, bows ...target.Bow) *target.Target {
	t.Helper()
	registry, err := target.NewRegistry(bows...)
	require.NoError(t, err)
	logger := zerolog.Nop()
	tg, err := target.New(target.Config{Backend: b, Bows: registry, Logger: &logger})
	require.NoError(t, err)
	require.NoError(t, tg.Build(context.Background()))
	return tg
}

// newArmory returns an armory holding an executable stub for each name.
func newArmory(t *testing.T, names ...string) *armory.Armory {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"), 0o755))
	}
	logger := zerolog.Nop()
	a, err := armory.New(armory.Config{Path: dir, Logger: &logger})
	require.NoError(t, err)
	return a
}

// stubProcess is a process.Handle that runs until exit is called.
type stubProcess struct {
	pid    int
	waitCh chan struct{}
	once   sync.Once
}

func newStubProcess(pid int) *stubProcess {
	return &stubProcess{pid: pid, waitCh: make(chan struct{})}
}

func (s *stubProcess) exit() { s.once.Do(func() { close(s.waitCh) }) }

func (s *stubProcess) PID() int { return s.pid }
func (s *stubProcess) Stdin() io.WriteCloser { return nil }
func (s *stubProcess) Stdout() io.Reader { return nil }
func (s *stubProcess) Stderr() io.Reader { return nil }
func (s *stubProcess) Wait() <-chan struct{} { return s.waitCh }
func (s *stubProcess) ExitCode() int { return 1 }
func (s *stubProcess) Err() error { return nil }
func (s *stubProcess) Signal(sig syscall.Signal) error { return nil }

func (s *stubProcess) Kill() error {
	s.exit()
	return nil
}

func (s *stubProcess) Close() error {
	s.exit()
	return nil
}

var _ process.Handle = (*stubProcess)(nil)
