package target

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/docker/go-connections/nat"

	"quiver/internal/backend"
	"quiver/internal/errdefs"
	"quiver/internal/process"
)

// fakeProc is a process.Handle that exits when told to.
type fakeProc struct {
	pid        int
	ignoreTerm bool

	mu      sync.Mutex
	code    int
	signals []syscall.Signal
	waitCh  chan struct{}
	once    sync.Once
}

func newFakeProc(pid int, ignoreTerm bool) *fakeProc {
	return &fakeProc{pid: pid, ignoreTerm: ignoreTerm, code: -1, waitCh: make(chan struct{})}
}

func (p *fakeProc) exit(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		close(p.waitCh)
	})
}

func (p *fakeProc) PID() int { return p.pid }
func (p *fakeProc) Stdin() io.WriteCloser { return nil }
func (p *fakeProc) Stdout() io.Reader { return nil }
func (p *fakeProc) Stderr() io.Reader { return nil }
func (p *fakeProc) Wait() <-chan struct{} { return p.waitCh }
func (p *fakeProc) Err() error { return nil }

func (p *fakeProc) Close() error {
	p.exit(137)
	return nil
}

func (p *fakeProc) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *fakeProc) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if sig == syscall.SIGTERM && !p.ignoreTerm {
		p.exit(128 + int(sig))
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.signals = append(p.signals, syscall.SIGKILL)
	p.mu.Unlock()
	p.exit(137)
	return nil
}

func (p *fakeProc) Signals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

// fakeBackend keeps the target filesystem in memory.
type fakeBackend struct {
	mu sync.Mutex

	spec       backend.LaunchSpec
	buildErr   error
	startErr   error
	pauseErr   error
	ignoreTerm bool

	files      map[string]*backend.File
	failWrites map[string]error
	writes     []string

	launches  []backend.Launch
	execs     []backend.Launch
	procs     []*fakeProc
	nextPID   int
	destroyed int
	lastPID   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		spec: backend.LaunchSpec{
			Argv:  []string{"/bin/prog", "--flag"},
			Env:   []string{"PATH=/bin", "HOME=/root"},
			Cwd:   "/work",
			Ports: []nat.Port{"8080/tcp"},
			Arch:  "amd64",
		},
		files:      make(map[string]*backend.File),
		failWrites: make(map[string]error),
		nextPID:    100,
	}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Build(ctx context.Context, id string) (backend.LaunchSpec, error) {
	if f.buildErr != nil {
		return backend.LaunchSpec{}, f.buildErr
	}
	return f.spec, nil
}

func (f *fakeBackend) newProc() *fakeProc {
	f.nextPID++
	p := newFakeProc(f.nextPID, f.ignoreTerm)
	f.procs = append(f.procs, p)
	return p
}

func (f *fakeBackend) Start(ctx context.Context, launch backend.Launch) (*backend.Started, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.launches = append(f.launches, launch)
	started := &backend.Started{Handle: f.newProc()}
	if launch.Pause {
		started.PauseErr = f.pauseErr
		if started.PauseErr == nil {
			started.PauseErr = fmt.Errorf("%w: fake backend cannot pause", errdefs.ErrScoutSynchronizationFailure)
		}
	}
	return started, nil
}

func (f *fakeBackend) Exec(ctx context.Context, launch backend.Launch) (process.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, launch)
	return f.newProc(), nil
}

func (f *fakeBackend) Destroy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	return nil
}

func (f *fakeBackend) ReadFile(ctx context.Context, p string) (*backend.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrPathNotFound, p)
	}
	cp := *file
	cp.Data = append([]byte(nil), file.Data...)
	return &cp, nil
}

func (f *fakeBackend) WriteFile(ctx context.Context, file *backend.File) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failWrites[file.Path]; err != nil {
		return err
	}
	cp := *file
	cp.Data = append([]byte(nil), file.Data...)
	f.files[file.Path] = &cp
	f.writes = append(f.writes, file.Path)
	return nil
}

func (f *fakeBackend) RemoveFile(ctx context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, p)
	f.writes = append(f.writes, "rm "+p)
	return nil
}

// Exists treats a path as a directory when some file lives under it.
func (f *fakeBackend) Exists(ctx context.Context, p string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[p]; ok || p == "/" {
		return true, nil
	}
	for other := range f.files {
		if strings.HasPrefix(other, p+"/") {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeBackend) Glob(ctx context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matches []string
	for p := range f.files {
		if ok, err := path.Match(pattern, p); err != nil {
			return nil, err
		} else if ok {
			matches = append(matches, p)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

func (f *fakeBackend) MountPath() string { return "/" }
func (f *fakeBackend) ScratchDir() string { return "/scratch" }
func (f *fakeBackend) HostFS() bool { return false }

func (f *fakeBackend) Endpoints(ctx context.Context, pid int, declared []nat.Port) ([]backend.Endpoint, error) {
	f.mu.Lock()
	f.lastPID = pid
	f.mu.Unlock()
	var endpoints []backend.Endpoint
	for _, p := range declared {
		endpoints = append(endpoints, backend.Endpoint{Port: p.Int(), Proto: p.Proto(), Host: "10.0.0.2", HostPort: p.Int(), Declared: true})
	}
	return endpoints, nil
}

func (f *fakeBackend) put(p, data string) *backend.File {
	f.mu.Lock()
	defer f.mu.Unlock()
	file := &backend.File{Path: p, Data: []byte(data), Mode: 0o640, UID: 7, GID: 8}
	f.files[p] = file
	return file
}

func (f *fakeBackend) content(p string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[p]
	if !ok {
		return "", false
	}
	return string(file.Data), true
}

func (f *fakeBackend) lastLaunch() backend.Launch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches[len(f.launches)-1]
}

// fakeBow answers with a fixed request and artifact.
type fakeBow struct {
	name       string
	request    Request
	attachErr  error
	collectErr error
	artifact   any

	attached  int
	collected int
}

func (b *fakeBow) Name() string { return b.name }

func (b *fakeBow) Attach(ctx context.Context, t *Target) (Request, error) {
	b.attached++
	return b.request, b.attachErr
}

func (b *fakeBow) Collect(ctx context.Context, t *Target, main process.Handle) (any, error) {
	b.collected++
	if b.collectErr != nil {
		return nil, b.collectErr
	}
	return b.artifact, nil
}
