package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"syscall"

	"github.com/adrg/xdg"
	"github.com/docker/go-connections/nat"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"quiver/internal/errdefs"
	"quiver/internal/logging"
	"quiver/internal/process"
	"quiver/internal/scout"
)

// LocalConfig describes a program run directly on this host.
type LocalConfig struct {
	// Argv is the program and its arguments; argv[0] is resolved through PATH.
	Argv []string
	// Env defaults to the environment of the current process.
	Env []string
	// Cwd defaults to the current working directory.
	Cwd string
	// Ports are declared listening ports ("8080/tcp").
	Ports []string
	// ScratchRoot defaults to $XDG_CACHE_HOME/quiver.
	ScratchRoot string

	Logger *zerolog.Logger
}

// Local runs targets as child processes of this program.
type Local struct {
	cfg     LocalConfig
	logger  zerolog.Logger
	scratch string
}

// NewLocal creates a local backend.
func NewLocal(cfg LocalConfig) *Local {
	return &Local{
		cfg:    cfg,
		logger: logging.Component(cfg.Logger, "backend.local"),
	}
}

// Name implements Backend.
func (l *Local) Name() string { return "local" }

// Build implements Backend.
func (l *Local) Build(ctx context.Context, id string) (LaunchSpec, error) {
	if len(l.cfg.Argv) == 0 {
		return LaunchSpec{}, fmt.Errorf("%w: no program configured", errdefs.ErrBackendUnavailable)
	}

	path, err := findBinary(l.cfg.Argv[0])
	if err != nil {
		return LaunchSpec{}, fmt.Errorf("%w: find binary %q: %v", errdefs.ErrBackendUnavailable, l.cfg.Argv[0], err)
	}

	ports, err := ParsePorts(l.cfg.Ports)
	if err != nil {
		return LaunchSpec{}, err
	}

	env := l.cfg.Env
	if env == nil {
		env = os.Environ()
	}
	cwd := l.cfg.Cwd
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return LaunchSpec{}, fmt.Errorf("working directory: %w", err)
		}
	}

	root := l.cfg.ScratchRoot
	if root == "" {
		root = filepath.Join(xdg.CacheHome, "quiver")
	}
	l.scratch = filepath.Join(root, id)
	if err := os.MkdirAll(l.scratch, 0o755); err != nil {
		return LaunchSpec{}, fmt.Errorf("create scratch dir: %w", err)
	}

	argv := append([]string{path}, l.cfg.Argv[1:]...)
	l.logger.Debug().Strs("argv", argv).Str("cwd", cwd).Str("scratch", l.scratch).Msg("Resolved local program")

	return LaunchSpec{
		Argv:  argv,
		Env:   append([]string(nil), env...),
		Cwd:   cwd,
		Ports: ports,
		Arch:  runtime.GOARCH,
	}, nil
}

// findBinary locates name the way a shell would; paths are checked as is.
func findBinary(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", err
	}
	return filepath.Abs(path)
}

func (l *Local) processConfig(launch Launch) (process.Config, error) {
	if len(launch.Argv) == 0 {
		return process.Config{}, fmt.Errorf("empty command line")
	}
	return process.Config{
		Path:   launch.Argv[0],
		Args:   launch.Argv[1:],
		Env:    launch.Env,
		Dir:    launch.Cwd,
		Stdin:  launch.Stdin,
		Stdout: launch.Stdout,
		Stderr: launch.Stderr,
		TTY:    launch.TTY,
	}, nil
}

// Start implements Backend. A pause is established with an exec trap; if
// the traced launch fails the program is launched again untraced.
func (l *Local) Start(ctx context.Context, launch Launch) (*Started, error) {
	cfg, err := l.processConfig(launch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrLaunchFailure, err)
	}

	if launch.Pause && !launch.TTY {
		proc, err := process.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errdefs.ErrLaunchFailure, err)
		}
		paused, err := scout.LaunchLocal(proc)
		if err == nil {
			l.logger.Info().Int("pid", proc.PID()).Msg("Main process held at exec trap")
			return &Started{Handle: proc, Paused: paused}, nil
		}
		_ = proc.Close()
		if !errors.Is(err, errdefs.ErrScoutSynchronizationFailure) {
			err = fmt.Errorf("%w: traced launch: %v", errdefs.ErrScoutSynchronizationFailure, err)
		}
		l.logger.Warn().Err(err).Msg("Exec trap failed, launching untraced")

		handle, startErr := l.Exec(ctx, launch)
		if startErr != nil {
			return nil, fmt.Errorf("%w: %v", errdefs.ErrLaunchFailure, startErr)
		}
		return &Started{Handle: handle, PauseErr: err}, nil
	}

	handle, err := l.Exec(ctx, launch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrLaunchFailure, err)
	}
	started := &Started{Handle: handle}
	if launch.Pause {
		started.PauseErr = fmt.Errorf("%w: no exec trap on a terminal", errdefs.ErrScoutSynchronizationFailure)
	}
	return started, nil
}

// Exec implements Backend.
func (l *Local) Exec(ctx context.Context, launch Launch) (process.Handle, error) {
	cfg, err := l.processConfig(launch)
	if err != nil {
		return nil, err
	}
	proc, err := process.Start(cfg)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Path, err)
	}
	l.logger.Debug().Int("pid", proc.PID()).Strs("argv", launch.Argv).Msg("Spawned process")
	return proc, nil
}

// Destroy implements Backend.
func (l *Local) Destroy(ctx context.Context) error {
	if l.scratch == "" {
		return nil
	}
	if err := os.RemoveAll(l.scratch); err != nil {
		return fmt.Errorf("remove scratch dir: %w", err)
	}
	l.scratch = ""
	return nil
}

// ReadFile implements Backend. Symlinks are followed; the returned File
// names the final path so that writing it back keeps the link intact.
func (l *Local) ReadFile(ctx context.Context, path string) (*File, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, notFound(path, err)
	}
	path = resolved
	info, err := os.Stat(path)
	if err != nil {
		return nil, notFound(path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("read %s: %w", path, ErrNotRegular)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, notFound(path, err)
	}
	f := &File{
		Path:    path,
		Data:    data,
		Mode:    info.Mode().Perm() | info.Mode()&(fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky),
		ModTime: info.ModTime(),
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		f.UID = int(st.Uid)
		f.GID = int(st.Gid)
	}
	return f, nil
}

// WriteFile implements Backend. Read-only files are made writable for the
// duration of the write.
func (l *Local) WriteFile(ctx context.Context, f *File) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", f.Path, err)
	}
	if info, err := os.Stat(f.Path); err == nil && info.Mode().Perm()&0o200 == 0 {
		if err := os.Chmod(f.Path, info.Mode().Perm()|0o200); err != nil {
			return fmt.Errorf("make %s writable: %w", f.Path, err)
		}
	}

	mode := f.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := os.WriteFile(f.Path, f.Data, mode.Perm()|0o200); err != nil {
		return fmt.Errorf("write %s: %w", f.Path, err)
	}
	if err := os.Chmod(f.Path, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", f.Path, err)
	}
	if f.UID != os.Getuid() || f.GID != os.Getgid() {
		// Only root can give files away; keep ownership otherwise.
		if err := os.Lchown(f.Path, f.UID, f.GID); err != nil && !errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("chown %s: %w", f.Path, err)
		}
	}
	if !f.ModTime.IsZero() {
		if err := os.Chtimes(f.Path, f.ModTime, f.ModTime); err != nil {
			return fmt.Errorf("chtimes %s: %w", f.Path, err)
		}
	}
	l.logger.Debug().Str("path", f.Path).Str("size", humanize.Bytes(uint64(len(f.Data)))).Msg("Wrote file")
	return nil
}

// RemoveFile implements Backend.
func (l *Local) RemoveFile(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// Exists implements Backend.
func (l *Local) Exists(ctx context.Context, path string) (bool, error) {
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return true, nil
}

// Glob implements Backend.
func (l *Local) Glob(ctx context.Context, pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// MountPath implements Backend.
func (l *Local) MountPath() string { return "/" }

// ScratchDir implements Backend.
func (l *Local) ScratchDir() string { return l.scratch }

// HostFS implements Backend.
func (l *Local) HostFS() bool { return true }

// Endpoints implements Backend.
func (l *Local) Endpoints(ctx context.Context, pid int, declared []nat.Port) ([]Endpoint, error) {
	var observed []process.Socket
	if pid > 0 {
		sockets, err := process.ListeningSockets(ctx, pid)
		if err != nil {
			l.logger.Debug().Err(err).Int("pid", pid).Msg("Listing sockets failed")
		}
		observed = sockets
	}
	return mergeEndpoints(declared, observed, func(p nat.Port) (string, int) {
		return "127.0.0.1", p.Int()
	}), nil
}

func notFound(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", errdefs.ErrPathNotFound, path)
	}
	return fmt.Errorf("read %s: %w", path, err)
}
