// Package backend implements the environments a target runs in: a plain
// process on this host (Local) or a container (Docker).
package backend

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/docker/go-connections/nat"

	"quiver/internal/process"
	"quiver/internal/scout"
)

// ErrNotRegular is returned when reading something other than a regular file.
var ErrNotRegular = errors.New("not a regular file")

// Backend is the capability set a target needs from its environment.
type Backend interface {
	// Name identifies the backend kind in logs ("local", "docker").
	Name() string

	// Build resolves the image or binary and prepares backend resources.
	// An unresolvable image or binary is ErrBackendUnavailable.
	Build(ctx context.Context, id string) (LaunchSpec, error)

	// Start spawns the target's main process. When launch.Pause is set the
	// process is held at its exec trap if possible; see Started.
	Start(ctx context.Context, launch Launch) (*Started, error)

	// Exec spawns an independent sub-invocation inside the target.
	Exec(ctx context.Context, launch Launch) (process.Handle, error)

	// Destroy releases every backend resource. It is idempotent.
	Destroy(ctx context.Context) error

	// ReadFile returns a file with its metadata; ErrPathNotFound if absent.
	ReadFile(ctx context.Context, path string) (*File, error)

	// WriteFile creates or replaces f.Path with f's data and metadata.
	WriteFile(ctx context.Context, f *File) error

	// RemoveFile deletes path, a file or an empty directory. Removing a
	// missing path is not an error.
	RemoveFile(ctx context.Context, path string) error

	// Exists reports whether path exists, without following a final symlink.
	Exists(ctx context.Context, path string) (bool, error)

	// Glob returns the paths in the target filesystem matching pattern.
	Glob(ctx context.Context, pattern string) ([]string, error)

	// MountPath is where the target filesystem is visible on this host.
	MountPath() string

	// ScratchDir is a writable directory inside the target for helper files.
	ScratchDir() string

	// HostFS reports whether the target sees this host's filesystem.
	HostFS() bool

	// Endpoints resolves declared and observed listening ports of pid to
	// addresses reachable from this host.
	Endpoints(ctx context.Context, pid int, declared []nat.Port) ([]Endpoint, error)
}

// LaunchSpec is what Build resolved: the default command line of the target.
type LaunchSpec struct {
	Argv  []string
	Env   []string
	Cwd   string
	Ports []nat.Port
	Arch  string
}

// Launch describes one process to spawn inside a target.
type Launch struct {
	Argv []string
	Env  []string
	Cwd  string

	// Stdio overrides; the handle exposes pipes for the ones left nil.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	TTY    bool

	// Pause holds the process at its exec trap (main process only).
	Pause bool
}

// Started is the result of Start.
type Started struct {
	Handle process.Handle

	// Paused is set when a pause was requested and established. The
	// process runs only after Paused.Resume.
	Paused *scout.Paused

	// PauseErr wraps ErrScoutSynchronizationFailure when a pause was
	// requested but could not be established; the process then runs
	// unpaused.
	PauseErr error
}

// File is a file of the target filesystem together with the metadata
// needed to restore it exactly.
type File struct {
	Path    string
	Data    []byte
	Mode    os.FileMode
	UID     int
	GID     int
	ModTime time.Time
}
