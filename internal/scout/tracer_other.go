//go:build !linux

package scout

import (
	"context"
	"errors"
	"fmt"

	"quiver/internal/errdefs"
	"quiver/internal/process"
)

// ErrMemoryGone means the process exited or the address is no longer mapped.
var ErrMemoryGone = errors.New("process memory gone")

var errUnsupported = fmt.Errorf("%w: exec trap requires linux", errdefs.ErrScoutSynchronizationFailure)

// Paused is a process held at its exec trap.
type Paused struct{ pid int }

func (p *Paused) PID() int { return p.pid }

func (p *Paused) Snapshot() (*Snapshot, error) { return nil, errUnsupported }

func (p *Paused) ReadMemory(uint64, int) ([]byte, error) { return nil, errUnsupported }

func (p *Paused) WriteMemory(uint64, []byte) error { return errUnsupported }

func (p *Paused) Resume() error { return nil }

func (p *Paused) Kill() {}

func LaunchLocal(*process.Local) (*Paused, error) { return nil, errUnsupported }

func SeizeAtExec(context.Context, int) (*Paused, error) { return nil, errUnsupported }

func PatchMemory(int, uint64, []byte) error { return ErrMemoryGone }
