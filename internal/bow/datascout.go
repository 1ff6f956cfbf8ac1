package bow

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"quiver/internal/errdefs"
	"quiver/internal/logging"
	"quiver/internal/process"
	"quiver/internal/scout"
	"quiver/internal/target"
)

// DataScout holds every launch at its exec trap and snapshots the memory
// map, environment and auxiliary vector of the freshly loaded program.
type DataScout struct {
	logger zerolog.Logger

	mu       sync.Mutex
	snapshot *scout.Snapshot
}

// NewDataScout creates a data scout.
func NewDataScout(logger *zerolog.Logger) *DataScout {
	return &DataScout{logger: logging.Component(logger, "bow.datascout")}
}

// Name implements target.Bow.
func (d *DataScout) Name() string { return DataScoutName }

// Attach implements target.Bow.
func (d *DataScout) Attach(ctx context.Context, t *target.Target) (target.Request, error) {
	d.mu.Lock()
	d.snapshot = nil
	d.mu.Unlock()
	return target.Request{Pause: true}, nil
}

// ObservePaused implements target.PauseObserver.
func (d *DataScout) ObservePaused(ctx context.Context, p *scout.Paused) error {
	snap, err := p.Snapshot()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.snapshot = snap
	d.mu.Unlock()
	d.logger.Debug().Int("pid", p.PID()).Int("regions", len(snap.Maps)).Int("env", len(snap.Environ)).Msg("Snapshot captured")
	return nil
}

// Collect implements target.Bow. The artifact is the *scout.Snapshot.
func (d *DataScout) Collect(ctx context.Context, t *target.Target, main process.Handle) (any, error) {
	snap := d.Snapshot()
	if snap == nil {
		return nil, fmt.Errorf("%w: launch was not paused", errdefs.ErrScoutSynchronizationFailure)
	}
	return snap, nil
}

// Snapshot returns the snapshot of the current cycle, nil if none was taken.
func (d *DataScout) Snapshot() *scout.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot
}
