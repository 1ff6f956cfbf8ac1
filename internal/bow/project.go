package bow

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"quiver/internal/errdefs"
	"quiver/internal/logging"
	"quiver/internal/process"
	"quiver/internal/scout"
	"quiver/internal/target"
)

// ProjectInput is what analysis tooling needs to load a target: the
// pre-entrypoint snapshot, where the target filesystem is visible on the
// host and the program path inside it.
type ProjectInput struct {
	Snapshot  *scout.Snapshot
	MountPath string
	Binary    string
	// OpenFiles are the files the running program holds open at collection
	// time, empty when they could not be listed.
	OpenFiles []string
}

// HostPath maps a path inside the target to the host.
func (in ProjectInput) HostPath(p string) string {
	if in.MountPath == "" {
		return ""
	}
	return filepath.Join(in.MountPath, filepath.Clean("/"+p))
}

// Analyzer builds an analysis artifact from a project input.
type Analyzer func(ctx context.Context, in ProjectInput) (any, error)

// Project is the default artifact of a Project bow.
type Project struct {
	Binary    string               `json:"binary"`
	MountPath string               `json:"mount_path,omitempty"`
	Entry     uint64               `json:"entry"`
	Objects   []scout.LoadedObject `json:"objects"`
	OpenFiles []string             `json:"open_files,omitempty"`
}

// ProjectConfig holds configuration for a ProjectBow.
type ProjectConfig struct {
	// Scout supplies the snapshot; the bow pauses launches itself when nil.
	Scout *DataScout
	// Analyze defaults to LoadedObjects.
	Analyze Analyzer
	// OpenFiles lists the files a process holds open, process.OpenFiles
	// by default.
	OpenFiles func(ctx context.Context, pid int) ([]string, error)

	Logger *zerolog.Logger
}

// ProjectBow hands the snapshot of each launch to an analyzer.
type ProjectBow struct {
	scout     *DataScout
	analyze   Analyzer
	openFiles func(ctx context.Context, pid int) ([]string, error)
	logger    zerolog.Logger

	mu  sync.Mutex
	own *scout.Snapshot
}

// NewProject creates a project bow.
func NewProject(cfg ProjectConfig) *ProjectBow {
	if cfg.Analyze == nil {
		cfg.Analyze = LoadedObjects
	}
	if cfg.OpenFiles == nil {
		cfg.OpenFiles = process.OpenFiles
	}
	return &ProjectBow{
		scout:     cfg.Scout,
		analyze:   cfg.Analyze,
		openFiles: cfg.OpenFiles,
		logger:    logging.Component(cfg.Logger, "bow.project"),
	}
}

// Name implements target.Bow.
func (p *ProjectBow) Name() string { return ProjectName }

// Attach implements target.Bow.
func (p *ProjectBow) Attach(ctx context.Context, t *target.Target) (target.Request, error) {
	p.mu.Lock()
	p.own = nil
	p.mu.Unlock()
	return target.Request{Pause: p.scout == nil}, nil
}

// ObservePaused implements target.PauseObserver.
func (p *ProjectBow) ObservePaused(ctx context.Context, paused *scout.Paused) error {
	snap, err := paused.Snapshot()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.own = snap
	p.mu.Unlock()
	return nil
}

// Collect implements target.Bow.
func (p *ProjectBow) Collect(ctx context.Context, t *target.Target, main process.Handle) (any, error) {
	var snap *scout.Snapshot
	if p.scout != nil {
		snap = p.scout.Snapshot()
	} else {
		p.mu.Lock()
		snap = p.own
		p.mu.Unlock()
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: no snapshot to analyze", errdefs.ErrScoutSynchronizationFailure)
	}

	in := ProjectInput{Snapshot: snap}
	if argv := t.LaunchSpec().Argv; len(argv) > 0 {
		in.Binary = argv[0]
	}
	in.MountPath = t.Backend().MountPath()
	if !process.Exited(main) {
		files, err := p.openFiles(ctx, main.PID())
		if err != nil {
			p.logger.Debug().Err(err).Int("pid", main.PID()).Msg("Listing open files failed")
		}
		in.OpenFiles = files
	}

	artifact, err := p.analyze(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", in.Binary, err)
	}
	p.logger.Debug().Str("binary", in.Binary).Str("mount", in.MountPath).Msg("Project analyzed")
	return artifact, nil
}

// LoadedObjects is the default analyzer: the objects mapped at the exec
// trap and their base addresses.
func LoadedObjects(ctx context.Context, in ProjectInput) (any, error) {
	entry, _ := in.Snapshot.Entry()
	return &Project{
		Binary:    in.Binary,
		MountPath: in.MountPath,
		Entry:     entry,
		Objects:   in.Snapshot.LoadedObjects(),
		OpenFiles: in.OpenFiles,
	}, nil
}
