// Package target manages the lifecycle of an analysis target: a program
// together with the environment it runs in. It owns the main process,
// the stack of resource contexts mutating the running target, and the
// bows attached to it.
package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quiver/internal/backend"
	"quiver/internal/errdefs"
	"quiver/internal/logging"
	"quiver/internal/process"
	"quiver/internal/scout"
)

// DefaultStopTimeout bounds the wait after each termination signal.
const DefaultStopTimeout = process.DefaultGrace

// Config holds configuration for a Target.
type Config struct {
	// ID defaults to a random UUID.
	ID      string
	Backend backend.Backend
	Bows    Registry
	// StopTimeout defaults to DefaultStopTimeout.
	StopTimeout time.Duration

	Logger *zerolog.Logger
}

// StartOptions adjust a single launch of the main process.
type StartOptions struct {
	// Args are appended to the resolved command line.
	Args []string
	// Env is applied over the resolved and arrow environment.
	Env []string

	// Stdio of the main process; pipes are exposed by Process when nil.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Target is a program plus everything that makes it run.
type Target struct {
	id          string
	backend     backend.Backend
	bows        Registry
	stopTimeout time.Duration
	logger      zerolog.Logger

	// lifecycle serializes Build, Start, Stop and Destroy.
	lifecycle sync.Mutex

	mu        sync.Mutex
	state     State
	spec      backend.LaunchSpec
	main      process.Handle
	cycle     int
	artifacts map[string]any
	roots     []*scope
	live      map[*scope]bool
	// mutations are the live scopes holding a claim, in order of entry.
	mutations []*scope
}

// New creates a target in the Created state.
func New(cfg Config) (*Target, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("target backend is required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}

	logger := logging.Component(cfg.Logger, "target")
	return &Target{
		id:          cfg.ID,
		backend:     cfg.Backend,
		bows:        cfg.Bows,
		stopTimeout: cfg.StopTimeout,
		logger:      logger.With().Str("target", cfg.ID).Str("backend", cfg.Backend.Name()).Logger(),
		state:       Created,
		artifacts:   make(map[string]any),
		live:        make(map[*scope]bool),
	}, nil
}

// ID returns the target identity.
func (t *Target) ID() string { return t.id }

// Backend returns the environment the target runs in.
func (t *Target) Backend() backend.Backend { return t.backend }

// Bows returns the attached bows.
func (t *Target) Bows() Registry { return t.bows }

// Logger returns the target's logger.
func (t *Target) Logger() *zerolog.Logger { return &t.logger }

// State returns the current lifecycle state.
func (t *Target) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LaunchSpec returns the command line resolved by Build.
func (t *Target) LaunchSpec() backend.LaunchSpec {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spec
}

// Process returns the main process of the current cycle, nil before the
// first Start and after Stop.
func (t *Target) Process() process.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.main
}

// Artifact returns what the bow called name collected in the last cycle.
func (t *Target) Artifact(name string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.artifacts[name]
	return a, ok
}

// Artifacts returns every artifact of the last cycle by bow name.
func (t *Target) Artifacts() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]any, len(t.artifacts))
	for k, v := range t.artifacts {
		out[k] = v
	}
	return out
}

// Build resolves the image or binary and moves the target to Built.
func (t *Target) Build(ctx context.Context) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	switch state := t.State(); state {
	case Created:
	case Destroyed:
		return errdefs.ErrDestroyed
	default:
		return fmt.Errorf("%w: target is %s", errdefs.ErrAlreadyBuilt, state)
	}

	spec, err := t.backend.Build(ctx, t.id)
	if err != nil {
		return fmt.Errorf("build target %s: %w", t.id, err)
	}

	t.mu.Lock()
	t.spec = spec
	t.state = Built
	t.mu.Unlock()

	t.logger.Info().Strs("argv", spec.Argv).Str("cwd", spec.Cwd).Msg("Target built")
	return nil
}

// Start launches the main process through the arrows of every bow and lets
// the bows collect their artifacts.
func (t *Target) Start(ctx context.Context, opts StartOptions) error {
	return t.start(ctx, opts, nil)
}

// start is Start with an optional hook run while the process is held at
// its exec trap. A hook makes the pause mandatory.
func (t *Target) start(ctx context.Context, opts StartOptions, onPaused func(*scout.Paused) error) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	t.mu.Lock()
	state, spec := t.state, t.spec
	t.mu.Unlock()
	if state == Destroyed {
		return errdefs.ErrDestroyed
	}
	if !state.canStart() {
		return fmt.Errorf("%w: cannot start a %s target", errdefs.ErrInvalidState, state)
	}

	attachments := make([]attachment, 0, t.bows.Len())
	pause := onPaused != nil
	for _, b := range t.bows.Bows() {
		req, err := b.Attach(ctx, t)
		if err != nil {
			return fmt.Errorf("attach bow %s: %w", b.Name(), err)
		}
		attachments = append(attachments, attachment{bow: b, request: req})
		pause = pause || req.Pause
	}
	if err := checkSlots(attachments); err != nil {
		return err
	}
	if err := stageArrows(ctx, attachments); err != nil {
		return err
	}

	argv := append(append([]string(nil), spec.Argv...), opts.Args...)
	argv, env := compose(attachments, argv, spec.Env)
	env = backend.MergeEnv(env, opts.Env)

	started, err := t.backend.Start(ctx, backend.Launch{
		Argv:   argv,
		Env:    env,
		Cwd:    spec.Cwd,
		Stdin:  opts.Stdin,
		Stdout: opts.Stdout,
		Stderr: opts.Stderr,
		Pause:  pause,
	})
	if err != nil {
		if !errors.Is(err, errdefs.ErrLaunchFailure) {
			err = fmt.Errorf("%w: %v", errdefs.ErrLaunchFailure, err)
		}
		return err
	}
	main := started.Handle

	if started.PauseErr != nil {
		t.logger.Warn().Err(started.PauseErr).Msg("Launch proceeds unpaused")
	}
	if started.Paused != nil {
		if err := t.observePaused(ctx, attachments, started.Paused, onPaused); err != nil {
			started.Paused.Kill()
			_ = main.Close()
			return err
		}
	} else if onPaused != nil {
		_ = main.Close()
		return started.PauseErr
	}

	t.mu.Lock()
	t.main = main
	t.state = Started
	t.cycle++
	cycle := t.cycle
	t.artifacts = make(map[string]any)
	t.mu.Unlock()

	t.logger.Info().Int("pid", main.PID()).Int("cycle", cycle).Strs("argv", argv).Msg("Target started")

	for _, a := range attachments {
		artifact, err := a.bow.Collect(ctx, t, main)
		if err != nil {
			if errors.Is(err, errdefs.ErrScoutSynchronizationFailure) {
				t.logger.Warn().Err(err).Str("bow", a.bow.Name()).Msg("Bow produced no artifact")
				continue
			}
			return fmt.Errorf("collect bow %s: %w", a.bow.Name(), err)
		}
		if artifact == nil {
			continue
		}
		t.mu.Lock()
		t.artifacts[a.bow.Name()] = artifact
		t.mu.Unlock()
	}
	return nil
}

// observePaused runs the pause observers and the start hook, then resumes
// the process.
func (t *Target) observePaused(ctx context.Context, attachments []attachment, paused *scout.Paused, onPaused func(*scout.Paused) error) error {
	for _, a := range attachments {
		observer, ok := a.bow.(PauseObserver)
		if !ok || !a.request.Pause {
			continue
		}
		if err := observer.ObservePaused(ctx, paused); err != nil {
			t.logger.Warn().Err(err).Str("bow", a.bow.Name()).Msg("Pause observation failed")
		}
	}
	if onPaused != nil {
		if err := onPaused(paused); err != nil {
			return err
		}
	}
	if err := paused.Resume(); err != nil {
		return fmt.Errorf("%w: resume: %v", errdefs.ErrScoutSynchronizationFailure, err)
	}
	return nil
}

// Stop terminates the main process, escalating to a kill after the stop
// timeout. Stopping a target that is not started does nothing.
func (t *Target) Stop(ctx context.Context) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	return t.stopLocked()
}

func (t *Target) stopLocked() error {
	t.mu.Lock()
	if t.state != Started {
		t.mu.Unlock()
		return nil
	}
	main := t.main
	t.mu.Unlock()

	err := process.Terminate(main, t.stopTimeout)
	if closeErr := main.Close(); err == nil {
		err = closeErr
	}

	t.mu.Lock()
	t.state = Stopped
	t.main = nil
	t.mu.Unlock()

	if err != nil {
		return fmt.Errorf("stop target %s: %w", t.id, err)
	}
	t.logger.Info().Int("exit_code", main.ExitCode()).Msg("Target stopped")
	return nil
}

// Destroy stops the target, unwinds every open context and releases the
// backend. Destroying twice does nothing.
func (t *Target) Destroy(ctx context.Context) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	if t.State() == Destroyed {
		return nil
	}

	var errs []error
	if err := t.stopLocked(); err != nil {
		errs = append(errs, err)
	}
	if err := t.unwindAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.backend.Destroy(ctx); err != nil {
		errs = append(errs, fmt.Errorf("destroy backend: %w", err))
	}

	t.mu.Lock()
	t.state = Destroyed
	t.mu.Unlock()
	t.logger.Info().Msg("Target destroyed")
	return combine(errs...)
}

// Endpoints resolves the declared and observed listening ports of the
// target to addresses reachable from this host.
func (t *Target) Endpoints(ctx context.Context) ([]backend.Endpoint, error) {
	t.mu.Lock()
	state, spec, main := t.state, t.spec, t.main
	t.mu.Unlock()
	if err := requireFilesystem(state); err != nil {
		return nil, err
	}

	pid := 0
	if main != nil && !process.Exited(main) {
		pid = main.PID()
	}
	return t.backend.Endpoints(ctx, pid, spec.Ports)
}

func requireFilesystem(state State) error {
	if state == Destroyed {
		return errdefs.ErrDestroyed
	}
	if !state.hasFilesystem() {
		return fmt.Errorf("%w: target is %s", errdefs.ErrInvalidState, state)
	}
	return nil
}
