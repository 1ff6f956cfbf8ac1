package target

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"quiver/internal/backend"
	"quiver/internal/errdefs"
	"quiver/internal/process"
)

// Run is an independent process inside a started target, terminated when
// its scope exits. Several Runs may be active at once.
type Run struct {
	// Argv replaces the target command line; Args is appended to it.
	Argv []string
	Args []string
	// Env is applied over the target environment.
	Env []string
	Cwd string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	TTY    bool

	handle process.Handle
}

// Handle returns the process of an entered Run.
func (r *Run) Handle() process.Handle { return r.handle }

func (r *Run) claim() claim { return claim{} }

func (r *Run) describe() string { return fmt.Sprintf("run %v", r.Argv) }

func (r *Run) enter(ctx context.Context, t *Target) (releaseFunc, error) {
	t.mu.Lock()
	state, spec := t.state, t.spec
	t.mu.Unlock()
	if state == Destroyed {
		return nil, errdefs.ErrDestroyed
	}
	if state != Started {
		return nil, fmt.Errorf("%w: run requires a started target, target is %s", errdefs.ErrInvalidState, state)
	}

	argv := r.Argv
	if len(argv) == 0 {
		argv = spec.Argv
	}
	argv = append(append([]string(nil), argv...), r.Args...)
	cwd := r.Cwd
	if cwd == "" {
		cwd = spec.Cwd
	}

	h, err := t.backend.Exec(ctx, backend.Launch{
		Argv:   argv,
		Env:    backend.MergeEnv(spec.Env, r.Env),
		Cwd:    cwd,
		Stdin:  r.Stdin,
		Stdout: r.Stdout,
		Stderr: r.Stderr,
		TTY:    r.TTY,
	})
	if err != nil {
		return nil, fmt.Errorf("run %v: %w", argv, err)
	}
	r.handle = h

	return func(ctx context.Context) error {
		err := process.Terminate(h, t.stopTimeout)
		if closeErr := h.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return restoreFailure(fmt.Sprintf("terminate run %d", h.PID()), err)
		}
		return nil
	}, nil
}

// Result is the outcome of RunCommand.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// RunCommand runs argv inside the started target to completion, feeding it
// stdin, and returns its output and exit code.
func (t *Target) RunCommand(ctx context.Context, argv []string, stdin []byte) (Result, error) {
	var stdout, stderr bytes.Buffer
	run := &Run{
		Argv:   argv,
		Stdin:  bytes.NewReader(stdin),
		Stdout: &stdout,
		Stderr: &stderr,
	}

	var result Result
	err := t.With(ctx, run, func(ctx context.Context) error {
		select {
		case <-run.Handle().Wait():
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := run.Handle().Err(); err != nil {
			return fmt.Errorf("wait %v: %w", argv, err)
		}
		result.ExitCode = run.Handle().ExitCode()
		return nil
	})
	result.Stdout = stdout.Bytes()
	result.Stderr = stderr.Bytes()
	return result, err
}
