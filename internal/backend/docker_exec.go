package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"

	"quiver/internal/process"
)

const (
	execPollInterval   = 50 * time.Millisecond
	execStartTimeout   = 30 * time.Second
	streamDrainTimeout = 2 * time.Second
)

// exec creates and attaches an exec in the holder container and waits
// until the daemon reports its host PID.
func (d *Docker) exec(ctx context.Context, launch Launch) (*execHandle, error) {
	id := d.ContainerID()
	if id == "" {
		return nil, fmt.Errorf("container not built")
	}
	if len(launch.Argv) == 0 {
		return nil, fmt.Errorf("empty command line")
	}

	created, err := d.client.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          launch.Argv,
		Env:          launch.Env,
		WorkingDir:   launch.Cwd,
		Tty:          launch.TTY,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}

	resp, err := d.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: launch.TTY})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}

	h := newExecHandle(d.client, created.ID, resp, launch, d.logger)
	if err := h.awaitPID(ctx); err != nil {
		_ = h.Close()
		return nil, err
	}
	d.logger.Debug().Str("exec", shortID(created.ID)).Int("pid", h.PID()).Strs("argv", launch.Argv).Msg("Spawned exec")
	return h, nil
}

// execHandle is a process.Handle for a docker exec. Signals are delivered
// to the host PID, so the daemon must run on this host.
type execHandle struct {
	client DockerAPI
	id     string
	resp   types.HijackedResponse
	logger zerolog.Logger

	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	pipes  []*io.PipeWriter

	streamDone chan struct{}
	waitCh     chan struct{}

	mu       sync.Mutex
	pid      int
	exitCode int
	err      error

	monitorOnce sync.Once
	closeOnce   sync.Once
}

func newExecHandle(api DockerAPI, id string, resp types.HijackedResponse, launch Launch, logger zerolog.Logger) *execHandle {
	h := &execHandle{
		client:     api,
		id:         id,
		resp:       resp,
		logger:     logger,
		exitCode:   -1,
		streamDone: make(chan struct{}),
		waitCh:     make(chan struct{}),
	}

	stdout := launch.Stdout
	if stdout == nil {
		r, w := io.Pipe()
		h.stdout = r
		h.pipes = append(h.pipes, w)
		stdout = w
	}
	stderr := launch.Stderr
	if stderr == nil && !launch.TTY {
		r, w := io.Pipe()
		h.stderr = r
		h.pipes = append(h.pipes, w)
		stderr = w
	}

	if launch.Stdin != nil {
		go func() {
			_, _ = io.Copy(resp.Conn, launch.Stdin)
			_ = resp.CloseWrite()
		}()
	} else {
		h.stdin = &execStdin{resp: resp}
	}

	go func() {
		defer close(h.streamDone)
		var err error
		if launch.TTY {
			_, err = io.Copy(stdout, resp.Reader)
		} else {
			_, err = stdcopy.StdCopy(stdout, stderr, resp.Reader)
		}
		for _, w := range h.pipes {
			_ = w.CloseWithError(err)
		}
	}()
	return h
}

// awaitPID polls the exec until it has a PID. An exec that ends without
// ever running, such as a missing binary, is an error.
func (h *execHandle) awaitPID(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, execStartTimeout)
	defer cancel()

	err := backoff.Retry(func() error {
		inspect, err := h.client.ContainerExecInspect(ctx, h.id)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("inspect exec: %w", err))
		}
		if inspect.Pid > 0 {
			h.mu.Lock()
			h.pid = inspect.Pid
			h.mu.Unlock()
			return nil
		}
		select {
		case <-h.streamDone:
			if !inspect.Running {
				return backoff.Permanent(fmt.Errorf("exec did not start (exit code %d)", inspect.ExitCode))
			}
		default:
		}
		return errors.New("exec not running yet")
	}, backoff.WithContext(backoff.NewConstantBackOff(execPollInterval), ctx))
	if err != nil {
		return err
	}
	h.monitor()
	return nil
}

// monitor polls the daemon until the exec has exited.
func (h *execHandle) monitor() {
	h.monitorOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(execPollInterval)
			defer ticker.Stop()
			failures := 0
			for range ticker.C {
				inspect, err := h.client.ContainerExecInspect(context.Background(), h.id)
				if err != nil {
					// The container is gone with its execs.
					failures++
					if failures < 5 {
						continue
					}
					h.finish(-1, fmt.Errorf("inspect exec: %w", err))
					return
				}
				failures = 0
				if !inspect.Running {
					h.drain()
					h.finish(inspect.ExitCode, nil)
					return
				}
			}
		}()
	})
}

// drain waits for output still in flight to reach caller-supplied writers.
// Pipe readers see EOF on their own.
func (h *execHandle) drain() {
	if len(h.pipes) > 0 {
		return
	}
	select {
	case <-h.streamDone:
	case <-time.After(streamDrainTimeout):
	}
}

func (h *execHandle) finish(code int, err error) {
	h.mu.Lock()
	h.exitCode = code
	h.err = err
	h.mu.Unlock()
	close(h.waitCh)
}

// PID implements process.Handle.
func (h *execHandle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// Stdin implements process.Handle.
func (h *execHandle) Stdin() io.WriteCloser {
	if h.stdin == nil {
		return nil
	}
	return h.stdin
}

// Stdout implements process.Handle.
func (h *execHandle) Stdout() io.Reader { return h.stdout }

// Stderr implements process.Handle.
func (h *execHandle) Stderr() io.Reader { return h.stderr }

// Wait implements process.Handle.
func (h *execHandle) Wait() <-chan struct{} { return h.waitCh }

// ExitCode implements process.Handle.
func (h *execHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Err implements process.Handle.
func (h *execHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Signal implements process.Handle.
func (h *execHandle) Signal(sig syscall.Signal) error {
	pid := h.PID()
	if pid <= 0 || process.Exited(h) {
		return nil
	}
	if err := syscall.Kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal %d: %w", pid, err)
	}
	return nil
}

// Kill implements process.Handle.
func (h *execHandle) Kill() error {
	return h.Signal(syscall.SIGKILL)
}

// Close implements process.Handle.
func (h *execHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		if h.PID() > 0 {
			err = process.Terminate(h, process.DefaultGrace)
		}
		h.resp.Close()
		for _, w := range h.pipes {
			_ = w.Close()
		}
	})
	return err
}

// execStdin closes only the write half so the exec sees EOF while its
// output keeps streaming.
type execStdin struct {
	resp types.HijackedResponse
}

func (s *execStdin) Write(p []byte) (int, error) { return s.resp.Conn.Write(p) }

func (s *execStdin) Close() error { return s.resp.CloseWrite() }
