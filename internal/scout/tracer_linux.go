package scout

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
	"syscall"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"quiver/internal/errdefs"
	"quiver/internal/process"
)

var errTracerClosed = errors.New("tracer closed")

// Tracer serializes ptrace requests onto one locked OS thread; the kernel
// binds a tracee to the thread that attached to it.
type Tracer struct {
	calls chan func()
	done  chan struct{}
	once  sync.Once
}

// NewTracer starts a tracer thread.
func NewTracer() *Tracer {
	t := &Tracer{
		calls: make(chan func()),
		done:  make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *Tracer) loop() {
	// Never unlocked: the thread exits with the goroutine.
	runtime.LockOSThread()
	for {
		select {
		case fn := <-t.calls:
			fn()
		case <-t.done:
			return
		}
	}
}

// Do runs fn on the tracer thread and returns its error.
func (t *Tracer) Do(fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case t.calls <- func() { errCh <- fn() }:
	case <-t.done:
		return errTracerClosed
	}
	return <-errCh
}

// Close stops the tracer thread.
func (t *Tracer) Close() {
	t.once.Do(func() { close(t.done) })
}

// Paused is a process held at its exec trap.
type Paused struct {
	mu       sync.Mutex
	pid      int
	tracer   *Tracer
	snapshot *Snapshot
	resumed  bool

	// released runs once the tracer has let go of the process.
	released func()
}

// PID returns the host PID of the paused process.
func (p *Paused) PID() int { return p.pid }

// Snapshot captures maps, environ and auxv on first call and returns the
// same frozen snapshot afterwards.
func (p *Paused) Snapshot() (*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snapshot != nil {
		return p.snapshot, nil
	}
	if p.resumed {
		return nil, fmt.Errorf("%w: process %d already resumed", errdefs.ErrScoutSynchronizationFailure, p.pid)
	}
	snap, err := Capture(p.pid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrScoutSynchronizationFailure, err)
	}
	p.snapshot = snap
	return snap, nil
}

// ReadMemory reads n bytes at addr from the paused process.
func (p *Paused) ReadMemory(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	err := p.tracer.Do(func() error {
		count, err := unix.PtracePeekData(p.pid, uintptr(addr), buf)
		if err != nil {
			return fmt.Errorf("peek %#x: %w", addr, err)
		}
		if count != n {
			return fmt.Errorf("peek %#x: short read %d/%d", addr, count, n)
		}
		return nil
	})
	return buf, err
}

// WriteMemory writes data at addr in the paused process, regardless of the
// page protection.
func (p *Paused) WriteMemory(addr uint64, data []byte) error {
	return p.tracer.Do(func() error {
		count, err := unix.PtracePokeData(p.pid, uintptr(addr), data)
		if err != nil {
			return fmt.Errorf("poke %#x: %w", addr, err)
		}
		if count != len(data) {
			return fmt.Errorf("poke %#x: short write %d/%d", addr, count, len(data))
		}
		return nil
	})
}

// Resume detaches from the process, letting it run its first instruction.
func (p *Paused) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resumed {
		return nil
	}
	p.resumed = true
	err := p.tracer.Do(func() error {
		if err := unix.PtraceDetach(p.pid); err != nil {
			return fmt.Errorf("detach %d: %w", p.pid, err)
		}
		return nil
	})
	p.tracer.Close()
	p.release()
	return err
}

func (p *Paused) release() {
	if p.released != nil {
		p.released()
		p.released = nil
	}
}

// Kill terminates the paused process and releases the tracer.
func (p *Paused) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = unix.Kill(p.pid, unix.SIGKILL)
	p.resumed = true
	p.tracer.Close()
	p.release()
}

// LaunchLocal starts l under PTRACE_TRACEME and waits for the SIGTRAP that
// follows execve. l is monitored once the returned Paused is resumed or
// killed. A failure to spawn the program at all is returned as is;
// failures after the spawn are ErrScoutSynchronizationFailure, with the
// child already killed and reaped.
func LaunchLocal(l *process.Local) (*Paused, error) {
	t := NewTracer()
	var pid int
	var spawnErr error
	err := t.Do(func() error {
		cmd := l.Cmd()
		if cmd.SysProcAttr == nil {
			cmd.SysProcAttr = &syscall.SysProcAttr{}
		}
		cmd.SysProcAttr.Ptrace = true
		if err := l.Launch(nil); err != nil {
			spawnErr = err
			return err
		}
		pid = cmd.Process.Pid

		var ws unix.WaitStatus
		for {
			_, err := unix.Wait4(pid, &ws, 0, nil)
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if err != nil {
				return fmt.Errorf("wait for exec trap: %w", err)
			}
			break
		}
		if !ws.Stopped() || ws.StopSignal() != unix.SIGTRAP {
			return fmt.Errorf("unexpected status %#x at exec trap", uint32(ws))
		}
		return nil
	})
	if spawnErr != nil {
		t.Close()
		return nil, spawnErr
	}
	if err != nil {
		t.Close()
		if pid != 0 {
			_ = unix.Kill(pid, unix.SIGKILL)
			l.Monitor()
			<-l.Wait()
		}
		return nil, fmt.Errorf("%w: %v", errdefs.ErrScoutSynchronizationFailure, err)
	}
	return &Paused{pid: pid, tracer: t, released: l.Monitor}, nil
}

// SeizeAtExec takes over pid, a process that has stopped itself with
// SIGSTOP right before calling execve, continues it and waits for the
// exec event. On return the new image is loaded and has not run yet.
func SeizeAtExec(ctx context.Context, pid int) (*Paused, error) {
	// The helper stops itself asynchronously; wait for the group-stop.
	err := backoff.Retry(func() error {
		stopped, err := process.Stopped(ctx, pid)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !stopped {
			return fmt.Errorf("process %d not stopped yet", pid)
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(pollInterval), pollAttempts), ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrScoutSynchronizationFailure, err)
	}

	t := NewTracer()
	err = t.Do(func() error {
		_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SEIZE, uintptr(pid), 0, unix.PTRACE_O_TRACEEXEC, 0, 0)
		if errno != 0 {
			return fmt.Errorf("seize %d: %w", pid, errno)
		}
		if err := unix.Kill(pid, unix.SIGCONT); err != nil {
			return fmt.Errorf("continue %d: %w", pid, err)
		}
		for {
			var ws unix.WaitStatus
			_, err := unix.Wait4(pid, &ws, unix.WALL, nil)
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if err != nil {
				return fmt.Errorf("wait for exec event: %w", err)
			}
			switch {
			case ws.Exited() || ws.Signaled():
				return fmt.Errorf("process %d terminated before exec", pid)
			case !ws.Stopped():
				continue
			case ws.TrapCause() == unix.PTRACE_EVENT_EXEC:
				return nil
			}

			// Group-stops and the SIGSTOP/SIGCONT pair are swallowed,
			// any other signal is delivered.
			inject := 0
			event := int(uint32(ws) >> 16)
			sig := ws.StopSignal()
			if event == 0 && sig != unix.SIGSTOP && sig != unix.SIGCONT && sig != unix.SIGTRAP {
				inject = int(sig)
			}
			if err := unix.PtraceCont(pid, inject); err != nil {
				return fmt.Errorf("resume %d: %w", pid, err)
			}
		}
	})
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("%w: %v", errdefs.ErrScoutSynchronizationFailure, err)
	}
	return &Paused{pid: pid, tracer: t}, nil
}

// ErrMemoryGone means the process exited or the address is no longer mapped.
var ErrMemoryGone = errors.New("process memory gone")

// PatchMemory writes data at addr of a running, untraced process through
// procfs. It is used to undo patches after the tracer detached.
func PatchMemory(pid int, addr uint64, data []byte) error {
	f, err := os.OpenFile("/proc/"+strconv.Itoa(pid)+"/mem", os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("%w: %v", ErrMemoryGone, err)
		}
		return fmt.Errorf("open memory of %d: %w", pid, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(data, int64(addr)); err != nil {
		if errors.Is(err, unix.EIO) || errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("%w: %v", ErrMemoryGone, err)
		}
		return fmt.Errorf("write memory of %d at %#x: %w", pid, addr, err)
	}
	return nil
}
