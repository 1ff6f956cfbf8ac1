package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/kr/pty"
)

// Config describes a process to spawn on the local host.
type Config struct {
	Path string
	Args []string // argv without argv[0]
	Env  []string
	Dir  string

	// Stdin, Stdout and Stderr override the pipes exposed by the handle.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// TTY runs the process on a pseudo-terminal. Stdin and Stdout of the
	// handle then refer to the terminal master; Stderr is merged into it.
	TTY bool
}

// Local is a Handle for a child process of the current program.
type Local struct {
	mu sync.Mutex

	cmd *exec.Cmd
	tty *os.File

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	// child-side descriptors, closed once the child has them
	childFiles []*os.File

	err      error
	exitCode int
	waitCh   chan struct{}

	monitorOnce sync.Once
	closeOnce   sync.Once
}

// New prepares a local process without starting it.
func New(cfg Config) (*Local, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("process path is required")
	}

	cmd := exec.Command(cfg.Path, cfg.Args...) // nolint: gosec
	cmd.Env = cfg.Env
	cmd.Dir = cfg.Dir

	l := &Local{
		cmd:      cmd,
		exitCode: -1,
		waitCh:   make(chan struct{}),
	}

	if cfg.TTY {
		// pty.Start wires the terminal itself.
		return l, nil
	}

	// Process group so that Kill reaches grandchildren too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if cfg.Stdin != nil {
		cmd.Stdin = cfg.Stdin
	} else {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		cmd.Stdin = r
		l.stdin = w
		l.childFiles = append(l.childFiles, r)
	}

	if cfg.Stdout != nil {
		cmd.Stdout = cfg.Stdout
	} else {
		r, w, err := os.Pipe()
		if err != nil {
			l.closeFiles()
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		cmd.Stdout = w
		l.stdout = r
		l.childFiles = append(l.childFiles, w)
	}

	if cfg.Stderr != nil {
		cmd.Stderr = cfg.Stderr
	} else {
		r, w, err := os.Pipe()
		if err != nil {
			l.closeFiles()
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		cmd.Stderr = w
		l.stderr = r
		l.childFiles = append(l.childFiles, w)
	}

	return l, nil
}

// Start spawns and monitors a local process.
func Start(cfg Config) (*Local, error) {
	l, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.TTY {
		err = l.startTTY()
	} else {
		err = l.Launch(nil)
	}
	if err != nil {
		return nil, err
	}
	l.Monitor()
	return l, nil
}

// Cmd exposes the underlying command so launchers can adjust SysProcAttr
// before Launch.
func (l *Local) Cmd() *exec.Cmd {
	return l.cmd
}

// Launch spawns the process with start (cmd.Start when nil) but does not
// reap it. Callers that stop the child under ptrace must call Monitor only
// after detaching.
func (l *Local) Launch(start func(*exec.Cmd) error) error {
	if start == nil {
		start = (*exec.Cmd).Start
	}
	if err := start(l.cmd); err != nil {
		l.closeFiles()
		l.closeParentSide()
		return err
	}
	// The child holds its own copies now.
	for _, f := range l.childFiles {
		_ = f.Close()
	}
	l.childFiles = nil
	return nil
}

func (l *Local) startTTY() error {
	tty, err := pty.Start(l.cmd)
	if err != nil {
		return err
	}
	l.tty = tty
	l.stdin = tty
	l.stdout = tty
	return nil
}

// Monitor starts reaping the process. It is safe to call more than once.
func (l *Local) Monitor() {
	l.monitorOnce.Do(func() {
		go func() {
			err := l.cmd.Wait()
			code := -1
			if ps := l.cmd.ProcessState; ps != nil {
				if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
					code = exitStatus(ws)
				} else {
					code = ps.ExitCode()
				}
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					// Non-zero exit is reported through ExitCode.
					err = nil
				}
			}

			l.mu.Lock()
			l.err = err
			l.exitCode = code
			l.mu.Unlock()

			close(l.waitCh)
		}()
	})
}

// PID implements Handle.
func (l *Local) PID() int {
	if l.cmd.Process == nil {
		return 0
	}
	return l.cmd.Process.Pid
}

// Stdin implements Handle.
func (l *Local) Stdin() io.WriteCloser { return l.stdin }

// Stdout implements Handle.
func (l *Local) Stdout() io.Reader {
	if l.stdout == nil {
		return nil
	}
	return l.stdout
}

// Stderr implements Handle.
func (l *Local) Stderr() io.Reader {
	if l.stderr == nil {
		return nil
	}
	return l.stderr
}

// Wait implements Handle.
func (l *Local) Wait() <-chan struct{} { return l.waitCh }

// ExitCode implements Handle.
func (l *Local) ExitCode() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exitCode
}

// Err implements Handle.
func (l *Local) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Signal implements Handle.
func (l *Local) Signal(sig syscall.Signal) error {
	if l.cmd.Process == nil || Exited(l) {
		return nil
	}
	if err := l.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal %d: %w", l.PID(), err)
	}
	return nil
}

// Kill implements Handle.
func (l *Local) Kill() error {
	if l.cmd.Process == nil || Exited(l) {
		return nil
	}
	pid := l.cmd.Process.Pid
	if err := l.cmd.Process.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			// Reaped already; the pid may belong to someone else now.
			return nil
		}
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	// Some environments do not reap orphans; take the group down as well.
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	return nil
}

// Close implements Handle.
func (l *Local) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.cmd.Process != nil {
			l.Monitor()
			err = Terminate(l, DefaultGrace)
		}
		l.closeFiles()
		l.closeParentSide()
	})
	return err
}

func (l *Local) closeFiles() {
	for _, f := range l.childFiles {
		_ = f.Close()
	}
	l.childFiles = nil
}

func (l *Local) closeParentSide() {
	if l.tty != nil {
		_ = l.tty.Close()
		return
	}
	if l.stdin != nil {
		_ = l.stdin.Close()
	}
	if l.stdout != nil {
		_ = l.stdout.Close()
	}
	if l.stderr != nil {
		_ = l.stderr.Close()
	}
}
