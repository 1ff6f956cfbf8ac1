// Package process owns the OS processes spawned for a target: the main
// process of a launch and every sub-invocation of a run context.
package process

import (
	"fmt"
	"io"
	"syscall"
	"time"
)

// DefaultGrace is how long Terminate waits after each signal before escalating.
const DefaultGrace = 5 * time.Second

// Handle is an owned process together with its standard stream descriptors.
// A Handle has exactly one teardown path: Close.
type Handle interface {
	// PID returns the process ID as seen from the host.
	PID() int

	// Stdin returns the write side of the process' standard input, or nil
	// when the caller supplied its own reader.
	Stdin() io.WriteCloser

	// Stdout and Stderr return the read side of the output streams, or nil
	// when the caller supplied its own writers.
	Stdout() io.Reader
	Stderr() io.Reader

	// Wait returns a channel closed once the process has been reaped.
	Wait() <-chan struct{}

	// ExitCode returns the exit status once reaped, -1 before that.
	// A process killed by a signal reports 128+signal.
	ExitCode() int

	// Err returns a wait error, if any. A non-zero exit is not an error.
	Err() error

	// Signal delivers sig. Signalling an exited process is a no-op.
	Signal(sig syscall.Signal) error

	// Kill forcefully terminates the process. Killing an exited process is a no-op.
	Kill() error

	// Close terminates the process if still running and releases its descriptors.
	Close() error
}

// Exited reports whether h has been reaped.
func Exited(h Handle) bool {
	select {
	case <-h.Wait():
		return true
	default:
		return false
	}
}

// Terminate asks h to exit with SIGTERM, escalating to Kill after grace.
// It never fails for a process that is already gone.
func Terminate(h Handle, grace time.Duration) error {
	if Exited(h) {
		return nil
	}
	if grace <= 0 {
		grace = DefaultGrace
	}

	_ = h.Signal(syscall.SIGTERM)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.Wait():
		return nil
	case <-timer.C:
	}

	_ = h.Kill()
	timer.Reset(grace)
	select {
	case <-h.Wait():
		return nil
	case <-timer.C:
		return fmt.Errorf("process %d still running after kill", h.PID())
	}
}

// exitStatus converts a wait status into a shell-style exit code.
func exitStatus(ws syscall.WaitStatus) int {
	if ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ws.ExitStatus()
}
