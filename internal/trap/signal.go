//go:build linux

package trap

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Hold blocks until SIGTERM or SIGINT arrives on signals. As pid 1 of the
// holder container it reaps the orphans reparented to it on SIGCHLD.
func Hold(signals <-chan os.Signal) int {
	for sig := range signals {
		if sig == syscall.SIGCHLD {
			reap()
			continue
		}
		return 0
	}
	return 0
}

// reap collects every exited child without blocking.
func reap() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || pid <= 0 {
			return
		}
	}
}
