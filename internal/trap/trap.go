//go:build linux

// Package trap implements quiver-trap, the helper that runs inside
// container targets. It keeps the holder container alive and stops
// programs right before they are exec'd so the host can seize them.
package trap

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// Name is the helper's binary name.
const Name = "quiver-trap"

const (
	exitUsage      = 2
	exitExecFailed = 126
	exitNotFound   = 127
)

// Run executes the mode named by args[0] and returns the exit code.
func Run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "hold":
		sigCh := make(chan os.Signal, 16)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGCHLD)
		defer signal.Stop(sigCh)
		return Hold(sigCh)
	case "stop-exec":
		return stopExec(args[1:])
	case "help", "-h", "--help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "%s: unknown mode %q\n", Name, args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s hold\n", Name)
	fmt.Fprintf(os.Stderr, "       %s stop-exec -- <command> [args...]\n", Name)
}

// stopExec stops the calling process with SIGSTOP and, once continued,
// replaces it with the command. The command is resolved before stopping
// so a missing program fails without a pause.
func stopExec(args []string) int {
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "%s: stop-exec requires a command\n", Name)
		return exitUsage
	}

	path, err := exec.LookPath(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", Name, err)
		return exitNotFound
	}

	if err := unix.Kill(unix.Getpid(), unix.SIGSTOP); err != nil {
		fmt.Fprintf(os.Stderr, "%s: stop: %v\n", Name, err)
		return exitExecFailed
	}
	err = unix.Exec(path, args, os.Environ())
	fmt.Fprintf(os.Stderr, "%s: exec %s: %v\n", Name, path, err)
	return exitExecFailed
}
