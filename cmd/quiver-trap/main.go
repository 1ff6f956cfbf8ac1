//go:build linux

// Command quiver-trap runs inside container targets. "hold" keeps the
// holder container alive; "stop-exec" stops itself right before exec'ing
// the program so the host can seize it at its exec trap.
package main

import (
	"os"

	"quiver/internal/trap"
)

func main() {
	os.Exit(trap.Run(os.Args[1:]))
}
