// Command quiver builds, launches and inspects analysis targets described
// by a target file.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// exitCodeError carries the exit code of a program run through quiver.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	var opts globalOptions

	rootCmd := &cobra.Command{
		Use:           "quiver",
		Short:         "Quiver - launch programs under analysis tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.register(rootCmd)

	rootCmd.AddCommand(newStartCmd(&opts))
	rootCmd.AddCommand(newScoutCmd(&opts))
	rootCmd.AddCommand(newPortsCmd(&opts))
	rootCmd.AddCommand(newRunCmd(&opts))
	rootCmd.AddCommand(newRetrieveCmd(&opts))

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
