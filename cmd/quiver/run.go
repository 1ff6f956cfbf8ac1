package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"quiver/internal/target"
)

func newRunCmd(opts *globalOptions) *cobra.Command {
	var tty bool

	cmd := &cobra.Command{
		Use:   "run -- command [args...]",
		Short: "Launch the target and run a command inside it",
		Long: `Launch the target's program, then run the given command next to it in
the same environment, attached to this terminal. The command's exit code
is returned and the target is torn down afterwards.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, _, err := opts.loadConfig(nil)
			if err != nil {
				return err
			}
			s, err := launch(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer s.close(ctx)

			run := &target.Run{
				Argv:   args,
				Stdin:  os.Stdin,
				Stdout: os.Stdout,
				Stderr: os.Stderr,
				TTY:    tty,
			}
			code := 0
			err = s.target.With(ctx, run, func(ctx context.Context) error {
				select {
				case <-run.Handle().Wait():
				case <-ctx.Done():
					return ctx.Err()
				}
				if err := run.Handle().Err(); err != nil {
					return err
				}
				code = run.Handle().ExitCode()
				return nil
			})
			if err != nil {
				return err
			}
			if code != 0 {
				return &exitCodeError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&tty, "tty", "t", false, "Allocate a pseudo-terminal for the command")
	return cmd
}
