package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newPortsCmd(opts *globalOptions) *cobra.Command {
	var settle time.Duration

	cmd := &cobra.Command{
		Use:   "ports [-- program [args...]]",
		Short: "Launch the program and list the addresses its ports are reachable at",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, _, err := opts.loadConfig(args)
			if err != nil {
				return err
			}
			s, err := launch(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer s.close(ctx)

			// Give the program time to bind its sockets.
			select {
			case <-time.After(settle):
			case <-s.target.Process().Wait():
			case <-ctx.Done():
				return ctx.Err()
			}

			endpoints, err := s.target.Endpoints(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PORT\tADDRESS\tDECLARED\tLISTENING")
			for _, e := range endpoints {
				fmt.Fprintf(w, "%s\t%s\t%t\t%t\n", e.Key(), e.Address(), e.Declared, e.Observed)
			}
			return w.Flush()
		},
	}

	cmd.Flags().DurationVar(&settle, "settle", 2*time.Second, "How long to let the program start before listing")
	return cmd
}
