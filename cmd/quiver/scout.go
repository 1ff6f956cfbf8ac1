package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"quiver/internal/bow"
	"quiver/internal/scout"
)

func newScoutCmd(opts *globalOptions) *cobra.Command {
	var objects bool

	cmd := &cobra.Command{
		Use:   "scout [-- program [args...]]",
		Short: "Launch the program paused and print its pre-entrypoint snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, _, err := opts.loadConfig(args)
			if err != nil {
				return err
			}
			if !slices.ContainsFunc(cfg.Bows, func(s bow.Spec) bool { return s.Name == bow.DataScoutName }) {
				cfg.Bows = append([]bow.Spec{{Name: bow.DataScoutName}}, cfg.Bows...)
			}

			s, err := launch(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer s.close(ctx)

			artifact, ok := s.target.Artifact(bow.DataScoutName)
			if !ok {
				return fmt.Errorf("the launch could not be paused; see the log for the reason")
			}
			snap := artifact.(*scout.Snapshot)

			if objects {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "BASE\tPATH")
				for _, o := range snap.LoadedObjects() {
					fmt.Fprintf(w, "%#x\t%s\n", o.Base, o.Path)
				}
				return w.Flush()
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}

	cmd.Flags().BoolVar(&objects, "objects", false, "Print the loaded objects and their bases instead of the full snapshot")
	return cmd
}
