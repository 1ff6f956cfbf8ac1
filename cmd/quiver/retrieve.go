package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newRetrieveCmd(opts *globalOptions) *cobra.Command {
	var (
		globs []string
		out   string
		start bool
		wait  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "retrieve --glob PATTERN [--glob PATTERN...] --out FILE",
		Short: "Copy files out of the target into a gzip-compressed tarball",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, _, err := opts.loadConfig(args)
			if err != nil {
				return err
			}

			var s *session
			if start {
				s, err = launch(ctx, cfg, nil)
			} else {
				s, err = openSession(ctx, cfg)
			}
			if err != nil {
				return err
			}
			defer s.close(ctx)

			if start {
				select {
				case <-time.After(wait):
				case <-s.target.Process().Wait():
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			staging, err := os.MkdirTemp("", "quiver-retrieve-")
			if err != nil {
				return fmt.Errorf("create staging directory: %w", err)
			}
			defer os.RemoveAll(staging)

			var files []string
			for _, pattern := range globs {
				written, err := s.target.RetrieveGlob(ctx, pattern, staging)
				if err != nil {
					return fmt.Errorf("retrieve %s: %w", pattern, err)
				}
				if len(written) == 0 {
					s.logger.Warn().Str("glob", pattern).Msg("No files matched")
				}
				files = append(files, written...)
			}

			size, err := writeArchive(out, staging, files)
			if err != nil {
				return err
			}
			s.logger.Info().Int("files", len(files)).Str("size", humanize.Bytes(uint64(size))).Str("out", out).Msg("Archive written")
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&globs, "glob", "g", nil, "Glob of target paths to retrieve (repeatable)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output .tar.gz file")
	cmd.Flags().BoolVar(&start, "start", false, "Run the program before retrieving")
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "With --start, how long to let the program run")
	_ = cmd.MarkFlagRequired("glob")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
