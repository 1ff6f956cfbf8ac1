package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"quiver/internal/config"
	"quiver/internal/logging"
	"quiver/internal/target"
)

func newStartCmd(opts *globalOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "start [-- program [args...]]",
		Short: "Build the target and run its program until it exits",
		Long: `Build the target, launch its program through the configured bows and
wait for it to exit. A command line after -- replaces the configured one.
With --watch the target is rebuilt and relaunched whenever the target file
changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, path, err := opts.loadConfig(args)
			if err != nil {
				return err
			}
			if !watch {
				return startOnce(ctx, cfg)
			}
			if path == "" {
				return fmt.Errorf("--watch requires a target file")
			}
			return startWatched(ctx, opts, cfg, path, args)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Relaunch the target when the target file changes")
	return cmd
}

// launch builds cfg's target and starts its program.
func launch(ctx context.Context, cfg *config.TargetFile, stdin io.Reader) (*session, error) {
	s, err := openSession(ctx, cfg)
	if err != nil {
		return nil, err
	}
	err = s.target.Start(ctx, target.StartOptions{
		Stdin:  stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	if err != nil {
		s.close(ctx)
		return nil, err
	}
	reportArtifacts(s.logger, s.target.Artifacts())
	return s, nil
}

func startOnce(ctx context.Context, cfg *config.TargetFile) error {
	s, err := launch(ctx, cfg, os.Stdin)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	proc := s.target.Process()
	select {
	case <-proc.Wait():
	case <-ctx.Done():
		s.logger.Info().Msg("Interrupted, stopping target")
		return s.target.Stop(context.WithoutCancel(ctx))
	}

	s.logger.Info().Int("exit_code", proc.ExitCode()).Msg("Program exited")
	if code := proc.ExitCode(); code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}

// startWatched relaunches the target every time the target file at path
// is reloaded, until ctx is done.
func startWatched(ctx context.Context, opts *globalOptions, cfg *config.TargetFile, path string, argv []string) error {
	base := logging.New(cfg.Logging)
	logger := logging.Component(&base, "quiver")

	w, err := config.NewWatcher(path, cfg, &logger)
	if err != nil {
		return err
	}
	w.Adjust(func(c *config.TargetFile) { opts.apply(c, argv) })
	reloaded := make(chan struct{}, 1)
	w.OnReload(func(*config.TargetFile) {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	for {
		var exited <-chan struct{}
		s, err := launch(ctx, cfg, nil)
		if err != nil {
			logger.Error().Err(err).Msg("Launch failed, waiting for the target file to change")
		} else {
			exited = s.target.Process().Wait()
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				if s != nil {
					s.close(ctx)
				}
				return nil
			case <-exited:
				logger.Info().Int("exit_code", s.target.Process().ExitCode()).Msg("Program exited, waiting for the target file to change")
				exited = nil
			case <-reloaded:
				break wait
			}
		}

		if s != nil {
			s.close(ctx)
		}
		cfg = w.Current()
		logger.Info().Msg("Target file changed, relaunching")
	}
}
