package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"quiver/internal/armory"
	"quiver/internal/backend"
	"quiver/internal/bow"
	"quiver/internal/config"
	"quiver/internal/logging"
	"quiver/internal/target"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	backend    string
	image      string
}

func (o *globalOptions) register(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVarP(&o.configPath, "config", "c", "", "Target file (default "+config.DefaultPath()+")")
	flags.StringVar(&o.logLevel, "log-level", "", "Log level override (trace, debug, info, warn, error)")
	flags.StringVar(&o.backend, "backend", "", "Backend override (local, docker)")
	flags.StringVar(&o.image, "image", "", "Docker image override")
}

// loadConfig reads the target file and applies the command-line overrides.
// Without --config a missing default file falls back to config.Default.
func (o *globalOptions) loadConfig(argv []string) (*config.TargetFile, string, error) {
	path := o.configPath
	explicit := path != ""
	if !explicit {
		path = config.DefaultPath()
	}

	cfg, err := config.Read(path)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
		cfg, path = config.Default(), ""
	}
	o.apply(cfg, argv)
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, path, nil
}

// apply overrides cfg with the flags and a positional command line.
func (o *globalOptions) apply(cfg *config.TargetFile, argv []string) {
	if o.backend != "" {
		cfg.Backend = o.backend
	}
	if o.image != "" {
		cfg.Image = o.image
		if o.backend == "" {
			cfg.Backend = config.BackendDocker
		}
	}
	if len(argv) > 0 {
		cfg.Argv = append([]string(nil), argv...)
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
}

// session is a built target and everything it was built from.
type session struct {
	cfg    *config.TargetFile
	logger zerolog.Logger
	target *target.Target
}

// openSession wires the armory, backend and bows of cfg into a built target.
func openSession(ctx context.Context, cfg *config.TargetFile) (*session, error) {
	logger := logging.New(cfg.Logging)

	a, err := armory.New(armory.Config{
		Path:       cfg.Armory.Path,
		SearchPATH: cfg.Armory.SearchPATH,
		Logger:     &logger,
	})
	if err != nil {
		return nil, err
	}

	b, err := newBackend(cfg, a, &logger)
	if err != nil {
		return nil, err
	}

	bows, err := bow.NewRegistry(cfg.Bows, bow.Options{Armory: a, Logger: &logger})
	if err != nil {
		return nil, err
	}

	t, err := target.New(target.Config{
		ID:          cfg.ID,
		Backend:     b,
		Bows:        bows,
		StopTimeout: cfg.StopTimeout,
		Logger:      &logger,
	})
	if err != nil {
		return nil, err
	}
	if err := t.Build(ctx); err != nil {
		_ = t.Destroy(context.WithoutCancel(ctx))
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, target: t}, nil
}

func newBackend(cfg *config.TargetFile, a *armory.Armory, logger *zerolog.Logger) (backend.Backend, error) {
	switch cfg.Backend {
	case config.BackendLocal:
		return backend.NewLocal(backend.LocalConfig{
			Argv:        cfg.Argv,
			Env:         localEnv(cfg.Env),
			Cwd:         cfg.Cwd,
			Ports:       cfg.Ports,
			ScratchRoot: cfg.ScratchRoot,
			Logger:      logger,
		}), nil

	case config.BackendDocker:
		api, err := backend.NewDockerClient()
		if err != nil {
			return nil, err
		}
		trap, err := a.Locate(armory.TrapHelper)
		if err != nil {
			logger.Debug().Err(err).Msg("Trap helper unavailable, using shell fallbacks")
			trap = ""
		}
		return backend.NewDocker(api, backend.DockerConfig{
			Image:      cfg.Image,
			Entrypoint: cfg.Entrypoint,
			Cmd:        cfg.Argv,
			Env:        cfg.Env,
			Cwd:        cfg.Cwd,
			Ports:      cfg.Ports,
			TrapBinary: trap,
			Logger:     logger,
		}), nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// localEnv layers the configured variables over this process' environment.
func localEnv(env []string) []string {
	if len(env) == 0 {
		return nil
	}
	return backend.MergeEnv(os.Environ(), env)
}

// close destroys the target.
func (s *session) close(ctx context.Context) {
	if err := s.target.Destroy(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error().Err(err).Msg("Destroy target")
	}
}
