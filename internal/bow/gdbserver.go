package bow

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"quiver/internal/armory"
	"quiver/internal/backend"
	"quiver/internal/logging"
	"quiver/internal/process"
	"quiver/internal/target"
)

const (
	// DefaultGDBPort is the port gdbserver listens on.
	DefaultGDBPort = 1234

	defaultListenWait = 10 * time.Second
	listenPoll        = 100 * time.Millisecond
)

// GDBConfig holds configuration for a GDBServer.
type GDBConfig struct {
	Armory *armory.Armory
	// Port defaults to DefaultGDBPort.
	Port int
	// ListenWait bounds the wait for the stub to start listening.
	ListenWait time.Duration

	Logger *zerolog.Logger
}

// GDBServer launches the program under gdbserver and hands out the address
// a debugger connects to.
type GDBServer struct {
	armory     *armory.Armory
	port       int
	listenWait time.Duration
	logger     zerolog.Logger
}

// Debugger is the artifact of a GDBServer.
type Debugger struct {
	Endpoint backend.Endpoint `json:"endpoint"`
	PID      int              `json:"pid"`
}

// Remote returns the gdb command connecting to the stub.
func (d *Debugger) Remote() string {
	return "target remote " + d.Endpoint.Address()
}

// NewGDBServer creates a gdbserver bow.
func NewGDBServer(cfg GDBConfig) *GDBServer {
	if cfg.Port <= 0 {
		cfg.Port = DefaultGDBPort
	}
	if cfg.ListenWait <= 0 {
		cfg.ListenWait = defaultListenWait
	}
	return &GDBServer{
		armory:     cfg.Armory,
		port:       cfg.Port,
		listenWait: cfg.ListenWait,
		logger:     logging.Component(cfg.Logger, "bow.gdbserver"),
	}
}

// Name implements target.Bow.
func (g *GDBServer) Name() string { return GDBServerName }

// Attach implements target.Bow.
func (g *GDBServer) Attach(ctx context.Context, t *target.Target) (target.Request, error) {
	stub, err := g.armory.Destination(t.Backend(), GDBServerName)
	if err != nil {
		return target.Request{}, err
	}
	return target.Request{Arrow: &target.Arrow{
		Name:  GDBServerName,
		Slot:  "debugger",
		Path:  stub,
		Args:  []string{":" + strconv.Itoa(g.port)},
		Stage: func(ctx context.Context) error {
			_, err := g.armory.Stage(ctx, t.Backend(), GDBServerName)
			return err
		},
	}}, nil
}

// Collect implements target.Bow. It waits for the stub to listen and
// returns a *Debugger.
func (g *GDBServer) Collect(ctx context.Context, t *target.Target, main process.Handle) (any, error) {
	var found backend.Endpoint
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(listenPoll), uint64(g.listenWait/listenPoll)),
		ctx,
	)
	err := backoff.Retry(func() error {
		if process.Exited(main) {
			return backoff.Permanent(fmt.Errorf("gdbserver exited with code %d", main.ExitCode()))
		}
		endpoints, err := t.Endpoints(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		for _, e := range endpoints {
			if e.Port == g.port && e.Proto == "tcp" && e.Observed {
				found = e
				return nil
			}
		}
		return fmt.Errorf("gdbserver not listening on %d", g.port)
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("wait for debug stub: %w", err)
	}

	g.logger.Info().Str("address", found.Address()).Msg("Debug stub listening")
	return &Debugger{Endpoint: found, PID: main.PID()}, nil
}
