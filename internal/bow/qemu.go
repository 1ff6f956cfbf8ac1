package bow

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"quiver/internal/armory"
	"quiver/internal/logging"
	"quiver/internal/process"
	"quiver/internal/target"
)

// QEMUConfig holds configuration for a QEMUTracer.
type QEMUConfig struct {
	Armory *armory.Armory
	// Arch defaults to the architecture of the target.
	Arch string
	// Events are passed to -d, "in_asm" by default.
	Events []string

	Logger *zerolog.Logger
}

// QEMUTracer runs the program under qemu user-mode emulation with its
// execution log written into the target scratch directory.
type QEMUTracer struct {
	armory *armory.Armory
	arch   string
	events []string
	logger zerolog.Logger

	mu       sync.Mutex
	launches int
	session  *TraceSession
}

// TraceSession is the artifact of a QEMUTracer.
type TraceSession struct {
	Arch     string   `json:"arch"`
	Emulator string   `json:"emulator"`
	Events   []string `json:"events"`
	// LogPath is the trace log inside the target.
	LogPath string `json:"log_path"`
	PID     int    `json:"pid"`
}

// Read returns the trace log written so far.
func (s *TraceSession) Read(ctx context.Context, t *target.Target) ([]byte, error) {
	return t.RetrieveContent(ctx, s.LogPath)
}

// NewQEMUTracer creates a QEMU tracer.
func NewQEMUTracer(cfg QEMUConfig) *QEMUTracer {
	events := cfg.Events
	if len(events) == 0 {
		events = []string{"in_asm"}
	}
	return &QEMUTracer{
		armory: cfg.Armory,
		arch:   cfg.Arch,
		events: events,
		logger: logging.Component(cfg.Logger, "bow.qemu"),
	}
}

// Name implements target.Bow.
func (q *QEMUTracer) Name() string { return QEMUName }

// Attach implements target.Bow.
func (q *QEMUTracer) Attach(ctx context.Context, t *target.Target) (target.Request, error) {
	arch := q.arch
	if arch == "" {
		arch = targetArch(t)
	}
	helper := "qemu-" + qemuArch(arch)
	emulator, err := q.armory.Destination(t.Backend(), helper)
	if err != nil {
		return target.Request{}, err
	}

	q.mu.Lock()
	q.launches++
	session := &TraceSession{
		Arch:     arch,
		Emulator: emulator,
		Events:   q.events,
		LogPath:  path.Join(t.Backend().ScratchDir(), fmt.Sprintf("qemu-trace-%d.log", q.launches)),
	}
	q.session = session
	q.mu.Unlock()

	return target.Request{Arrow: &target.Arrow{
		Name:  helper,
		Slot:  "emulator",
		Path:  emulator,
		Args:  []string{"-d", strings.Join(q.events, ","), "-D", session.LogPath},
		Stage: func(ctx context.Context) error {
			_, err := q.armory.Stage(ctx, t.Backend(), helper)
			return err
		},
	}}, nil
}

// Collect implements target.Bow. The artifact is the *TraceSession.
func (q *QEMUTracer) Collect(ctx context.Context, t *target.Target, main process.Handle) (any, error) {
	q.mu.Lock()
	session := q.session
	q.session = nil
	q.mu.Unlock()
	if session == nil {
		return nil, fmt.Errorf("qemu tracer was not attached")
	}
	session.PID = main.PID()
	q.logger.Info().Str("emulator", session.Emulator).Str("log", session.LogPath).Msg("Tracing under emulation")
	return session, nil
}

// qemuArch maps a Go architecture name to the qemu-user binary suffix.
func qemuArch(goarch string) string {
	switch goarch {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "i386"
	case "ppc64":
		return "ppc64"
	case "mipsle":
		return "mipsel"
	default:
		return goarch
	}
}
