// Package armory locates the helper executables arrows run (emulators,
// debug stubs, the trap helper) and stages them into targets.
package armory

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"quiver/internal/backend"
	"quiver/internal/logging"
)

// TrapHelper is the name of the trap helper binary.
const TrapHelper = "quiver-trap"

// Config holds configuration for an Armory.
type Config struct {
	// Path is the armory directory, $XDG_DATA_HOME/quiver/armory by default.
	Path string
	// SearchPATH lets Locate fall back to $PATH lookups.
	SearchPATH bool

	Logger *zerolog.Logger
}

// Armory is a host directory of helper executables.
type Armory struct {
	path       string
	searchPATH bool
	logger     zerolog.Logger
}

// New creates an armory, creating its directory if needed.
func New(cfg Config) (*Armory, error) {
	if cfg.Path == "" {
		cfg.Path = filepath.Join(xdg.DataHome, "quiver", "armory")
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create armory directory: %w", err)
	}
	return &Armory{
		path:       cfg.Path,
		searchPATH: cfg.SearchPATH,
		logger:     logging.Component(cfg.Logger, "armory"),
	}, nil
}

// Path returns the armory directory.
func (a *Armory) Path() string { return a.path }

// Ensure verifies that each named helper is a regular executable file in
// the armory.
func (a *Armory) Ensure(names ...string) error {
	for _, name := range names {
		if err := validateName(name); err != nil {
			return fmt.Errorf("invalid helper %q: %w", name, err)
		}
		path := filepath.Join(a.path, name)

		stat, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("helper %s not found at %s", name, path)
			}
			return fmt.Errorf("stat helper: %w", err)
		}
		if !stat.Mode().IsRegular() {
			return fmt.Errorf("helper at %s is not a regular file", path)
		}
		if stat.Mode()&0o111 == 0 {
			return fmt.Errorf("helper at %s is not executable (mode: %o)", path, stat.Mode())
		}
		a.logger.Debug().Str("helper", name).Str("mode", fmt.Sprintf("%o", stat.Mode())).Msg("Armory verified")
	}
	return nil
}

// Locate returns the host path of a helper: the armory copy if present,
// otherwise the one on $PATH when SearchPATH is set.
func (a *Armory) Locate(name string) (string, error) {
	if err := a.Ensure(name); err == nil {
		return filepath.Join(a.path, name), nil
	} else if !a.searchPATH {
		return "", err
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("helper %s not in armory or PATH: %w", name, err)
	}
	return filepath.Abs(path)
}

// Destination returns the path a helper is exec'd by inside the target of
// b, without copying anything. Targets sharing the host filesystem run the
// host copy; others get a copy at <scratch>/arrows/<name> from Stage.
func (a *Armory) Destination(b backend.Backend, name string) (string, error) {
	src, err := a.Locate(name)
	if err != nil {
		return "", err
	}
	if b.HostFS() {
		return src, nil
	}
	return filepath.Join(b.ScratchDir(), "arrows", name), nil
}

// Stage makes a helper runnable inside the target of b and returns the path
// to exec it by, the one Destination reports.
func (a *Armory) Stage(ctx context.Context, b backend.Backend, name string) (string, error) {
	src, err := a.Locate(name)
	if err != nil {
		return "", err
	}
	if b.HostFS() {
		return src, nil
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("read helper %s: %w", name, err)
	}
	dst := filepath.Join(b.ScratchDir(), "arrows", name)
	if err := b.WriteFile(ctx, &backend.File{Path: dst, Data: data, Mode: 0o755}); err != nil {
		return "", fmt.Errorf("stage helper %s: %w", name, err)
	}
	a.logger.Info().Str("helper", name).Str("path", dst).Str("size", humanize.Bytes(uint64(len(data)))).Msg("Staged helper into target")
	return dst, nil
}

// validateName ensures a helper name is a plain file name.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("name cannot contain /")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("name cannot contain ..")
	}
	if strings.Contains(name, "\x00") {
		return fmt.Errorf("name cannot contain null bytes")
	}
	return nil
}
