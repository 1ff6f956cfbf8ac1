// Package config loads target files: YAML documents describing the program
// to analyze, the backend it runs in and the bows attached to it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"quiver/internal/backend"
	"quiver/internal/bow"
	"quiver/internal/logging"
	"quiver/internal/process"
)

// Backend kinds.
const (
	BackendLocal  = "local"
	BackendDocker = "docker"
)

// DefaultFile is the target file looked up under the XDG config directories.
const DefaultFile = "quiver/target.yaml"

// ArmoryConfig locates helper executables.
type ArmoryConfig struct {
	Path       string `yaml:"path,omitempty"`
	SearchPATH bool   `yaml:"search_path"`
}

// TargetFile is the top-level target configuration.
type TargetFile struct {
	ID      string `yaml:"id,omitempty"`
	Backend string `yaml:"backend"`

	// Image is the docker image; Entrypoint and Argv override its own.
	Image      string   `yaml:"image,omitempty"`
	Entrypoint []string `yaml:"entrypoint,omitempty"`

	Argv  []string `yaml:"argv,omitempty"`
	Env   []string `yaml:"env,omitempty"`
	Cwd   string   `yaml:"cwd,omitempty"`
	Ports []string `yaml:"ports,omitempty"`

	ScratchRoot string        `yaml:"scratch_root,omitempty"` // local backend only
	StopTimeout time.Duration `yaml:"stop_timeout,omitempty"` // e.g. "5s"

	Bows    []bow.Spec     `yaml:"bows,omitempty"`
	Armory  ArmoryConfig   `yaml:"armory"`
	Logging logging.Config `yaml:"logging"`
}

// Load reads and validates a target file.
func Load(path string) (*TargetFile, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid target file %s: %w", path, err)
	}
	return cfg, nil
}

// Read parses a target file and applies defaults without validating it,
// for callers completing it from other sources first.
func Read(path string) (*TargetFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read target file: %w", err)
	}

	var cfg TargetFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse target file: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns the configuration used without a target file: a local
// program watched by the data scout.
func Default() *TargetFile {
	cfg := &TargetFile{
		Bows:    []bow.Spec{{Name: bow.DataScoutName}},
		Logging: logging.DefaultConfig(),
	}
	cfg.applyDefaults()
	return cfg
}

func (c *TargetFile) applyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendLocal
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = process.DefaultGrace
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the configuration is usable.
func (c *TargetFile) Validate() error {
	switch c.Backend {
	case BackendLocal:
		if len(c.Argv) == 0 {
			return fmt.Errorf("local backend requires argv")
		}
		if c.Image != "" {
			return fmt.Errorf("image is only valid with the docker backend")
		}
	case BackendDocker:
		if c.Image == "" {
			return fmt.Errorf("docker backend requires an image")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if _, err := backend.ParsePorts(c.Ports); err != nil {
		return err
	}
	if c.StopTimeout < 0 {
		return fmt.Errorf("stop_timeout must be positive")
	}

	seen := make(map[string]bool, len(c.Bows))
	for _, b := range c.Bows {
		switch b.Name {
		case bow.DataScoutName, bow.QEMUName, bow.GDBServerName, bow.ProjectName:
		default:
			return fmt.Errorf("unknown bow %q", b.Name)
		}
		if seen[b.Name] {
			return fmt.Errorf("bow %q declared twice", b.Name)
		}
		seen[b.Name] = true
		if b.Port < 0 || b.Port > 65535 {
			return fmt.Errorf("bow %s: invalid port %d", b.Name, b.Port)
		}
	}
	return nil
}

// DefaultPath returns the target file found in the XDG config directories,
// or where it would be created in $XDG_CONFIG_HOME.
func DefaultPath() string {
	if path, err := xdg.SearchConfigFile(DefaultFile); err == nil {
		return path
	}
	return filepath.Join(xdg.ConfigHome, DefaultFile)
}
