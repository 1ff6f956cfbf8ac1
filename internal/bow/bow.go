// Package bow holds the analysis tools that attach to a target: the data
// scout, the QEMU tracer, the gdbserver debugger and the analysis project.
package bow

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog"

	"quiver/internal/armory"
	"quiver/internal/target"
)

// Bow names.
const (
	DataScoutName = "datascout"
	QEMUName      = "qemu"
	GDBServerName = "gdbserver"
	ProjectName   = "project"
)

// Spec declares one bow of a target file.
type Spec struct {
	Name string `yaml:"name"`
	// Arch overrides the emulated architecture of the qemu bow.
	Arch string `yaml:"arch,omitempty"`
	// Events are the qemu -d log items, "in_asm" by default.
	Events []string `yaml:"events,omitempty"`
	// Port is the gdbserver listening port.
	Port int `yaml:"port,omitempty"`
}

// Options are shared by the bows built from specs.
type Options struct {
	Armory *armory.Armory
	Logger *zerolog.Logger
}

// NewRegistry builds the bows declared by specs, in order. A project bow
// reads the snapshot of a datascout declared alongside it and pauses the
// process itself otherwise.
func NewRegistry(specs []Spec, opts Options) (target.Registry, error) {
	var ds *DataScout
	for _, s := range specs {
		if s.Name == DataScoutName {
			ds = NewDataScout(opts.Logger)
			break
		}
	}

	bows := make([]target.Bow, 0, len(specs))
	for _, s := range specs {
		switch s.Name {
		case DataScoutName:
			bows = append(bows, ds)
		case QEMUName:
			if opts.Armory == nil {
				return target.Registry{}, fmt.Errorf("bow %s needs an armory", s.Name)
			}
			bows = append(bows, NewQEMUTracer(QEMUConfig{Armory: opts.Armory, Arch: s.Arch, Events: s.Events, Logger: opts.Logger}))
		case GDBServerName:
			if opts.Armory == nil {
				return target.Registry{}, fmt.Errorf("bow %s needs an armory", s.Name)
			}
			bows = append(bows, NewGDBServer(GDBConfig{Armory: opts.Armory, Port: s.Port, Logger: opts.Logger}))
		case ProjectName:
			bows = append(bows, NewProject(ProjectConfig{Scout: ds, Logger: opts.Logger}))
		default:
			return target.Registry{}, fmt.Errorf("unknown bow %q", s.Name)
		}
	}
	return target.NewRegistry(bows...)
}

// targetArch returns the architecture the target was built for.
func targetArch(t *target.Target) string {
	if arch := t.LaunchSpec().Arch; arch != "" {
		return arch
	}
	return runtime.GOARCH
}
