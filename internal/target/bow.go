package target

import (
	"context"
	"fmt"

	"quiver/internal/backend"
	"quiver/internal/errdefs"
	"quiver/internal/process"
	"quiver/internal/scout"
)

// Bow is an analysis tool attached to a target. Each Start cycle asks every
// bow for a Request before launch and lets it Collect an artifact after.
type Bow interface {
	Name() string

	// Attach is called before launch. It must not mutate the target;
	// files the arrow needs are copied in by Arrow.Stage.
	Attach(ctx context.Context, t *Target) (Request, error)

	// Collect is called once the main process is confirmed. An error
	// wrapping ErrScoutSynchronizationFailure skips the artifact.
	Collect(ctx context.Context, t *Target, main process.Handle) (any, error)
}

// PauseObserver is implemented by bows that inspect the process while it
// is held at its exec trap. The process resumes after every observer ran.
type PauseObserver interface {
	ObservePaused(ctx context.Context, p *scout.Paused) error
}

// Request is what a bow needs from a launch.
type Request struct {
	// Arrow wraps the program, nil for none.
	Arrow *Arrow
	// Pause holds the main process at its exec trap.
	Pause bool
}

// Arrow is a helper executable the program is launched through.
type Arrow struct {
	Name string
	// Slot names the exclusive wrapping position the arrow takes, such as
	// "emulator" or "debugger". Empty slots never conflict.
	Slot string
	// Path is the helper as seen from inside the target.
	Path string
	Args []string
	Env  []string

	// Stage copies the helper into the target. It runs only once the
	// slots of every arrow of the launch were checked.
	Stage func(ctx context.Context) error
}

// Registry is the fixed, ordered set of bows of a target.
type Registry struct {
	bows []Bow
}

// NewRegistry builds a registry; bow names must be unique.
func NewRegistry(bows ...Bow) (Registry, error) {
	seen := make(map[string]bool, len(bows))
	for i, b := range bows {
		if b == nil {
			return Registry{}, fmt.Errorf("bow %d is nil", i)
		}
		if seen[b.Name()] {
			return Registry{}, fmt.Errorf("duplicate bow %q", b.Name())
		}
		seen[b.Name()] = true
	}
	return Registry{bows: append([]Bow(nil), bows...)}, nil
}

// Bows returns the bows in attachment order.
func (r Registry) Bows() []Bow {
	return append([]Bow(nil), r.bows...)
}

// Len returns the number of bows.
func (r Registry) Len() int { return len(r.bows) }

// Get returns the bow called name.
func (r Registry) Get(name string) (Bow, bool) {
	for _, b := range r.bows {
		if b.Name() == name {
			return b, true
		}
	}
	return nil, false
}

// attachment is one bow's answer in a cycle.
type attachment struct {
	bow     Bow
	request Request
}

// checkSlots rejects two arrows claiming the same non-empty slot.
func checkSlots(attachments []attachment) error {
	owners := make(map[string]string)
	for _, a := range attachments {
		arrow := a.request.Arrow
		if arrow == nil || arrow.Slot == "" {
			continue
		}
		if owner, ok := owners[arrow.Slot]; ok {
			return fmt.Errorf("%w: bows %q and %q both claim slot %q", errdefs.ErrArrowConflict, owner, a.bow.Name(), arrow.Slot)
		}
		owners[arrow.Slot] = a.bow.Name()
	}
	return nil
}

// stageArrows runs the Stage step of each arrow in attachment order.
func stageArrows(ctx context.Context, attachments []attachment) error {
	for _, a := range attachments {
		arrow := a.request.Arrow
		if arrow == nil || arrow.Stage == nil {
			continue
		}
		if err := arrow.Stage(ctx); err != nil {
			return fmt.Errorf("stage arrow %s of bow %s: %w", arrow.Name, a.bow.Name(), err)
		}
	}
	return nil
}

// compose prefixes argv with the arrows in attachment order and applies
// their environment additions over env, later arrows winning.
func compose(attachments []attachment, argv, env []string) ([]string, []string) {
	var prefix []string
	var layers [][]string
	for _, a := range attachments {
		arrow := a.request.Arrow
		if arrow == nil {
			continue
		}
		prefix = append(prefix, arrow.Path)
		prefix = append(prefix, arrow.Args...)
		layers = append(layers, arrow.Env)
	}
	composed := append(prefix, argv...)
	return composed, backend.MergeEnv(env, layers...)
}
