package target

import (
	"context"
	"errors"
	"fmt"

	"quiver/internal/errdefs"
	"quiver/internal/process"
	"quiver/internal/scout"
	"quiver/internal/shellcode"
)

// Shellcode starts the target with code written over its entrypoint, so
// the code runs in place of the program's first instructions. The
// original bytes are put back on exit if the process is still alive.
type Shellcode struct {
	Code []byte
	// Assemble produces the code for the target architecture when Code
	// is empty.
	Assemble func(arch string) ([]byte, error)
	// Start adjusts the launch.
	Start StartOptions

	region   scout.Region
	entry    uint64
	original []byte
}

// ExitWith returns a Shellcode that makes the program exit with code.
func ExitWith(code int) *Shellcode {
	return &Shellcode{
		Assemble: func(arch string) ([]byte, error) {
			return shellcode.Exit(arch, code)
		},
	}
}

// Region returns the executable region holding the patched entrypoint.
func (s *Shellcode) Region() scout.Region { return s.region }

// Entry returns the patched address.
func (s *Shellcode) Entry() uint64 { return s.entry }

func (s *Shellcode) claim() claim { return claim{code: true} }

func (s *Shellcode) describe() string { return "shellcode at entrypoint" }

func (s *Shellcode) enter(ctx context.Context, t *Target) (releaseFunc, error) {
	arch := t.LaunchSpec().Arch
	if arch == "" {
		arch = shellcode.Native()
	}
	code := s.Code
	if len(code) == 0 {
		if s.Assemble == nil {
			return nil, fmt.Errorf("shellcode is empty")
		}
		var err error
		if code, err = s.Assemble(arch); err != nil {
			return nil, fmt.Errorf("assemble shellcode: %w", err)
		}
	}

	err := t.start(ctx, s.Start, func(p *scout.Paused) error {
		return s.patch(t, p, arch, code)
	})
	if err != nil {
		return nil, err
	}

	main := t.Process()
	return func(ctx context.Context) error {
		return s.restore(ctx, main)
	}, nil
}

// patch writes code over the entrypoint of the paused process.
func (s *Shellcode) patch(t *Target, p *scout.Paused, arch string, code []byte) error {
	snap, err := p.Snapshot()
	if err != nil {
		return err
	}
	entry, ok := snap.Entry()
	if !ok {
		return fmt.Errorf("%w: no AT_ENTRY in auxiliary vector", errdefs.ErrScoutSynchronizationFailure)
	}
	region, ok := snap.RegionContaining(entry)
	if !ok || !region.Executable() {
		return fmt.Errorf("entrypoint %#x is not in an executable region", entry)
	}
	if entry+uint64(len(code)) > region.End {
		return fmt.Errorf("shellcode of %d bytes does not fit at %#x", len(code), entry)
	}

	original, err := p.ReadMemory(entry, len(code))
	if err != nil {
		return fmt.Errorf("read entrypoint: %w", err)
	}
	if err := p.WriteMemory(entry, code); err != nil {
		return fmt.Errorf("write shellcode: %w", err)
	}
	s.region, s.entry, s.original = region, entry, original

	t.logger.Debug().
		Str("region", fmt.Sprintf("%#x-%#x %s", region.Start, region.End, region.Path)).
		Strs("original", shellcode.Disassemble(arch, original, entry)).
		Strs("injected", shellcode.Disassemble(arch, code, entry)).
		Msg("Shellcode written at entrypoint")
	return nil
}

// restore puts the original bytes back. A process that is gone or has
// unmapped the region needs no restoring.
func (s *Shellcode) restore(ctx context.Context, main process.Handle) error {
	if main == nil || process.Exited(main) || s.original == nil {
		return nil
	}
	// The handle learns about the exit only once it is reaped.
	if !process.Alive(ctx, main.PID()) {
		return nil
	}
	err := scout.PatchMemory(main.PID(), s.entry, s.original)
	if errors.Is(err, scout.ErrMemoryGone) {
		return nil
	}
	if err != nil {
		return restoreFailure(fmt.Sprintf("restore entrypoint %#x", s.entry), err)
	}
	return nil
}
