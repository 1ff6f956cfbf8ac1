package target

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"quiver/internal/backend"
	"quiver/internal/errdefs"
)

// Replacement swaps the content of a file in the target filesystem and
// restores the original, metadata included, when its scope exits.
type Replacement struct {
	Path string
	Data []byte
	// Mode of the replacement; the original mode is kept when zero.
	Mode os.FileMode
	// Create allows replacing a missing file. The file and the parent
	// directories created for it are removed on exit.
	Create bool
}

func (r *Replacement) claim() claim { return pathClaim(r.Path) }

func (r *Replacement) describe() string { return "replacement of " + r.Path }

func (r *Replacement) enter(ctx context.Context, t *Target) (releaseFunc, error) {
	if err := requireFilesystem(t.State()); err != nil {
		return nil, err
	}
	b := t.backend

	original, err := b.ReadFile(ctx, r.Path)
	switch {
	case err == nil:
	case errors.Is(err, errdefs.ErrPathNotFound) && r.Create:
		original = nil
	default:
		return nil, err
	}

	var createdDirs []string
	if original == nil {
		if createdDirs, err = missingParents(ctx, b, r.Path); err != nil {
			return nil, fmt.Errorf("replace %s: %w", r.Path, err)
		}
	}

	replacement := &backend.File{Path: r.Path, Data: r.Data, Mode: r.Mode}
	if original != nil {
		replacement.Path = original.Path
		replacement.UID = original.UID
		replacement.GID = original.GID
		replacement.ModTime = original.ModTime
		if replacement.Mode == 0 {
			replacement.Mode = original.Mode
		}
	} else {
		if replacement.Mode == 0 {
			replacement.Mode = 0o644
		}
		if b.HostFS() {
			replacement.UID, replacement.GID = os.Getuid(), os.Getgid()
		}
		replacement.ModTime = time.Now()
	}

	restore := func(ctx context.Context) error {
		if original == nil {
			if err := b.RemoveFile(ctx, replacement.Path); err != nil {
				return restoreFailure("remove "+replacement.Path, err)
			}
			for _, dir := range createdDirs {
				if err := b.RemoveFile(ctx, dir); err != nil {
					return restoreFailure("remove "+dir, err)
				}
			}
			return nil
		}
		if err := b.WriteFile(ctx, original); err != nil {
			return restoreFailure("restore "+original.Path, err)
		}
		return nil
	}

	if err := b.WriteFile(ctx, replacement); err != nil {
		// A partial write must not outlive the failed enter.
		if restoreErr := restore(ctx); restoreErr != nil {
			return nil, combine(fmt.Errorf("replace %s: %w", r.Path, err), restoreErr)
		}
		return nil, fmt.Errorf("replace %s: %w", r.Path, err)
	}
	t.logger.Debug().Str("path", replacement.Path).Bool("created", original == nil).Msg("File replaced")
	return restore, nil
}

// missingParents lists the ancestors of p that do not exist yet, innermost
// first.
func missingParents(ctx context.Context, b backend.Backend, p string) ([]string, error) {
	var missing []string
	for dir := path.Dir(path.Clean(p)); dir != "/" && dir != "."; dir = path.Dir(dir) {
		ok, err := b.Exists(ctx, dir)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		missing = append(missing, dir)
	}
	return missing, nil
}
