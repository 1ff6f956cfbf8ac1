package target

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"quiver/internal/backend"
)

// retrieveParallelism bounds concurrent copies of RetrieveGlob.
const retrieveParallelism = 4

func (t *Target) filesystem() (backend.Backend, error) {
	if err := requireFilesystem(t.State()); err != nil {
		return nil, err
	}
	return t.backend, nil
}

// InjectFile copies the host file src to dst inside the target, keeping its
// permission bits.
func (t *Target) InjectFile(ctx context.Context, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	return t.inject(ctx, data, dst, info.Mode().Perm(), info.ModTime())
}

// InjectContent writes data to dst inside the target.
func (t *Target) InjectContent(ctx context.Context, data []byte, dst string, mode os.FileMode) error {
	return t.inject(ctx, data, dst, mode, time.Now())
}

func (t *Target) inject(ctx context.Context, data []byte, dst string, mode os.FileMode, modTime time.Time) error {
	b, err := t.filesystem()
	if err != nil {
		return err
	}
	f := &backend.File{Path: dst, Data: data, Mode: mode, ModTime: modTime}
	if b.HostFS() {
		f.UID, f.GID = os.Getuid(), os.Getgid()
	}
	if err := b.WriteFile(ctx, f); err != nil {
		return fmt.Errorf("inject %s: %w", dst, err)
	}
	return nil
}

// RetrieveContent returns the content of src inside the target.
func (t *Target) RetrieveContent(ctx context.Context, src string) ([]byte, error) {
	b, err := t.filesystem()
	if err != nil {
		return nil, err
	}
	f, err := b.ReadFile(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("retrieve %s: %w", src, err)
	}
	return f.Data, nil
}

// RetrieveFile copies src inside the target to the host path dst.
func (t *Target) RetrieveFile(ctx context.Context, src, dst string) error {
	b, err := t.filesystem()
	if err != nil {
		return err
	}
	f, err := b.ReadFile(ctx, src)
	if err != nil {
		return fmt.Errorf("retrieve %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	if err := os.WriteFile(dst, f.Data, f.Mode.Perm()|0o600); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

// RetrieveGlob copies every file matching pattern inside the target into
// dir, keeping their paths relative to the filesystem root. It returns the
// host paths written.
func (t *Target) RetrieveGlob(ctx context.Context, pattern, dir string) ([]string, error) {
	b, err := t.filesystem()
	if err != nil {
		return nil, err
	}
	matches, err := b.Glob(ctx, pattern)
	if err != nil {
		return nil, err
	}

	copied := make([]bool, len(matches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(retrieveParallelism)
	for i, src := range matches {
		g.Go(func() error {
			err := t.RetrieveFile(gctx, src, hostPath(dir, src))
			if errors.Is(err, backend.ErrNotRegular) {
				return nil
			}
			copied[i] = err == nil
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var written []string
	for i, src := range matches {
		if copied[i] {
			written = append(written, hostPath(dir, src))
		}
	}
	return written, nil
}

func hostPath(dir, src string) string {
	return filepath.Join(dir, strings.TrimPrefix(filepath.Clean("/"+src), "/"))
}
