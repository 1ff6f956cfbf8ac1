package backend

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/dustin/go-humanize"

	"quiver/internal/errdefs"
)

const maxSymlinks = 8

// ReadFile implements Backend. Symlinks are followed; the returned File
// names the final path so that writing it back keeps the link intact.
func (d *Docker) ReadFile(ctx context.Context, p string) (*File, error) {
	id := d.ContainerID()
	if id == "" {
		return nil, fmt.Errorf("%w: container not built", errdefs.ErrInvalidState)
	}

	p = path.Clean(p)
	for i := 0; i <= maxSymlinks; i++ {
		rc, _, err := d.client.CopyFromContainer(ctx, id, p)
		if err != nil {
			if cerrdefs.IsNotFound(err) {
				return nil, fmt.Errorf("%w: %s", errdefs.ErrPathNotFound, p)
			}
			return nil, fmt.Errorf("copy %s from container: %w", p, err)
		}
		hdr, data, err := readTarFile(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}

		if hdr.Typeflag == tar.TypeSymlink {
			target := hdr.Linkname
			if !path.IsAbs(target) {
				target = path.Join(path.Dir(p), target)
			}
			p = path.Clean(target)
			continue
		}

		f := fileFromHeader(p, hdr, data)
		d.logger.Debug().Str("path", p).Str("size", humanize.Bytes(uint64(len(data)))).Msg("Copied file from container")
		return f, nil
	}
	return nil, fmt.Errorf("read %s: too many symlinks", p)
}

// WriteFile implements Backend. Missing parent directories are created.
func (d *Docker) WriteFile(ctx context.Context, f *File) error {
	id := d.ContainerID()
	if id == "" {
		return fmt.Errorf("%w: container not built", errdefs.ErrInvalidState)
	}

	archive, err := encodeTarFile(f)
	if err != nil {
		return err
	}
	if err := d.client.CopyToContainer(ctx, id, "/", archive, container.CopyToContainerOptions{CopyUIDGID: true}); err != nil {
		return fmt.Errorf("copy %s to container: %w", f.Path, err)
	}
	d.logger.Debug().Str("path", f.Path).Str("size", humanize.Bytes(uint64(len(f.Data)))).Msg("Copied file to container")
	return nil
}

// RemoveFile implements Backend.
func (d *Docker) RemoveFile(ctx context.Context, p string) error {
	if root, ok := d.mergedDir(); ok {
		err := os.Remove(filepath.Join(root, path.Clean("/"+p)))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
		return nil
	}

	script := `if [ -d "$1" ] && [ ! -L "$1" ]; then rmdir -- "$1"; else rm -f -- "$1"; fi`
	_, code, err := d.output(ctx, []string{"/bin/sh", "-c", script, "quiver-rm", p})
	if err != nil {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	if code != 0 {
		return fmt.Errorf("remove %s: shell exited with %d", p, code)
	}
	return nil
}

// Exists implements Backend.
func (d *Docker) Exists(ctx context.Context, p string) (bool, error) {
	if root, ok := d.mergedDir(); ok {
		_, err := os.Lstat(filepath.Join(root, path.Clean("/"+p)))
		if err == nil {
			return true, nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", p, err)
	}

	id := d.ContainerID()
	if id == "" {
		return false, fmt.Errorf("%w: container not built", errdefs.ErrInvalidState)
	}
	if _, err := d.client.ContainerStatPath(ctx, id, p); err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s in container: %w", p, err)
	}
	return true, nil
}

// Glob implements Backend. The merged directory is used when this host can
// see it; otherwise the shell inside the container expands the pattern.
func (d *Docker) Glob(ctx context.Context, pattern string) ([]string, error) {
	if root, ok := d.mergedDir(); ok {
		matches, err := filepath.Glob(filepath.Join(root, pattern))
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for i, m := range matches {
			matches[i] = "/" + strings.TrimPrefix(strings.TrimPrefix(m, root), "/")
		}
		sort.Strings(matches)
		return matches, nil
	}

	script := `for f in $1; do if [ -e "$f" ] || [ -L "$f" ]; then printf '%s\n' "$f"; fi; done`
	out, code, err := d.output(ctx, []string{"/bin/sh", "-c", script, "quiver-glob", pattern})
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	if code != 0 {
		return nil, fmt.Errorf("glob %q: shell exited with %d", pattern, code)
	}
	var matches []string
	for _, line := range strings.Split(string(out), "\n") {
		if line != "" {
			matches = append(matches, line)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

func (d *Docker) mergedDir() (string, bool) {
	root := d.MountPath()
	if root == "" {
		return "", false
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return "", false
	}
	return root, true
}

// output runs argv in the container to completion and returns its stdout.
func (d *Docker) output(ctx context.Context, argv []string) ([]byte, int, error) {
	var stdout bytes.Buffer
	h, err := d.exec(ctx, Launch{Argv: argv, Stdout: &stdout, Stderr: io.Discard, Stdin: bytes.NewReader(nil)})
	if err != nil {
		return nil, -1, err
	}
	defer h.Close()

	select {
	case <-h.Wait():
	case <-ctx.Done():
		return nil, -1, ctx.Err()
	}
	return stdout.Bytes(), h.ExitCode(), h.Err()
}

// holderArchive holds the scratch directory and, if given, the trap helper.
func holderArchive(trap []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()

	dirs := []string{strings.TrimPrefix(dockerScratch, "/") + "/"}
	if trap != nil {
		dirs = append(dirs, strings.TrimPrefix(path.Dir(trapPath), "/")+"/")
	}
	for _, dir := range dirs {
		if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: dir, Mode: 0o1777, ModTime: now}); err != nil {
			return nil, fmt.Errorf("write archive: %w", err)
		}
	}
	if trap != nil {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     strings.TrimPrefix(trapPath, "/"),
			Mode:     0o755,
			Size:     int64(len(trap)),
			ModTime:  now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write archive: %w", err)
		}
		if _, err := tw.Write(trap); err != nil {
			return nil, fmt.Errorf("write archive: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("write archive: %w", err)
	}
	return &buf, nil
}

// encodeTarFile builds a single-entry archive rooted at "/".
func encodeTarFile(f *File) (io.Reader, error) {
	name := strings.TrimPrefix(path.Clean("/"+f.Path), "/")
	if name == "" {
		return nil, fmt.Errorf("invalid file path %q", f.Path)
	}
	mode := f.Mode
	if mode == 0 {
		mode = 0o644
	}
	modTime := f.ModTime
	if modTime.IsZero() {
		modTime = time.Now()
	}

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     tarMode(mode),
		Uid:      f.UID,
		Gid:      f.GID,
		Size:     int64(len(f.Data)),
		ModTime:  modTime,
		Format:   tar.FormatPAX,
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.Path, err)
	}
	if _, err := tw.Write(f.Data); err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.Path, err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.Path, err)
	}
	return &buf, nil
}

// readTarFile returns the first entry of an archive and its content.
func readTarFile(r io.Reader) (*tar.Header, []byte, error) {
	tr := tar.NewReader(r)
	hdr, err := tr.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("empty archive")
		}
		return nil, nil, err
	}
	switch hdr.Typeflag {
	case tar.TypeReg:
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, nil, err
		}
		return hdr, data, nil
	case tar.TypeSymlink:
		return hdr, nil, nil
	default:
		return nil, nil, ErrNotRegular
	}
}

func fileFromHeader(p string, hdr *tar.Header, data []byte) *File {
	return &File{
		Path:    p,
		Data:    data,
		Mode:    hdr.FileInfo().Mode(),
		UID:     hdr.Uid,
		GID:     hdr.Gid,
		ModTime: hdr.ModTime,
	}
}

// tarMode converts permission and special bits to their tar encoding.
func tarMode(mode os.FileMode) int64 {
	m := int64(mode.Perm())
	if mode&os.ModeSetuid != 0 {
		m |= 0o4000
	}
	if mode&os.ModeSetgid != 0 {
		m |= 0o2000
	}
	if mode&os.ModeSticky != 0 {
		m |= 0o1000
	}
	return m
}
