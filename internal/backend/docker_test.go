package backend

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	dockerspec "github.com/moby/docker-image-spec/specs-go/v1"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"quiver/internal/errdefs"
)

// fakeDocker records the calls Build and Destroy make.
type fakeDocker struct {
	DockerAPI

	image     image.InspectResponse
	missing   bool
	pulled    bool
	created   *container.Config
	host      *container.HostConfig
	copied    []string
	started   bool
	removed   int
	removeErr error
	inspect   container.InspectResponse
}

func (f *fakeDocker) ImageInspect(ctx context.Context, ref string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	if f.missing && !f.pulled {
		return image.InspectResponse{}, cerrdefs.ErrNotFound
	}
	return f.image, nil
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	if !f.missing {
		return nil, errors.New("unexpected pull")
	}
	f.pulled = true
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.created = cfg
	f.host = host
	return container.CreateResponse{ID: "0123456789abcdef0123"}, nil
}

func (f *fakeDocker) CopyToContainer(ctx context.Context, id, dst string, content io.Reader, _ container.CopyToContainerOptions) error {
	tr := tar.NewReader(content)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		f.copied = append(f.copied, dst+hdr.Name)
	}
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	f.started = true
	return nil
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	return f.inspect, nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	f.removed++
	return f.removeErr
}

func testImage() image.InspectResponse {
	return image.InspectResponse{
		Architecture: "amd64",
		Config: &dockerspec.DockerOCIImageConfig{
			ImageConfig: ocispec.ImageConfig{
				Entrypoint:   []string{"/docker-entrypoint.sh"},
				Cmd:          []string{"nginx", "-g", "daemon off;"},
				Env:          []string{"PATH=/usr/bin:/bin", "NGINX_VERSION=1.25"},
				WorkingDir:   "/srv",
				ExposedPorts: map[string]struct{}{"443/tcp": {}, "80/tcp": {}},
			},
		},
	}
}

func TestResolveArgv(t *testing.T) {
	tests := []struct {
		name       string
		imageEntry []string
		imageCmd   []string
		entrypoint []string
		cmd        []string
		want       []string
	}{
		{name: "image only", imageEntry: []string{"/e"}, imageCmd: []string{"a"}, want: []string{"/e", "a"}},
		{name: "cmd override", imageEntry: []string{"/e"}, imageCmd: []string{"a"}, cmd: []string{"b"}, want: []string{"/e", "b"}},
		{name: "entrypoint drops image cmd", imageEntry: []string{"/e"}, imageCmd: []string{"a"}, entrypoint: []string{"/x"}, want: []string{"/x"}},
		{name: "entrypoint and cmd", imageCmd: []string{"a"}, entrypoint: []string{"/x"}, cmd: []string{"y"}, want: []string{"/x", "y"}},
		{name: "cmd only image", imageCmd: []string{"/bin/cat"}, want: []string{"/bin/cat"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, resolveArgv(tt.imageEntry, tt.imageCmd, tt.entrypoint, tt.cmd))
		})
	}
}

func TestDockerBuildPullsMissingImage(t *testing.T) {
	require := require.New(t)

	merged := t.TempDir()
	api := &fakeDocker{image: testImage(), missing: true}
	api.inspect = container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{ID: "0123456789abcdef0123"},
	}
	api.inspect.GraphDriver.Data = map[string]string{"MergedDir": merged}

	d := NewDocker(api, DockerConfig{
		Image: "nginx:latest",
		Env:   []string{"NGINX_VERSION=test", "EXTRA=1"},
		Ports: []string{"9000"},
	})
	spec, err := d.Build(context.Background(), "t1")
	require.NoError(err)
	require.True(api.pulled)
	require.True(api.started)

	require.Equal([]string{"/docker-entrypoint.sh", "nginx", "-g", "daemon off;"}, spec.Argv)
	require.Equal([]string{"PATH=/usr/bin:/bin", "NGINX_VERSION=test", "EXTRA=1"}, spec.Env)
	require.Equal("/srv", spec.Cwd)
	require.Equal([]nat.Port{"9000/tcp", "80/tcp", "443/tcp"}, spec.Ports)
	require.Equal("amd64", spec.Arch)

	require.Equal(holdScript, []string(api.created.Entrypoint))
	require.Equal("t1", api.created.Labels[labelTarget])
	require.Contains(api.created.ExposedPorts, nat.Port("9000/tcp"))
	require.True(api.host.PublishAllPorts)
	require.Equal([]string{"/tmp/quiver/"}, api.copied)

	require.Equal(merged, d.MountPath())
	require.Equal("0123456789abcdef0123", d.ContainerID())

	require.NoError(d.Destroy(context.Background()))
	require.NoError(d.Destroy(context.Background()))
	require.Equal(1, api.removed)
}

func TestDockerBuildStagesTrap(t *testing.T) {
	trap := t.TempDir() + "/quiver-trap"
	require.NoError(t, os.WriteFile(trap, []byte("\x7fELF"), 0o755))

	api := &fakeDocker{image: testImage()}
	api.inspect = container.InspectResponse{ContainerJSONBase: &container.ContainerJSONBase{}}
	d := NewDocker(api, DockerConfig{Image: "nginx", TrapBinary: trap})
	_, err := d.Build(context.Background(), "t2")
	require.NoError(t, err)

	require.Equal(t, []string{trapPath, "hold"}, []string(api.created.Entrypoint))
	require.Equal(t, []string{"/tmp/quiver/", "/.quiver/", "/.quiver/trap"}, api.copied)
	require.Equal(t, []string{trapPath, "stop-exec", "--", "/bin/prog", "a"}, d.stopExecArgv([]string{"/bin/prog", "a"}))
}

func TestDockerBuildUnavailable(t *testing.T) {
	d := NewDocker(&fakeDocker{}, DockerConfig{})
	_, err := d.Build(context.Background(), "t")
	require.ErrorIs(t, err, errdefs.ErrBackendUnavailable)

	empty := image.InspectResponse{Config: &dockerspec.DockerOCIImageConfig{}}
	d = NewDocker(&fakeDocker{image: empty}, DockerConfig{Image: "scratch"})
	_, err = d.Build(context.Background(), "t")
	require.ErrorIs(t, err, errdefs.ErrBackendUnavailable)
}

func TestDockerDestroyIgnoresMissingContainer(t *testing.T) {
	api := &fakeDocker{removeErr: cerrdefs.ErrNotFound}
	d := NewDocker(api, DockerConfig{})
	d.containerID = "gone"
	require.NoError(t, d.Destroy(context.Background()))
	require.Equal(t, 1, api.removed)
}

func TestStopExecFallback(t *testing.T) {
	d := NewDocker(&fakeDocker{}, DockerConfig{})
	argv := d.stopExecArgv([]string{"/bin/cat"})
	require.Equal(t, "/bin/sh", argv[0])
	require.Equal(t, "/bin/cat", argv[len(argv)-1])
}

func TestTarFileRoundTrip(t *testing.T) {
	require := require.New(t)
	mtime := time.Date(2021, 6, 7, 8, 9, 10, 0, time.UTC)
	f := &File{
		Path:    "/usr/local/bin/tool",
		Data:    []byte("#!/bin/sh\necho hi\n"),
		Mode:    0o755 | os.ModeSetuid,
		UID:     1000,
		GID:     50,
		ModTime: mtime,
	}

	archive, err := encodeTarFile(f)
	require.NoError(err)
	raw, err := io.ReadAll(archive)
	require.NoError(err)

	hdr, data, err := readTarFile(bytes.NewReader(raw))
	require.NoError(err)
	require.Equal("usr/local/bin/tool", hdr.Name)

	got := fileFromHeader(f.Path, hdr, data)
	require.Equal(f.Data, got.Data)
	require.Equal(f.Mode, got.Mode)
	require.Equal(1000, got.UID)
	require.Equal(50, got.GID)
	require.True(got.ModTime.Equal(mtime))
}

func TestReadTarFileKinds(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Typeflag: tar.TypeSymlink, Name: "passwd", Linkname: "../etc/passwd"}))
	require.NoError(t, tw.Close())
	hdr, _, err := readTarFile(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, "../etc/passwd", hdr.Linkname)

	buf.Reset()
	tw = tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: "etc/", Mode: 0o755}))
	require.NoError(t, tw.Close())
	_, _, err = readTarFile(bytes.NewReader(buf.Bytes()))
	require.Error(t, err)

	_, _, err = readTarFile(bytes.NewReader(nil))
	require.Error(t, err)

	_, err = encodeTarFile(&File{Path: "/"})
	require.Error(t, err)
}

func TestDockerGlobThroughMergedDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(root+"/var/log", 0o755))
	for _, name := range []string{"b.log", "a.log", "x.txt"} {
		require.NoError(t, os.WriteFile(root+"/var/log/"+name, nil, 0o644))
	}

	d := NewDocker(&fakeDocker{}, DockerConfig{})
	d.mountPath = root
	matches, err := d.Glob(context.Background(), "/var/log/*.log")
	require.NoError(t, err)
	require.Equal(t, []string{"/var/log/a.log", "/var/log/b.log"}, matches)

	require.NoError(t, d.RemoveFile(context.Background(), "/var/log/a.log"))
	require.NoFileExists(t, root+"/var/log/a.log")
	require.NoError(t, d.RemoveFile(context.Background(), "/var/log/a.log"))

	ok, err := d.Exists(context.Background(), "/var/log")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = d.Exists(context.Background(), "/var/log/a.log")
	require.NoError(t, err)
	require.False(t, ok)
}
