package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"
	"syscall"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"quiver/internal/errdefs"
	"quiver/internal/logging"
	"quiver/internal/process"
	"quiver/internal/scout"
)

const (
	// Paths inside the holder container.
	trapPath       = "/.quiver/trap"
	dockerScratch  = "/tmp/quiver"
	labelTarget    = "quiver.target"
	labelManagedBy = "quiver.managed-by"
)

// holdScript keeps the holder container alive when no trap helper is available.
var holdScript = []string{"/bin/sh", "-c", "trap 'exit 0' TERM INT; while :; do sleep 3600 & wait $!; done"}

// stopExecScript stops itself before exec'ing its arguments.
var stopExecScript = []string{"/bin/sh", "-c", `kill -STOP $$; exec "$@"`, "quiver-trap"}

// DockerAPI is the part of the Docker client the backend uses.
type DockerAPI interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	ContainerStatPath(ctx context.Context, containerID, path string) (container.PathStat, error)
}

// NewDockerClient connects to the daemon named by the DOCKER_* environment.
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return cli, nil
}

// DockerConfig describes a containerized target.
type DockerConfig struct {
	Image string
	// Entrypoint and Cmd override the image's, with docker run semantics:
	// a new Entrypoint drops the image Cmd.
	Entrypoint []string
	Cmd        []string
	// Env is applied over the image environment.
	Env []string
	Cwd string
	// Ports are declared in addition to the image's exposed ports.
	Ports []string
	// TrapBinary is the host path of quiver-trap; the shell fallbacks are
	// used without it.
	TrapBinary string

	Logger *zerolog.Logger
}

// Docker runs targets inside a long-lived holder container; the main
// process and every run context are execs in it.
type Docker struct {
	client DockerAPI
	cfg    DockerConfig
	logger zerolog.Logger

	mu          sync.Mutex
	containerID string
	mountPath   string
	hasTrap     bool
}

// NewDocker creates a Docker backend using api.
func NewDocker(api DockerAPI, cfg DockerConfig) *Docker {
	return &Docker{
		client: api,
		cfg:    cfg,
		logger: logging.Component(cfg.Logger, "backend.docker"),
	}
}

// Name implements Backend.
func (d *Docker) Name() string { return "docker" }

// ContainerID returns the holder container, empty before Build.
func (d *Docker) ContainerID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.containerID
}

// Build implements Backend: it resolves the image, creates the holder
// container and starts it.
func (d *Docker) Build(ctx context.Context, id string) (LaunchSpec, error) {
	if d.cfg.Image == "" {
		return LaunchSpec{}, fmt.Errorf("%w: no image configured", errdefs.ErrBackendUnavailable)
	}

	img, err := d.resolveImage(ctx)
	if err != nil {
		return LaunchSpec{}, fmt.Errorf("%w: %v", errdefs.ErrBackendUnavailable, err)
	}

	spec, err := d.launchSpec(img)
	if err != nil {
		return LaunchSpec{}, err
	}
	if len(spec.Argv) == 0 {
		return LaunchSpec{}, fmt.Errorf("%w: image %s has no entrypoint or cmd", errdefs.ErrBackendUnavailable, d.cfg.Image)
	}

	if err := d.createHolder(ctx, id, spec); err != nil {
		return LaunchSpec{}, fmt.Errorf("%w: %v", errdefs.ErrBackendUnavailable, err)
	}
	return spec, nil
}

func (d *Docker) resolveImage(ctx context.Context) (image.InspectResponse, error) {
	img, err := d.client.ImageInspect(ctx, d.cfg.Image)
	if err == nil {
		return img, nil
	}
	if !cerrdefs.IsNotFound(err) {
		return image.InspectResponse{}, fmt.Errorf("inspect image %s: %w", d.cfg.Image, err)
	}

	d.logger.Info().Str("image", d.cfg.Image).Msg("Pulling image")
	rc, err := d.client.ImagePull(ctx, d.cfg.Image, image.PullOptions{})
	if err != nil {
		return image.InspectResponse{}, fmt.Errorf("pull image %s: %w", d.cfg.Image, err)
	}
	// The pull completes when the progress stream ends.
	_, copyErr := io.Copy(io.Discard, rc)
	rc.Close()
	if copyErr != nil {
		return image.InspectResponse{}, fmt.Errorf("pull image %s: %w", d.cfg.Image, copyErr)
	}

	img, err = d.client.ImageInspect(ctx, d.cfg.Image)
	if err != nil {
		return image.InspectResponse{}, fmt.Errorf("inspect image %s: %w", d.cfg.Image, err)
	}
	return img, nil
}

func (d *Docker) launchSpec(img image.InspectResponse) (LaunchSpec, error) {
	var entrypoint, cmd, env []string
	var cwd string
	var exposed []nat.Port
	if img.Config != nil {
		entrypoint = img.Config.Entrypoint
		cmd = img.Config.Cmd
		env = img.Config.Env
		cwd = img.Config.WorkingDir
		for p := range img.Config.ExposedPorts {
			exposed = append(exposed, nat.Port(p))
		}
		// Image configs carry a set; give it a stable order.
		sort.Slice(exposed, func(i, j int) bool {
			if exposed[i].Int() != exposed[j].Int() {
				return exposed[i].Int() < exposed[j].Int()
			}
			return exposed[i].Proto() < exposed[j].Proto()
		})
	}

	declared, err := ParsePorts(d.cfg.Ports)
	if err != nil {
		return LaunchSpec{}, err
	}

	if d.cfg.Cwd != "" {
		cwd = d.cfg.Cwd
	}
	if cwd == "" {
		cwd = "/"
	}

	return LaunchSpec{
		Argv:  resolveArgv(entrypoint, cmd, d.cfg.Entrypoint, d.cfg.Cmd),
		Env:   MergeEnv(env, d.cfg.Env),
		Cwd:   cwd,
		Ports: append(declared, exposed...),
		Arch:  img.Architecture,
	}, nil
}

// resolveArgv combines image and configured entrypoint/cmd like docker run.
func resolveArgv(imageEntrypoint, imageCmd, entrypoint, cmd []string) []string {
	if len(entrypoint) > 0 {
		return append(append([]string(nil), entrypoint...), cmd...)
	}
	if len(cmd) > 0 {
		imageCmd = cmd
	}
	return append(append([]string(nil), imageEntrypoint...), imageCmd...)
}

func (d *Docker) createHolder(ctx context.Context, id string, spec LaunchSpec) error {
	var trap []byte
	if d.cfg.TrapBinary != "" {
		data, err := os.ReadFile(d.cfg.TrapBinary)
		if err != nil {
			return fmt.Errorf("read trap helper: %w", err)
		}
		trap = data
	}

	entrypoint := holdScript
	if trap != nil {
		entrypoint = []string{trapPath, "hold"}
	}

	exposed := make(nat.PortSet, len(spec.Ports))
	for _, p := range spec.Ports {
		exposed[p] = struct{}{}
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:        d.cfg.Image,
		Entrypoint:   entrypoint,
		Cmd:          []string{},
		Env:          spec.Env,
		WorkingDir:   spec.Cwd,
		ExposedPorts: exposed,
		Labels: map[string]string{
			labelTarget:    id,
			labelManagedBy: "quiver",
		},
	}, &container.HostConfig{
		PublishAllPorts: true,
	}, nil, nil, "quiver-"+id)
	if err != nil {
		return fmt.Errorf("create holder container: %w", err)
	}

	d.mu.Lock()
	d.containerID = resp.ID
	d.hasTrap = trap != nil
	d.mu.Unlock()

	fail := func(err error) error {
		_ = d.Destroy(context.Background())
		return err
	}

	archive, err := holderArchive(trap)
	if err != nil {
		return fail(err)
	}
	if err := d.client.CopyToContainer(ctx, resp.ID, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return fail(fmt.Errorf("stage holder files: %w", err))
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fail(fmt.Errorf("start holder container: %w", err))
	}

	inspect, err := d.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return fail(fmt.Errorf("inspect holder container: %w", err))
	}
	if inspect.ContainerJSONBase != nil && inspect.GraphDriver.Data != nil {
		d.mu.Lock()
		d.mountPath = inspect.GraphDriver.Data["MergedDir"]
		d.mu.Unlock()
	}

	d.logger.Info().Str("container", shortID(resp.ID)).Str("image", d.cfg.Image).Bool("trap", trap != nil).Msg("Holder container started")
	return nil
}

// Destroy implements Backend.
func (d *Docker) Destroy(ctx context.Context) error {
	d.mu.Lock()
	id := d.containerID
	d.containerID = ""
	d.mountPath = ""
	d.mu.Unlock()
	if id == "" {
		return nil
	}

	err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", shortID(id), err)
	}
	d.logger.Info().Str("container", shortID(id)).Msg("Holder container removed")
	return nil
}

// Start implements Backend. A pause runs the program through the trap
// helper, which stops itself before exec; the host then seizes it.
func (d *Docker) Start(ctx context.Context, launch Launch) (*Started, error) {
	if !launch.Pause {
		h, err := d.Exec(ctx, launch)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errdefs.ErrLaunchFailure, err)
		}
		return &Started{Handle: h}, nil
	}

	wrapped := launch
	wrapped.Argv = d.stopExecArgv(launch.Argv)
	h, err := d.exec(ctx, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrLaunchFailure, err)
	}

	paused, err := scout.SeizeAtExec(ctx, h.PID())
	if err != nil {
		// Let the program run untraced.
		_ = h.Signal(syscall.SIGCONT)
		d.logger.Warn().Err(err).Int("pid", h.PID()).Msg("Exec trap failed, continuing untraced")
		return &Started{Handle: h, PauseErr: err}, nil
	}
	d.logger.Info().Int("pid", h.PID()).Msg("Main process held at exec trap")
	return &Started{Handle: h, Paused: paused}, nil
}

func (d *Docker) stopExecArgv(argv []string) []string {
	d.mu.Lock()
	hasTrap := d.hasTrap
	d.mu.Unlock()
	if hasTrap {
		return append([]string{trapPath, "stop-exec", "--"}, argv...)
	}
	return append(append([]string(nil), stopExecScript...), argv...)
}

// Exec implements Backend.
func (d *Docker) Exec(ctx context.Context, launch Launch) (process.Handle, error) {
	return d.exec(ctx, launch)
}

// MountPath implements Backend. It is empty when the storage driver does
// not expose a merged directory.
func (d *Docker) MountPath() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mountPath
}

// ScratchDir implements Backend.
func (d *Docker) ScratchDir() string { return dockerScratch }

// HostFS implements Backend.
func (d *Docker) HostFS() bool { return false }

// Endpoints implements Backend.
func (d *Docker) Endpoints(ctx context.Context, pid int, declared []nat.Port) ([]Endpoint, error) {
	id := d.ContainerID()
	if id == "" {
		return nil, fmt.Errorf("%w: container not built", errdefs.ErrInvalidState)
	}
	inspect, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", shortID(id), err)
	}

	var observed []process.Socket
	if pid > 0 {
		sockets, err := process.ListeningSockets(ctx, pid)
		if err != nil {
			d.logger.Debug().Err(err).Int("pid", pid).Msg("Listing sockets failed")
		}
		observed = sockets
	}
	return mergeEndpoints(declared, observed, portResolver(inspect.NetworkSettings)), nil
}

// portResolver prefers a published binding and falls back to the
// container address on its first network.
func portResolver(settings *container.NetworkSettings) resolveFunc {
	return func(p nat.Port) (string, int) {
		if settings == nil {
			return "127.0.0.1", p.Int()
		}
		for _, b := range settings.Ports[p] {
			if hostPort, err := strconv.Atoi(b.HostPort); err == nil && hostPort > 0 {
				return reachableHost(b.HostIP), hostPort
			}
		}

		names := make([]string, 0, len(settings.Networks))
		for name := range settings.Networks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if ep := settings.Networks[name]; ep != nil && ep.IPAddress != "" {
				return ep.IPAddress, p.Int()
			}
		}
		// Host networking.
		return "127.0.0.1", p.Int()
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
