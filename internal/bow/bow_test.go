package bow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quiver/internal/backend"
	"quiver/internal/errdefs"
	"quiver/internal/scout"
)

func TestNewRegistry(t *testing.T) {
	a := newArmory(t)
	registry, err := NewRegistry([]Spec{
		{Name: ProjectName},
		{Name: DataScoutName},
		{Name: QEMUName, Arch: "arm64"},
		{Name: GDBServerName, Port: 2345},
	}, Options{Armory: a})
	require.NoError(t, err)

	var names []string
	for _, b := range registry.Bows() {
		names = append(names, b.Name())
	}
	assert.Equal(t, []string{ProjectName, DataScoutName, QEMUName, GDBServerName}, names)

	project, _ := registry.Get(ProjectName)
	ds, _ := registry.Get(DataScoutName)
	assert.Same(t, ds, project.(*ProjectBow).scout)
	gdb, _ := registry.Get(GDBServerName)
	assert.Equal(t, 2345, gdb.(*GDBServer).port)
}

func TestNewRegistryErrors(t *testing.T) {
	tests := []struct {
		name  string
		specs []Spec
		opts  Options
	}{
		{"unknown bow", []Spec{{Name: "strace"}}, Options{Armory: newArmory(t)}},
		{"qemu without armory", []Spec{{Name: QEMUName}}, Options{}},
		{"gdbserver without armory", []Spec{{Name: GDBServerName}}, Options{}},
		{"duplicate", []Spec{{Name: DataScoutName}, {Name: DataScoutName}}, Options{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.specs, tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestProjectPausesWithoutScout(t *testing.T) {
	registry, err := NewRegistry([]Spec{{Name: ProjectName}}, Options{})
	require.NoError(t, err)
	project, _ := registry.Get(ProjectName)

	tg := builtTarget(t, newContainerBackend("amd64"))
	req, err := project.Attach(context.Background(), tg)
	require.NoError(t, err)
	assert.True(t, req.Pause)
	assert.Nil(t, req.Arrow)

	shared := NewProject(ProjectConfig{Scout: NewDataScout(nil)})
	req, err = shared.Attach(context.Background(), tg)
	require.NoError(t, err)
	assert.False(t, req.Pause)
}

func TestDataScoutWithoutSnapshot(t *testing.T) {
	ds := NewDataScout(nil)
	tg := builtTarget(t, newContainerBackend("amd64"), ds)

	req, err := ds.Attach(context.Background(), tg)
	require.NoError(t, err)
	assert.True(t, req.Pause)

	_, err = ds.Collect(context.Background(), tg, newStubProcess(10))
	assert.ErrorIs(t, err, errdefs.ErrScoutSynchronizationFailure)

	project := NewProject(ProjectConfig{Scout: ds})
	_, err = project.Collect(context.Background(), tg, newStubProcess(10))
	assert.ErrorIs(t, err, errdefs.ErrScoutSynchronizationFailure)
}

func TestLoadedObjects(t *testing.T) {
	snap := &scout.Snapshot{
		Maps: []scout.Region{
			{Start: 0x7f0000, End: 0x7f1000, Perms: "r-xp", Path: "/lib/libc.so.6"},
			{Start: 0x400000, End: 0x401000, Perms: "r--p", Path: "/usr/bin/prog"},
			{Start: 0x401000, End: 0x402000, Perms: "r-xp", Path: "/usr/bin/prog"},
			{Start: 0x7ff000, End: 0x800000, Perms: "rw-p", Path: "[stack]"},
		},
		Auxv: []scout.AuxEntry{{Key: scout.AtEntry, Value: 0x401020}},
	}
	in := ProjectInput{Snapshot: snap, MountPath: "/merged", Binary: "/usr/bin/prog"}
	artifact, err := LoadedObjects(context.Background(), in)
	require.NoError(t, err)

	project := artifact.(*Project)
	assert.Equal(t, uint64(0x401020), project.Entry)
	assert.Empty(t, project.OpenFiles)
	assert.Equal(t, []scout.LoadedObject{
		{Path: "/usr/bin/prog", Base: 0x400000},
		{Path: "/lib/libc.so.6", Base: 0x7f0000},
	}, project.Objects)
	assert.Equal(t, "/merged/usr/bin/prog", in.HostPath("/usr/bin/prog"))
	assert.Equal(t, "/merged/etc/passwd", in.HostPath("../etc/passwd"))
	assert.Empty(t, ProjectInput{}.HostPath("/x"))
}

func TestProjectCustomAnalyzer(t *testing.T) {
	b := newContainerBackend("amd64")
	tg := builtTarget(t, b)

	var got ProjectInput
	var queried int
	project := NewProject(ProjectConfig{
		Analyze: func(ctx context.Context, in ProjectInput) (any, error) {
			got = in
			return "analyzed", nil
		},
		OpenFiles: func(ctx context.Context, pid int) ([]string, error) {
			queried = pid
			return []string{"/etc/ld.so.cache", "/var/log/prog.log"}, nil
		},
	})
	project.own = &scout.Snapshot{PID: 10}

	artifact, err := project.Collect(context.Background(), tg, newStubProcess(10))
	require.NoError(t, err)
	assert.Equal(t, "analyzed", artifact)
	assert.Equal(t, "/usr/bin/prog", got.Binary)
	assert.Equal(t, "/var/lib/docker/merged", got.MountPath)
	assert.Equal(t, 10, got.Snapshot.PID)
	assert.Equal(t, 10, queried)
	assert.Equal(t, []string{"/etc/ld.so.cache", "/var/log/prog.log"}, got.OpenFiles)
}

func TestProjectOpenFilesBestEffort(t *testing.T) {
	tg := builtTarget(t, newContainerBackend("amd64"))
	project := NewProject(ProjectConfig{OpenFiles: func(ctx context.Context, pid int) ([]string, error) {
		return nil, errors.New("permission denied")
	}})
	project.own = &scout.Snapshot{PID: 10}

	artifact, err := project.Collect(context.Background(), tg, newStubProcess(10))
	require.NoError(t, err)
	assert.Empty(t, artifact.(*Project).OpenFiles)

	exited := newStubProcess(11)
	exited.exit()
	project = NewProject(ProjectConfig{OpenFiles: func(ctx context.Context, pid int) ([]string, error) {
		t.Fatal("open files listed for an exited process")
		return nil, nil
	}})
	project.own = &scout.Snapshot{PID: 11}
	_, err = project.Collect(context.Background(), tg, exited)
	require.NoError(t, err)
}

func TestQEMUTracer(t *testing.T) {
	ctx := context.Background()
	a := newArmory(t, "qemu-aarch64")
	b := newContainerBackend("arm64")
	q := NewQEMUTracer(QEMUConfig{Armory: a, Events: []string{"in_asm", "exec"}})
	tg := builtTarget(t, b, q)

	req, err := q.Attach(ctx, tg)
	require.NoError(t, err)
	require.NotNil(t, req.Arrow)
	assert.Equal(t, "emulator", req.Arrow.Slot)
	assert.Equal(t, "/tmp/quiver/arrows/qemu-aarch64", req.Arrow.Path)
	assert.Equal(t, []string{"-d", "in_asm,exec", "-D", "/tmp/quiver/qemu-trace-1.log"}, req.Arrow.Args)
	assert.NotContains(t, b.files, "/tmp/quiver/arrows/qemu-aarch64")
	require.NotNil(t, req.Arrow.Stage)
	require.NoError(t, req.Arrow.Stage(ctx))
	assert.Contains(t, b.files, "/tmp/quiver/arrows/qemu-aarch64")

	artifact, err := q.Collect(ctx, tg, newStubProcess(42))
	require.NoError(t, err)
	session := artifact.(*TraceSession)
	assert.Equal(t, "arm64", session.Arch)
	assert.Equal(t, 42, session.PID)

	require.NoError(t, b.WriteFile(ctx, &backend.File{Path: session.LogPath, Data: []byte("IN: main\n")}))
	log, err := session.Read(ctx, tg)
	require.NoError(t, err)
	assert.Equal(t, "IN: main\n", string(log))

	_, err = q.Collect(ctx, tg, newStubProcess(42))
	assert.Error(t, err)

	req, err = q.Attach(ctx, tg)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/quiver/qemu-trace-2.log", req.Arrow.Args[3])
}

func TestQEMUTracerMissingEmulator(t *testing.T) {
	q := NewQEMUTracer(QEMUConfig{Armory: newArmory(t)})
	tg := builtTarget(t, newContainerBackend("amd64"), q)
	_, err := q.Attach(context.Background(), tg)
	assert.ErrorContains(t, err, "qemu-x86_64")
}

func TestQEMUArch(t *testing.T) {
	tests := map[string]string{
		"amd64":   "x86_64",
		"arm64":   "aarch64",
		"386":     "i386",
		"mipsle":  "mipsel",
		"riscv64": "riscv64",
	}
	for goarch, want := range tests {
		assert.Equal(t, want, qemuArch(goarch), goarch)
	}
}

func TestGDBServer(t *testing.T) {
	ctx := context.Background()
	a := newArmory(t, GDBServerName)
	b := newContainerBackend("amd64")
	g := NewGDBServer(GDBConfig{Armory: a, ListenWait: time.Second})
	tg := builtTarget(t, b, g)

	req, err := g.Attach(ctx, tg)
	require.NoError(t, err)
	assert.Equal(t, "debugger", req.Arrow.Slot)
	assert.Equal(t, "/tmp/quiver/arrows/gdbserver", req.Arrow.Path)
	assert.Equal(t, []string{":1234"}, req.Arrow.Args)
	assert.NotContains(t, b.files, "/tmp/quiver/arrows/gdbserver")
	require.NoError(t, req.Arrow.Stage(ctx))
	assert.Contains(t, b.files, "/tmp/quiver/arrows/gdbserver")

	polls := 0
	b.endpoints = func(pid int) []backend.Endpoint {
		polls++
		if polls < 3 {
			return []backend.Endpoint{{Port: 1234, Proto: "tcp", Host: "172.17.0.2", HostPort: 1234, Declared: true}}
		}
		return []backend.Endpoint{{Port: 1234, Proto: "tcp", Host: "172.17.0.2", HostPort: 1234, Declared: true, Observed: true}}
	}

	artifact, err := g.Collect(ctx, tg, newStubProcess(7))
	require.NoError(t, err)
	debugger := artifact.(*Debugger)
	assert.Equal(t, "172.17.0.2:1234", debugger.Endpoint.Address())
	assert.Equal(t, "target remote 172.17.0.2:1234", debugger.Remote())
	assert.Equal(t, 3, polls)
}

func TestGDBServerNotListening(t *testing.T) {
	b := newContainerBackend("amd64")
	g := NewGDBServer(GDBConfig{Armory: newArmory(t, GDBServerName), ListenWait: 300 * time.Millisecond})
	tg := builtTarget(t, b, g)

	_, err := g.Collect(context.Background(), tg, newStubProcess(7))
	assert.ErrorContains(t, err, "not listening")

	exited := newStubProcess(7)
	exited.exit()
	_, err = g.Collect(context.Background(), tg, exited)
	assert.ErrorContains(t, err, "gdbserver exited")
}
