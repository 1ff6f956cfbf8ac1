package scout

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"quiver/internal/errdefs"
	"quiver/internal/process"
)

// launchPaused starts /bin/true at its exec trap or skips when ptrace is
// not permitted in this environment.
func launchPaused(t *testing.T, env []string) (*process.Local, *Paused) {
	t.Helper()
	l, err := process.New(process.Config{Path: "/bin/true", Env: env})
	require.NoError(t, err)

	paused, err := LaunchLocal(l)
	if err != nil {
		_ = l.Close()
		if errors.Is(err, errdefs.ErrScoutSynchronizationFailure) {
			t.Skipf("exec trap unavailable: %v", err)
		}
		t.Skipf("traced launch not permitted: %v", err)
	}
	return l, paused
}

func TestLaunchLocalSnapshot(t *testing.T) {
	require := require.New(t)

	l, paused := launchPaused(t, []string{"QUIVER_SCOUT=1", "SECOND=two"})
	defer l.Close()

	snap, err := paused.Snapshot()
	require.NoError(err)
	require.Equal(paused.PID(), snap.PID)
	require.Equal([]EnvVar{{Name: "QUIVER_SCOUT", Value: "1"}, {Name: "SECOND", Value: "two"}}, snap.Environ)

	entry, ok := snap.Entry()
	require.True(ok)
	region, ok := snap.RegionContaining(entry)
	require.True(ok)
	require.True(region.Executable())

	// The snapshot is frozen.
	again, err := paused.Snapshot()
	require.NoError(err)
	require.Same(snap, again)

	original, err := paused.ReadMemory(entry, 8)
	require.NoError(err)
	require.Len(original, 8)

	require.NoError(paused.Resume())
	require.NoError(paused.Resume())
	l.Monitor()
	<-l.Wait()
	require.Equal(0, l.ExitCode())

	_, err = (&Paused{pid: snap.PID, resumed: true}).Snapshot()
	require.ErrorIs(err, errdefs.ErrScoutSynchronizationFailure)
}

func TestSnapshotShapeStableAcrossLaunches(t *testing.T) {
	var shapes []Shape
	for i := 0; i < 2; i++ {
		l, paused := launchPaused(t, []string{"A=1"})
		snap, err := paused.Snapshot()
		require.NoError(t, err)
		shapes = append(shapes, snap.Shape())
		require.NoError(t, paused.Resume())
		l.Monitor()
		<-l.Wait()
		_ = l.Close()
	}
	require.Equal(t, shapes[0], shapes[1])
}

func TestPatchMemoryGone(t *testing.T) {
	err := PatchMemory(1<<30, 0x1000, []byte{0x90})
	require.ErrorIs(t, err, ErrMemoryGone)
}
