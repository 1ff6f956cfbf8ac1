//go:build linux

package process

import (
	"bytes"
	"io"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartCatEcho(t *testing.T) {
	require := require.New(t)

	p, err := Start(Config{Path: "/bin/cat"})
	require.NoError(err, "Start")
	defer p.Close()

	_, err = p.Stdin().Write([]byte("hello"))
	require.NoError(err)
	require.NoError(p.Stdin().Close())

	out, err := io.ReadAll(p.Stdout())
	require.NoError(err)
	require.Equal("hello", string(out))

	<-p.Wait()
	require.NoError(p.Err())
	require.Equal(0, p.ExitCode())
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   int
	}{
		{"success", "exit 0", 0},
		{"failure", "exit 3", 3},
		{"signaled", "kill -9 $$", 128 + int(syscall.SIGKILL)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Start(Config{Path: "/bin/sh", Args: []string{"-c", tt.script}})
			require.NoError(t, err)
			defer p.Close()

			select {
			case <-p.Wait():
			case <-time.After(10 * time.Second):
				t.Fatal("process did not exit")
			}
			require.NoError(t, p.Err())
			require.Equal(t, tt.want, p.ExitCode())
		})
	}
}

func TestCallerSuppliedStreams(t *testing.T) {
	var stdout bytes.Buffer
	p, err := Start(Config{
		Path:   "/bin/cat",
		Stdin:  bytes.NewBufferString("from reader"),
		Stdout: &stdout,
		Env:    os.Environ(),
	})
	require.NoError(t, err)
	defer p.Close()

	<-p.Wait()
	require.Nil(t, p.Stdin())
	require.Nil(t, p.Stdout())
	require.Equal(t, "from reader", stdout.String())
}

func TestTerminateEscalates(t *testing.T) {
	// The shell ignores SIGTERM, so Terminate must fall back to SIGKILL.
	p, err := Start(Config{Path: "/bin/sh", Args: []string{"-c", "trap '' TERM; while :; do sleep 1; done"}})
	require.NoError(t, err)
	defer p.Close()

	// Give the shell time to install its trap.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, Terminate(p, 300*time.Millisecond))
	require.True(t, Exited(p))
	require.Equal(t, 128+int(syscall.SIGKILL), p.ExitCode())

	// Terminating a reaped process is a no-op.
	require.NoError(t, Terminate(p, time.Millisecond))
	require.NoError(t, p.Kill())
	require.NoError(t, p.Signal(syscall.SIGTERM))
}

func TestCloseIsIdempotent(t *testing.T) {
	p, err := Start(Config{Path: "/bin/sleep", Args: []string{"30"}})
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.True(t, Exited(p))
	require.NoError(t, p.Close())
}

func TestKillAfterReapIsNoop(t *testing.T) {
	p, err := New(Config{Path: "/bin/true"})
	require.NoError(t, err)
	require.NoError(t, p.Launch(nil))

	// Reap behind the monitor's back: the pid is free for reuse now.
	require.NoError(t, p.cmd.Wait())
	require.False(t, Exited(p))
	require.NoError(t, p.Kill())
	p.closeParentSide()
}

func TestStartMissingBinary(t *testing.T) {
	_, err := Start(Config{Path: "/nonexistent/quiver-binary"})
	require.Error(t, err)
}

func TestTTY(t *testing.T) {
	p, err := Start(Config{Path: "/bin/echo", Args: []string{"on a terminal"}, TTY: true})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	defer p.Close()

	out, _ := io.ReadAll(p.Stdout())
	require.Contains(t, string(out), "on a terminal")
}
