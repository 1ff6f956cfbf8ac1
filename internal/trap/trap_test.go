//go:build linux

package trap

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quiver/internal/process"
)

// The test binary doubles as the helper when this variable is set.
const helperEnv = "QUIVER_TRAP_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(Run(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func TestRunUsage(t *testing.T) {
	assert.Equal(t, exitUsage, Run(nil))
	assert.Equal(t, exitUsage, Run([]string{"bogus"}))
	assert.Equal(t, exitUsage, Run([]string{"stop-exec"}))
	assert.Equal(t, exitUsage, Run([]string{"stop-exec", "--"}))
	assert.Equal(t, 0, Run([]string{"help"}))
}

func TestStopExecMissingCommand(t *testing.T) {
	assert.Equal(t, exitNotFound, Run([]string{"stop-exec", "--", "/nonexistent/quiver-program"}))
	assert.Equal(t, exitNotFound, Run([]string{"stop-exec", "quiver-no-such-program"}))
}

func TestHold(t *testing.T) {
	signals := make(chan os.Signal, 3)
	signals <- syscall.SIGCHLD
	signals <- syscall.SIGCHLD
	signals <- syscall.SIGTERM
	assert.Equal(t, 0, Hold(signals))

	closed := make(chan os.Signal)
	close(closed)
	assert.Equal(t, 0, Hold(closed))
}

func TestStopExecStopsBeforeExec(t *testing.T) {
	cmd := exec.Command(os.Args[0], "stop-exec", "--", "/bin/sh", "-c", "exit 7")
	cmd.Env = append(os.Environ(), helperEnv+"=1")
	require.NoError(t, cmd.Start())
	defer func() { _ = cmd.Process.Kill() }()

	ctx := context.Background()
	require.Eventually(t, func() bool {
		stopped, err := process.Stopped(ctx, cmd.Process.Pid)
		return err == nil && stopped
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, cmd.Process.Signal(syscall.SIGCONT))
	err := cmd.Wait()
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr), "wait: %v", err)
	assert.Equal(t, 7, exitErr.ExitCode())
}
