package script

import (
	"context"
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustrun/internal/environ"
	"trustrun/internal/log"
	"trustrun/internal/trust"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "")
	os.Exit(m.Run())
}

func testValidator(t *testing.T) trust.Validator {
	t.Helper()
	u, err := user.Current()
	require.NoError(t, err)
	return trust.NewValidator(trust.Policy{Principal: u.Username, PermSuffix: "00"})
}

func writeScript(t *testing.T, body string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "step.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o700))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestRunCapturesStdout(t *testing.T) {
	path := writeScript(t, "echo hello from runner\n", 0o700)
	exec := NewExecutor(testValidator(t), 0)

	res, err := exec.Run(context.Background(), Request{Script: path, Env: environ.System()})
	require.NoError(t, err)
	assert.Equal(t, "hello from runner\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunEnvironmentOverlay(t *testing.T) {
	path := writeScript(t, "echo \"A=$A B=$B b=$b\"\n", 0o700)
	exec := NewExecutor(testValidator(t), 0)

	base := environ.System().Set("A", "1")
	res, err := exec.Run(context.Background(), Request{
		Script:    path,
		Env:       base,
		Overrides: map[string]string{"b": "2"},
	})
	require.NoError(t, err)
	// Ambient preserved, override key upper-cased, lower-case key absent.
	assert.Equal(t, "A=1 B=2 b=\n", res.Stdout)
}

func TestRunOverlayDoesNotLeakIntoCaller(t *testing.T) {
	path := writeScript(t, "exit 0\n", 0o700)
	exec := NewExecutor(testValidator(t), 0)

	_, err := exec.Run(context.Background(), Request{
		Script:    path,
		Env:       environ.System(),
		Overrides: map[string]string{"leaked_var": "value"},
	})
	require.NoError(t, err)
	assert.Empty(t, os.Getenv("LEAKED_VAR"))
}

func TestRunPassesArguments(t *testing.T) {
	path := writeScript(t, "echo \"$1 $2\"\n", 0o700)
	exec := NewExecutor(testValidator(t), 0)

	res, err := exec.Run(context.Background(), Request{
		Script: path,
		Args:   []string{"first", "second"},
		Env:    environ.System(),
	})
	require.NoError(t, err)
	assert.Equal(t, "first second\n", res.Stdout)
}

func TestRunWorkingDirectory(t *testing.T) {
	path := writeScript(t, "pwd\n", 0o700)
	exec := NewExecutor(testValidator(t), 0)
	dir := t.TempDir()

	res, err := exec.Run(context.Background(), Request{
		Script: path,
		Env:    environ.System(),
		Dir:    dir,
	})
	require.NoError(t, err)
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, []string{dir + "\n", resolved + "\n"}, res.Stdout)
}

func TestRunNonZeroExit(t *testing.T) {
	path := writeScript(t, "echo some progress\necho broke >&2\nexit 3\n", 0o700)
	exec := NewExecutor(testValidator(t), 0)

	res, err := exec.Run(context.Background(), Request{Script: path, Env: environ.System()})
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "some progress\n", res.Stdout, "stdout is captured even on failure")
	assert.Equal(t, "broke\n", res.Stderr)
}

func TestRunStderrWithZeroExitSucceeds(t *testing.T) {
	path := writeScript(t, "echo noisy warning >&2\nexit 0\n", 0o700)
	exec := NewExecutor(testValidator(t), 0)

	res, err := exec.Run(context.Background(), Request{Script: path, Env: environ.System()})
	require.NoError(t, err, "stderr alone must not fail the call")
	assert.Equal(t, "noisy warning\n", res.Stderr)
}

func TestRunSpawnFailureIsNotExitError(t *testing.T) {
	// Valid under the trust gate (mode 600) but missing the exec bit, so the
	// process never starts.
	path := writeScript(t, "exit 0\n", 0o600)
	exec := NewExecutor(testValidator(t), 0)

	_, err := exec.Run(context.Background(), Request{Script: path, Env: environ.System()})
	require.Error(t, err)

	var exitErr *ExitError
	assert.False(t, errors.As(err, &exitErr), "spawn failure must not be classified as an exit failure")
}

func TestRunRefusesUntrustedScript(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "executed")
	path := writeScript(t, "touch "+marker+"\n", 0o755)
	exec := NewExecutor(testValidator(t), 0)

	_, err := exec.Run(context.Background(), Request{Script: path, Env: environ.System()})
	require.Error(t, err)

	kind, ok := trust.KindOf(err)
	require.True(t, ok, "trust failure must propagate verbatim")
	assert.Equal(t, trust.KindUnsafePermissions, kind)

	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "script must never run after a failed validation")
}

func TestRunTimeout(t *testing.T) {
	path := writeScript(t, "sleep 5\n", 0o700)
	exec := NewExecutor(testValidator(t), 100*time.Millisecond)

	start := time.Now()
	_, err := exec.Run(context.Background(), Request{Script: path, Env: environ.System()})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second, "child must be killed at the deadline")
}
