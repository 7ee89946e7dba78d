package build

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/bbq/internal/log"
)

func TestShellRunnerSuccess(t *testing.T) {
	dir := t.TempDir()
	r := NewShellRunner(log.Discard())

	res := r.Run(context.Background(), Entry{
		FlavorID:   "ping",
		SourcePath: dir,
		Command:    "echo installing; echo warn 1>&2; touch built",
	})

	require.NoError(t, res.Err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.NotEmpty(t, res.RunID)
	assert.Contains(t, res.Output, "installing")
	assert.Contains(t, res.Output, "warn")
	assert.FileExists(t, filepath.Join(dir, "built"))
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
}

func TestShellRunnerLongOutputLine(t *testing.T) {
	r := NewShellRunner(log.Discard())
	res := r.Run(context.Background(), Entry{
		FlavorID:   "ping",
		SourcePath: t.TempDir(),
		Command:    "head -c 2000000 /dev/zero | tr '\\0' a; echo; echo done",
	})

	require.NoError(t, res.Err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, strings.HasSuffix(res.Output, "\ndone"))
}

func TestShellRunnerNonZeroExit(t *testing.T) {
	r := NewShellRunner(log.Discard())
	res := r.Run(context.Background(), Entry{FlavorID: "ping", SourcePath: t.TempDir(), Command: "echo nope; exit 4"})

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 4, res.ExitCode)
	assert.Error(t, res.Err)
	assert.Equal(t, "nope", res.Output)
}

func TestShellRunnerSpawnFailure(t *testing.T) {
	r := NewShellRunner(log.Discard())

	res := r.Run(context.Background(), Entry{FlavorID: "ghost", SourcePath: "/definitely/not/here", Command: "true"})
	assert.Equal(t, StatusSpawnFailed, res.Status)
	assert.Error(t, res.Err)

	res = r.Run(context.Background(), Entry{FlavorID: "empty", SourcePath: t.TempDir()})
	assert.Equal(t, StatusSpawnFailed, res.Status)
}

func TestShellRunnerCancelKillsGroup(t *testing.T) {
	r := NewShellRunner(log.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := r.Run(ctx, Entry{FlavorID: "slow", SourcePath: t.TempDir(), Command: "sleep 30 & wait"})
	assert.Equal(t, StatusCanceled, res.Status)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestShellRunnerInheritsEnvironment(t *testing.T) {
	t.Setenv("BBQ_BUILD_TEST", "from-host")
	dir := t.TempDir()
	r := NewShellRunner(log.Discard())

	res := r.Run(context.Background(), Entry{FlavorID: "env", SourcePath: dir, Command: `printf "%s" "$BBQ_BUILD_TEST" > env.txt`})
	require.NoError(t, res.Err)

	data, err := os.ReadFile(filepath.Join(dir, "env.txt"))
	require.NoError(t, err)
	assert.Equal(t, "from-host", string(data))
}
