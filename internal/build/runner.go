package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/bbq/internal/log"
	"github.com/mattjoyce/bbq/internal/proc"
)

const defaultOutputLines = 100

// ShellRunner runs build commands through /bin/sh in the entry's source
// directory, logging every output line.
type ShellRunner struct {
	logger      *slog.Logger
	outputLines int
}

// NewShellRunner creates a ShellRunner.
func NewShellRunner(logger *slog.Logger) *ShellRunner {
	return &ShellRunner{
		logger:      log.Or(logger, "build"),
		outputLines: defaultOutputLines,
	}
}

// Run starts the build and waits for it. Cancelling ctx kills the build's
// process group.
func (r *ShellRunner) Run(ctx context.Context, entry Entry) Result {
	res := Result{
		RunID:     uuid.NewString(),
		Entry:     entry,
		StartedAt: time.Now(),
		ExitCode:  -1,
	}
	logger := r.logger.With("flavor", entry.FlavorID, "run_id", res.RunID)

	command := strings.TrimSpace(entry.Command)
	if command == "" {
		return finish(res, StatusSpawnFailed, fmt.Errorf("no build command for flavor %q", entry.FlavorID))
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = entry.SourcePath
	cmd.Env = os.Environ()

	output, err := proc.StartCombined(cmd)
	if err != nil {
		return finish(res, StatusSpawnFailed, err)
	}
	logger = logger.With("pid", cmd.Process.Pid)

	stop := context.AfterFunc(ctx, func() {
		_ = proc.KillGroup(cmd.Process.Pid)
	})
	defer stop()

	tail := proc.NewLogBuffer(r.outputLines)
	scanErr := proc.ScanLines(output, func(line string) {
		tail.Add(line)
		logger.Info("build output", "line", line)
	})
	_ = output.Close()
	waitErr := cmd.Wait()

	res.Output = tail.String()
	res.ExitCode = proc.ExitCode(waitErr)
	switch {
	case ctx.Err() != nil:
		return finish(res, StatusCanceled, ctx.Err())
	case waitErr != nil:
		return finish(res, StatusFailed, fmt.Errorf("build command exited with code %d: %w", res.ExitCode, waitErr))
	case scanErr != nil:
		return finish(res, StatusFailed, fmt.Errorf("read build output: %w", scanErr))
	}
	return finish(res, StatusSucceeded, nil)
}

func finish(res Result, status Status, err error) Result {
	res.Status = status
	res.Err = err
	res.FinishedAt = time.Now()
	return res
}
