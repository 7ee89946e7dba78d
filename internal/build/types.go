package build

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_build.go -package=mocks github.com/mattjoyce/bbq/internal/build Runner,Recorder

// Entry is one pending build: which flavor, where its source lives, and
// the command that builds it.
type Entry struct {
	FlavorID   string
	SourcePath string
	Command    string
}

// Status is the final state of a build run.
type Status string

const (
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusSpawnFailed Status = "spawn_failed"
	StatusCanceled    Status = "canceled"
)

// Result describes a finished build run.
type Result struct {
	RunID      string
	Entry      Entry
	Status     Status
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	// Output holds the tail of the combined stdout/stderr.
	Output string
	Err    error
}

// Duration returns how long the run took.
func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Runner executes one build entry to completion.
type Runner interface {
	Run(ctx context.Context, entry Entry) Result
}

// Recorder persists build results.
type Recorder interface {
	RecordBuild(ctx context.Context, result Result) error
}
