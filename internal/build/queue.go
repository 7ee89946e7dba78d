// Package build runs flavor build commands one at a time in queue order.
package build

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mattjoyce/bbq/internal/log"
	"github.com/mattjoyce/bbq/internal/metrics"
)

// Queue is an ordered list of pending builds drained by a single worker.
// Removing an entry and starting its build happen under the same lock, so
// no two builds ever overlap.
type Queue struct {
	mu      sync.Mutex
	entries []Entry

	// run serializes drain loops.
	run sync.Mutex

	runner   Runner
	recorder Recorder
	logger   *slog.Logger
	metrics  *metrics.Collector
}

// Option configures a Queue.
type Option func(*Queue)

// WithRecorder persists every result.
func WithRecorder(r Recorder) Option {
	return func(q *Queue) { q.recorder = r }
}

// WithLogger sets the queue logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics reports queue depth and build outcomes.
func WithMetrics(m *metrics.Collector) Option {
	return func(q *Queue) { q.metrics = m }
}

// NewQueue creates an empty queue that runs builds with runner.
func NewQueue(runner Runner, opts ...Option) *Queue {
	q := &Queue{runner: runner}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = log.Or(q.logger, "build_queue")
	return q
}

// Enqueue appends entries to the back of the queue.
func (q *Queue) Enqueue(entries ...Entry) {
	q.mu.Lock()
	q.entries = append(q.entries, entries...)
	n := len(q.entries)
	q.mu.Unlock()
	q.metrics.BuildQueueDepth(n)
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Drain runs every pending entry, oldest first, until the queue is empty.
// A failed build is logged and recorded and the loop moves on. Cancelling
// ctx stops the loop after the current build; the rest stay queued.
func (q *Queue) Drain(ctx context.Context) ([]Result, error) {
	q.run.Lock()
	defer q.run.Unlock()

	var results []Result
	for {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		entry, remaining, ok := q.dequeue()
		if !ok {
			return results, nil
		}

		q.logger.Info("starting build", "flavor", entry.FlavorID, "remaining", remaining)
		res := q.runner.Run(ctx, entry)
		q.report(ctx, res)
		results = append(results, res)
	}
}

func (q *Queue) dequeue() (Entry, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, 0, false
	}
	entry := q.entries[0]
	q.entries = q.entries[1:]
	q.metrics.BuildQueueDepth(len(q.entries))
	return entry, len(q.entries), true
}

func (q *Queue) report(ctx context.Context, res Result) {
	attrs := []any{
		"flavor", res.Entry.FlavorID,
		"run_id", res.RunID,
		"status", string(res.Status),
		"exit_code", res.ExitCode,
		"duration", res.Duration(),
	}
	if res.Err != nil {
		q.logger.Error("build failed", append(attrs, "error", res.Err)...)
	} else {
		q.logger.Info("build completed", attrs...)
	}
	q.metrics.BuildFinished(res.Entry.FlavorID, string(res.Status), res.Duration())

	if q.recorder == nil {
		return
	}
	// Records are written even when ctx was cancelled mid-build.
	if err := q.recorder.RecordBuild(context.WithoutCancel(ctx), res); err != nil {
		q.logger.Warn("failed to record build", "flavor", res.Entry.FlavorID, "error", err)
	}
}
