package build_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/bbq/internal/build"
	"github.com/mattjoyce/bbq/internal/build/mocks"
	"github.com/mattjoyce/bbq/internal/log"
	"github.com/mattjoyce/bbq/internal/metrics"
)

func entry(id string) build.Entry {
	return build.Entry{FlavorID: id, SourcePath: "/src/" + id, Command: "make install"}
}

func result(e build.Entry, status build.Status, err error) build.Result {
	now := time.Now()
	return build.Result{RunID: "run-" + e.FlavorID, Entry: e, Status: status, StartedAt: now, FinishedAt: now, Err: err}
}

func TestDrainRunsInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	runner := mocks.NewMockRunner(ctrl)
	a, b, c := entry("a"), entry("b"), entry("c")
	gomock.InOrder(
		runner.EXPECT().Run(gomock.Any(), a).Return(result(a, build.StatusSucceeded, nil)),
		runner.EXPECT().Run(gomock.Any(), b).Return(result(b, build.StatusSucceeded, nil)),
		runner.EXPECT().Run(gomock.Any(), c).Return(result(c, build.StatusSucceeded, nil)),
	)

	q := build.NewQueue(runner, build.WithLogger(log.Discard()), build.WithMetrics(metrics.New("test")))
	q.Enqueue(a, b)
	q.Enqueue(c)
	require.Equal(t, 3, q.Len())

	results, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{results[0].Entry.FlavorID, results[1].Entry.FlavorID, results[2].Entry.FlavorID})
	assert.Equal(t, 0, q.Len())
}

func TestDrainContinuesAfterFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	runner := mocks.NewMockRunner(ctrl)
	recorder := mocks.NewMockRecorder(ctrl)
	a, b, c := entry("a"), entry("b"), entry("c")
	gomock.InOrder(
		runner.EXPECT().Run(gomock.Any(), a).Return(result(a, build.StatusSpawnFailed, errors.New("no such dir"))),
		runner.EXPECT().Run(gomock.Any(), b).Return(result(b, build.StatusFailed, errors.New("exit 2"))),
		runner.EXPECT().Run(gomock.Any(), c).Return(result(c, build.StatusSucceeded, nil)),
	)
	recorder.EXPECT().RecordBuild(gomock.Any(), gomock.Any()).Return(nil).Times(2)
	recorder.EXPECT().RecordBuild(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

	q := build.NewQueue(runner, build.WithRecorder(recorder), build.WithLogger(log.Discard()))
	q.Enqueue(a, b, c)

	results, err := q.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, build.StatusSpawnFailed, results[0].Status)
	assert.Equal(t, build.StatusFailed, results[1].Status)
	assert.Equal(t, build.StatusSucceeded, results[2].Status)
}

func TestDrainEmptyQueue(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	q := build.NewQueue(mocks.NewMockRunner(ctrl), build.WithLogger(log.Discard()))
	results, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDrainStopsOnCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx, cancel := context.WithCancel(context.Background())
	runner := mocks.NewMockRunner(ctrl)
	a, b := entry("a"), entry("b")
	runner.EXPECT().Run(gomock.Any(), a).DoAndReturn(func(context.Context, build.Entry) build.Result {
		cancel()
		return result(a, build.StatusCanceled, context.Canceled)
	})

	q := build.NewQueue(runner, build.WithLogger(log.Discard()))
	q.Enqueue(a, b)

	results, err := q.Drain(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, results, 1)
	assert.Equal(t, 1, q.Len(), "unstarted entries stay queued")
}

// overlapRunner fails the test if two builds ever run at once.
type overlapRunner struct {
	mu      sync.Mutex
	running bool
	order   []string
	t       *testing.T
}

func (r *overlapRunner) Run(_ context.Context, e build.Entry) build.Result {
	r.mu.Lock()
	if r.running {
		r.t.Errorf("build %s started while another was running", e.FlavorID)
	}
	r.running = true
	r.order = append(r.order, e.FlavorID)
	r.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	return result(e, build.StatusSucceeded, nil)
}

func TestConcurrentDrainsNeverOverlap(t *testing.T) {
	runner := &overlapRunner{t: t}
	q := build.NewQueue(runner, build.WithLogger(log.Discard()))
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		q.Enqueue(entry(id))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := q.Drain(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			total += len(results)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 6, total, "every entry is built exactly once")
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, runner.order)
}
