package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/bbq/internal/flavor"
	"github.com/mattjoyce/bbq/internal/log"
	"github.com/mattjoyce/bbq/internal/metrics"
	"github.com/mattjoyce/bbq/internal/ports"
	"github.com/mattjoyce/bbq/internal/proc"
)

func newSupervisor(t *testing.T, timeout time.Duration) *Supervisor {
	t.Helper()
	alloc, err := ports.NewAllocator(20000, 20999)
	require.NoError(t, err)
	s, err := New(Options{
		Ports:            alloc,
		ReadinessTimeout: timeout,
		Logger:           log.Discard(),
		Metrics:          metrics.New("test"),
	})
	require.NoError(t, err)
	return s
}

func shellFlavor(t *testing.T, name, start string) flavor.Flavor {
	t.Helper()
	return flavor.FromDescriptor(flavor.Descriptor{
		Name:         name,
		StartCommand: start,
		SourcePath:   t.TempDir(),
	})
}

func launch(t *testing.T, s *Supervisor, f flavor.Flavor) *Process {
	t.Helper()
	p, err := s.Launch(context.Background(), f)
	require.NoError(t, err)
	t.Cleanup(p.Terminate)
	return p
}

func waitExited(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.Exited():
	case <-time.After(2 * time.Second):
		t.Fatalf("process %d still running", p.PID())
	}
}

func TestNewRequiresPorts(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestNewDefaults(t *testing.T) {
	alloc, err := ports.NewAllocator(20000, 20010)
	require.NoError(t, err)
	s, err := New(Options{Ports: alloc})
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, s.ReadinessTimeout())
	assert.Equal(t, "PORT", s.portEnv)
	assert.Equal(t, "ON_READY", s.markerEnv)
}

func TestDefaultMarkerIsUnique(t *testing.T) {
	a, b := DefaultMarker("ping"), DefaultMarker("ping")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "ping ready to accept requests "))
}

func TestLaunchReady(t *testing.T) {
	s := newSupervisor(t, 2*time.Second)
	p := launch(t, s, shellFlavor(t, "ping", `echo "port=$PORT"; echo "$ON_READY"; exec sleep 30`))

	outcome, err := p.AwaitReadiness(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, outcome)
	assert.Equal(t, Ready, p.State())
	assert.Equal(t, "ping", p.FlavorName())
	assert.Contains(t, p.Logs().String(), fmt.Sprintf("port=%d", p.Port()))

	// A second wait on a ready process resolves immediately.
	outcome, err = p.AwaitReadiness(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, outcome)
}

func TestReadyAfterLongOutputLine(t *testing.T) {
	s := newSupervisor(t, 3*time.Second)
	p := launch(t, s, shellFlavor(t, "chatty", `head -c 2000000 /dev/zero | tr '\0' a; echo; echo "$ON_READY"; exec sleep 30`))

	outcome, err := p.AwaitReadiness(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, outcome)
	latest := p.Logs().Latest(2)
	require.Len(t, latest, 2)
	assert.Len(t, latest[0].Message, proc.MaxLineBytes)
	assert.Equal(t, p.Marker(), latest[1].Message)
}

func TestReadyOnStderrWithSurroundingWhitespace(t *testing.T) {
	s := newSupervisor(t, 2*time.Second)
	p := launch(t, s, shellFlavor(t, "ping", `printf '  %s  \n' "$ON_READY" 1>&2; exec sleep 30`))

	outcome, err := p.AwaitReadiness(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, outcome)
}

func TestInjectedMarker(t *testing.T) {
	alloc, err := ports.NewAllocator(20000, 20999)
	require.NoError(t, err)
	s, err := New(Options{
		Ports:            alloc,
		ReadinessTimeout: 2 * time.Second,
		Marker:           func(name string) string { return name + " ready to accept requests" },
		Logger:           log.Discard(),
	})
	require.NoError(t, err)

	p := launch(t, s, shellFlavor(t, "ping", `echo "ping ready to accept requests"; exec sleep 30`))
	assert.Equal(t, "ping ready to accept requests", p.Marker())
	outcome, err := p.AwaitReadiness(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, outcome)
}

func TestNearMissMarkerDoesNotCount(t *testing.T) {
	s := newSupervisor(t, 200*time.Millisecond)
	p := launch(t, s, shellFlavor(t, "ping", `echo "almost $ON_READY"; echo "${ON_READY}x"; exec sleep 30`))

	outcome, err := p.AwaitReadiness(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, outcome)
}

func TestTimeoutFailsAndKills(t *testing.T) {
	s := newSupervisor(t, 200*time.Millisecond)
	p := launch(t, s, shellFlavor(t, "silent", `exec sleep 30`))

	start := time.Now()
	outcome, err := p.AwaitReadiness(context.Background())
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, Terminated, p.State())
	waitExited(t, p)
}

func TestExitBeforeReadyResolvesOnlyByTimeout(t *testing.T) {
	s := newSupervisor(t, 300*time.Millisecond)
	p := launch(t, s, shellFlavor(t, "crash", `echo boom; exit 1`))

	waitExited(t, p)
	assert.Equal(t, 1, proc.ExitCode(p.ExitErr()))
	assert.Equal(t, Starting, p.State())

	outcome, err := p.AwaitReadiness(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.GreaterOrEqual(t, time.Since(p.StartedAt()), 250*time.Millisecond)
}

func TestDeadlineIsMeasuredFromLaunch(t *testing.T) {
	s := newSupervisor(t, 200*time.Millisecond)
	p := launch(t, s, shellFlavor(t, "silent", `exec sleep 30`))

	time.Sleep(250 * time.Millisecond)
	start := time.Now()
	outcome, err := p.AwaitReadiness(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "late caller gets no fresh window")
}

func TestAwaitReadinessHonoursContext(t *testing.T) {
	s := newSupervisor(t, 5*time.Second)
	p := launch(t, s, shellFlavor(t, "silent", `exec sleep 30`))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.AwaitReadiness(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, Starting, p.State())
}

func TestTerminateIsIdempotentAndKillsDescendants(t *testing.T) {
	s := newSupervisor(t, 2*time.Second)
	p := launch(t, s, shellFlavor(t, "tree", `sleep 30 & sleep 30 & echo "$ON_READY"; wait`))

	outcome, err := p.AwaitReadiness(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeReady, outcome)

	p.Terminate()
	p.Terminate()
	assert.Equal(t, Terminated, p.State())
	waitExited(t, p)

	_, err = p.AwaitReadiness(context.Background())
	assert.ErrorIs(t, err, ErrTerminated)
	assert.Eventually(t, func() bool { return s.Live() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestTerminateReleasesPort(t *testing.T) {
	alloc, err := ports.NewAllocator(20500, 20500)
	require.NoError(t, err)
	s, err := New(Options{Ports: alloc, ReadinessTimeout: time.Second, Logger: log.Discard()})
	require.NoError(t, err)

	f := shellFlavor(t, "one", `exec sleep 30`)
	p, err := s.Launch(context.Background(), f)
	require.NoError(t, err)

	_, err = s.Launch(context.Background(), f)
	assert.ErrorIs(t, err, ports.ErrExhausted)

	p.Terminate()
	waitExited(t, p)
	assert.Eventually(t, func() bool { return alloc.InUse() == 0 }, 2*time.Second, 10*time.Millisecond)

	p2, err := s.Launch(context.Background(), f)
	require.NoError(t, err)
	p2.Terminate()
}

func TestLaunchErrors(t *testing.T) {
	s := newSupervisor(t, time.Second)

	_, err := s.Launch(context.Background(), flavor.FromDescriptor(flavor.Descriptor{Name: "nostart", SourcePath: t.TempDir()}))
	assert.Error(t, err)

	_, err = s.Launch(context.Background(), flavor.FromDescriptor(flavor.Descriptor{
		Name:         "nodir",
		StartCommand: "true",
		SourcePath:   "/definitely/not/here",
	}))
	assert.Error(t, err)
	assert.Equal(t, 0, s.Live())
}

func TestConcurrentLaunchesAreIndependent(t *testing.T) {
	s := newSupervisor(t, 2*time.Second)
	f := shellFlavor(t, "ping", `echo "$ON_READY"; exec sleep 30`)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int]bool{}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.Launch(context.Background(), f)
			if !assert.NoError(t, err) {
				return
			}
			defer p.Terminate()
			outcome, err := p.AwaitReadiness(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, OutcomeReady, outcome)

			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[p.Port()])
			seen[p.Port()] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 5)
}

func TestTerminateAll(t *testing.T) {
	s := newSupervisor(t, 2*time.Second)
	f := shellFlavor(t, "ping", `exec sleep 30`)
	a := launch(t, s, f)
	b := launch(t, s, f)

	s.TerminateAll()
	waitExited(t, a)
	waitExited(t, b)
	assert.Eventually(t, func() bool { return s.Live() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "starting", Starting.String())
	assert.Equal(t, "terminated", Terminated.String())
	assert.Equal(t, "timed_out", OutcomeTimedOut.String())
	assert.Equal(t, "unknown", State(99).String())
}
