// Package supervisor launches flavor processes in their own process group,
// watches their output for a readiness marker and kills them on demand.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/bbq/internal/flavor"
	"github.com/mattjoyce/bbq/internal/log"
	"github.com/mattjoyce/bbq/internal/metrics"
	"github.com/mattjoyce/bbq/internal/proc"
)

// ErrTerminated is returned when waiting on a process that was already killed.
var ErrTerminated = errors.New("flavor process terminated")

const (
	defaultReadinessTimeout = 500 * time.Millisecond
	defaultLogLines         = 200
)

// PortAllocator hands out exclusive local ports.
type PortAllocator interface {
	Allocate() (int, error)
	Release(port int)
}

// MarkerFunc generates the readiness marker for one invocation.
type MarkerFunc func(flavorName string) string

// DefaultMarker returns "<flavor> ready to accept requests <nonce>". The
// nonce keeps ordinary output from matching by accident.
func DefaultMarker(flavorName string) string {
	return fmt.Sprintf("%s ready to accept requests %s", flavorName, uuid.NewString())
}

// Options configures a Supervisor.
type Options struct {
	Ports            PortAllocator
	ReadinessTimeout time.Duration
	PortEnv          string
	MarkerEnv        string
	Marker           MarkerFunc
	LogLines         int
	Logger           *slog.Logger
	Metrics          *metrics.Collector
}

// Supervisor launches flavor processes. It is safe for concurrent use; each
// launched Process is owned by its caller.
type Supervisor struct {
	ports     PortAllocator
	timeout   time.Duration
	portEnv   string
	markerEnv string
	marker    MarkerFunc
	logLines  int
	logger    *slog.Logger
	metrics   *metrics.Collector

	mu   sync.Mutex
	live map[*Process]struct{}
}

// New creates a Supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Ports == nil {
		return nil, errors.New("supervisor requires a port allocator")
	}
	s := &Supervisor{
		ports:     opts.Ports,
		timeout:   opts.ReadinessTimeout,
		portEnv:   opts.PortEnv,
		markerEnv: opts.MarkerEnv,
		marker:    opts.Marker,
		logLines:  opts.LogLines,
		logger:    log.Or(opts.Logger, "supervisor"),
		metrics:   opts.Metrics,
		live:      make(map[*Process]struct{}),
	}
	if s.timeout <= 0 {
		s.timeout = defaultReadinessTimeout
	}
	if s.portEnv == "" {
		s.portEnv = "PORT"
	}
	if s.markerEnv == "" {
		s.markerEnv = "ON_READY"
	}
	if s.marker == nil {
		s.marker = DefaultMarker
	}
	if s.logLines <= 0 {
		s.logLines = defaultLogLines
	}
	return s, nil
}

// ReadinessTimeout returns the window measured from each launch.
func (s *Supervisor) ReadinessTimeout() time.Duration { return s.timeout }

// Launch starts f with a fresh port and marker in its environment. The
// returned Process is Starting; the caller must Terminate it.
func (s *Supervisor) Launch(ctx context.Context, f flavor.Flavor) (*Process, error) {
	name := f.Name()
	cmd, err := f.Command(ctx)
	if err != nil {
		s.metrics.FlavorLaunchFailed(name)
		return nil, fmt.Errorf("prepare flavor %q: %w", name, err)
	}

	port, err := s.ports.Allocate()
	if err != nil {
		s.metrics.FlavorLaunchFailed(name)
		return nil, fmt.Errorf("assign port for flavor %q: %w", name, err)
	}
	marker := s.marker(name)

	// Later entries win, so the flavor's own env and then ours override the host's.
	env := append(os.Environ(), cmd.Env...)
	env = append(env, s.portEnv+"="+strconv.Itoa(port), s.markerEnv+"="+marker)
	cmd.Env = env

	startedAt := time.Now()
	output, err := proc.StartCombined(cmd)
	if err != nil {
		s.ports.Release(port)
		s.metrics.FlavorLaunchFailed(name)
		return nil, fmt.Errorf("launch flavor %q: %w", name, err)
	}

	p := &Process{
		name:       name,
		pid:        cmd.Process.Pid,
		port:       port,
		marker:     marker,
		startedAt:  startedAt,
		timeout:    s.timeout,
		state:      Starting,
		ready:      make(chan struct{}),
		terminated: make(chan struct{}),
		exited:     make(chan struct{}),
		cmd:        cmd,
		logs:       proc.NewLogBuffer(s.logLines),
		metrics:    s.metrics,
	}
	p.logger = s.logger.With("flavor", name, "pid", p.pid, "port", port)

	var releaseOnce sync.Once
	p.release = func() {
		releaseOnce.Do(func() {
			s.ports.Release(port)
			s.forget(p)
		})
	}

	s.mu.Lock()
	s.live[p] = struct{}{}
	s.mu.Unlock()
	s.metrics.FlavorLaunched(name)

	go p.consume(output)
	go p.wait()

	p.logger.Info("flavor process launched", "dir", cmd.Dir)
	return p, nil
}

// Live returns the number of processes launched and not yet reaped after
// termination.
func (s *Supervisor) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// TerminateAll kills every process still owned by an in-flight request.
// Used on shutdown.
func (s *Supervisor) TerminateAll() {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.live))
	for p := range s.live {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		p.Terminate()
	}
	if len(procs) > 0 {
		s.logger.Info("terminated in-flight flavor processes", "count", len(procs))
	}
}

func (s *Supervisor) forget(p *Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, p)
}
