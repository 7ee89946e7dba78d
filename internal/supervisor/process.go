package supervisor

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/mattjoyce/bbq/internal/metrics"
	"github.com/mattjoyce/bbq/internal/proc"
)

// State is the lifecycle position of a supervised process.
type State int

const (
	Starting State = iota
	Ready
	Failed
	Terminated
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Outcome is the result of AwaitReadiness.
type Outcome int

const (
	OutcomeReady Outcome = iota + 1
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReady:
		return "ready"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Process is one running flavor invocation. It belongs to the caller that
// launched it and must be terminated by that caller.
type Process struct {
	name      string
	pid       int
	port      int
	marker    string
	startedAt time.Time
	timeout   time.Duration

	mu         sync.Mutex
	state      State
	ready      chan struct{}
	terminated chan struct{}
	exited     chan struct{}
	exitErr    error

	terminateOnce sync.Once
	release       func()

	cmd     *exec.Cmd
	logs    *proc.LogBuffer
	logger  *slog.Logger
	metrics *metrics.Collector
}

// FlavorName returns the name of the flavor this process serves.
func (p *Process) FlavorName() string { return p.name }

// PID returns the process group leader's pid.
func (p *Process) PID() int { return p.pid }

// Port returns the port assigned to this process.
func (p *Process) Port() int { return p.port }

// Marker returns the readiness marker the process must print.
func (p *Process) Marker() string { return p.marker }

// StartedAt returns the launch time the readiness deadline is measured from.
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Logs returns the most recent output lines.
func (p *Process) Logs() *proc.LogBuffer { return p.logs }

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Exited is closed once the OS process has been reaped.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// ExitErr returns the Wait error. Only meaningful after Exited is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// AwaitReadiness blocks until the process prints its marker or the
// readiness deadline passes. The deadline is measured from StartedAt, so a
// late caller gets a shorter window. On timeout the process is marked
// Failed and terminated. Process exit does not resolve the wait.
func (p *Process) AwaitReadiness(ctx context.Context) (Outcome, error) {
	select {
	case <-p.ready:
		return OutcomeReady, nil
	default:
	}
	if p.State() == Terminated {
		return OutcomeTimedOut, ErrTerminated
	}

	timer := time.NewTimer(time.Until(p.startedAt.Add(p.timeout)))
	defer timer.Stop()

	select {
	case <-p.ready:
		p.metrics.ReadinessResolved(p.name, metrics.ReadinessReady, time.Since(p.startedAt))
		return OutcomeReady, nil
	case <-timer.C:
		if !p.fail() {
			switch p.State() {
			case Ready:
				// The marker arrived while the timer fired.
				return OutcomeReady, nil
			case Failed:
				return OutcomeTimedOut, nil
			default:
				return OutcomeTimedOut, ErrTerminated
			}
		}
		p.metrics.ReadinessResolved(p.name, metrics.ReadinessTimeout, time.Since(p.startedAt))
		p.logger.Warn("flavor readiness timed out", "timeout", p.timeout, "last_output", p.logs.String())
		p.Terminate()
		return OutcomeTimedOut, nil
	case <-p.terminated:
		return OutcomeTimedOut, ErrTerminated
	case <-ctx.Done():
		return OutcomeTimedOut, ctx.Err()
	}
}

// Terminate kills the whole process group. Calling it again is a no-op.
func (p *Process) Terminate() {
	p.terminateOnce.Do(func() {
		p.mu.Lock()
		prev := p.state
		p.state = Terminated
		p.mu.Unlock()
		close(p.terminated)

		if err := proc.KillGroup(p.pid); err != nil {
			p.logger.Error("failed to kill flavor process group", "error", err)
		}
		p.logger.Debug("flavor process terminated", "previous_state", prev.String(), "elapsed", time.Since(p.startedAt))

		// Hold the port until the kernel has reaped the leader.
		go func() {
			<-p.exited
			p.release()
			p.metrics.FlavorTerminated(p.name)
		}()
	})
}

// markReady moves Starting to Ready. Any other state is left alone.
func (p *Process) markReady() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Starting {
		return
	}
	p.state = Ready
	close(p.ready)
}

// fail moves Starting to Failed and reports whether it did.
func (p *Process) fail() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Starting {
		return false
	}
	p.state = Failed
	return true
}

func (p *Process) consume(output io.ReadCloser) {
	defer output.Close()
	err := proc.ScanLines(output, func(line string) {
		p.logs.Add(line)
		p.logger.Info("flavor output", "line", line)
		if line == p.marker {
			p.markReady()
		}
	})
	if err != nil {
		p.logger.Warn("flavor output stream ended with error", "error", err)
	}
}

func (p *Process) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	state := p.state
	p.mu.Unlock()
	close(p.exited)

	p.logger.Info("flavor process exited",
		"exit_code", proc.ExitCode(err),
		"state", state.String(),
		"uptime", time.Since(p.startedAt),
	)
}
