// Package cluster runs a fixed number of worker copies of the current
// binary that all accept connections on one listener opened by the master.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/bbq/internal/log"
	"github.com/mattjoyce/bbq/internal/proc"
)

// WorkerEnv is set to the worker index in every worker's environment.
const WorkerEnv = "BBQ_WORKER"

// listenerFD is the first ExtraFiles slot.
const listenerFD = 3

// IsWorker reports whether this process was started by a Master.
func IsWorker() bool {
	return os.Getenv(WorkerEnv) != ""
}

// WorkerIndex returns this worker's 1-based index, or 0 outside a cluster.
func WorkerIndex() int {
	n, err := strconv.Atoi(os.Getenv(WorkerEnv))
	if err != nil || n < 1 {
		return 0
	}
	return n
}

// PortShare splits [min, max] into forks contiguous slices and returns the
// slice owned by worker index. Workers never hand out the same flavor port.
// An index of 0 owns the whole range.
func PortShare(min, max, forks, index int) (int, int, error) {
	if index == 0 || forks <= 1 {
		return min, max, nil
	}
	if index > forks {
		return 0, 0, fmt.Errorf("worker %d out of %d", index, forks)
	}
	size := (max - min + 1) / forks
	if size < 1 {
		return 0, 0, fmt.Errorf("port range %d-%d is too small for %d workers", min, max, forks)
	}
	lo := min + (index-1)*size
	hi := lo + size - 1
	if index == forks {
		hi = max
	}
	return lo, hi, nil
}

// InheritedListener rebuilds the listener the master handed down.
func InheritedListener() (net.Listener, error) {
	f := os.NewFile(uintptr(listenerFD), "bbq-listener")
	if f == nil {
		return nil, errors.New("no inherited listener")
	}
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("inherit listener: %w", err)
	}
	return ln, nil
}

// Master starts and watches the workers.
type Master struct {
	// Forks is the number of workers.
	Forks int
	// Executable and Args are the worker command line. Executable defaults
	// to the running binary.
	Executable string
	Args       []string
	// Env is appended to each worker's environment.
	Env []string
	// StopTimeout bounds how long a worker gets between SIGTERM and SIGKILL.
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// Run starts the workers on ln and blocks until they have all exited.
// Cancelling ctx stops them. A worker that exits on its own is logged and
// not restarted.
func (m *Master) Run(ctx context.Context, ln *net.TCPListener) error {
	logger := log.Or(m.Logger, "cluster")
	if m.Forks < 1 {
		return fmt.Errorf("forks must be at least 1 (got %d)", m.Forks)
	}
	exe := m.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
	}
	stopTimeout := m.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}

	f, err := ln.File()
	if err != nil {
		return fmt.Errorf("share listener: %w", err)
	}
	defer f.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < m.Forks; i++ {
		cmd := exec.Command(exe, m.Args...)
		cmd.Env = append(append(os.Environ(), m.Env...), WorkerEnv+"="+strconv.Itoa(i+1))
		cmd.ExtraFiles = []*os.File{f}
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		proc.SetProcessGroup(cmd)

		if err := cmd.Start(); err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("start worker %d: %w", i+1, err)
		}
		wlog := logger.With("worker", i+1, "pid", cmd.Process.Pid)
		wlog.Info("worker started")

		g.Go(func() error {
			return supervise(gctx, cmd, stopTimeout, wlog)
		})
	}

	logger.Info("cluster running", "forks", m.Forks, "listen", ln.Addr().String())
	return g.Wait()
}

func supervise(ctx context.Context, cmd *exec.Cmd, stopTimeout time.Duration, logger *slog.Logger) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		logger.Warn("worker exited", "exit_code", proc.ExitCode(err))
		return nil
	case <-ctx.Done():
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case err := <-done:
		logger.Info("worker stopped", "exit_code", proc.ExitCode(err))
	case <-time.After(stopTimeout):
		logger.Warn("worker ignored SIGTERM, killing", "timeout", stopTimeout)
		_ = proc.KillGroup(cmd.Process.Pid)
		<-done
	}
	return nil
}
