package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mattjoyce/bbq/internal/cluster"
	"github.com/mattjoyce/bbq/internal/config"
	"github.com/mattjoyce/bbq/internal/log"
	"github.com/mattjoyce/bbq/internal/menu"
	"github.com/mattjoyce/bbq/internal/metrics"
	"github.com/mattjoyce/bbq/internal/ports"
	"github.com/mattjoyce/bbq/internal/proxy"
	"github.com/mattjoyce/bbq/internal/server"
	"github.com/mattjoyce/bbq/internal/supervisor"
)

func runServe(args []string) int {
	if hasHelpFlag(args) {
		printServeHelp()
		return 0
	}
	fs, configPath := newFlagSet("serve")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		log.Get().Error("serve failed", "error", err)
		fmt.Fprintf(os.Stderr, "Serve failed: %v\n", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config) error {
	if cluster.IsWorker() {
		ln, err := cluster.InheritedListener()
		if err != nil {
			return err
		}
		return serveWorker(ctx, cfg, ln, cluster.WorkerIndex())
	}

	// Fail in the master on a bad menu rather than in every worker.
	if _, err := menu.Load(cfg.Menu.Path); err != nil {
		return fmt.Errorf("%w\nHint: run 'bbq bootstrap' first", err)
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Listen, err)
	}
	if cfg.Server.Forks <= 1 {
		return serveWorker(ctx, cfg, ln, 0)
	}
	defer ln.Close()

	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		return errors.New("cluster mode requires a TCP listener")
	}
	master := &cluster.Master{
		Forks:  cfg.Server.Forks,
		Args:   os.Args[1:],
		Env:    []string{config.EnvForks + "=" + strconv.Itoa(cfg.Server.Forks)},
		Logger: log.WithComponent("cluster"),
	}
	return master.Run(ctx, tcp)
}

// serveWorker runs one serving process. index is the cluster worker index,
// 0 when running standalone.
func serveWorker(ctx context.Context, cfg *config.Config, ln net.Listener, index int) error {
	logger := log.WithComponent("serve")

	m, err := menu.Load(cfg.Menu.Path)
	if err != nil {
		_ = ln.Close()
		return err
	}

	lo, hi, err := cluster.PortShare(cfg.Supervisor.PortMin, cfg.Supervisor.PortMax, cfg.Server.Forks, index)
	if err != nil {
		_ = ln.Close()
		return err
	}
	allocator, err := ports.NewAllocator(lo, hi)
	if err != nil {
		_ = ln.Close()
		return err
	}

	mc := metrics.New(cfg.Service.Name)
	sup, err := supervisor.New(supervisor.Options{
		Ports:            allocator,
		ReadinessTimeout: cfg.Supervisor.ReadinessTimeout,
		PortEnv:          cfg.Supervisor.PortEnv,
		MarkerEnv:        cfg.Supervisor.MarkerEnv,
		Logger:           log.WithComponent("supervisor"),
		Metrics:          mc,
	})
	if err != nil {
		_ = ln.Close()
		return err
	}

	handler, err := proxy.New(proxy.Options{
		Menu:     m,
		Launcher: sup,
		Unavailable: proxy.Fallback{
			Status: cfg.Proxy.Unavailable.Status,
			Body:   cfg.Proxy.Unavailable.Body,
		},
		TransportError: proxy.Fallback{
			Status: cfg.Proxy.TransportError.Status,
			Body:   cfg.Proxy.TransportError.Body,
		},
		Logger:  log.WithComponent("proxy"),
		Metrics: mc,
	})
	if err != nil {
		_ = ln.Close()
		return err
	}

	logger.Info("serving menu",
		"listen", ln.Addr().String(),
		"worker", index,
		"menu_version", m.Meta.Version,
		"flavors", len(m.Flavors),
		"ports", fmt.Sprintf("%d-%d", lo, hi),
	)
	srv := server.New(server.Config{}, m, handler, sup, mc, logger)
	return srv.Serve(ctx, ln)
}

func printServeHelp() {
	fmt.Print(`Usage: bbq serve [--config PATH]

Serves the persisted menu. Each request launches the matching flavor,
waits for its readiness marker, forwards the request and terminates
the flavor once the response is written.

With FORKS (or server.forks) above 1 the process becomes a master that
shares its listener with that many workers.

Admin endpoints:
  GET /_bbq/healthz
  GET /_bbq/menu
  GET /_bbq/metrics
`)
}
