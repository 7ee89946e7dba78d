// Package server is bbq's HTTP surface: admin endpoints under /_bbq and
// every other path handed to the flavor proxy.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/bbq/internal/log"
	"github.com/mattjoyce/bbq/internal/menu"
	"github.com/mattjoyce/bbq/internal/metrics"
)

// ProcessTracker reports and tears down in-flight flavor processes.
// *supervisor.Supervisor satisfies it.
type ProcessTracker interface {
	Live() int
	TerminateAll()
}

// Config holds HTTP server settings.
type Config struct {
	ShutdownTimeout time.Duration
}

// Server serves the proxy and admin endpoints.
type Server struct {
	config    Config
	menu      *menu.Menu
	proxy     http.Handler
	processes ProcessTracker
	metrics   *metrics.Collector
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a Server.
func New(config Config, m *menu.Menu, proxy http.Handler, processes ProcessTracker, mc *metrics.Collector, logger *slog.Logger) *Server {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	return &Server{
		config:    config,
		menu:      m,
		proxy:     proxy,
		processes: processes,
		metrics:   mc,
		logger:    log.Or(logger, "server"),
		startedAt: time.Now(),
	}
}

// Serve accepts connections on ln until ctx is cancelled, then drains
// in-flight requests and kills any flavor processes left behind.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	s.logger.Info("http server starting", "listen", ln.Addr().String(), "pid", os.Getpid())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if s.processes != nil {
			s.processes.TerminateAll()
		}
		if err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err, ok := <-errCh:
		if s.processes != nil {
			s.processes.TerminateAll()
		}
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route(menu.ReservedPrefix, func(r chi.Router) {
		r.Get("/healthz", s.handleHealthz)
		r.Get("/menu", s.handleMenu)
		r.Handle("/metrics", s.metrics.Handler())
	})
	r.Handle("/*", s.proxy)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
