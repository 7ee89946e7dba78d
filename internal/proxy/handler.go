// Package proxy serves inbound requests by launching the owning flavor,
// waiting for it to become ready and streaming the request through to it.
// Every launched process is torn down when its request ends.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/bbq/internal/flavor"
	"github.com/mattjoyce/bbq/internal/log"
	"github.com/mattjoyce/bbq/internal/metrics"
	"github.com/mattjoyce/bbq/internal/supervisor"
)

// Outcomes recorded per request.
const (
	OutcomeOK             = "ok"
	OutcomeMalformed      = "malformed_route"
	OutcomeNotFound       = "not_found"
	OutcomeLaunchError    = "launch_error"
	OutcomeUnavailable    = "unavailable"
	OutcomeTransportError = "transport_error"
	OutcomeCanceled       = "canceled"
)

// Launcher starts flavor processes. *supervisor.Supervisor satisfies it.
type Launcher interface {
	Launch(ctx context.Context, f flavor.Flavor) (*supervisor.Process, error)
}

// Fallback is a fixed response written when no backend response exists.
type Fallback struct {
	Status int
	Body   string
}

func (f Fallback) write(w http.ResponseWriter) {
	status := f.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	http.Error(w, f.Body, status)
}

// Options configures a Handler.
type Options struct {
	Menu     Resolver
	Launcher Launcher
	// Unavailable is written when the flavor cannot be launched or misses
	// its readiness deadline.
	Unavailable Fallback
	// TransportError is written when the backend request fails before any
	// response reached the client.
	TransportError Fallback
	// Transport overrides the backend round tripper.
	Transport http.RoundTripper
	Logger    *slog.Logger
	Metrics   *metrics.Collector
}

// Handler is the readiness-synchronizing proxy.
type Handler struct {
	menu           Resolver
	launcher       Launcher
	unavailable    Fallback
	transportError Fallback
	transport      http.RoundTripper
	logger         *slog.Logger
	metrics        *metrics.Collector
}

var _ http.Handler = (*Handler)(nil)

// New creates a Handler.
func New(opts Options) (*Handler, error) {
	if opts.Menu == nil {
		return nil, errors.New("proxy requires a menu")
	}
	if opts.Launcher == nil {
		return nil, errors.New("proxy requires a launcher")
	}
	h := &Handler{
		menu:           opts.Menu,
		launcher:       opts.Launcher,
		unavailable:    opts.Unavailable,
		transportError: opts.TransportError,
		transport:      opts.Transport,
		logger:         log.Or(opts.Logger, "proxy"),
		metrics:        opts.Metrics,
	}
	if h.unavailable.Status == 0 {
		h.unavailable = Fallback{Status: http.StatusServiceUnavailable, Body: "flavor unavailable"}
	}
	if h.transportError.Status == 0 {
		h.transportError = Fallback{Status: http.StatusBadGateway, Body: "flavor request failed"}
	}
	if h.transport == nil {
		h.transport = newBackendTransport()
	}
	return h, nil
}

// newBackendTransport never reuses connections: every backend lives for
// exactly one request.
func newBackendTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: -1,
		}).DialContext,
		DisableKeepAlives: true,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := h.logger.With("method", r.Method, "path", r.URL.Path)
	if reqID := middleware.GetReqID(r.Context()); reqID != "" {
		logger = logger.With("request_id", reqID)
	}

	target, ok, err := resolve(h.menu, r.URL.Path, r.Method)
	if err != nil {
		h.metrics.ProxyFinished("", OutcomeMalformed, time.Since(start))
		logger.Debug("rejected malformed route")
		http.Error(w, "malformed route: expected /<route>/<path>", http.StatusBadRequest)
		return
	}
	if !ok {
		h.metrics.ProxyFinished("", OutcomeNotFound, time.Since(start))
		logger.Debug("no flavor for route")
		http.Error(w, "no flavor for route", http.StatusNotFound)
		return
	}

	name := target.Flavor.Name
	logger = logger.With("flavor", name, "route", target.Route)

	p, err := h.launcher.Launch(r.Context(), flavor.FromDescriptor(target.Flavor))
	if err != nil {
		h.metrics.ProxyFinished(name, OutcomeLaunchError, time.Since(start))
		logger.Error("failed to launch flavor", "error", err)
		h.unavailable.write(w)
		return
	}
	defer p.Terminate()

	outcome, err := p.AwaitReadiness(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			h.metrics.ProxyFinished(name, OutcomeCanceled, time.Since(start))
			logger.Info("request ended before flavor was ready", "error", err)
			return
		}
		// Terminated under us, typically by shutdown; the client is still there.
		h.metrics.ProxyFinished(name, OutcomeUnavailable, time.Since(start))
		logger.Warn("flavor terminated before it was ready", "error", err)
		h.unavailable.write(w)
		return
	}
	if outcome != supervisor.OutcomeReady {
		h.metrics.ProxyFinished(name, OutcomeUnavailable, time.Since(start))
		logger.Warn("flavor failed to start in time and has been terminated",
			"elapsed", time.Since(p.StartedAt()).Round(time.Millisecond))
		h.unavailable.write(w)
		return
	}
	launched := time.Since(start)
	logger.Info("flavor ready", "port", p.Port(), "launch_ms", launched.Milliseconds())

	h.forward(w, r, p, target, logger, start)
}

// forward streams r to the ready process and its response back to w.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, p *supervisor.Process, target Target, logger *slog.Logger, start time.Time) {
	proxyStart := time.Now()
	name := p.FlavorName()
	outcome := OutcomeOK

	defer func() {
		if rec := recover(); rec != nil {
			// ReverseProxy aborts the handler when the body copy fails midway.
			h.metrics.ProxyFinished(name, OutcomeTransportError, time.Since(start))
			logger.Warn("proxied request failed mid-stream", "elapsed", time.Since(proxyStart))
			panic(rec)
		}
		h.metrics.ProxyFinished(name, outcome, time.Since(start))
		if outcome == OutcomeOK {
			logger.Info("proxied request completed", "elapsed", time.Since(proxyStart))
		}
	}()

	host := net.JoinHostPort("localhost", strconv.Itoa(p.Port()))
	path, rawPath := target.RewrittenPath, target.EscapedRest(r.URL.EscapedPath())
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = "http"
			pr.Out.URL.Host = host
			pr.Out.URL.Path = path
			// URL.EscapedPath ignores RawPath unless it encodes Path.
			pr.Out.URL.RawPath = rawPath
			pr.Out.Host = host
			pr.SetXForwarded()
		},
		Transport:     h.transport,
		FlushInterval: -1,
		ErrorLog:      slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, err error) {
			outcome = OutcomeTransportError
			logger.Warn("proxied request failed", "error", err, "elapsed", time.Since(proxyStart))
			h.transportError.write(rw)
		},
	}
	rp.ServeHTTP(w, r)
}
