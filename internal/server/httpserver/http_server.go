// Package httpserver assembles the controller's HTTP surface: routes,
// middleware, and server lifecycle.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	ferrors "github.com/flightdeckci/flightdeck/internal/foundation/errors"
	"github.com/flightdeckci/flightdeck/internal/metrics"
	"github.com/flightdeckci/flightdeck/internal/server/handlers"
	"github.com/flightdeckci/flightdeck/internal/server/middleware"
)

// Options configures the HTTP server.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Registry enables the /metrics endpoint when non-nil.
	Registry *prom.Registry
}

// Server is the controller's HTTP front.
type Server struct {
	http   *http.Server
	logger *slog.Logger
}

// New builds the route table and wraps it in the middleware chain.
func New(h *handlers.Handlers, adapter *ferrors.HTTPErrorAdapter, logger *slog.Logger, opts Options) *Server {
	mux := http.NewServeMux()

	// Submitter surface.
	mux.HandleFunc("POST /api/builds", h.Submit)
	mux.HandleFunc("GET /api/builds", h.ListBuilds)
	mux.HandleFunc("GET /api/builds/{id}", h.GetBuild)
	mux.HandleFunc("GET /api/builds/{id}/logs", h.GetLogs)
	mux.HandleFunc("GET /api/builds/{id}/download", h.Download)
	mux.HandleFunc("POST /api/builds/{id}/cancel", h.Cancel)
	mux.HandleFunc("POST /api/builds/{id}/retry", h.Retry)

	// Worker surface.
	mux.HandleFunc("POST /api/workers/register", h.RegisterWorker)
	mux.HandleFunc("GET /api/workers/poll", h.Poll)
	mux.HandleFunc("POST /api/workers/result", h.UploadResult)
	mux.HandleFunc("GET /api/builds/{id}/source", h.DownloadSource)
	mux.HandleFunc("GET /api/builds/{id}/certs", h.DownloadCerts)
	mux.HandleFunc("POST /api/builds/{id}/heartbeat", h.Heartbeat)

	// VM surface.
	mux.HandleFunc("POST /api/vm/authenticate", h.VMAuthenticate)
	mux.HandleFunc("GET /api/vm/builds/{id}/certs-secure", h.CertsSecure)
	mux.HandleFunc("POST /api/vm/builds/{id}/telemetry", h.Telemetry)
	mux.HandleFunc("POST /api/vm/builds/{id}/logs", h.IngestLogs)

	// Public surface.
	mux.HandleFunc("GET /api/stats", h.Stats)
	mux.HandleFunc("GET /healthz", h.Health)
	if opts.Registry != nil {
		mux.Handle("GET /metrics", metrics.HTTPHandler(opts.Registry))
	}

	chain := middleware.Chain(logger, adapter)

	return &Server{
		http: &http.Server{
			Addr:         opts.Addr,
			Handler:      chain(mux),
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			IdleTimeout:  opts.IdleTimeout,
		},
		logger: logger,
	}
}

// Handler exposes the wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start listens and serves until Shutdown. It returns once the listener is
// bound, reporting serve failures through errCh.
func (s *Server) Start(errCh chan<- error) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.http.Addr, err)
	}
	s.logger.Info("http server listening", slog.String("addr", ln.Addr().String()))

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.http.Shutdown(ctx)
}
