// Package server implements the GhostType transcription server: websocket
// connections carrying the dictation protocol, per-connection session
// registries, the shared ASR pipeline and the HTTP surface around them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/MrWong99/ghosttype/internal/health"
	"github.com/MrWong99/ghosttype/internal/observe"
)

// WebSocketPath is the route dictation clients connect to.
const WebSocketPath = "/ws"

// shutdownGrace bounds how long Run waits for connections and HTTP requests
// to finish once its context ends.
const shutdownGrace = 10 * time.Second

// Option is a functional option for [New].
type Option func(*Server)

// WithAddr sets the listen address used by [Server.Run]. Default ":8000".
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithTLS serves wss:// with the given certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithHealthCheckers adds readiness checks to /readyz.
func WithHealthCheckers(checkers ...health.Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, checkers...) }
}

// WithMetrics instruments HTTP routes with m and, when serve is true,
// exposes the Prometheus registry on /metrics.
func WithMetrics(m *observe.Metrics, serve bool) Option {
	return func(s *Server) {
		s.metrics = m
		s.serveMetrics = serve
	}
}

// Server is the HTTP front of the transcription server.
type Server struct {
	addr         string
	certFile     string
	keyFile      string
	checkers     []health.Checker
	metrics      *observe.Metrics
	serveMetrics bool

	ws     *Handler
	health *health.Handler
	mux    *http.ServeMux
}

// New assembles the routes: the banner on /, /healthz, /readyz, optionally
// /metrics, and the websocket endpoint on [WebSocketPath].
func New(ws *Handler, opts ...Option) *Server {
	s := &Server{addr: ":8000", ws: ws}
	for _, o := range opts {
		o(s)
	}
	s.health = health.New(s.checkers...)

	plain := http.NewServeMux()
	s.health.Register(plain)
	if s.serveMetrics {
		plain.Handle("GET /metrics", observe.MetricsHandler())
	}
	var plainHandler http.Handler = plain
	if s.metrics != nil {
		plainHandler = observe.Middleware(s.metrics)(plain)
	}

	s.mux = http.NewServeMux()
	s.mux.Handle("GET "+WebSocketPath, ws)
	s.mux.Handle("/", plainHandler)
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Run listens on the configured address and serves until ctx ends, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends. It closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", ln.Addr().String(), "tls", s.certFile != "")
		var err error
		if s.certFile != "" {
			err = srv.ServeTLS(ln, s.certFile, s.keyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	s.health.SetDraining()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server: http shutdown: %w", err))
	}
	if err := s.ws.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server: websocket shutdown: %w", err))
	}
	<-errCh
	return errors.Join(errs...)
}
