// Package server assembles the broker binary's HTTP surface: the WebSocket
// endpoint, a health endpoint, request logging and lifecycle event export.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/requestlog"

	"github.com/yusitnikov/websocket-mcp/pkg/broker"
	"github.com/yusitnikov/websocket-mcp/pkg/events"
	"github.com/yusitnikov/websocket-mcp/pkg/events/natsexport"
)

const (
	defaultEventBuffer  = 256
	readHeaderTimeout   = 10 * time.Second
	HealthPath          = "/health"
	healthStatusOK      = "ok"
	healthStatusStopped = "shutting_down"
)

// Options configures a Server.
type Options struct {
	// Path is where WebSocket upgrades are accepted. Defaults to "/".
	Path string
	// Broker configures the broker itself. Its Events field is replaced by
	// the server's bus.
	Broker broker.Options
	// LogRequests wraps the handler with an HTTP access log.
	LogRequests bool
	Logger      *slog.Logger

	// NATSURL, when set, exports lifecycle events to NATS.
	NATSURL       string
	SubjectPrefix string
	// EventPublisher exports events through an existing publisher instead of
	// dialing NATSURL.
	EventPublisher natsexport.Publisher
	EventBuffer    int
}

// Health is the body served at HealthPath.
type Health struct {
	Status string `json:"status"`
	broker.Stats
}

// Server is a broker with its HTTP handler and event plumbing.
type Server struct {
	Broker *broker.Broker
	Events *events.Bus

	logger       *slog.Logger
	handler      http.Handler
	exporter     *natsexport.Exporter
	exportCancel context.CancelFunc
	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error

	mu         sync.Mutex
	httpServer *http.Server
}

// New builds a Server. Nothing listens until ListenAndServe or Serve.
func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}

	bus := events.NewBus(opts.EventBuffer, opts.Logger)
	brokerOpts := opts.Broker
	brokerOpts.Events = bus
	if brokerOpts.Logger == nil {
		brokerOpts.Logger = opts.Logger
	}
	b, err := broker.NewWithOptions(brokerOpts)
	if err != nil {
		bus.Shutdown()
		return nil, fmt.Errorf("failed to create broker: %w", err)
	}

	s := &Server{Broker: b, Events: bus, logger: opts.Logger}

	switch {
	case opts.EventPublisher != nil:
		s.exporter = natsexport.New(opts.EventPublisher, opts.SubjectPrefix, opts.Logger)
	case opts.NATSURL != "":
		s.exporter, err = natsexport.Connect(natsexport.Options{
			URL:           opts.NATSURL,
			SubjectPrefix: opts.SubjectPrefix,
			Logger:        opts.Logger,
		})
		if err != nil {
			bus.Shutdown()
			return nil, err
		}
	}
	if s.exporter != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.exportCancel = cancel
		s.exporter.Run(ctx, bus)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(HealthPath, s.handleHealth)
	mux.Handle(opts.Path, b.UpgradeHandler())

	var h http.Handler = mux
	if opts.LogRequests {
		h = requestlog.Wrap(h)
	}
	s.handler = h
	return s, nil
}

// Handler returns the server's root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := Health{Status: healthStatusOK, Stats: s.Broker.Stats()}
	code := http.StatusOK
	if s.shuttingDown.Load() {
		health.Status = healthStatusStopped
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.Debug("Server: failed to write health response", "error", err)
	}
}

// ListenAndServe listens on addr and serves until ctx is done, then shuts
// down gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve is ListenAndServe on an existing listener. It also stops when the
// broker is shut down on its own.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server: listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	case <-s.Broker.Context().Done():
		s.logger.Info("Server: broker stopped, closing listener")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown closes every broker socket with going away, stops the HTTP
// server and event export. Later calls return the first call's result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shuttingDown.Store(true)
		s.logger.Info("Server: shutting down")

		var errs []error
		if err := s.Broker.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}

		s.mu.Lock()
		srv := s.httpServer
		s.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}

		if s.exportCancel != nil {
			s.exportCancel()
		}
		if s.exporter != nil {
			if err := s.exporter.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.Events.Shutdown()
		s.shutdownErr = errors.Join(errs...)
	})
	return s.shutdownErr
}
