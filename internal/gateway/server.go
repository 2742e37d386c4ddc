// Package gateway serves the browser-facing surface: a websocket that
// streams chat and schedule events and accepts confirmations, aborts and
// new submissions, plus health and metrics endpoints.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/chatsubmit/internal/approval"
	"github.com/haasonsaas/chatsubmit/internal/events"
	"github.com/haasonsaas/chatsubmit/internal/submit"
)

// Submitter starts and cancels submissions. *submit.Coordinator satisfies it.
type Submitter interface {
	Submit(ctx context.Context, in submit.Input) (*submit.Result, error)
	Cancel(submissionID, reason string) bool
	Active(submissionID string) bool
}

// Resolver answers pending tool confirmations. *approval.Gate satisfies it.
type Resolver interface {
	Resolve(toolCallID string, decision approval.Decision) bool
}

// Config wires a Server.
type Config struct {
	Broadcaster *events.Broadcaster
	Submitter   Submitter
	Gate        Resolver

	// Gatherer backs the metrics endpoint. Nil disables it.
	Gatherer    prometheus.Gatherer
	MetricsPath string

	// Health is probed by /healthz. Optional.
	Health func(ctx context.Context) error

	// AllowedOrigins lists origins accepted for websocket upgrades. Empty
	// accepts requests without an Origin header or from the same host.
	AllowedOrigins []string

	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Server owns the HTTP mux and the websocket sessions.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	started  time.Time

	// baseCtx outlives individual connections; submissions started over a
	// socket keep running when the socket closes.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	// inflight holds ids of submissions started here, from the ack until
	// Submit returns.
	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewServer validates cfg and builds a server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Broadcaster == nil {
		return nil, errors.New("gateway: broadcaster is required")
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		logger:     logger.With("component", "gateway"),
		started:    time.Now(),
		baseCtx:    ctx,
		baseCancel: cancel,
		inflight:   make(map[string]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.cfg.Gatherer != nil {
		mux.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Run listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", listener.Addr().String())
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		s.close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.close()
	return nil
}

// Close stops sessions and waits for background submissions to return.
func (s *Server) Close() {
	s.close()
}

func (s *Server) close() {
	s.baseCancel()
	s.wg.Wait()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.cfg.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.cfg.Health(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, `{"status":"unavailable","error":%q}`, err.Error()) //nolint:errcheck
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	return strings.EqualFold(host, r.Host)
}
