// Package admin serves the health, stats, metrics and instance endpoints.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/wudi/checkoutguard/internal/circuitbreaker"
	"github.com/wudi/checkoutguard/internal/config"
	clienterrors "github.com/wudi/checkoutguard/internal/errors"
	"github.com/wudi/checkoutguard/internal/logging"
	"github.com/wudi/checkoutguard/internal/middleware"
	"github.com/wudi/checkoutguard/internal/optimizer"
	"github.com/wudi/checkoutguard/internal/perfmon"
	"github.com/wudi/checkoutguard/internal/workqueue"
	"go.uber.org/zap"
)

// Monitor is the performance monitor as seen by the admin API.
type Monitor interface {
	Status() perfmon.Status
	DetectAnomalies() perfmon.Anomalies
}

// Queue provides queue statistics.
type Queue interface {
	Stats() workqueue.Stats
}

// Breaker provides circuit breaker snapshots.
type Breaker interface {
	Snapshot() circuitbreaker.Snapshot
}

// Optimizer provides the control loop state.
type Optimizer interface {
	State() optimizer.State
}

// InstanceLister returns the latest reports of every instance.
type InstanceLister interface {
	List(ctx context.Context) ([]optimizer.Report, error)
}

// Sources are the components the admin API reports on. Optimizer, Metrics,
// Instances and Tracing may be nil.
type Sources struct {
	Tier      string
	Monitor   Monitor
	Queues    []Queue
	Breakers  []Breaker
	Optimizer Optimizer
	Metrics   http.Handler
	Instances InstanceLister
	Tracing   any
}

// Server is the admin HTTP server.
type Server struct {
	cfg       config.AdminConfig
	src       Sources
	logger    *zap.Logger
	startTime time.Time
	http      *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates an admin server.
func New(cfg config.AdminConfig, src Sources, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		src:       src,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Named(s.logger, "admin")
	s.http = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler wrapped in the admin middleware chain.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/health", s.handleHealth)
	router.GET("/healthz", s.handleHealth)
	router.GET("/stats", s.handleStats)
	router.GET("/instances", s.handleInstances)
	if s.src.Metrics != nil {
		router.Handler(http.MethodGet, "/metrics", s.src.Metrics)
	}
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clienterrors.ErrNotFound.WriteJSON(w)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clienterrors.ErrMethodNotAllowed.WriteJSON(w)
	})

	return middleware.NewChain(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.LoggingWithConfig(middleware.LoggingConfig{
			Logger:    s.logger,
			SkipPaths: []string{"/health", "/healthz", "/metrics"},
		}),
	).Then(router)
}

// ListenAndServe serves until Shutdown is called. It returns nil on a clean
// shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("admin API listening", zap.String("address", ln.Addr().String()))
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type healthResponse struct {
	Status       string            `json:"status"`
	Timestamp    string            `json:"timestamp"`
	Uptime       string            `json:"uptime"`
	Tier         string            `json:"tier,omitempty"`
	Monitor      perfmon.Status    `json:"monitor"`
	Anomalies    perfmon.Anomalies `json:"anomalies"`
	OpenBreakers []string          `json:"open_breakers,omitempty"`
	Reasons      []string          `json:"reasons,omitempty"`
}

// handleHealth reports unhealthy when any breaker is open or the health
// score falls below the configured minimum.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	status := s.src.Monitor.Status()
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).String(),
		Tier:      s.src.Tier,
		Monitor:   status,
		Anomalies: s.src.Monitor.DetectAnomalies(),
	}

	for _, b := range s.src.Breakers {
		snap := b.Snapshot()
		if snap.State == circuitbreaker.StateOpen.String() {
			resp.OpenBreakers = append(resp.OpenBreakers, snap.Name)
		}
	}
	if len(resp.OpenBreakers) > 0 {
		resp.Reasons = append(resp.Reasons, "circuit open")
	}
	if status.HealthScore < s.cfg.MinHealthScore {
		resp.Reasons = append(resp.Reasons, "health score below minimum")
	}

	code := http.StatusOK
	if len(resp.Reasons) > 0 {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

type statsResponse struct {
	Timestamp string                    `json:"timestamp"`
	Tier      string                    `json:"tier,omitempty"`
	Monitor   perfmon.Status            `json:"monitor"`
	Anomalies perfmon.Anomalies         `json:"anomalies"`
	Queues    []workqueue.Stats         `json:"queues"`
	Breakers  []circuitbreaker.Snapshot `json:"breakers"`
	Optimizer *optimizer.State          `json:"optimizer,omitempty"`
	Tracing   any                       `json:"tracing,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	resp := statsResponse{
		Timestamp: time.Now().Format(time.RFC3339),
		Tier:      s.src.Tier,
		Monitor:   s.src.Monitor.Status(),
		Anomalies: s.src.Monitor.DetectAnomalies(),
		Queues:    make([]workqueue.Stats, 0, len(s.src.Queues)),
		Breakers:  make([]circuitbreaker.Snapshot, 0, len(s.src.Breakers)),
		Tracing:   s.src.Tracing,
	}
	for _, q := range s.src.Queues {
		resp.Queues = append(resp.Queues, q.Stats())
	}
	for _, b := range s.src.Breakers {
		resp.Breakers = append(resp.Breakers, b.Snapshot())
	}
	if s.src.Optimizer != nil {
		st := s.src.Optimizer.State()
		resp.Optimizer = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.src.Instances == nil {
		clienterrors.ErrNotFound.WithDetails("status publishing is disabled").
			WithRequestID(middleware.RequestIDFromContext(r.Context())).
			WriteJSON(w)
		return
	}
	reports, err := s.src.Instances.List(r.Context())
	if err != nil {
		id := middleware.RequestIDFromContext(r.Context())
		s.logger.Warn("listing instance reports failed", zap.String("request_id", id), zap.Error(err))
		clienterrors.ErrServiceUnavailable.WithRequestID(id).WriteJSON(w)
		return
	}
	if reports == nil {
		reports = []optimizer.Report{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(reports),
		"instances": reports,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
