// Package api exposes the policy engine and change pipeline over HTTP.
// The surface is deliberately small: validate / apply / test-rule /
// matches, read-only catalog listing, snapshots, and health endpoints.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/wayout/internal/apply"
	"grimm.is/wayout/internal/clock"
	"grimm.is/wayout/internal/logging"
	"grimm.is/wayout/internal/monitor"
	"grimm.is/wayout/internal/policy"
	"grimm.is/wayout/internal/rollback"
	"grimm.is/wayout/internal/state"
)

// ServerConfig holds HTTP server hardening knobs.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
}

// DefaultServerConfig returns the default server limits.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
		MaxBodyBytes:      10 << 20, // 10MB
	}
}

// ServerOptions holds the server's dependencies.
type ServerOptions struct {
	Engine      *policy.Engine
	Coordinator *apply.Coordinator
	Snapshots   *rollback.Store
	Records     *state.ChangeSetBucket
	StateStore  state.Store // change feed for the websocket push
	Monitor     *monitor.Monitor
	Logger      *logging.Logger
	Config      *ServerConfig
	Clock       clock.Clock
}

// Server handles API requests.
type Server struct {
	engine      *policy.Engine
	coordinator *apply.Coordinator
	snapshots   *rollback.Store
	records     *state.ChangeSetBucket
	stateStore  state.Store
	monitor     *monitor.Monitor
	logger      *logging.Logger
	config      *ServerConfig
	clock       clock.Clock
	startTime   time.Time
	wsManager   *WSManager

	mux *http.ServeMux
}

// NewServer creates an API server with the provided options.
func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Default().WithComponent("api")
	}
	if opts.Config == nil {
		opts.Config = DefaultServerConfig()
	}
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}

	s := &Server{
		engine:      opts.Engine,
		coordinator: opts.Coordinator,
		snapshots:   opts.Snapshots,
		records:     opts.Records,
		stateStore:  opts.StateStore,
		monitor:     opts.Monitor,
		logger:      opts.Logger,
		config:      opts.Config,
		clock:       opts.Clock,
		startTime:   opts.Clock.Now(),
	}
	if opts.StateStore != nil {
		s.wsManager = NewWSManager(opts.StateStore, opts.Logger)
	}
	s.initRoutes()
	return s
}

func (s *Server) initRoutes() {
	mux := http.NewServeMux()
	s.mux = mux

	// Change pipeline
	mux.HandleFunc("POST /api/traffic-rules/validate", s.handleValidate)
	mux.HandleFunc("POST /api/traffic-rules/apply", s.handleApply)
	mux.HandleFunc("POST /api/traffic-rules/test-rule", s.handleTestRule)
	mux.HandleFunc("GET /api/traffic-rules/{id}/matches", s.handleMatches)

	// Read-only catalogs
	mux.HandleFunc("GET /api/traffic-rules", s.handleListRules)
	mux.HandleFunc("GET /api/matchers", s.handleListMatchers)
	mux.HandleFunc("GET /api/client-groups", s.handleListGroups)
	mux.HandleFunc("GET /api/egress-points", s.handleListEgresses)
	mux.HandleFunc("GET /api/dns-policies", s.handleListDNSPolicies)
	mux.HandleFunc("GET /api/reservations", s.handleListReservations)

	// History
	mux.HandleFunc("GET /api/snapshots", s.handleListSnapshots)
	mux.HandleFunc("GET /api/changesets", s.handleListChangeSets)

	// Websocket change feed
	if s.wsManager != nil {
		mux.HandleFunc("GET /api/ws/events", s.handleEventsWS)
	}

	// Monitoring
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// ServeHTTP dispatches through the instrumented mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxBodyBytes > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	}
	// Websocket upgrades need the raw ResponseWriter for hijacking.
	if strings.HasPrefix(r.URL.Path, "/api/ws/") {
		s.mux.ServeHTTP(w, r)
		return
	}
	start := s.clock.Now()
	_, pattern := s.mux.Handler(r)
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	observeRequest(pattern, rec.status, s.clock.Now().Sub(start))
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		MaxHeaderBytes:    s.config.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.wsManager != nil {
			s.wsManager.Close()
		}
		return srv.Shutdown(shCtx)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
