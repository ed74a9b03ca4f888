// Package server assembles the Safehold HTTP API: storage, payment gateways,
// notification channels, event sinks and the escrow scheduler.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/safehold/internal/circuitbreaker"
	"github.com/mbd888/safehold/internal/clock"
	"github.com/mbd888/safehold/internal/config"
	"github.com/mbd888/safehold/internal/escrow"
	"github.com/mbd888/safehold/internal/events"
	"github.com/mbd888/safehold/internal/health"
	"github.com/mbd888/safehold/internal/logging"
	"github.com/mbd888/safehold/internal/metrics"
	"github.com/mbd888/safehold/internal/ratelimit"
	"github.com/mbd888/safehold/internal/realtime"
	"github.com/mbd888/safehold/internal/traces"
	"github.com/mbd888/safehold/internal/webhooks"
)

const (
	defaultDrainDelay    = 5 * time.Second
	shutdownTimeout      = 30 * time.Second
	dbStatsInterval      = 15 * time.Second
	breakerThreshold     = 5
	breakerOpenDuration  = 30 * time.Second
	schedulerGracePeriod = time.Minute
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg     *config.Config
	version string
	clock   clock.Clock
	logger  *slog.Logger

	db            *sql.DB // nil when running in-memory
	escrowStore   escrow.Store
	escrowService *escrow.Service
	escrowTimer   *escrow.Timer
	webhookStore  webhooks.Store
	webhooks      *webhooks.Dispatcher
	realtimeHub   *realtime.Hub
	kafka         *events.KafkaPublisher
	gateways      map[string]escrow.PaymentGateway
	breaker       *circuitbreaker.Breaker
	rateLimiter   *ratelimit.Limiter

	healthRegistry *health.Registry
	probe          *health.Probe
	stopTracing    func(context.Context) error

	router       *gin.Engine
	httpSrv      *http.Server
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithVersion sets the build version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithClock replaces the wall clock, for tests that drive the scheduler.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithGateway registers a payment gateway for provider instead of the one
// built from configuration.
func WithGateway(provider string, gw escrow.PaymentGateway) Option {
	return func(s *Server) { s.gateways[provider] = gw }
}

// WithDrainDelay sets how long Shutdown waits for load balancers to notice
// the server is no longer ready.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) { s.drainDelay = d }
}

// New builds a server from cfg. Nothing listens until Run.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		clock:      clock.System{},
		gateways:   make(map[string]escrow.PaymentGateway),
		drainDelay: defaultDrainDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, traces.Settings{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     s.version,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	s.healthRegistry = health.NewRegistry()
	s.probe = health.NewProbe(s.healthRegistry, s.version)

	if err := s.openStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.buildGateways(); err != nil {
		return nil, err
	}
	s.buildEscrow()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// Run starts the HTTP server and background workers, then blocks until ctx
// is cancelled or the listener fails. The caller owns signal handling.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)
	s.probe.SetReady(true)
	s.logger.Info("server ready")

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown requested", "cause", context.Cause(ctx))
	}

	return s.Shutdown()
}

func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.escrowTimer.Start(ctx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, dbStatsInterval)
	}
}

// Shutdown drains traffic, stops background workers and flushes every
// outbound sink before closing the database.
func (s *Server) Shutdown() error {
	s.probe.SetReady(false)
	s.logger.Info("starting graceful shutdown")

	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	s.escrowTimer.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.rateLimiter.Stop()

	// In-flight webhook deliveries run on detached contexts.
	s.webhooks.Wait()

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka writer close error", "error", err)
			errs = append(errs, err)
		}
	}
	if err := s.stopTracing(ctx); err != nil {
		s.logger.Error("tracer shutdown error", "error", err)
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
			errs = append(errs, err)
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// EscrowService exposes the escrow service, mainly for tests and tools.
func (s *Server) EscrowService() *escrow.Service {
	return s.escrowService
}
