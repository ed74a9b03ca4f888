package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/safehold/internal/circuitbreaker"
	"github.com/mbd888/safehold/internal/escrow"
	"github.com/mbd888/safehold/internal/events"
	"github.com/mbd888/safehold/internal/health"
	"github.com/mbd888/safehold/internal/notify"
	"github.com/mbd888/safehold/internal/payments"
	"github.com/mbd888/safehold/internal/ratelimit"
	"github.com/mbd888/safehold/internal/realtime"
	"github.com/mbd888/safehold/internal/webhooks"
	"github.com/mbd888/safehold/migrations"
)

// openStorage uses Postgres when DATABASE_URL is set and in-memory stores
// otherwise.
func (s *Server) openStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.escrowStore = escrow.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return err
		}
		s.logger.Info("database migrations applied")
	}

	s.db = db
	s.escrowStore = escrow.NewPostgresStore(db)
	s.webhookStore = webhooks.NewPostgresStore(db)
	s.healthRegistry.Register("database", health.Database(db))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// buildGateways creates the configured payment providers and wraps each in
// retry and circuit breaking. Gateways injected with WithGateway take
// precedence.
func (s *Server) buildGateways() error {
	s.breaker = circuitbreaker.New(breakerThreshold, breakerOpenDuration)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("payment gateway circuit changed", "key", key, "from", from.String(), "to", to.String())
	})

	raw := make(map[string]escrow.PaymentGateway, len(s.gateways)+2)
	for provider, gw := range s.gateways {
		raw[provider] = gw
	}
	if _, ok := raw[payments.ProviderMemory]; !ok && !s.cfg.IsProduction() {
		raw[payments.ProviderMemory] = payments.NewMemoryGateway()
	}
	if _, ok := raw[payments.ProviderStripe]; !ok && s.cfg.StripeSecretKey != "" {
		raw[payments.ProviderStripe] = payments.NewStripeGateway(s.cfg.StripeSecretKey, nil)
	}
	if _, ok := raw[s.cfg.DefaultProvider]; !ok {
		return fmt.Errorf("payment provider %q is not configured", s.cfg.DefaultProvider)
	}

	s.gateways = make(map[string]escrow.PaymentGateway, len(raw))
	for provider, gw := range raw {
		s.gateways[provider] = payments.NewResilient(provider, gw, s.breaker)
		s.logger.Info("payment provider enabled", "provider", provider)
	}
	return nil
}

// buildEscrow wires the escrow service to its notification channels, event
// sinks and scheduler.
func (s *Server) buildEscrow() {
	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(s.cfg.CORSAllowedOrigin))
	s.webhooks = webhooks.NewDispatcher(s.webhookStore, s.logger)

	notifier := notify.NewFanout(s.logger,
		notify.Channel{Name: "webhook", Notifier: s.webhooks},
		notify.Channel{Name: "websocket", Notifier: s.realtimeHub},
		notify.Channel{Name: "log", Notifier: notify.NewLog(s.logger)},
	)

	sinks := []escrow.EventPublisher{
		webhooks.NewEmitter(s.webhooks, s.logger),
		s.realtimeHub,
	}
	if len(s.cfg.KafkaBrokers) > 0 {
		s.kafka = events.NewKafkaPublisher(s.cfg.KafkaBrokers, s.cfg.KafkaTopic)
		sinks = append(sinks, s.kafka)
		s.logger.Info("kafka event stream enabled", "topic", s.cfg.KafkaTopic)
	}

	svc := escrow.NewService(s.escrowStore, s.clock)
	for provider, gw := range s.gateways {
		svc.WithGateway(provider, gw)
	}
	s.escrowService = svc.
		WithDefaultProvider(s.cfg.DefaultProvider).
		WithDefaultCurrency(s.cfg.DefaultCurrency).
		WithAutoReleaseAfter(s.cfg.AutoReleaseAfter).
		WithGatewayTimeout(s.cfg.GatewayTimeout).
		WithNotifier(notifier).
		WithEventPublisher(events.NewMulti(s.logger, sinks...)).
		WithLogger(s.logger)

	s.escrowTimer = escrow.NewTimer(s.escrowService, s.escrowStore, s.logger).
		WithInterval(s.cfg.AutoReleaseInterval).
		WithPaymentTimeout(s.cfg.PaymentTimeout)
	s.healthRegistry.Register("escrow_scheduler", health.SchedulerFreshness(
		s.escrowTimer,
		3*s.cfg.AutoReleaseInterval+schedulerGracePeriod,
		s.clock.Now(),
		s.clock.Now,
	))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         max(s.cfg.RateLimitRPM/5, 1),
		CleanupInterval:   time.Minute,
		KeyFunc:           ratelimit.ByUserOrIP,
	})
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
