package server

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/safehold/internal/auth"
	"github.com/mbd888/safehold/internal/escrow"
	"github.com/mbd888/safehold/internal/logging"
	"github.com/mbd888/safehold/internal/metrics"
	"github.com/mbd888/safehold/internal/payments"
	"github.com/mbd888/safehold/internal/security"
	"github.com/mbd888/safehold/internal/validation"
	"github.com/mbd888/safehold/internal/webhooks"
)

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(logging.RequestIDMiddleware(s.logger))
	s.router.Use(logging.AccessLog())
	var headerOpts []security.HeaderOption
	if s.cfg.IsProduction() {
		headerOpts = append(headerOpts, security.WithHSTS())
	}
	s.router.Use(security.HeadersMiddleware(headerOpts...))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigin))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
}

func (s *Server) setupRoutes() {
	s.probe.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/", s.infoHandler)

	// Streams are per user; the hub validates ?userId.
	s.router.GET("/ws", s.rateLimiter.Middleware(), func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	// Provider callbacks authenticate by signature and are not rate limited:
	// a throttled webhook is redelivered later and delays fund locking.
	payments.NewWebhookHandler(s.escrowService, s.cfg.PaymentWebhookSecret, s.cfg.StripeWebhookSecret).
		RegisterRoutes(v1)

	api := v1.Group("", s.rateLimiter.Middleware())
	escrowHandler := escrow.NewHandler(s.escrowService)
	escrowHandler.RegisterRoutes(api)
	webhooks.NewHandler(s.webhookStore).RegisterRoutes(api)

	admin := v1.Group("/admin", auth.RequireAdmin(s.cfg.AdminSecret))
	escrowHandler.RegisterAdminRoutes(admin)
	admin.GET("/stats", s.statsHandler)
	admin.POST("/scheduler/sweep", s.sweepHandler)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":            "Safehold",
		"description":     "Escrow transactions between buyers and sellers",
		"version":         s.version,
		"defaultCurrency": s.cfg.DefaultCurrency,
		"providers":       s.providerNames(),
	})
}

// statsHandler reports scheduler, stream and gateway state for operators.
func (s *Server) statsHandler(c *gin.Context) {
	breakers := gin.H{}
	for _, provider := range s.providerNames() {
		for _, op := range []string{"verify", "transfer", "refund"} {
			key := provider + ":" + op
			breakers[key] = s.breaker.State(key).String()
		}
	}

	var lastSweep interface{}
	if t := s.escrowTimer.LastSweep(); !t.IsZero() {
		lastSweep = t.UTC()
	}

	c.JSON(http.StatusOK, gin.H{
		"scheduler": gin.H{
			"running":   s.escrowTimer.Running(),
			"lastSweep": lastSweep,
		},
		"realtime":        s.realtimeHub.Stats(),
		"circuitBreakers": breakers,
		"rateLimitKeys":   s.rateLimiter.Len(),
	})
}

// sweepHandler runs one scheduler pass synchronously.
func (s *Server) sweepHandler(c *gin.Context) {
	s.escrowTimer.Sweep(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"swept": true, "at": s.escrowTimer.LastSweep().UTC()})
}

func (s *Server) providerNames() []string {
	names := make([]string, 0, len(s.gateways))
	for p := range s.gateways {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}
