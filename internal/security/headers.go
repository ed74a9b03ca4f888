// Package security holds response hardening middleware and the outbound
// URL check applied to webhook endpoints.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// corsHeaders are the request headers browsers may send cross-origin.
var corsHeaders = strings.Join([]string{"Content-Type", "X-Request-ID", "X-Admin-Secret"}, ", ")

const (
	corsMethods = "GET, POST, DELETE, OPTIONS"
	// The API only serves JSON and the /ws stream.
	contentPolicy = "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'"
	hstsValue     = "max-age=63072000; includeSubDomains"
)

// HeaderOption adjusts HeadersMiddleware.
type HeaderOption func(http.Header)

// WithHSTS adds Strict-Transport-Security. Enable it only behind TLS.
func WithHSTS() HeaderOption {
	return func(h http.Header) { h.Set("Strict-Transport-Security", hstsValue) }
}

// HeadersMiddleware sets hardening headers on every response.
func HeadersMiddleware(opts ...HeaderOption) gin.HandlerFunc {
	fixed := http.Header{}
	fixed.Set("X-Content-Type-Options", "nosniff")
	fixed.Set("X-Frame-Options", "DENY")
	fixed.Set("Referrer-Policy", "no-referrer")
	fixed.Set("Content-Security-Policy", contentPolicy)
	fixed.Set("Cache-Control", "no-store")
	for _, opt := range opts {
		opt(fixed)
	}

	return func(c *gin.Context) {
		h := c.Writer.Header()
		for k, v := range fixed {
			h[k] = v
		}
		c.Next()
	}
}

// CORSMiddleware answers cross-origin requests. No configured origins, or
// "*", reflects any origin without credentials; an explicit list also
// allows credentials. Preflight requests end here with 204.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	_, star := allowed["*"]
	anyOrigin := len(allowed) == 0 || star

	permitted := func(origin string) bool {
		if origin == "" {
			return false
		}
		if anyOrigin {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}

	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); permitted(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", corsMethods)
			c.Header("Access-Control-Allow-Headers", corsHeaders)
			c.Header("Access-Control-Max-Age", "86400")
			if !anyOrigin {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
