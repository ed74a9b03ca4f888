// Package auth guards operator-only routes.
//
// Authentication model:
// - Buyer and seller routes are open; identity is the caller's concern
// - Dispute resolution and scheduler overrides require X-Admin-Secret
// - Payment webhooks authenticate with their own signatures
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/safehold/internal/logging"
)

// AdminHeader carries the operator secret.
const AdminHeader = "X-Admin-Secret"

// ContextKeyAdmin is set to true in the gin context once RequireAdmin passes.
const ContextKeyAdmin = "isAdmin"

// RequireAdmin rejects requests whose X-Admin-Secret does not match secret.
// An empty secret is demo mode: every request is treated as admin, with a
// warning logged on each call.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			logging.L(c.Request.Context()).Warn("admin route called without ADMIN_SECRET configured", "path", c.FullPath())
			c.Set(ContextKeyAdmin, true)
			c.Next()
			return
		}

		given := c.GetHeader(AdminHeader)
		if given == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required. Include the " + AdminHeader + " header.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}

		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

// IsAdmin reports whether RequireAdmin accepted the request.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}
