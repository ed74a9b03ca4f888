package webhooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/safehold/internal/idgen"
	"github.com/mbd888/safehold/internal/logging"
	"github.com/mbd888/safehold/internal/security"
	"github.com/mbd888/safehold/internal/validation"
)

const maxSubscriptionsPerUser = 20

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store        Store
	urlValidator func(string) error
}

// NewHandler creates a new webhook handler
func NewHandler(store Store) *Handler {
	return &Handler{
		store:        store,
		urlValidator: security.ValidateEndpointURL,
	}
}

// RegisterRoutes sets up webhook routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/users/:userId/webhooks", validation.IDParamMiddleware("userId", "webhookId"))
	g.POST("", h.CreateWebhook)
	g.GET("", h.ListWebhooks)
	g.DELETE("/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required,min=1"`
}

// CreateWebhook handles POST /v1/users/:userId/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("userId")

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.urlValidator(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := EventType(e)
		if !KnownEvent(et) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event",
				"message": "Unknown event type: " + e,
			})
			return
		}
		events = append(events, et)
	}

	existing, err := h.store.ListByUser(ctx, userID)
	if err != nil {
		h.internalError(c, "list webhooks", err)
		return
	}
	if len(existing) >= maxSubscriptionsPerUser {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "limit_exceeded",
			"message": "Too many webhooks registered for this user",
		})
		return
	}

	secret := idgen.Secret(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix(idgen.PrefixWebhook),
		UserID:    userID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(ctx, sub); err != nil {
		h.internalError(c, "create webhook", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    SignatureHeader,
		},
	})
}

// ListWebhooks handles GET /v1/users/:userId/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.internalError(c, "list webhooks", err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteWebhook handles DELETE /v1/users/:userId/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	sub, err := h.store.Get(ctx, c.Param("webhookId"))
	if err != nil && !errors.Is(err, ErrNotFound) {
		h.internalError(c, "get webhook", err)
		return
	}
	// Another user's subscription is reported as missing.
	if sub == nil || sub.UserID != c.Param("userId") {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}

	if err := h.store.Delete(ctx, sub.ID); err != nil && !errors.Is(err, ErrNotFound) {
		h.internalError(c, "delete webhook", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

func (h *Handler) internalError(c *gin.Context, action string, err error) {
	logging.L(c.Request.Context()).Error("webhook request failed", "action", action, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Internal error",
	})
}
