package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/safehold/internal/logging"
	"github.com/mbd888/safehold/internal/pagination"
	"github.com/mbd888/safehold/internal/validation"
)

const maxListLimit = 200

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the buyer and seller facing escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.Initiate)
	r.GET("/users/:userId/escrows", validation.IDParamMiddleware("userId"), h.ListByUser)

	e := r.Group("/escrows/:id", validation.IDParamMiddleware("id"), logging.EscrowParam("id"))
	e.GET("", h.GetEscrow)
	e.POST("/start-payment", h.StartPayment)
	e.POST("/cancel", h.Cancel)
	e.POST("/notify-seller", h.NotifySeller)
	e.POST("/acknowledge", h.Acknowledge)
	e.POST("/complete", h.Complete)
	e.POST("/confirm", h.ConfirmDelivery)
	e.POST("/release", h.Release)
	e.POST("/dispute", h.OpenDispute)
}

// RegisterAdminRoutes sets up dispute resolution and scheduler overrides.
// The caller is responsible for guarding the group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	e := r.Group("/escrows/:id", validation.IDParamMiddleware("id"), logging.EscrowParam("id"))
	e.POST("/refund", h.Refund)
	e.POST("/resolve-release", h.ResolveRelease)
	e.POST("/auto-release", h.AutoRelease)
	e.POST("/retry-settlement", h.RetrySettlement)
}

// Initiate handles POST /v1/escrows
func (h *Handler) Initiate(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	tx, err := h.service.Initiate(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": tx})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	tx, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": tx})
}

// ListByUser handles GET /v1/users/:userId/escrows
func (h *Handler) ListByUser(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, maxListLimit)
		}
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": err.Error(),
		})
		return
	}

	// Fetch one extra row to learn whether another page exists.
	txs, err := h.service.ListByUser(c.Request.Context(), c.Param("userId"), cursor, limit+1)
	if err != nil {
		respondError(c, err)
		return
	}
	page := pagination.ComputePage(txs, limit, func(tx *Transaction) (time.Time, string) {
		return tx.CreatedAt, tx.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"escrows":    page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// StartPayment handles POST /v1/escrows/:id/start-payment
func (h *Handler) StartPayment(c *gin.Context) {
	h.respond(c, func() (*Transaction, error) {
		return h.service.StartPayment(c.Request.Context(), c.Param("id"))
	})
}

// Cancel handles POST /v1/escrows/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if !bindOptional(c, &req) {
		return
	}
	h.respond(c, func() (*Transaction, error) {
		return h.service.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	})
}

// NotifySeller handles POST /v1/escrows/:id/notify-seller
func (h *Handler) NotifySeller(c *gin.Context) {
	h.respond(c, func() (*Transaction, error) {
		return h.service.NotifySeller(c.Request.Context(), c.Param("id"))
	})
}

// Acknowledge handles POST /v1/escrows/:id/acknowledge
func (h *Handler) Acknowledge(c *gin.Context) {
	h.respond(c, func() (*Transaction, error) {
		return h.service.AcknowledgeService(c.Request.Context(), c.Param("id"))
	})
}

// Complete handles POST /v1/escrows/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	var req CompleteRequest
	if !bindOptional(c, &req) {
		return
	}
	h.respond(c, func() (*Transaction, error) {
		return h.service.CompleteService(c.Request.Context(), c.Param("id"), req.Note)
	})
}

// ConfirmDelivery handles POST /v1/escrows/:id/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	h.respond(c, func() (*Transaction, error) {
		return h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"))
	})
}

// Release handles POST /v1/escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	h.respond(c, func() (*Transaction, error) {
		return h.service.ReleaseFunds(c.Request.Context(), c.Param("id"))
	})
}

// OpenDispute handles POST /v1/escrows/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}
	h.respond(c, func() (*Transaction, error) {
		return h.service.OpenDispute(c.Request.Context(), c.Param("id"), req.Reason)
	})
}

// Refund handles POST /v1/admin/escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	h.respond(c, func() (*Transaction, error) {
		return h.service.RefundBuyer(c.Request.Context(), c.Param("id"))
	})
}

// ResolveRelease handles POST /v1/admin/escrows/:id/resolve-release
func (h *Handler) ResolveRelease(c *gin.Context) {
	h.respond(c, func() (*Transaction, error) {
		return h.service.ResolveDisputeRelease(c.Request.Context(), c.Param("id"))
	})
}

// AutoRelease handles POST /v1/admin/escrows/:id/auto-release
func (h *Handler) AutoRelease(c *gin.Context) {
	h.respond(c, func() (*Transaction, error) {
		return h.service.HandleAutoReleaseTimeout(c.Request.Context(), c.Param("id"))
	})
}

// RetrySettlement handles POST /v1/admin/escrows/:id/retry-settlement
func (h *Handler) RetrySettlement(c *gin.Context) {
	h.respond(c, func() (*Transaction, error) {
		return h.service.RetrySettlement(c.Request.Context(), c.Param("id"))
	})
}

func (h *Handler) respond(c *gin.Context, fn func() (*Transaction, error)) {
	tx, err := fn()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": tx})
}

// bindOptional binds a JSON body when one is present.
func bindOptional(c *gin.Context, req interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

// respondError maps engine errors to stable HTTP responses.
func respondError(c *gin.Context, err error) {
	var (
		transition *InvalidTransitionError
		verr       validation.ValidationErrors
		settlement *SettlementError
	)

	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verr.Error(),
			"details": verr,
		})
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
	case errors.As(err, &transition):
		c.JSON(http.StatusConflict, gin.H{
			"error":         "invalid_transition",
			"message":       transition.Error(),
			"operation":     transition.Op,
			"currentStatus": transition.Current,
		})
	case errors.Is(err, ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "concurrent_modification",
			"message": "Escrow was modified concurrently, retry the request",
		})
	case errors.Is(err, ErrPaymentReferenceInUse):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "payment_reference_in_use",
			"message": "Payment reference already funds another escrow",
		})
	case errors.Is(err, ErrPaymentNotVerified):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "payment_not_verified",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUnknownProvider):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unknown_provider",
			"message": err.Error(),
		})
	case errors.As(err, &settlement):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":     "settlement_failed",
			"message":   "Payment gateway did not confirm the settlement; it will be retried",
			"kind":      settlement.Kind,
			"ambiguous": settlement.Ambiguous,
		})
	default:
		logging.L(c.Request.Context()).Error("escrow request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal error",
		})
	}
}

// RespondError exposes the escrow error mapping to other packages' handlers.
func RespondError(c *gin.Context, err error) {
	respondError(c, err)
}
