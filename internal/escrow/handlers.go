package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/babyresell/escrow-engine/internal/catalog"
	"github.com/babyresell/escrow-engine/internal/fees"
	"github.com/babyresell/escrow-engine/internal/gateway"
)

// Handler provides HTTP endpoints for the escrow lifecycle.
type Handler struct {
	service *Service
	timer   *Timer
}

// NewHandler creates a new escrow handler. timer may be nil if the
// internal sweep trigger is not exposed.
func NewHandler(service *Service, timer *Timer) *Handler {
	return &Handler{service: service, timer: timer}
}

// RegisterProtectedRoutes sets up authenticated buyer/seller routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payment-intents", h.CreateIntent)
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions", h.ListTransactions)
	r.GET("/transactions/:id", h.GetTransaction)
	r.POST("/transactions/:id/ship", h.MarkShipped)
	r.POST("/transactions/:id/confirm-delivery", h.ConfirmDelivery)
	r.POST("/transactions/:id/dispute", h.OpenDispute)
}

// RegisterAdminRoutes sets up admin-secret gated routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/cancel", h.CancelTransaction)
	r.POST("/transactions/:id/resolve", h.ResolveDispute)
	if h.timer != nil {
		r.POST("/internal/auto-release/run", h.RunAutoRelease)
	}
}

// CreateIntent handles POST /v1/payment-intents
func (h *Handler) CreateIntent(c *gin.Context) {
	var req IntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "itemId is required",
		})
		return
	}

	buyerID := c.GetString("authUserID")
	resp, err := h.service.CreateIntent(c.Request.Context(), buyerID, req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"paymentIntent": resp})
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "itemId and paymentIntentId are required",
		})
		return
	}

	buyerID := c.GetString("authUserID")
	txn, err := h.service.Create(c.Request.Context(), buyerID, req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	txn, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	// Reads are party-scoped like writes.
	if !txn.IsParty(c.GetString("authUserID")) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Caller is not a party to this transaction",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ListTransactions handles GET /v1/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	txns, next, err := h.service.ListByParty(c.Request.Context(), c.GetString("authUserID"), c.Query("cursor"), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{
		"transactions": txns,
		"count":        len(txns),
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// MarkShipped handles POST /v1/transactions/:id/ship
func (h *Handler) MarkShipped(c *gin.Context) {
	var req ShipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "trackingNumber is required",
		})
		return
	}

	txn, err := h.service.MarkShipped(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ConfirmDelivery handles POST /v1/transactions/:id/confirm-delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	txn, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// OpenDispute handles POST /v1/transactions/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	txn, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// CancelTransaction handles POST /v1/admin/transactions/:id/cancel
func (h *Handler) CancelTransaction(c *gin.Context) {
	txn, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ResolveDispute handles POST /v1/admin/transactions/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution is required (release, refund, or cancel)",
		})
		return
	}

	txn, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// RunAutoRelease handles POST /v1/admin/internal/auto-release/run
func (h *Handler) RunAutoRelease(c *gin.Context) {
	released, failed := h.timer.RunOnce(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"released": released,
		"failed":   failed,
	})
}

// respondError maps service errors onto the HTTP error taxonomy.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	switch {
	case errors.Is(err, ErrTxnNotFound), errors.Is(err, catalog.ErrItemNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrStatusConflict),
		errors.Is(err, ErrReleaseNotDue),
		errors.Is(err, ErrIntentNotHeld),
		errors.Is(err, catalog.ErrItemUnavailable):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, ErrSelfPurchase),
		errors.Is(err, ErrAmountMismatch),
		errors.Is(err, ErrUnknownResolution),
		errors.Is(err, ErrBadCursor),
		errors.Is(err, fees.ErrInvalidPrice):
		status = http.StatusBadRequest
		code = "validation_error"
	default:
		var ge *gateway.Error
		if errors.As(err, &ge) {
			status = http.StatusBadGateway
			code = "gateway_error"
			c.JSON(status, gin.H{
				"error":     code,
				"message":   err.Error(),
				"retryable": ge.Transient,
			})
			return
		}
	}

	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
