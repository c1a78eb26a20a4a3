package webhooks

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/babyresell/escrow-engine/internal/gateway"
	"github.com/babyresell/escrow-engine/internal/logging"
)

// maxPayloadBytes bounds inbound webhook bodies. Stripe events are small;
// anything larger is not one of ours.
const maxPayloadBytes = 1 << 20

// Handler receives gateway webhook deliveries.
type Handler struct {
	reconciler *Reconciler
}

// NewHandler creates a webhook handler.
func NewHandler(reconciler *Reconciler) *Handler {
	return &Handler{reconciler: reconciler}
}

// RegisterRoutes sets up the public, signature-verified webhook route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/gateway", h.Receive)
}

// Receive handles POST /v1/webhooks/gateway
//
// Unverifiable payloads get a 400 and are never interpreted. Processing
// failures after verification return 500 so the gateway redelivers.
func (h *Handler) Receive(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read payload",
		})
		return
	}

	err = h.reconciler.Process(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, gateway.ErrBadSignature) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "bad_signature",
				"message": "Webhook signature verification failed",
			})
			return
		}
		logging.L(c.Request.Context()).Error("webhook processing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Event could not be processed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
