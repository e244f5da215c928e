package webhooks

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rentescrow/internal/gateway"
	"github.com/mbd888/rentescrow/internal/logging"
	"github.com/mbd888/rentescrow/internal/metrics"
)

// MaxWebhookSize caps inbound webhook bodies.
const MaxWebhookSize = 1 << 20 // 1MB

// Handler exposes the gateway webhook endpoint.
type Handler struct {
	gateway gateway.Gateway
	adapter *Adapter
}

// NewHandler creates a new webhook handler.
func NewHandler(gw gateway.Gateway, adapter *Adapter) *Handler {
	return &Handler{gateway: gw, adapter: adapter}
}

// RegisterRoutes sets up the webhook route. The route authenticates by
// signature, so the group must not require a bearer token.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/gateway", h.Receive)
}

// Receive handles POST /webhooks/gateway
//
// Responses: 200 once the event is applied, deduplicated, ignored or
// permanently rejected; 400 for a bad signature or payload; 409 while
// another delivery of the same event is in flight; 503 when processing
// failed and the gateway should redeliver.
func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxWebhookSize))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "payload_too_large",
			"message": "Webhook body exceeds limit",
		})
		return
	}

	ev, err := h.gateway.ParseWebhook(body, c.GetHeader(h.gateway.SignatureHeader()))
	if err != nil {
		log := logging.L(c.Request.Context())
		switch {
		case errors.Is(err, gateway.ErrSignatureInvalid):
			metrics.WebhookEventsTotal.WithLabelValues("unknown", "invalid_signature").Inc()
			log.Warn("rejected gateway webhook with invalid signature",
				"client_ip", c.ClientIP(), "error", err)
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_signature",
				"message": "Webhook signature verification failed",
			})
		default:
			metrics.WebhookEventsTotal.WithLabelValues("unknown", "malformed").Inc()
			log.Warn("rejected malformed gateway webhook", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "malformed_event",
				"message": "Webhook payload could not be decoded",
			})
		}
		return
	}

	outcome, err := h.adapter.Handle(c.Request.Context(), ev)
	switch {
	case errors.Is(err, ErrInProgress):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "in_progress",
			"message": "Event is already being processed",
		})
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "retry_later",
			"message": "Event could not be processed",
		})
	default:
		c.JSON(http.StatusOK, gin.H{
			"received": true,
			"eventId":  ev.ID,
			"status":   outcome,
		})
	}
}
