package webhooks

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weddinglk/payments-service/internal/idgen"
	"github.com/weddinglk/payments-service/internal/security"
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store      Store
	dispatcher *Dispatcher
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
	}
}

// RegisterRoutes sets up webhook routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/parties/:id/webhooks", h.CreateWebhook)
	r.GET("/parties/:id/webhooks", h.ListWebhooks)
	r.DELETE("/parties/:id/webhooks/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

var knownEvents = map[EventType]bool{
	EventEscrowCreated:          true,
	EventEscrowCaptured:         true,
	EventEscrowReleaseInitiated: true,
	EventEscrowReleased:         true,
	EventEscrowRefunded:         true,
	EventEscrowCancelled:        true,
	EventDisputeOpened:          true,
	EventDisputeResolved:        true,
}

// CreateWebhook handles POST /parties/:id/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	partyID := c.Param("id")

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// Endpoint must be safe for server-side delivery (SSRF guard)
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	events := make([]EventType, len(req.Events))
	for i, e := range req.Events {
		et := EventType(e)
		if !knownEvents[et] {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event",
				"message": "Unknown event type: " + e,
			})
			return
		}
		events[i] = et
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		PartyID:   partyID,
		URL:       req.URL,
		Secret:    idgen.Hex(32),
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": gin.H{
			"id":        sub.ID,
			"url":       sub.URL,
			"events":    sub.Events,
			"active":    sub.Active,
			"createdAt": sub.CreatedAt,
		},
		"secret": sub.Secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-WeddingLK-Signature",
		},
	})
}

// ListWebhooks handles GET /parties/:id/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	partyID := c.Param("id")

	subs, err := h.store.GetByParty(c.Request.Context(), partyID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}

	// Don't expose secrets
	webhooks := make([]gin.H, len(subs))
	for i, sub := range subs {
		webhooks[i] = gin.H{
			"id":          sub.ID,
			"url":         sub.URL,
			"events":      sub.Events,
			"active":      sub.Active,
			"createdAt":   sub.CreatedAt,
			"lastSuccess": sub.LastSuccess,
			"lastError":   sub.LastError,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"webhooks": webhooks,
	})
}

// DeleteWebhook handles DELETE /parties/:id/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	webhookID := c.Param("webhookId")

	if err := h.store.Delete(c.Request.Context(), webhookID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}
