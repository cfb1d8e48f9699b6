package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weddinglk/payments-service/internal/pagination"
	"github.com/weddinglk/payments-service/internal/payments"
	"github.com/weddinglk/payments-service/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/:id", h.GetEntry)
	r.GET("/parties/:id/escrows", h.ListByParty)
}

// RegisterProtectedRoutes sets up routes reserved for the booking/payment
// component, the dispute component, and the admin API.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.CreateEntry)
	r.POST("/escrow/:id/capture", h.Capture)
	r.POST("/escrow/:id/release", h.InitiateRelease)
	r.POST("/escrow/:id/release/confirm", h.ConfirmRelease)
	r.POST("/escrow/:id/refund", h.InitiateRefund)
	r.POST("/escrow/:id/cancel", h.Cancel)
	r.POST("/escrow/:id/dispute/open", h.OpenDispute)
	r.POST("/escrow/:id/dispute/resolve", h.ResolveDispute)
}

// CreateEntry handles POST /v1/escrow
func (h *Handler) CreateEntry(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("bookingId", req.BookingID),
		validation.Required("paymentId", req.PaymentID),
		validation.Required("payerId", req.PayerID),
		validation.Required("payeeId", req.PayeeID),
		validation.Required("paymentIntentRef", req.PaymentIntentRef),
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	entry, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

// GetEntry handles GET /v1/escrow/:id
func (h *Handler) GetEntry(c *gin.Context) {
	entry, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

// ListByParty handles GET /v1/parties/:id/escrows
func (h *Handler) ListByParty(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	var opts []ListOption
	if cursor := c.Query("cursor"); cursor != "" {
		opts = append(opts, WithCursor(cursor))
	}

	// Fetch one extra row to compute the next-page cursor.
	entries, err := h.service.ListByParty(c.Request.Context(), c.Param("id"), limit+1, opts...)
	if err != nil {
		respondError(c, err)
		return
	}

	entries, nextCursor, hasMore := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"entries":    entries,
		"count":      len(entries),
		"nextCursor": nextCursor,
		"hasMore":    hasMore,
	})
}

// Capture handles POST /v1/escrow/:id/capture
func (h *Handler) Capture(c *gin.Context) {
	entry, err := h.service.MarkHeld(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

type releaseRequest struct {
	InitiatedBy string `json:"initiatedBy" binding:"required"`
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason"`
}

// InitiateRelease handles POST /v1/escrow/:id/release
func (h *Handler) InitiateRelease(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "initiatedBy is required",
		})
		return
	}

	entry, err := h.service.InitiateRelease(c.Request.Context(), c.Param("id"), req.InitiatedBy, req.Amount, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

type confirmRequest struct {
	Party Party `json:"party" binding:"required"`
}

// ConfirmRelease handles POST /v1/escrow/:id/release/confirm
func (h *Handler) ConfirmRelease(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "party is required (payer or payee)",
		})
		return
	}

	entry, err := h.service.ConfirmRelease(c.Request.Context(), c.Param("id"), req.Party)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

type refundRequest struct {
	InitiatedBy string `json:"initiatedBy" binding:"required"`
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason"`
	Method      string `json:"method"`
}

// InitiateRefund handles POST /v1/escrow/:id/refund
func (h *Handler) InitiateRefund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "initiatedBy is required",
		})
		return
	}

	entry, err := h.service.InitiateRefund(c.Request.Context(), c.Param("id"), req.InitiatedBy, req.Amount, req.Reason, req.Method)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /v1/escrow/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)

	entry, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

type disputeOpenRequest struct {
	DisputeID      string `json:"disputeId" binding:"required"`
	DisputedAmount int64  `json:"disputedAmount"`
}

// OpenDispute handles POST /v1/escrow/:id/dispute/open
func (h *Handler) OpenDispute(c *gin.Context) {
	var req disputeOpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "disputeId is required",
		})
		return
	}

	entry, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), req.DisputeID, req.DisputedAmount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

type disputeResolveRequest struct {
	DisputeID string         `json:"disputeId" binding:"required"`
	Outcome   DisputeOutcome `json:"outcome" binding:"required"`
}

// ResolveDispute handles POST /v1/escrow/:id/dispute/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req disputeResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "disputeId and outcome are required",
		})
		return
	}

	id := c.Param("id")
	ctx := c.Request.Context()

	var entry *Entry
	var err error
	switch req.Outcome {
	case OutcomeRelease:
		entry, err = h.service.ResolveDisputeRelease(ctx, id, req.DisputeID)
	case OutcomeRefund:
		entry, err = h.service.ResolveDisputeRefund(ctx, id, req.DisputeID)
	case OutcomeNoAction:
		entry, err = h.service.ResolveDisputeNoAction(ctx, id, req.DisputeID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome must be release, refund, or no_action",
		})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

// respondError maps domain errors to HTTP responses. Internals are never
// leaked: unknown errors become a generic 500.
func respondError(c *gin.Context, err error) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": ve.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow entry not found"})
	case errors.Is(err, ErrDuplicateReference):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_reference", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, ErrDisputeHold):
		c.JSON(http.StatusConflict, gin.H{"error": "dispute_hold", "message": err.Error()})
	case errors.Is(err, ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent_modification", "message": "Entry was modified concurrently, retry the request"})
	default:
		if gatewayStatus(c, err) {
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "An unexpected error occurred"})
	}
}

// gatewayStatus handles payment gateway failures. Transient failures map
// to 502 so callers know a retry may succeed; permanent failures map to
// 422 since retrying the same request will fail again.
func gatewayStatus(c *gin.Context, err error) bool {
	var ge *payments.GatewayError
	if !errors.As(err, &ge) {
		return false
	}
	if ge.Kind == payments.Transient {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "gateway_unavailable",
			"message": "Payment gateway is temporarily unavailable, retry later",
		})
	} else {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "gateway_rejected",
			"message": "Payment gateway rejected the operation",
		})
	}
	return true
}
