package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/weddinglk/payments-service/internal/validation"
)

// Handler provides HTTP endpoints for auth management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer sk_...",
		"altHeader": "X-API-Key: sk_...",
		"note":      "API keys are issued to calling services through the admin key endpoints.",
		"publicEndpoints": []string{
			"GET /v1/escrow/:id",
			"GET /v1/parties/:id/escrows",
		},
		"protectedEndpoints": []string{
			"POST /v1/escrow",
			"POST /v1/escrow/:id/capture",
			"POST /v1/escrow/:id/release",
			"POST /v1/escrow/:id/refund",
			"POST /v1/escrow/:id/dispute/open",
		},
	})
}

// CreateKeyRequest is the request body for issuing a key to a service
type CreateKeyRequest struct {
	Service string `json:"service" binding:"required"`
	Name    string `json:"name"`
}

// CreateKey issues a new API key for a calling service (admin only)
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "service is required",
		})
		return
	}

	req.Service = validation.SanitizeString(req.Service, 100)
	if req.Name == "" {
		req.Name = "Primary key"
	}
	req.Name = validation.SanitizeString(req.Name, 200)

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), req.Service, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed_to_create_key",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   newKey.ID,
		"service": newKey.Service,
		"name":    newKey.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys returns API keys for a service (admin only)
func (h *Handler) ListKeys(c *gin.Context) {
	service := c.Query("service")
	if service == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "service query parameter is required",
		})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), service)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed_to_list_keys",
		})
		return
	}

	// Don't expose hashes
	safeKeys := make([]gin.H, len(keys))
	for i, k := range keys {
		safeKeys[i] = gin.H{
			"id":        k.ID,
			"service":   k.Service,
			"name":      k.Name,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  safeKeys,
		"count": len(safeKeys),
	})
}

// RevokeKey revokes an API key (admin only)
func (h *Handler) RevokeKey(c *gin.Context) {
	service := c.Query("service")
	if service == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "service query parameter is required",
		})
		return
	}

	keyID := c.Param("keyId")
	if err := h.manager.RevokeKey(c.Request.Context(), keyID, service); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}

// GetCurrentCaller returns info about the authenticated service
func (h *Handler) GetCurrentCaller(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"service":   key.Service,
		"keyId":     key.ID,
		"keyName":   key.Name,
		"createdAt": key.CreatedAt,
		"lastUsed":  key.LastUsed,
	})
}
