package airgap

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradeweave/escrowd/internal/escrow"
)

// Handler provides HTTP endpoints for the dispute air gap.
type Handler struct {
	service *Service
}

// NewHandler creates a new airgap handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up airgap routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/dispute/export", h.Export)
	r.POST("/disputes/decision", h.ImportDecision)
}

// Export handles POST /v1/escrows/:id/dispute/export
//
// The body is optional; when present it may carry the partially signed
// transaction the arbiter should countersign.
func (h *Handler) Export(c *gin.Context) {
	var req struct {
		PartialTxHex string `json:"partialTxHex"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed body"})
			return
		}
	}

	env, err := h.service.ExportDispute(c.Request.Context(), c.Param("id"), req.PartialTxHex)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"envelope": env})
}

// ImportDecision handles POST /v1/disputes/decision
func (h *Handler) ImportDecision(c *gin.Context) {
	var dec ArbiterDecision
	if err := c.ShouldBindJSON(&dec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed decision document"})
		return
	}
	if dec.EscrowID == "" || dec.Nonce == "" || dec.Decision == "" || dec.DecisionSignature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "escrowId, nonce, decision, and decisionSignature are required"})
		return
	}

	esc, err := h.service.ImportDecision(c.Request.Context(), &dec)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

// respondError maps airgap errors to HTTP status codes.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, escrow.ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrNotDisputed), errors.Is(err, escrow.ErrNotDisputed):
		c.JSON(http.StatusConflict, gin.H{"error": "not_disputed", "message": err.Error()})
	case errors.Is(err, ErrInvalidDecision):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrNonceUnknown):
		c.JSON(http.StatusNotFound, gin.H{"error": "nonce_unknown", "message": err.Error()})
	case errors.Is(err, ErrNonceReplayed):
		c.JSON(http.StatusConflict, gin.H{"error": "nonce_replayed", "message": err.Error()})
	case errors.Is(err, ErrDecisionStale):
		c.JSON(http.StatusGone, gin.H{"error": "decision_stale", "message": err.Error()})
	case errors.Is(err, ErrSignatureInvalid):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "signature_invalid", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Unexpected error"})
	}
}
