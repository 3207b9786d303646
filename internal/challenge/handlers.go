package challenge

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradeweave/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for possession challenges.
type Handler struct {
	service *Service
}

// NewHandler creates a new challenge handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up challenge routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/challenges", h.Issue)
	r.POST("/challenges/:id/verify", h.Verify)
}

// Issue handles POST /v1/challenges
func (h *Handler) Issue(c *gin.Context) {
	var req struct {
		UserID   string `json:"userId" binding:"required"`
		EscrowID string `json:"escrowId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId and escrowId are required"})
		return
	}
	if err := validation.Validate(
		validation.ValidUserID("userId", req.UserID),
		validation.Required("escrowId", req.EscrowID),
	); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	ch, err := h.service.Issue(c.Request.Context(), req.UserID, req.EscrowID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Unexpected error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"challenge": ch})
}

// Verify handles POST /v1/challenges/:id/verify
func (h *Handler) Verify(c *gin.Context) {
	var req struct {
		Signature    string `json:"signature" binding:"required"`
		MultisigInfo string `json:"multisigInfo" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "signature and multisigInfo are required"})
		return
	}

	err := h.service.Verify(c.Request.Context(), c.Param("id"), req.Signature, req.MultisigInfo)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"verified": true})
}

// respondError maps challenge errors to HTTP status codes.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrChallengeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrChallengeExpired):
		c.JSON(http.StatusGone, gin.H{"error": "challenge_expired", "message": err.Error()})
	case errors.Is(err, ErrMalformedMultisigInfo), errors.Is(err, ErrBadSignature):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrSignatureInvalid):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "signature_invalid", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Unexpected error"})
	}
}
