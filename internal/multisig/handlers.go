package multisig

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradeweave/escrowd/internal/registry"
)

// Handler provides HTTP endpoints for the multisig handshake.
type Handler struct {
	service *Service
}

// NewHandler creates a new multisig handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up handshake routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/multisig", h.Begin)
	r.GET("/escrows/:id/multisig", h.Progress)
	r.POST("/escrows/:id/multisig/prepare", h.SubmitPrepare)
	r.POST("/escrows/:id/multisig/make", h.SubmitMade)
	r.POST("/escrows/:id/multisig/sync", h.SubmitSync)
}

// Begin handles POST /v1/escrows/:id/multisig
func (h *Handler) Begin(c *gin.Context) {
	sess, err := h.service.Begin(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": sess})
}

// Progress handles GET /v1/escrows/:id/multisig
func (h *Handler) Progress(c *gin.Context) {
	sess, err := h.service.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// SubmitPrepare handles POST /v1/escrows/:id/multisig/prepare
func (h *Handler) SubmitPrepare(c *gin.Context) {
	var req struct {
		Role        string `json:"role" binding:"required"`
		PrepareInfo string `json:"prepareInfo" binding:"required"`
		ChallengeID string `json:"challengeId" binding:"required"`
		Signature   string `json:"signature" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "role, prepareInfo, challengeId, and signature are required"})
		return
	}
	role, err := registry.ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role", "message": err.Error()})
		return
	}

	sess, err := h.service.SubmitPrepare(c.Request.Context(), c.Param("id"), role, req.PrepareInfo, req.ChallengeID, req.Signature)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// SubmitMade handles POST /v1/escrows/:id/multisig/make
func (h *Handler) SubmitMade(c *gin.Context) {
	var req struct {
		Role        string `json:"role" binding:"required"`
		MadeInfo    string `json:"madeInfo" binding:"required"`
		ChallengeID string `json:"challengeId" binding:"required"`
		Signature   string `json:"signature" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "role, madeInfo, challengeId, and signature are required"})
		return
	}
	role, err := registry.ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role", "message": err.Error()})
		return
	}

	sess, err := h.service.SubmitMade(c.Request.Context(), c.Param("id"), role, req.MadeInfo, req.ChallengeID, req.Signature)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// SubmitSync handles POST /v1/escrows/:id/multisig/sync
func (h *Handler) SubmitSync(c *gin.Context) {
	var req struct {
		Role        string `json:"role" binding:"required"`
		Round       int    `json:"round" binding:"required"`
		Info        string `json:"info" binding:"required"`
		Address     string `json:"address"`
		ChallengeID string `json:"challengeId" binding:"required"`
		Signature   string `json:"signature" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "role, round, info, challengeId, and signature are required"})
		return
	}
	role, err := registry.ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role", "message": err.Error()})
		return
	}

	sess, err := h.service.SubmitSync(c.Request.Context(), c.Param("id"), role, req.Round, req.Info, req.Address, req.ChallengeID, req.Signature)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// respondError maps handshake errors to HTTP status codes.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrSessionExists):
		c.JSON(http.StatusConflict, gin.H{"error": "session_exists", "message": err.Error()})
	case errors.Is(err, ErrProtocolOrder):
		c.JSON(http.StatusConflict, gin.H{"error": "protocol_order", "message": err.Error()})
	case errors.Is(err, ErrSessionFailed):
		c.JSON(http.StatusConflict, gin.H{"error": "session_failed", "message": err.Error()})
	case errors.Is(err, ErrNotVerified):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "possession_not_proven", "message": err.Error()})
	case errors.Is(err, ErrRegistryNotReady):
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "wallets_not_registered", "message": err.Error()})
	case errors.Is(err, ErrInvalidRole), errors.Is(err, registry.ErrInvalidRole):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role", "message": err.Error()})
	case errors.Is(err, registry.ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Unexpected error"})
	}
}
