package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tradeweave/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow lifecycle operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow lifecycle routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/users/:userId/escrows", h.ListEscrows)
	r.POST("/escrows/:id/funded", h.MarkFunded)
	r.POST("/escrows/:id/release", h.Release)
	r.POST("/escrows/:id/refund", h.Refund)
	r.POST("/escrows/:id/complete", h.Complete)
	r.POST("/escrows/:id/cancel", h.Cancel)
	r.POST("/escrows/:id/dispute", h.OpenDispute)
	r.POST("/escrows/:id/dispute/respond", h.RespondDispute)
	r.POST("/escrows/:id/dispute/evidence", h.AddEvidence)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidUserID("buyerId", req.BuyerID),
		validation.ValidUserID("vendorId", req.VendorID),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	escrow, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/users/:userId/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListByUser(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows)})
}

// MarkFunded handles POST /v1/escrows/:id/funded
func (h *Handler) MarkFunded(c *gin.Context) {
	var req struct {
		TxID string `json:"txid"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if req.TxID != "" && !validation.IsValidHex(req.TxID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "txid must be hex"})
		return
	}

	escrow, err := h.service.MarkFunded(c.Request.Context(), c.Param("id"), req.TxID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

type callerRequest struct {
	CallerID string `json:"callerId" binding:"required"`
}

// Release handles POST /v1/escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	var req callerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "callerId is required"})
		return
	}

	escrow, err := h.service.Release(c.Request.Context(), c.Param("id"), req.CallerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// Refund handles POST /v1/escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req callerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "callerId is required"})
		return
	}

	escrow, err := h.service.Refund(c.Request.Context(), c.Param("id"), req.CallerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// Complete handles POST /v1/escrows/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	escrow, err := h.service.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// Cancel handles POST /v1/escrows/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req callerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "callerId is required"})
		return
	}

	escrow, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.CallerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// OpenDispute handles POST /v1/escrows/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "openerId and claim are required"})
		return
	}
	req.Claim = validation.SanitizeString(req.Claim, validation.MaxStringLength)

	escrow, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// RespondDispute handles POST /v1/escrows/:id/dispute/respond
func (h *Handler) RespondDispute(c *gin.Context) {
	var req struct {
		CallerID string `json:"callerId" binding:"required"`
		Response string `json:"response" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "callerId and response are required"})
		return
	}

	escrow, err := h.service.RespondDispute(c.Request.Context(), c.Param("id"),
		req.CallerID, validation.SanitizeString(req.Response, validation.MaxStringLength))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// AddEvidence handles POST /v1/escrows/:id/dispute/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var req struct {
		CallerID string `json:"callerId" binding:"required"`
		Note     string `json:"note" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "callerId and note are required"})
		return
	}

	escrow, err := h.service.AddEvidence(c.Request.Context(), c.Param("id"),
		req.CallerID, validation.SanitizeString(req.Note, validation.MaxStringLength))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// respondError maps service errors to HTTP status codes.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrSameParticipant):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrDisputeParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrTerminal),
		errors.Is(err, ErrNotDisputed), errors.Is(err, ErrNoMultisigAddress),
		errors.Is(err, ErrAddressAlreadySet):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Unexpected error"})
	}
}
