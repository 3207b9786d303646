package registry

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tradeweave/escrowd/internal/walletrpc"
)

// Handler provides HTTP endpoints for wallet registration.
type Handler struct {
	service *Service
}

// NewHandler creates a new registry handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet registry routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/wallets", h.RegisterRemote)
	r.POST("/escrows/:id/wallets/arbiter", h.RegisterArbiter)
	r.GET("/escrows/:id/wallets", h.GetStatus)
	r.GET("/escrows/:id/wallets/audit", h.GetAudit)
}

// RegisterRemote handles POST /v1/escrows/:id/wallets
//
// The participant supplies the URL of their own wallet RPC daemon, plus
// its --rpc-login credentials when the daemon requires auth. The body
// never carries key material; any request shaped like it does is rejected
// by binding to the known fields only.
func (h *Handler) RegisterRemote(c *gin.Context) {
	var req struct {
		Role        string `json:"role" binding:"required"`
		Endpoint    string `json:"endpoint" binding:"required"`
		RPCUsername string `json:"rpcUsername"`
		RPCPassword string `json:"rpcPassword"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "role and endpoint are required"})
		return
	}

	role, err := ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role", "message": err.Error()})
		return
	}

	creds := walletrpc.Credentials{Username: req.RPCUsername, Password: req.RPCPassword}
	wallet, err := h.service.RegisterRemote(c.Request.Context(), c.Param("id"), role, req.Endpoint, creds)
	if err != nil {
		respondError(c, err)
		return
	}

	status, _ := h.service.Status(c.Request.Context(), wallet.EscrowID)
	c.JSON(http.StatusCreated, gin.H{"wallet": wallet, "status": status})
}

// RegisterArbiter handles POST /v1/escrows/:id/wallets/arbiter
func (h *Handler) RegisterArbiter(c *gin.Context) {
	wallet, err := h.service.RegisterLocal(c.Request.Context(), c.Param("id"), RoleArbiter)
	if err != nil {
		respondError(c, err)
		return
	}

	status, _ := h.service.Status(c.Request.Context(), wallet.EscrowID)
	c.JSON(http.StatusCreated, gin.H{"wallet": wallet, "status": status})
}

// GetStatus handles GET /v1/escrows/:id/wallets
func (h *Handler) GetStatus(c *gin.Context) {
	status, err := h.service.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// GetAudit handles GET /v1/escrows/:id/wallets/audit
func (h *Handler) GetAudit(c *gin.Context) {
	records, err := h.service.Audit(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": records, "count": len(records)})
}

// respondError maps registry errors to HTTP status codes.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrPolicyViolation):
		c.JSON(http.StatusForbidden, gin.H{"error": "policy_violation", "message": err.Error()})
	case errors.Is(err, ErrInvalidRole), errors.Is(err, ErrInvalidEndpoint):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrAlreadyRegistered):
		c.JSON(http.StatusConflict, gin.H{"error": "already_registered", "message": err.Error()})
	case errors.Is(err, ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrProbeFailed), errors.Is(err, walletrpc.ErrTransient):
		c.JSON(http.StatusBadGateway, gin.H{"error": "probe_failed", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Unexpected error"})
	}
}
