package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/toolpay/internal/auth"
	"github.com/mbd888/toolpay/internal/logging"
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
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/accounts/:address/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up protected (auth-required) escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.LockFunds)
	r.POST("/escrows/:id/release", h.Release)
	r.POST("/escrows/:id/refund", h.RefundExpired)
}

// RegisterAdminRoutes sets up freeze-switch routes. The caller is expected to
// gate the group behind auth.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/freeze", h.Freeze)
	r.POST("/admin/unfreeze", h.Unfreeze)
}

// LockFunds handles POST /v1/escrows
func (h *Handler) LockFunds(c *gin.Context) {
	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	caller, ok := auth.GetAuthenticatedAccount(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	escrow, err := h.service.LockFunds(c.Request.Context(), caller, req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// ReleaseRequest is the payload for settling an escrow.
type ReleaseRequest struct {
	UsageFee string `json:"usageFee" binding:"required"`
}

// Release handles POST /v1/escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	id, ok := h.escrowID(c)
	if !ok {
		return
	}

	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	caller, ok := auth.GetAuthenticatedAccount(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	escrow, err := h.service.Release(c.Request.Context(), id, caller, req.UsageFee)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow":   escrow,
		"usageFee": req.UsageFee,
	})
}

// RefundExpired handles POST /v1/escrows/:id/refund
func (h *Handler) RefundExpired(c *gin.Context) {
	id, ok := h.escrowID(c)
	if !ok {
		return
	}

	caller, ok := auth.GetAuthenticatedAccount(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	escrow, err := h.service.RefundExpired(c.Request.Context(), id, caller)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := h.escrowID(c)
	if !ok {
		return
	}

	escrow, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/accounts/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	address := c.Param("address")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListByAccount(c.Request.Context(), address, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if escrows == nil {
		escrows = []*Escrow{}
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// Freeze handles POST /v1/admin/freeze
func (h *Handler) Freeze(c *gin.Context) {
	if err := h.service.Freeze(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"frozen": true})
}

// Unfreeze handles POST /v1/admin/unfreeze
func (h *Handler) Unfreeze(c *gin.Context) {
	if err := h.service.Unfreeze(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"frozen": false})
}

func (h *Handler) escrowID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Escrow id must be a non-negative integer",
		})
		return 0, false
	}
	return id, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrFrozen):
		c.JSON(http.StatusLocked, gin.H{
			"error":   "frozen",
			"message": "Escrow operations are frozen",
		})
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
	case errors.Is(err, ErrToolNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Tool not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": err.Error(),
		})
	case errors.Is(err, ErrToolInactive), errors.Is(err, ErrNotExpired):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "insufficient_funds",
			"message": err.Error(),
		})
	case errors.Is(err, ErrFundsMismatch), errors.Is(err, ErrFeeExceedsMax),
		errors.Is(err, ErrInvalidExpiration), errors.Is(err, ErrFeeExceedsLocked),
		errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation",
			"message": err.Error(),
		})
	default:
		logging.L(c.Request.Context()).Error("escrow operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}
