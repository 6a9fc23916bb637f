package registry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/toolpay/internal/auth"
	"github.com/mbd888/toolpay/internal/coin"
	"github.com/mbd888/toolpay/internal/logging"
	"github.com/mbd888/toolpay/internal/pagination"
)

// Handler provides HTTP handlers for the tool directory API
type Handler struct {
	service *Service
}

// NewHandler creates a new directory handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the public directory routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tools", h.ListTools)
	r.GET("/tools/:toolId", h.GetTool)
}

// RegisterProtectedRoutes sets up the provider-authenticated routes
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/tools", h.RegisterTool)
	r.PUT("/tools/:toolId/price", h.UpdatePrice)
	r.PUT("/tools/:toolId/denom", h.UpdateDenom)
	r.PUT("/tools/:toolId/endpoint", h.UpdateEndpoint)
	r.POST("/tools/:toolId/pause", h.PauseTool)
	r.POST("/tools/:toolId/resume", h.ResumeTool)
}

// RegisterToolRequest is the payload for listing a new tool
type RegisterToolRequest struct {
	ToolID      string `json:"toolId" binding:"required"`
	MaxFee      string `json:"maxFee" binding:"required"`
	Denom       string `json:"denom,omitempty"`
	Description string `json:"description,omitempty"`
	Endpoint    string `json:"endpoint" binding:"required"`
}

// RegisterTool handles POST /tools
func (h *Handler) RegisterTool(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req RegisterToolRequest
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

	tool, err := h.service.Register(ctx, req.ToolID, caller, req.MaxFee, req.Denom, req.Description, req.Endpoint)
	if err != nil {
		writeError(c, err)
		return
	}

	logger.Info("tool registered",
		"tool_id", tool.ToolID,
		"provider", tool.Provider,
		"max_fee", tool.MaxFee,
		"denom", tool.Denom,
	)
	c.JSON(http.StatusCreated, tool)
}

// UpdatePriceRequest is the payload for changing a tool's fee ceiling
type UpdatePriceRequest struct {
	MaxFee string `json:"maxFee" binding:"required"`
}

// UpdatePrice handles PUT /tools/:toolId/price
func (h *Handler) UpdatePrice(c *gin.Context) {
	var req UpdatePriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	h.mutate(c, "price updated", func(caller string) (*Tool, error) {
		return h.service.UpdatePrice(c.Request.Context(), c.Param("toolId"), caller, req.MaxFee)
	})
}

// UpdateDenomRequest is the payload for changing a tool's settlement denom
type UpdateDenomRequest struct {
	Denom string `json:"denom" binding:"required"`
}

// UpdateDenom handles PUT /tools/:toolId/denom
func (h *Handler) UpdateDenom(c *gin.Context) {
	var req UpdateDenomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	h.mutate(c, "denom updated", func(caller string) (*Tool, error) {
		return h.service.UpdateDenom(c.Request.Context(), c.Param("toolId"), caller, req.Denom)
	})
}

// UpdateEndpointRequest is the payload for changing a tool's endpoint
type UpdateEndpointRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// UpdateEndpoint handles PUT /tools/:toolId/endpoint
func (h *Handler) UpdateEndpoint(c *gin.Context) {
	var req UpdateEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	h.mutate(c, "endpoint updated", func(caller string) (*Tool, error) {
		return h.service.UpdateEndpoint(c.Request.Context(), c.Param("toolId"), caller, req.Endpoint)
	})
}

// PauseTool handles POST /tools/:toolId/pause
func (h *Handler) PauseTool(c *gin.Context) {
	h.mutate(c, "tool paused", func(caller string) (*Tool, error) {
		return h.service.Pause(c.Request.Context(), c.Param("toolId"), caller)
	})
}

// ResumeTool handles POST /tools/:toolId/resume
func (h *Handler) ResumeTool(c *gin.Context) {
	h.mutate(c, "tool resumed", func(caller string) (*Tool, error) {
		return h.service.Resume(c.Request.Context(), c.Param("toolId"), caller)
	})
}

// GetTool handles GET /tools/:toolId
func (h *Handler) GetTool(c *gin.Context) {
	tool, err := h.service.Get(c.Request.Context(), c.Param("toolId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tool)
}

// ListTools handles GET /tools
// Pass ?active=true to filter to listings accepting new escrows.
// Supports cursor pagination via ?limit and ?cursor.
func (h *Handler) ListTools(c *gin.Context) {
	activeOnly := c.Query("active") == "true"

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be between 1 and 200",
			})
			return
		}
		limit = n
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Malformed pagination cursor",
		})
		return
	}

	tools, err := h.service.List(c.Request.Context(), activeOnly)
	if err != nil {
		writeError(c, err)
		return
	}

	// The list comes back sorted by tool ID; resume after the cursor position.
	if cursor != nil {
		for i, tool := range tools {
			if tool.ToolID > cursor.ID {
				tools = tools[i:]
				break
			}
			if i == len(tools)-1 {
				tools = nil
			}
		}
	}
	if len(tools) > limit+1 {
		tools = tools[:limit+1]
	}

	tools, next, hasMore := pagination.ComputePage(tools, limit, func(t *Tool) (time.Time, string) {
		return t.CreatedAt, t.ToolID
	})
	if tools == nil {
		tools = []*Tool{}
	}

	c.JSON(http.StatusOK, gin.H{
		"tools":      tools,
		"count":      len(tools),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

func (h *Handler) mutate(c *gin.Context, msg string, fn func(caller string) (*Tool, error)) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	caller, ok := auth.GetAuthenticatedAccount(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	tool, err := fn(caller)
	if err != nil {
		writeError(c, err)
		return
	}

	logger.Info(msg, "tool_id", tool.ToolID, "provider", tool.Provider)
	c.JSON(http.StatusOK, tool)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrToolNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Tool not found",
		})
	case errors.Is(err, ErrToolExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Tool id already registered",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Only the registered provider may modify this tool",
		})
	case errors.Is(err, ErrInvalidToolID), errors.Is(err, ErrToolIDTooLong),
		errors.Is(err, ErrDescriptionTooLong), errors.Is(err, ErrEndpointTooLong),
		errors.Is(err, ErrInvalidEndpoint), errors.Is(err, ErrInvalidPrice),
		errors.Is(err, ErrInvalidProvider), errors.Is(err, coin.ErrInvalidDenom):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation",
			"message": err.Error(),
		})
	default:
		logging.L(c.Request.Context()).Error("directory operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}
