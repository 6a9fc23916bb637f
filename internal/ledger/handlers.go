package ledger

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/toolpay/internal/coin"
	"github.com/mbd888/toolpay/internal/validation"
)

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	service      *Service
	defaultDenom string
	logger       *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(service *Service, defaultDenom string, logger *slog.Logger) *Handler {
	return &Handler{service: service, defaultDenom: defaultDenom, logger: logger}
}

// RegisterRoutes sets up public ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:address/balance", h.GetBalance)
	r.GET("/accounts/:address/balances", h.GetBalances)
	r.GET("/accounts/:address/ledger", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/credits", h.Credit)
}

// GetBalance handles GET /accounts/:address/balance?denom=untrn
func (h *Handler) GetBalance(c *gin.Context) {
	address := c.Param("address")
	denom := c.DefaultQuery("denom", h.defaultDenom)

	if err := coin.ValidateDenom(denom); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_denom",
			"message": "Denom is malformed",
		})
		return
	}

	balance, err := h.service.GetBalance(c.Request.Context(), address, denom)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account": address,
		"denom":   denom,
		"amount":  balance.Amount.String(),
	})
}

// GetBalances handles GET /accounts/:address/balances
func (h *Handler) GetBalances(c *gin.Context) {
	address := c.Param("address")

	balances, err := h.service.GetBalances(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balances",
		})
		return
	}
	if balances == nil {
		balances = []*Balance{}
	}

	c.JSON(http.StatusOK, gin.H{
		"account":  address,
		"balances": balances,
	})
}

// GetHistory handles GET /accounts/:address/ledger?limit=50
func (h *Handler) GetHistory(c *gin.Context) {
	address := c.Param("address")

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	entries, err := h.service.History(c.Request.Context(), address, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "history_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"account": address,
		"entries": entries,
		"count":   len(entries),
	})
}

// CreditRequest funds an account (admin faucet).
type CreditRequest struct {
	Account string `json:"account" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
	Denom   string `json:"denom"`
}

// Credit handles POST /admin/credits
func (h *Handler) Credit(c *gin.Context) {
	var req CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.Denom == "" {
		req.Denom = h.defaultDenom
	}

	if errs := validation.Validate(
		validation.ValidAccount("account", req.Account),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	amount, err := coin.ParseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be a positive integer"})
		return
	}

	if err := h.service.Credit(c.Request.Context(), req.Account, coin.Coin{Denom: req.Denom, Amount: amount}, "admin_credit"); err != nil {
		h.logger.Error("admin credit failed", "account", req.Account, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "credit_failed",
			"message": "Failed to credit account",
		})
		return
	}

	h.logger.Info("account credited", "account", req.Account, "amount", req.Amount, "denom", req.Denom)
	c.JSON(http.StatusOK, gin.H{
		"account": req.Account,
		"amount":  req.Amount,
		"denom":   req.Denom,
	})
}
