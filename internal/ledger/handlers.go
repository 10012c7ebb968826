package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for ledger reads and auditing.
type Handler struct {
	ledger  *Ledger
	auditor *Auditor
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger, auditor *Auditor) *Handler {
	return &Handler{ledger: ledger, auditor: auditor}
}

// RegisterRoutes sets up the public read-only ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/members/:id/balance", h.GetBalance)
	r.GET("/members/:id/transactions", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only routes. The caller wraps the group
// with the admin auth middleware.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.Audit)
	r.GET("/audit/:id", h.AuditMember)
}

// GetBalance handles GET /v1/members/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.ledger.Balance(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"memberId": c.Param("id"),
		"balance":  balance,
	})
}

// GetHistory handles GET /v1/members/:id/transactions
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	txns, err := h.ledger.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
	})
}

// Audit handles GET /v1/admin/audit
func (h *Handler) Audit(c *gin.Context) {
	bad, err := h.auditor.All(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"consistent":   len(bad) == 0,
		"inconsistent": bad,
	})
}

// AuditMember handles GET /v1/admin/audit/:id
func (h *Handler) AuditMember(c *gin.Context) {
	report, err := h.auditor.Member(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
