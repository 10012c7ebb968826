package purchase

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbranch/guildbank/internal/catalog"
	"github.com/tbranch/guildbank/internal/grants"
	"github.com/tbranch/guildbank/internal/ledger"
)

// Handler provides HTTP endpoints for purchase operations.
type Handler struct {
	service *Service
	catalog *catalog.Catalog
	grants  grants.Store
}

// NewHandler creates a new purchase handler.
func NewHandler(service *Service, cat *catalog.Catalog, registry grants.Store) *Handler {
	return &Handler{service: service, catalog: cat, grants: registry}
}

// RegisterRoutes sets up the purchase routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tiers", h.ListTiers)
	r.GET("/members/:id/grants", h.ListGrants)
	r.GET("/members/:id/grants/:namespace", h.GetActiveGrant)
	r.POST("/members/:id/buy", h.Buy)
	r.POST("/members/:id/extend", h.Extend)
	r.POST("/members/:id/upgrade", h.Upgrade)
	r.POST("/members/:id/downgrade", h.Downgrade)
	r.POST("/members/:id/cancel", h.Cancel)
}

// TierRequest addresses a catalog tier.
type TierRequest struct {
	TierID string `json:"tierId" binding:"required"`
}

// CancelRequest addresses a grant namespace.
type CancelRequest struct {
	Namespace string `json:"namespace" binding:"required"`
}

// ListTiers handles GET /v1/tiers
func (h *Handler) ListTiers(c *gin.Context) {
	if ns := c.Query("namespace"); ns != "" {
		c.JSON(http.StatusOK, gin.H{"tiers": h.catalog.Tiers(ns)})
		return
	}

	out := make(map[string][]catalog.Tier)
	for _, ns := range h.catalog.Namespaces() {
		out[ns] = h.catalog.Tiers(ns)
	}
	c.JSON(http.StatusOK, gin.H{"tiers": out})
}

// ListGrants handles GET /v1/members/:id/grants
func (h *Handler) ListGrants(c *gin.Context) {
	list, err := h.grants.ListByMember(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"grants": list,
		"count":  len(list),
	})
}

// GetActiveGrant handles GET /v1/members/:id/grants/:namespace
func (h *Handler) GetActiveGrant(c *gin.Context) {
	g, err := h.service.Active(c.Request.Context(), c.Param("id"), c.Param("namespace"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if g == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No active grant in this namespace",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"grant": g})
}

// Buy handles POST /v1/members/:id/buy
func (h *Handler) Buy(c *gin.Context) {
	h.runTierOp(c, h.service.Buy)
}

// Extend handles POST /v1/members/:id/extend
func (h *Handler) Extend(c *gin.Context) {
	h.runTierOp(c, h.service.Extend)
}

// Upgrade handles POST /v1/members/:id/upgrade
func (h *Handler) Upgrade(c *gin.Context) {
	h.runTierOp(c, h.service.Upgrade)
}

// Downgrade handles POST /v1/members/:id/downgrade
func (h *Handler) Downgrade(c *gin.Context) {
	h.runTierOp(c, h.service.Downgrade)
}

// Cancel handles POST /v1/members/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "namespace is required",
		})
		return
	}

	receipt, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.Namespace)
	if err != nil {
		writeOpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

func (h *Handler) runTierOp(c *gin.Context, op func(ctx context.Context, memberID, tierID string) (*Receipt, error)) {
	var req TierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "tierId is required",
		})
		return
	}

	receipt, err := op(c.Request.Context(), c.Param("id"), req.TierID)
	if err != nil {
		writeOpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

// writeOpError maps service errors onto HTTP statuses.
func writeOpError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, catalog.ErrUnknownTier):
		status = http.StatusNotFound
		code = "unknown_tier"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		status = http.StatusConflict
		code = "insufficient_funds"
	case errors.Is(err, ErrAlreadyActive):
		status = http.StatusConflict
		code = "already_active"
	case errors.Is(err, ErrNoActiveGrant):
		status = http.StatusConflict
		code = "no_active_grant"
	case errors.Is(err, ErrTierMismatch):
		status = http.StatusConflict
		code = "tier_mismatch"
	case errors.Is(err, ErrPermanentGrant):
		status = http.StatusConflict
		code = "permanent_grant"
	case errors.Is(err, ErrBusy):
		status = http.StatusTooManyRequests
		code = "busy"
	case errors.Is(err, ErrTimeout):
		status = http.StatusGatewayTimeout
		code = "timeout"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
