package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/tbranch/guildbank/internal/ledger"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body on generic
// payment webhooks.
const SignatureHeader = "X-Guildbank-Signature"

// Handler provides the webhook and admin endpoints for payment intake.
type Handler struct {
	intake        *Intake
	webhookSecret string
	stripeSecret  string
}

// NewHandler creates a new payments handler.
func NewHandler(intake *Intake, webhookSecret, stripeSecret string) *Handler {
	return &Handler{intake: intake, webhookSecret: webhookSecret, stripeSecret: stripeSecret}
}

// RegisterWebhookRoutes sets up the provider-facing webhook routes.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/payment", h.PaymentWebhook)
	r.POST("/webhooks/stripe", h.StripeWebhook)
}

// RegisterAdminRoutes sets up admin-only routes. The caller wraps the group
// with the admin auth middleware.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/credit", h.AdminCredit)
}

// CreditRequest is the generic payment webhook and admin credit body.
type CreditRequest struct {
	MemberID  string `json:"memberId" binding:"required"`
	Amount    int64  `json:"amount" binding:"required"`
	Reason    string `json:"reason"`
	Reference string `json:"reference" binding:"required"`
}

// PaymentWebhook handles POST /v1/webhooks/payment
func (h *Handler) PaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read body",
		})
		return
	}

	if !verifySignature(body, c.GetHeader(SignatureHeader), h.webhookSecret) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Signature verification failed",
		})
		return
	}

	var req CreditRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid JSON body",
		})
		return
	}
	if req.Reason == "" {
		req.Reason = "payment_webhook"
	}

	h.applyCredit(c, req)
}

// StripeWebhook handles POST /v1/webhooks/stripe
func (h *Handler) StripeWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read body",
		})
		return
	}

	event, err := webhook.ConstructEvent(body, c.GetHeader("Stripe-Signature"), h.stripeSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Signature verification failed",
		})
		return
	}

	// Only completed checkouts carry coins; everything else is acknowledged
	// so Stripe stops retrying.
	if event.Type != "checkout.session.completed" {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed checkout session",
		})
		return
	}

	memberID := session.Metadata["member_id"]
	coins, parseErr := strconv.ParseInt(session.Metadata["coins"], 10, 64)
	if memberID == "" || parseErr != nil || coins <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_metadata",
			"message": "Checkout session must carry member_id and coins metadata",
		})
		return
	}

	h.applyCredit(c, CreditRequest{
		MemberID:  memberID,
		Amount:    coins,
		Reason:    "stripe_checkout",
		Reference: event.ID,
	})
}

// AdminCredit handles POST /v1/admin/credit
func (h *Handler) AdminCredit(c *gin.Context) {
	var req CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "memberId, amount and reference are required",
		})
		return
	}
	if req.Reason == "" {
		req.Reason = "admin_credit"
	}

	h.applyCredit(c, req)
}

func (h *Handler) applyCredit(c *gin.Context, req CreditRequest) {
	res, err := h.intake.ApplyExternalCredit(c.Request.Context(), req.MemberID, req.Amount, req.Reason, req.Reference)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ledger.ErrInvalidAmount),
			errors.Is(err, ErrMissingMember),
			errors.Is(err, ErrMissingReference):
			status = http.StatusBadRequest
			code = "invalid_request"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction": res.Transaction,
		"duplicate":   res.Duplicate,
		"newBalance":  res.NewBalance,
	})
}

func verifySignature(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
