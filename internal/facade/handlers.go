package facade

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/hvx-labs/escrowd/internal/address"
	"github.com/hvx-labs/escrowd/internal/affiliate"
	"github.com/hvx-labs/escrowd/internal/btc"
	"github.com/hvx-labs/escrowd/internal/dispute"
	"github.com/hvx-labs/escrowd/internal/escrow"
	"github.com/hvx-labs/escrowd/internal/order"
	"github.com/hvx-labs/escrowd/internal/payment"
	"github.com/hvx-labs/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for the order lifecycle.
type Handler struct {
	facade     *Facade
	affiliates *affiliate.Service
}

// NewHandler creates a new lifecycle handler.
func NewHandler(f *Facade, affiliates *affiliate.Service) *Handler {
	return &Handler{facade: f, affiliates: affiliates}
}

// RegisterRoutes sets up buyer/vendor routes. Callers are identified by
// the X-User-ID header, which the upstream marketplace gateway sets after
// authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", validation.OrderIDParamMiddleware(), h.GetOrder)
	r.POST("/orders/:id/ship", validation.OrderIDParamMiddleware(), h.MarkShipped)
	r.POST("/orders/:id/confirm", validation.OrderIDParamMiddleware(), h.ConfirmDelivery)
	r.POST("/orders/:id/dispute", validation.OrderIDParamMiddleware(), h.OpenDispute)
	r.GET("/affiliates/:id/balance", h.AffiliateBalance)
	r.GET("/affiliates/:id/history", h.AffiliateHistory)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
	r.POST("/orders/:id/release", validation.OrderIDParamMiddleware(), h.ForceRelease)
	r.POST("/orders/:id/refund", validation.OrderIDParamMiddleware(), h.ForceRefund)
	r.POST("/affiliates/:id/payout", h.AffiliatePayout)
}

func userID(c *gin.Context) (string, bool) {
	id := validation.SanitizeString(c.GetHeader("X-User-ID"), 128)
	if id == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthenticated",
			"message": "X-User-ID header is required",
		})
		return "", false
	}
	return id, true
}

func adminID(c *gin.Context) string {
	if id := validation.SanitizeString(c.GetHeader("X-User-ID"), 128); id != "" {
		return id
	}
	return "admin"
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	buyerID, ok := userID(c)
	if !ok {
		return
	}

	var req struct {
		VendorID    string `json:"vendorId"`
		ListingID   string `json:"listingId"`
		Amount      string `json:"amount"` // BTC, e.g. "0.01000000"
		AffiliateID string `json:"affiliateId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "vendorId and amount are required",
		})
		return
	}
	if req.VendorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "vendorId is required",
		})
		return
	}
	amountSats, err := btc.ParseBTC(req.Amount)
	if err != nil || amountSats <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a positive BTC value with at most 8 decimals",
		})
		return
	}

	o, err := h.facade.CreateOrder(c.Request.Context(), CreateOrderParams{
		BuyerID:        buyerID,
		VendorID:       validation.SanitizeString(req.VendorID, 128),
		ListingID:      validation.SanitizeString(req.ListingID, 128),
		AmountSats:     amountSats,
		AffiliateID:    validation.SanitizeString(req.AffiliateID, 128),
		IdempotencyKey: validation.SanitizeString(c.GetHeader("X-Idempotency-Key"), 128),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"order":  o,
		"amount": btc.FormatBTC(o.AmountSats),
	})
}

// ListOrders handles GET /v1/orders?role=buyer|vendor&limit=N
func (h *Handler) ListOrders(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	var (
		orders []*order.Order
		err    error
	)
	if c.DefaultQuery("role", "buyer") == "vendor" {
		orders, err = h.facade.orders.ListByVendor(c.Request.Context(), id, limit)
	} else {
		orders, err = h.facade.orders.ListByBuyer(c.Request.Context(), id, limit)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	view, err := h.facade.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// MarkShipped handles POST /v1/orders/:id/ship
func (h *Handler) MarkShipped(c *gin.Context) {
	vendorID, ok := userID(c)
	if !ok {
		return
	}

	o, err := h.facade.MarkShipped(c.Request.Context(), c.Param("id"), vendorID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ConfirmDelivery handles POST /v1/orders/:id/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	buyerID, ok := userID(c)
	if !ok {
		return
	}

	e, err := h.facade.ConfirmDelivery(c.Request.Context(), c.Param("id"), buyerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e, "message": "funds released to vendor"})
}

// OpenDispute handles POST /v1/orders/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Reason == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}
	if len(req.Reason) > validation.MaxReasonLength {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is too long",
		})
		return
	}

	d, err := h.facade.OpenDispute(c.Request.Context(), c.Param("id"), id,
		validation.SanitizeString(req.Reason, validation.MaxReasonLength))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// ResolveDispute handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req struct {
		Outcome    string `json:"outcome"`
		Resolution string `json:"resolution"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome is required",
		})
		return
	}

	d, err := h.facade.ResolveDispute(c.Request.Context(), c.Param("id"), adminID(c),
		dispute.Outcome(req.Outcome), validation.SanitizeString(req.Resolution, validation.MaxReasonLength))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ForceRelease handles POST /v1/admin/orders/:id/release
func (h *Handler) ForceRelease(c *gin.Context) {
	e, err := h.facade.AdminForceRelease(c.Request.Context(), c.Param("id"), adminID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ForceRefund handles POST /v1/admin/orders/:id/refund
func (h *Handler) ForceRefund(c *gin.Context) {
	e, err := h.facade.AdminForceRefund(c.Request.Context(), c.Param("id"), adminID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// AffiliateBalance handles GET /v1/affiliates/:id/balance
func (h *Handler) AffiliateBalance(c *gin.Context) {
	bal, err := h.affiliates.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance":   bal,
		"available": btc.FormatBTC(bal.AvailableSats),
	})
}

// AffiliateHistory handles GET /v1/affiliates/:id/history
func (h *Handler) AffiliateHistory(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	entries, err := h.affiliates.GetHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// AffiliatePayout handles POST /v1/admin/affiliates/:id/payout
func (h *Handler) AffiliatePayout(c *gin.Context) {
	var req struct {
		Amount      string `json:"amount"` // BTC
		Destination string `json:"destination"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount and destination are required",
		})
		return
	}
	amountSats, err := btc.ParseBTC(req.Amount)
	if err != nil || amountSats <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a positive BTC value with at most 8 decimals",
		})
		return
	}
	if !validation.IsValidBTCAddress(req.Destination) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "destination is not a valid Bitcoin address",
		})
		return
	}

	entry, err := h.affiliates.Payout(c.Request.Context(), c.Param("id"), amountSats, req.Destination)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

// respondError maps domain errors onto HTTP responses. An open dispute
// blocking release is a normal state for the client, reported as 409.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	switch {
	case errors.Is(err, order.ErrOrderNotFound),
		errors.Is(err, payment.ErrPaymentNotFound),
		errors.Is(err, escrow.ErrEscrowNotFound),
		errors.Is(err, dispute.ErrDisputeNotFound),
		errors.Is(err, address.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, escrow.ErrDisputeOpen):
		status, code = http.StatusConflict, "dispute_open"
	case errors.Is(err, escrow.ErrAlreadyFinalized):
		status, code = http.StatusConflict, "already_finalized"
	case errors.Is(err, escrow.ErrPaymentNotConfirmed):
		status, code = http.StatusConflict, "payment_not_confirmed"
	case errors.Is(err, order.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, order.ErrConflict), errors.Is(err, escrow.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, dispute.ErrDisputeAlreadyOpen):
		status, code = http.StatusConflict, "dispute_already_open"
	case errors.Is(err, dispute.ErrAlreadyResolved):
		status, code = http.StatusConflict, "already_resolved"
	case errors.Is(err, dispute.ErrInvalidOutcome):
		status, code = http.StatusBadRequest, "invalid_outcome"
	case errors.Is(err, affiliate.ErrInsufficientBalance):
		status, code = http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, address.ErrPoolExhausted):
		status, code = http.StatusServiceUnavailable, "address_pool_exhausted"
	}

	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
