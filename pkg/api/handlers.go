package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/example/freshmart/pkg/gateway"
	"github.com/example/freshmart/pkg/models"
	"github.com/example/freshmart/pkg/repository"
	"github.com/example/freshmart/pkg/settlement"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// userID comes from the auth layer in front of this service.
func userID(c *gin.Context) string {
	return c.GetHeader("X-User-ID")
}

type createOrderRequest struct {
	settlement.CreateOrderInput
}

func (s *Server) createOrder(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user"})
		return
	}

	var req createOrderRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	orderID, err := s.settlement.CreateOrder(c.Request.Context(), uid, &req.CreateOrderInput)
	if err != nil {
		s.respondSettlementError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order_id": orderID})
}

type checkoutRequest struct {
	Email string `json:"email" binding:"required,email"`
	settlement.CreateOrderInput
}

func (s *Server) initializeCheckout(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user"})
		return
	}

	var req checkoutRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.settlement.InitializeCheckout(c.Request.Context(), uid, req.Email, &req.CreateOrderInput)
	if err != nil {
		s.respondSettlementError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"authorization_url": result.AuthorizationURL,
		"access_code":       result.AccessCode,
		"reference":         result.Reference,
	})
}

type fundWalletRequest struct {
	Email  string  `json:"email" binding:"required,email"`
	Amount float64 `json:"amount" binding:"required,gt=0"`
}

func (s *Server) fundWallet(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user"})
		return
	}

	var req fundWalletRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.settlement.InitializeWalletFunding(c.Request.Context(), uid, req.Email, req.Amount)
	if err != nil {
		s.respondSettlementError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"authorization_url": result.AuthorizationURL,
		"reference":         result.Reference,
	})
}

// verifyPayment is the client-initiated reconciliation trigger. It always
// answers COMPLETED/FAILED/PENDING so the storefront can poll safely.
func (s *Server) verifyPayment(c *gin.Context) {
	reference := c.Param("reference")

	outcome, err := s.settlement.Reconcile(c.Request.Context(), reference)
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrUnknownReference):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown reference"})
			return
		case errors.Is(err, gateway.ErrUnavailable):
			// Inconclusive; the client should poll again.
			c.JSON(http.StatusOK, gin.H{"status": models.PaymentStatusPending, "reference": reference})
			return
		default:
			s.logger.Error("Reconciliation failed",
				zap.String("reference", reference), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
			return
		}
	}

	c.JSON(http.StatusOK, outcome)
}

type webhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
	} `json:"data"`
}

// paystackWebhook feeds gateway notifications into the same reconciliation
// path the verify endpoint uses. Replies 200 on processed events so the
// gateway stops retrying; signature failures get 401.
func (s *Server) paystackWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	signature := c.GetHeader("x-paystack-signature")
	if !gateway.ValidSignature(s.config.Paystack.SecretKey, body, signature) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable event"})
		return
	}
	if event.Data.Reference == "" {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	outcome, err := s.settlement.Reconcile(c.Request.Context(), event.Data.Reference)
	if err != nil {
		// The sweep job will retry; never make the gateway redeliver into
		// an error loop.
		s.logger.Warn("Webhook reconciliation did not settle",
			zap.String("reference", event.Data.Reference),
			zap.String("event", event.Event),
			zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "deferred"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": outcome.Status})
}

func (s *Server) getOrder(c *gin.Context) {
	id := c.Param("id")

	if s.cache != nil {
		if cached, err := s.cache.GetOrderCache(c.Request.Context(), id); err == nil {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	var order models.Order
	if err := s.settlement.Store().DB().WithContext(c.Request.Context()).
		First(&order, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, order)
}

// getOrderAudit exposes the settlement audit trail for operator review.
func (s *Server) getOrderAudit(c *gin.Context) {
	id := c.Param("id")

	entries, err := s.settlement.AuditTrail(c.Request.Context(), id, 50)
	if err != nil {
		s.logger.Error("Audit trail lookup failed", zap.String("entity_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit lookup failed"})
		return
	}
	if entries == nil {
		entries = []*repository.AuditLog{}
	}
	c.JSON(http.StatusOK, gin.H{"entity_id": id, "entries": entries})
}

type updateStatusRequest struct {
	Status models.OrderStatus `json:"status" binding:"required"`
}

func (s *Server) updateOrderStatus(c *gin.Context) {
	id := c.Param("id")

	var req updateStatusRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	db := s.settlement.Store().DB().WithContext(c.Request.Context())
	res := db.Model(&models.Order{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": req.Status, "updated_at": time.Now()})
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": res.Error.Error()})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}

	// Invalidate cache
	if s.cache != nil {
		if err := s.cache.InvalidateOrder(c.Request.Context(), id); err != nil {
			s.logger.Debug("Failed to invalidate order cache", zap.String("order_id", id), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "status": req.Status})
}

func (s *Server) respondSettlementError(c *gin.Context, err error) {
	var validation *settlement.ValidationError
	var stock *settlement.StockError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error()})
	case errors.As(err, &stock):
		c.JSON(http.StatusConflict, gin.H{"error": stock.Error()})
	case errors.Is(err, settlement.ErrInsufficientFunds):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient wallet funds"})
	case errors.Is(err, gateway.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment gateway unavailable, try again"})
	default:
		s.logger.Error("Settlement operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
