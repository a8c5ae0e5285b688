package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/example/freshmart/pkg/gateway"
	"github.com/example/freshmart/pkg/models"
	"github.com/example/freshmart/pkg/money"
	"github.com/example/freshmart/pkg/notify"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReconcileOutcome is the only shape callers ever see: a terminal
// COMPLETED/FAILED or a retryable PENDING, never a raw gateway error.
type ReconcileOutcome struct {
	Status    models.PaymentStatus `json:"status"`
	Reference string               `json:"reference"`
	OrderID   string               `json:"order_id,omitempty"`
}

// Reconcile establishes gateway ground truth for a reference and applies
// at-most-once settlement. It is safe to call concurrently and repeatedly
// from the verify endpoint, the webhook and the sweep job: for any
// reference exactly one caller's mutation wins, everyone else observes the
// post-state through the idempotency gate.
func (s *Service) Reconcile(ctx context.Context, reference string) (*ReconcileOutcome, error) {
	db := s.store.DB().WithContext(ctx)

	// Idempotency gate: a record already in a terminal state short-circuits
	// before any gateway call or mutation.
	var txn models.WalletTransaction
	txnErr := db.First(&txn, "reference = ?", reference).Error
	if txnErr == nil && txn.Status != models.PaymentStatusPending {
		return &ReconcileOutcome{Status: txn.Status, Reference: reference, OrderID: deref(txn.OrderID)}, nil
	}
	if txnErr != nil && !errors.Is(txnErr, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load wallet transaction %s: %w", reference, txnErr)
	}

	var order models.Order
	orderErr := db.First(&order, "transaction_id = ?", reference).Error
	if orderErr == nil && order.PaymentStatus != models.PaymentStatusPending {
		return &ReconcileOutcome{Status: order.PaymentStatus, Reference: reference, OrderID: order.ID}, nil
	}
	if orderErr != nil && !errors.Is(orderErr, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load order for %s: %w", reference, orderErr)
	}

	var checkout models.PendingCheckout
	checkoutErr := db.First(&checkout, "reference = ?", reference).Error
	if checkoutErr != nil && !errors.Is(checkoutErr, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load pending checkout %s: %w", reference, checkoutErr)
	}

	hasTxn := txnErr == nil
	hasOrder := orderErr == nil
	hasCheckout := checkoutErr == nil
	if !hasTxn && !hasOrder && !hasCheckout {
		return nil, fmt.Errorf("%s: %w", reference, ErrUnknownReference)
	}

	verify, err := s.gateway.Verify(ctx, reference)
	if err != nil {
		// Inconclusive; leave every record untouched so a later attempt
		// can still settle.
		s.logger.Warn("Gateway verification inconclusive",
			zap.String("reference", reference), zap.Error(err))
		return &ReconcileOutcome{Status: models.PaymentStatusPending, Reference: reference}, err
	}

	switch verify.Status {
	case gateway.StatusSuccess:
		switch {
		case hasCheckout:
			return s.settleCheckout(ctx, &checkout, verify)
		case hasTxn:
			return s.settleWalletFunding(ctx, &txn, verify)
		default:
			return s.settleOrderPayment(ctx, &order, verify)
		}

	case gateway.StatusFailed:
		switch {
		case hasCheckout:
			return s.failCheckout(ctx, &checkout, verify)
		case hasTxn:
			return s.failWalletFunding(ctx, &txn, verify)
		default:
			return s.failOrderPayment(ctx, &order, verify)
		}

	default:
		// Still processing (e.g. bank transfer in flight). Not a failure.
		return &ReconcileOutcome{Status: models.PaymentStatusPending, Reference: reference}, nil
	}
}

// settleCheckout materializes the order a PendingCheckout was holding.
// Deleting the checkout row is the atomic claim: exactly one caller sees
// RowsAffected==1 and creates the order.
func (s *Service) settleCheckout(ctx context.Context, checkout *models.PendingCheckout, verify *gateway.VerifyResult) (*ReconcileOutcome, error) {
	s.checkAmount(checkout.Reference, checkout.Amount, verify)

	var in CreateOrderInput
	if err := json.Unmarshal([]byte(checkout.Payload), &in); err != nil {
		s.logger.Error("Pending checkout payload is unreadable",
			zap.String("reference", checkout.Reference), zap.Error(err))
		return nil, fmt.Errorf("checkout %s: %w", checkout.Reference, ErrOrphanedReference)
	}

	prep, err := s.prepareOrder(ctx, checkout.UserID, &in, orderOptions{
		preConfirmed:  true,
		transactionID: checkout.Reference,
		lenientStock:  true,
	})
	if err != nil {
		return nil, err
	}

	batch := &notify.Batch{}
	var order *models.Order
	claimed := true
	err = s.store.Run(ctx, func(tx *gorm.DB) error {
		res := tx.Delete(&models.PendingCheckout{}, "reference = ?", checkout.Reference)
		if res.Error != nil {
			return fmt.Errorf("failed to consume pending checkout: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			claimed = false
			return nil
		}
		var werr error
		order, werr = s.writeOrder(tx, prep, batch)
		return werr
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Another caller consumed the checkout; report its result.
		return s.postClaimOutcome(ctx, checkout.Reference)
	}

	s.finishOrder(ctx, order, batch)
	s.awardBonusBestEffort(ctx, order.ID)
	return &ReconcileOutcome{Status: models.PaymentStatusCompleted, Reference: checkout.Reference, OrderID: order.ID}, nil
}

func (s *Service) failCheckout(ctx context.Context, checkout *models.PendingCheckout, verify *gateway.VerifyResult) (*ReconcileOutcome, error) {
	res := s.store.DB().WithContext(ctx).
		Delete(&models.PendingCheckout{}, "reference = ?", checkout.Reference)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to discard pending checkout: %w", res.Error)
	}
	s.auditLog("reconcile_failed", checkout.UserID, checkout.Reference, bson.M{
		"gateway_status": verify.RawStatus,
	})
	return &ReconcileOutcome{Status: models.PaymentStatusFailed, Reference: checkout.Reference}, nil
}

// settleWalletFunding credits a pre-created PENDING funding transaction.
// The conditional PENDING->COMPLETED flip is the atomic claim; the balance
// increment rides in the same atomic unit.
func (s *Service) settleWalletFunding(ctx context.Context, txn *models.WalletTransaction, verify *gateway.VerifyResult) (*ReconcileOutcome, error) {
	s.checkAmount(txn.Reference, txn.Amount, verify)

	claimed := true
	err := s.store.Run(ctx, func(tx *gorm.DB) error {
		now := time.Now()
		res := tx.Model(&models.WalletTransaction{}).
			Where("reference = ? AND status = ?", txn.Reference, models.PaymentStatusPending).
			Updates(map[string]interface{}{"status": models.PaymentStatusCompleted, "updated_at": now})
		if res.Error != nil {
			return fmt.Errorf("failed to complete funding transaction: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			claimed = false
			return nil
		}

		inc := tx.Model(&models.User{}).
			Where("id = ?", txn.UserID).
			UpdateColumn("wallet_balance", gorm.Expr("wallet_balance + ?", money.Round(txn.Amount)))
		if inc.Error != nil {
			return fmt.Errorf("failed to credit wallet: %w", inc.Error)
		}
		if inc.RowsAffected == 0 {
			s.logger.Error("Funding reference points at a missing user",
				zap.String("reference", txn.Reference),
				zap.String("user_id", txn.UserID))
			return fmt.Errorf("user %s: %w", txn.UserID, ErrOrphanedReference)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return s.postClaimOutcome(ctx, txn.Reference)
	}

	batch := &notify.Batch{}
	batch.Push(&models.Notification{
		UserID:  txn.UserID,
		Title:   "Wallet funded",
		Message: fmt.Sprintf("₦%.2f has been added to your wallet.", money.Round(txn.Amount)),
		Type:    "wallet",
	})
	s.dispatcher.Dispatch(ctx, batch)
	s.auditLog("reconcile_completed", txn.UserID, txn.Reference, bson.M{
		"amount": money.Round(txn.Amount),
		"type":   "wallet_funding",
	})
	return &ReconcileOutcome{Status: models.PaymentStatusCompleted, Reference: txn.Reference}, nil
}

func (s *Service) failWalletFunding(ctx context.Context, txn *models.WalletTransaction, verify *gateway.VerifyResult) (*ReconcileOutcome, error) {
	claimed := true
	err := s.store.Run(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.WalletTransaction{}).
			Where("reference = ? AND status = ?", txn.Reference, models.PaymentStatusPending).
			Updates(map[string]interface{}{"status": models.PaymentStatusFailed, "updated_at": time.Now()})
		if res.Error != nil {
			return fmt.Errorf("failed to mark funding transaction failed: %w", res.Error)
		}
		claimed = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return s.postClaimOutcome(ctx, txn.Reference)
	}
	s.auditLog("reconcile_failed", txn.UserID, txn.Reference, bson.M{
		"gateway_status": verify.RawStatus,
	})
	return &ReconcileOutcome{Status: models.PaymentStatusFailed, Reference: txn.Reference}, nil
}

// settleOrderPayment marks a pre-created order paid. The conditional
// payment-status flip is the atomic claim.
func (s *Service) settleOrderPayment(ctx context.Context, order *models.Order, verify *gateway.VerifyResult) (*ReconcileOutcome, error) {
	s.checkAmount(deref(order.TransactionID), order.FinalAmount, verify)

	claimed := true
	err := s.store.Run(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.Order{}).
			Where("id = ? AND payment_status = ?", order.ID, models.PaymentStatusPending).
			Updates(map[string]interface{}{
				"payment_status": models.PaymentStatusCompleted,
				"status":         models.OrderStatusConfirmed,
				"updated_at":     time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to mark order paid: %w", res.Error)
		}
		claimed = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return s.postClaimOutcome(ctx, deref(order.TransactionID))
	}

	batch := &notify.Batch{}
	orderID := order.ID
	batch.Push(&models.Notification{
		UserID:  order.UserID,
		Title:   "Payment confirmed",
		Message: fmt.Sprintf("Payment of ₦%.2f for your order was confirmed.", order.FinalAmount),
		Type:    "payment",
		OrderID: &orderID,
	})
	s.dispatcher.Dispatch(ctx, batch)
	s.invalidateOrder(ctx, order.ID)
	s.auditLog("reconcile_completed", order.ID, deref(order.TransactionID), bson.M{
		"amount": order.FinalAmount,
		"type":   "order_payment",
	})
	s.awardBonusBestEffort(ctx, order.ID)
	return &ReconcileOutcome{Status: models.PaymentStatusCompleted, Reference: deref(order.TransactionID), OrderID: order.ID}, nil
}

func (s *Service) failOrderPayment(ctx context.Context, order *models.Order, verify *gateway.VerifyResult) (*ReconcileOutcome, error) {
	claimed := true
	err := s.store.Run(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.Order{}).
			Where("id = ? AND payment_status = ?", order.ID, models.PaymentStatusPending).
			Updates(map[string]interface{}{
				"payment_status": models.PaymentStatusFailed,
				"updated_at":     time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to mark order payment failed: %w", res.Error)
		}
		claimed = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return s.postClaimOutcome(ctx, deref(order.TransactionID))
	}
	s.invalidateOrder(ctx, order.ID)
	s.auditLog("reconcile_failed", order.ID, deref(order.TransactionID), bson.M{
		"gateway_status": verify.RawStatus,
	})
	return &ReconcileOutcome{Status: models.PaymentStatusFailed, Reference: deref(order.TransactionID), OrderID: order.ID}, nil
}

// postClaimOutcome re-reads a reference after losing the claim race and
// reports the winner's terminal state without further writes.
func (s *Service) postClaimOutcome(ctx context.Context, reference string) (*ReconcileOutcome, error) {
	db := s.store.DB().WithContext(ctx)

	var txn models.WalletTransaction
	if err := db.First(&txn, "reference = ?", reference).Error; err == nil {
		return &ReconcileOutcome{Status: txn.Status, Reference: reference, OrderID: deref(txn.OrderID)}, nil
	}
	var order models.Order
	if err := db.First(&order, "transaction_id = ?", reference).Error; err == nil {
		return &ReconcileOutcome{Status: order.PaymentStatus, Reference: reference, OrderID: order.ID}, nil
	}
	// Claim lost but the winner's record is not visible yet; the caller
	// can safely retry.
	return &ReconcileOutcome{Status: models.PaymentStatusPending, Reference: reference}, nil
}

// awardBonusBestEffort triggers the referral bonus after a successful
// order settlement. Failures are logged for the sweep job, never surfaced.
func (s *Service) awardBonusBestEffort(ctx context.Context, orderID string) {
	if err := s.AwardFirstPurchaseBonus(ctx, orderID); err != nil {
		s.logger.Error("Referral bonus award failed",
			zap.String("order_id", orderID), zap.Error(err))
	}
}

// checkAmount compares gateway-reported and locally expected amounts.
// A mismatch is a loud monitoring signal, not a rejection: the money has
// already moved at the gateway.
func (s *Service) checkAmount(reference string, expected float64, verify *gateway.VerifyResult) {
	got := money.MajorUnits(verify.AmountMinor)
	if verify.AmountMinor > 0 && math.Abs(got-money.Round(expected)) > 0.01 {
		s.logger.Warn("Gateway amount mismatch",
			zap.String("reference", reference),
			zap.Float64("expected", money.Round(expected)),
			zap.Float64("gateway", got))
	}
}
