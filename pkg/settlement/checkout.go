package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/freshmart/pkg/gateway"
	"github.com/example/freshmart/pkg/models"
	"github.com/example/freshmart/pkg/money"
	"github.com/lithammer/shortuuid/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// InitializeCheckout validates and prices the cart server-side, parks it
// in a PendingCheckout keyed by a fresh reference, and opens a gateway
// transaction for the amount. No order exists until the reference settles.
func (s *Service) InitializeCheckout(ctx context.Context, userID, email string, in *CreateOrderInput) (*gateway.InitResult, error) {
	prep, err := s.prepareOrder(ctx, userID, in, orderOptions{})
	if err != nil {
		return nil, err
	}
	if prep.finalAmount <= 0 {
		return nil, &ValidationError{Field: "amount", Reason: "nothing to charge; use the wallet flow"}
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize cart payload: %w", err)
	}

	reference := "chk-" + shortuuid.New()
	checkout := &models.PendingCheckout{
		Reference: reference,
		UserID:    userID,
		Payload:   string(payload),
		Amount:    prep.finalAmount,
		CreatedAt: time.Now(),
	}
	if err := s.store.DB().WithContext(ctx).Create(checkout).Error; err != nil {
		return nil, fmt.Errorf("failed to park checkout: %w", err)
	}

	result, err := s.gateway.Initialize(ctx, gateway.InitRequest{
		AmountMinor: money.MinorUnits(prep.finalAmount),
		Email:       email,
		Reference:   reference,
		CallbackURL: s.callbackURL,
		Metadata:    map[string]interface{}{"user_id": userID},
	})
	if err != nil {
		// Gateway refused before the shopper ever saw a checkout page;
		// the parked cart has no settlement to wait for.
		if derr := s.store.DB().WithContext(ctx).
			Delete(&models.PendingCheckout{}, "reference = ?", reference).Error; derr != nil {
			s.logger.Warn("Failed to discard pending checkout after init failure",
				zap.String("reference", reference), zap.Error(derr))
		}
		return nil, err
	}
	return result, nil
}

// InitializeWalletFunding creates the PENDING CREDIT ledger row a later
// reconciliation will complete, then opens the gateway transaction.
func (s *Service) InitializeWalletFunding(ctx context.Context, userID, email string, amount float64) (*gateway.InitResult, error) {
	amount = money.Round(amount)
	if amount <= 0 {
		return nil, &ValidationError{Field: "amount", Reason: "amount must be positive"}
	}

	db := s.store.DB().WithContext(ctx)
	var user models.User
	if err := db.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &ValidationError{Field: "user_id", Reason: "user not found"}
		}
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	now := time.Now()
	reference := "fund-" + shortuuid.New()
	txn := &models.WalletTransaction{
		ID:          models.NewID(),
		UserID:      userID,
		Type:        models.WalletCredit,
		Amount:      amount,
		Method:      "paystack",
		Description: "Wallet funding",
		Status:      models.PaymentStatusPending,
		Reference:   reference,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := db.Create(txn).Error; err != nil {
		return nil, fmt.Errorf("failed to create funding transaction: %w", err)
	}

	result, err := s.gateway.Initialize(ctx, gateway.InitRequest{
		AmountMinor: money.MinorUnits(amount),
		Email:       email,
		Reference:   reference,
		CallbackURL: s.callbackURL,
		Metadata:    map[string]interface{}{"user_id": userID, "purpose": "wallet_funding"},
	})
	if err != nil {
		res := db.Model(&models.WalletTransaction{}).
			Where("reference = ? AND status = ?", reference, models.PaymentStatusPending).
			Updates(map[string]interface{}{"status": models.PaymentStatusFailed, "updated_at": time.Now()})
		if res.Error != nil {
			s.logger.Warn("Failed to void funding transaction after init failure",
				zap.String("reference", reference), zap.Error(res.Error))
		}
		return nil, err
	}
	return result, nil
}

// StaleReferences lists references still PENDING past the cutoff; the
// sweep job re-runs reconciliation for each.
func (s *Service) StaleReferences(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	cutoff := time.Now().Add(-olderThan)
	db := s.store.DB().WithContext(ctx)

	var refs []string
	err := db.Model(&models.WalletTransaction{}).
		Where("status = ? AND created_at < ?", models.PaymentStatusPending, cutoff).
		Order("created_at").
		Limit(limit).
		Pluck("reference", &refs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale wallet transactions: %w", err)
	}

	var checkoutRefs []string
	err = db.Model(&models.PendingCheckout{}).
		Where("created_at < ?", cutoff).
		Order("created_at").
		Limit(limit).
		Pluck("reference", &checkoutRefs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale checkouts: %w", err)
	}

	var orderRefs []string
	err = db.Model(&models.Order{}).
		Where("payment_status = ? AND transaction_id IS NOT NULL AND created_at < ?", models.PaymentStatusPending, cutoff).
		Order("created_at").
		Limit(limit).
		Pluck("transaction_id", &orderRefs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale orders: %w", err)
	}

	return append(append(refs, checkoutRefs...), orderRefs...), nil
}
