package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/freshmart/pkg/models"
	"github.com/example/freshmart/pkg/money"
	"github.com/example/freshmart/pkg/notify"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AwardFirstPurchaseBonus pays a one-time bonus to both referrer and
// referee when the referee's exactly-first order completes. The
// conditional null-check update on the Referral row is the claim: only
// one caller can set FirstPurchaseBonusPaidAt, so concurrent triggers
// cannot double-pay. The claim runs inside the same atomic unit as the
// credits, which closes the crash window between claim and payout; in the
// non-transactional fallback that window reopens and is logged.
func (s *Service) AwardFirstPurchaseBonus(ctx context.Context, orderID string) error {
	db := s.store.DB().WithContext(ctx)

	var order models.Order
	if err := db.First(&order, "id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("order %s: %w", orderID, ErrOrphanedReference)
		}
		return fmt.Errorf("failed to load order %s: %w", orderID, err)
	}

	var user models.User
	if err := db.First(&user, "id = ?", order.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Error("Order belongs to a missing user",
				zap.String("order_id", orderID),
				zap.String("user_id", order.UserID))
			return fmt.Errorf("user %s: %w", order.UserID, ErrOrphanedReference)
		}
		return fmt.Errorf("failed to load user %s: %w", order.UserID, err)
	}

	// Precondition chain; each miss is a silent no-op, not an error.
	if user.ReferredBy == nil {
		return nil
	}

	var referral models.Referral
	err := db.Where("referrer_id = ? AND referred_email = ?", *user.ReferredBy, user.Email).
		First(&referral).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load referral: %w", err)
	}
	if referral.FirstPurchaseBonusPaidAt != nil {
		return nil
	}

	var completed int64
	err = db.Model(&models.Order{}).
		Where("user_id = ? AND payment_status = ?", user.ID, models.PaymentStatusCompleted).
		Count(&completed).Error
	if err != nil {
		return fmt.Errorf("failed to count completed orders: %w", err)
	}
	if completed != 1 {
		return nil
	}

	rs, err := s.ActiveReferralSettings(ctx)
	if err != nil {
		return err
	}
	if rs == nil || !rs.Active || rs.FirstPurchaseBonus <= 0 {
		return nil
	}
	bonus := money.Round(rs.FirstPurchaseBonus)

	if !s.store.Transactional() {
		s.logger.Warn("Referral bonus running without transaction; a crash after the claim loses the payout",
			zap.String("referral_id", referral.ID))
	}

	batch := &notify.Batch{}
	now := time.Now()
	err = s.store.Run(ctx, func(tx *gorm.DB) error {
		// Claim: succeeds for exactly one caller. A plain read-then-write
		// would leave a race window here.
		res := tx.Model(&models.Referral{}).
			Where("id = ? AND first_purchase_bonus_paid_at IS NULL", referral.ID).
			Updates(map[string]interface{}{
				"first_purchase_bonus_paid_at": now,
				"reward_amount":                bonus,
				"updated_at":                   now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to claim referral bonus: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errClaimLost
		}

		err := creditWallet(tx, &models.WalletTransaction{
			UserID:      referral.ReferrerID,
			Amount:      bonus,
			Method:      "referral",
			Description: fmt.Sprintf("Referral bonus for %s", user.Email),
			Reference:   referralReference(referral.ID, "referrer"),
		})
		if err != nil {
			return err
		}
		err = creditWallet(tx, &models.WalletTransaction{
			UserID:      user.ID,
			Amount:      bonus,
			Method:      "referral",
			Description: "First purchase referral bonus",
			Reference:   referralReference(referral.ID, "referee"),
		})
		if err != nil {
			return err
		}

		batch.Push(&models.Notification{
			UserID:  referral.ReferrerID,
			Title:   "Referral bonus earned",
			Message: fmt.Sprintf("₦%.2f was added to your wallet: your referral made their first purchase.", bonus),
			Type:    "referral",
		})
		batch.Push(&models.Notification{
			UserID:  user.ID,
			Title:   "Welcome bonus",
			Message: fmt.Sprintf("₦%.2f was added to your wallet for your first purchase.", bonus),
			Type:    "referral",
		})
		return nil
	})
	if errors.Is(err, errClaimLost) {
		return nil
	}
	if err != nil {
		return err
	}

	s.dispatcher.Dispatch(ctx, batch)
	s.auditLog("referral_bonus", referral.ID, "", bson.M{
		"referrer_id": referral.ReferrerID,
		"referee_id":  user.ID,
		"amount":      bonus,
	})
	return nil
}
