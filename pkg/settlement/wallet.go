package settlement

import (
	"fmt"
	"time"

	"github.com/example/freshmart/pkg/models"
	"github.com/example/freshmart/pkg/money"
	"gorm.io/gorm"
)

// Ledger discipline: every mutation of User.WalletBalance pairs, in the
// same atomic unit, with exactly one COMPLETED WalletTransaction row whose
// reference is unique. Balance reads come from the denormalized field;
// the ledger is the audit trail, never recomputed per request.

// orderWalletReference is the deterministic reference for the wallet
// debit applied at order creation.
func orderWalletReference(orderID string) string {
	return fmt.Sprintf("order:%s:wallet", orderID)
}

// referralReference derives per-side references from the referral id so
// retried writes dedupe on the unique constraint.
func referralReference(referralID, role string) string {
	return fmt.Sprintf("referral:%s:%s", referralID, role)
}

// creditWallet applies a fresh completed credit: balance increment first,
// then the ledger row. txn.Reference must be unique.
func creditWallet(tx *gorm.DB, txn *models.WalletTransaction) error {
	txn.Amount = money.Round(txn.Amount)

	res := tx.Model(&models.User{}).
		Where("id = ?", txn.UserID).
		UpdateColumn("wallet_balance", gorm.Expr("wallet_balance + ?", txn.Amount))
	if res.Error != nil {
		return fmt.Errorf("failed to credit wallet for user %s: %w", txn.UserID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("user %s: %w", txn.UserID, ErrOrphanedReference)
	}

	now := time.Now()
	if txn.ID == "" {
		txn.ID = models.NewID()
	}
	txn.Type = models.WalletCredit
	txn.Status = models.PaymentStatusCompleted
	txn.CreatedAt = now
	txn.UpdatedAt = now
	if err := tx.Create(txn).Error; err != nil {
		return fmt.Errorf("failed to append credit ledger row %s: %w", txn.Reference, err)
	}
	return nil
}

// debitWallet applies a completed debit guarded against concurrent spends:
// the decrement only succeeds while the balance still covers the amount.
func debitWallet(tx *gorm.DB, txn *models.WalletTransaction) error {
	txn.Amount = money.Round(txn.Amount)

	res := tx.Model(&models.User{}).
		Where("id = ? AND wallet_balance >= ?", txn.UserID, txn.Amount).
		UpdateColumn("wallet_balance", gorm.Expr("wallet_balance - ?", txn.Amount))
	if res.Error != nil {
		return fmt.Errorf("failed to debit wallet for user %s: %w", txn.UserID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientFunds
	}

	now := time.Now()
	if txn.ID == "" {
		txn.ID = models.NewID()
	}
	txn.Type = models.WalletDebit
	txn.Status = models.PaymentStatusCompleted
	txn.CreatedAt = now
	txn.UpdatedAt = now
	if err := tx.Create(txn).Error; err != nil {
		return fmt.Errorf("failed to append debit ledger row %s: %w", txn.Reference, err)
	}
	return nil
}
