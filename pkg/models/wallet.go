package models

import (
	"time"
)

type WalletTransactionType string

const (
	WalletCredit WalletTransactionType = "CREDIT"
	WalletDebit  WalletTransactionType = "DEBIT"
)

// WalletTransaction is an append-only ledger row. Every change to
// User.WalletBalance must have exactly one corresponding COMPLETED row,
// and a Reference moves PENDING->COMPLETED or PENDING->FAILED at most once.
type WalletTransaction struct {
	ID          string                `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID      string                `gorm:"type:varchar(36);not null;index" json:"user_id"`
	Type        WalletTransactionType `gorm:"type:varchar(10);not null" json:"type"`
	Amount      float64               `gorm:"type:decimal(10,2);not null" json:"amount"`
	Method      string                `gorm:"type:varchar(30)" json:"method"`
	Description string                `gorm:"type:varchar(255)" json:"description"`
	Status      PaymentStatus         `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"status"`
	Reference   string                `gorm:"type:varchar(100);uniqueIndex;not null" json:"reference"`
	OrderID     *string               `gorm:"type:varchar(36);index" json:"order_id,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

func (WalletTransaction) TableName() string {
	return "wallet_transactions"
}

type RewardType string

const (
	RewardPurchase   RewardType = "PURCHASE"
	RewardReferral   RewardType = "REFERRAL"
	RewardConversion RewardType = "CONVERSION"
	RewardFunding    RewardType = "FUNDING"
)

// Reward is the loyalty-points ledger; User.Points is its running sum.
type Reward struct {
	ID          string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID      string     `gorm:"type:varchar(36);not null;index" json:"user_id"`
	Points      int        `gorm:"not null" json:"points"`
	Description string     `gorm:"type:varchar(255)" json:"description"`
	Type        RewardType `gorm:"type:varchar(20);not null" json:"type"`
	OrderID     *string    `gorm:"type:varchar(36)" json:"order_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (Reward) TableName() string {
	return "rewards"
}

type Referral struct {
	ID                       string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ReferrerID               string     `gorm:"type:varchar(36);not null;index" json:"referrer_id"`
	ReferredEmail            string     `gorm:"type:varchar(100);not null;index" json:"referred_email"`
	Code                     string     `gorm:"type:varchar(20);uniqueIndex;not null" json:"code"`
	IsUsed                   bool       `gorm:"not null;default:false" json:"is_used"`
	UsedAt                   *time.Time `json:"used_at,omitempty"`
	RewardAmount             float64    `gorm:"type:decimal(10,2);not null;default:0" json:"reward_amount"`
	FirstPurchaseBonusPaidAt *time.Time `json:"first_purchase_bonus_paid_at,omitempty"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

func (Referral) TableName() string {
	return "referrals"
}
