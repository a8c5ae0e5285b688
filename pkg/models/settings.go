package models

import (
	"time"
)

// Settings rows are append-only; the most recently created active row wins.

type PointsSettings struct {
	ID                 string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Active             bool      `gorm:"not null;default:true" json:"active"`
	AmountThreshold    float64   `gorm:"type:decimal(10,2);not null" json:"amount_threshold"`
	PointsPerThreshold int       `gorm:"not null" json:"points_per_threshold"`
	CreatedAt          time.Time `gorm:"index" json:"created_at"`
}

func (PointsSettings) TableName() string {
	return "points_settings"
}

type ReferralSettings struct {
	ID                 string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Active             bool      `gorm:"not null;default:true" json:"active"`
	SignupPoints       int       `gorm:"not null;default:0" json:"signup_points"`
	FirstPurchaseBonus float64   `gorm:"type:decimal(10,2);not null;default:0" json:"first_purchase_bonus"`
	CreatedAt          time.Time `gorm:"index" json:"created_at"`
}

func (ReferralSettings) TableName() string {
	return "referral_settings"
}

type DeliverySettings struct {
	ID           string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Active       bool      `gorm:"not null;default:true" json:"active"`
	Region       string    `gorm:"type:varchar(100);not null" json:"region"`
	Fee          float64   `gorm:"type:decimal(10,2);not null" json:"fee"`
	SlotCapacity int       `gorm:"not null;default:0" json:"slot_capacity"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

func (DeliverySettings) TableName() string {
	return "delivery_settings"
}

type Notification struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID    string    `gorm:"type:varchar(36);not null;index" json:"user_id"`
	Title     string    `gorm:"type:varchar(150);not null" json:"title"`
	Message   string    `gorm:"type:varchar(500);not null" json:"message"`
	Type      string    `gorm:"type:varchar(30);not null" json:"type"`
	OrderID   *string   `gorm:"type:varchar(36)" json:"order_id,omitempty"`
	Read      bool      `gorm:"not null;default:false" json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

func (Notification) TableName() string {
	return "notifications"
}
