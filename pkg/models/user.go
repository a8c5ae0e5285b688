package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type User struct {
	ID            string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name          string         `gorm:"type:varchar(100);not null" json:"name"`
	Email         string         `gorm:"type:varchar(100);uniqueIndex;not null" json:"email"`
	Phone         string         `gorm:"type:varchar(20)" json:"phone"`
	WalletBalance float64        `gorm:"type:decimal(10,2);not null;default:0" json:"wallet_balance"`
	Points        int            `gorm:"not null;default:0" json:"points"`
	ReferredBy    *string        `gorm:"type:varchar(36);index" json:"referred_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

func (User) TableName() string {
	return "users"
}

func NewID() string {
	return uuid.New().String()
}
