package models

import (
	"time"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusConfirmed  OrderStatus = "CONFIRMED"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusOnDelivery OrderStatus = "ON_DELIVERY"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
)

type Order struct {
	ID             string        `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID         string        `gorm:"type:varchar(36);not null;index" json:"user_id"`
	Status         OrderStatus   `gorm:"type:varchar(20);not null;default:'PENDING'" json:"status"`
	PaymentStatus  PaymentStatus `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"payment_status"`
	TotalAmount    float64       `gorm:"type:decimal(10,2);not null" json:"total_amount"`
	DeliveryFee    float64       `gorm:"type:decimal(10,2);not null" json:"delivery_fee"`
	DiscountAmount float64       `gorm:"type:decimal(10,2);not null;default:0" json:"discount_amount"`
	FinalAmount    float64       `gorm:"type:decimal(10,2);not null" json:"final_amount"`
	PaymentMethod  string        `gorm:"type:varchar(30);not null" json:"payment_method"`
	TransactionID  *string       `gorm:"type:varchar(100);index" json:"transaction_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

// OrderItem snapshots the product at purchase time. Rows are immutable
// after creation so later catalog edits cannot drift historical orders.
type OrderItem struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OrderID     string    `gorm:"type:varchar(36);not null;index" json:"order_id"`
	ProductID   string    `gorm:"type:varchar(36);not null" json:"product_id"`
	VariationID *string   `gorm:"type:varchar(36)" json:"variation_id,omitempty"`
	Name        string    `gorm:"type:varchar(150);not null" json:"name"`
	Quantity    int       `gorm:"not null" json:"quantity"`
	UnitPrice   float64   `gorm:"type:decimal(10,2);not null" json:"unit_price"`
	TotalPrice  float64   `gorm:"type:decimal(10,2);not null" json:"total_price"`
	CreatedAt   time.Time `json:"created_at"`
}

func (OrderItem) TableName() string {
	return "order_items"
}

type Delivery struct {
	ID             string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OrderID        string    `gorm:"type:varchar(36);not null;uniqueIndex" json:"order_id"`
	ScheduledDate  time.Time `gorm:"not null;index" json:"scheduled_date"`
	TimeSlot       string    `gorm:"type:varchar(30);not null" json:"time_slot"`
	Address        string    `gorm:"type:varchar(255);not null" json:"address"`
	City           string    `gorm:"type:varchar(100)" json:"city"`
	Region         string    `gorm:"type:varchar(100);not null" json:"region"`
	TrackingNumber string    `gorm:"type:varchar(40)" json:"tracking_number"`
	Status         string    `gorm:"type:varchar(20);not null;default:'SCHEDULED'" json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Delivery) TableName() string {
	return "deliveries"
}

// PendingCheckout holds a serialized cart between gateway initialization
// and payment confirmation so unpaid orders are never created. The row is
// consumed (deleted) exactly once when its reference settles.
type PendingCheckout struct {
	Reference string    `gorm:"primaryKey;type:varchar(100)" json:"reference"`
	UserID    string    `gorm:"type:varchar(36);not null;index" json:"user_id"`
	Payload   string    `gorm:"type:text;not null" json:"payload"`
	Amount    float64   `gorm:"type:decimal(10,2);not null" json:"amount"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (PendingCheckout) TableName() string {
	return "pending_checkouts"
}
