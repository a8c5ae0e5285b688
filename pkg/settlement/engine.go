package settlement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/example/freshmart/pkg/models"
	"github.com/example/freshmart/pkg/money"
	"github.com/example/freshmart/pkg/notify"
	"github.com/lithammer/shortuuid/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Client and server both round to 2dp, but independently; differences past
// this tolerance are logged as a monitoring signal, never rejected.
const subtotalDriftTolerance = 0.05

type ItemInput struct {
	ProductID   string  `json:"product_id"`
	VariationID string  `json:"variation_id,omitempty"`
	Quantity    float64 `json:"quantity"`
}

type DeliveryInput struct {
	Address  string `json:"address"`
	City     string `json:"city,omitempty"`
	Region   string `json:"region"`
	Date     string `json:"date,omitempty"` // 2006-01-02
	TimeSlot string `json:"time_slot,omitempty"`
}

// CreateOrderInput is the cart payload. It round-trips through JSON when
// parked in a PendingCheckout, so every field carries a tag.
type CreateOrderInput struct {
	Items            []ItemInput   `json:"items"`
	DeclaredSubtotal float64       `json:"declared_subtotal,omitempty"`
	Delivery         DeliveryInput `json:"delivery"`
	PaymentMethod    string        `json:"payment_method"`
	UseWallet        bool          `json:"use_wallet,omitempty"`
	WalletDeduction  float64       `json:"wallet_deduction,omitempty"`
	DiscountAmount   float64       `json:"discount_amount,omitempty"`
}

type orderOptions struct {
	// preConfirmed marks the order paid at creation: wallet-only orders
	// and orders materialized from a settled PendingCheckout.
	preConfirmed  bool
	transactionID string

	// lenientStock skips stock rejection. Used only when payment has
	// already been captured; refusing the order would lose money.
	lenientStock bool
}

type pricedItem struct {
	input     ItemInput
	quantity  int
	name      string
	variation *models.ProductVariation
	unitPrice float64
	lineTotal float64
}

type orderPrep struct {
	user            *models.User
	input           *CreateOrderInput
	opts            orderOptions
	items           []pricedItem
	subtotal        float64
	deliveryFee     float64
	discount        float64
	walletDeduction float64
	finalAmount     float64
	scheduledDate   time.Time
	slotCapacity    int
	points          int
}

// CreateOrder validates the cart against authoritative product data and
// writes the Order/OrderItem/Delivery aggregate, wallet debit and points
// award as one atomic unit. Returns the new order id.
func (s *Service) CreateOrder(ctx context.Context, userID string, in *CreateOrderInput) (string, error) {
	prep, err := s.prepareOrder(ctx, userID, in, orderOptions{})
	if err != nil {
		return "", err
	}

	if in.PaymentMethod == "wallet" && in.UseWallet {
		// Wallet-only orders settle synchronously, and only when the
		// deduction covers the whole charge. COMPLETED always means the
		// full finalAmount was collected.
		if prep.finalAmount > 0 {
			return "", &ValidationError{Field: "wallet_deduction", Reason: "wallet deduction must cover the full order amount"}
		}
		prep.opts.preConfirmed = true
	}

	batch := &notify.Batch{}
	var order *models.Order
	err = s.store.Run(ctx, func(tx *gorm.DB) error {
		var werr error
		order, werr = s.writeOrder(tx, prep, batch)
		return werr
	})
	if err != nil {
		return "", err
	}

	s.finishOrder(ctx, order, batch)
	return order.ID, nil
}

// finishOrder runs the post-commit side effects: notifications, cache,
// audit. None of them can fail the settlement that already committed.
func (s *Service) finishOrder(ctx context.Context, order *models.Order, batch *notify.Batch) {
	s.dispatcher.Dispatch(ctx, batch)
	s.cacheOrder(ctx, order)
	s.auditLog("create_order", order.ID, deref(order.TransactionID), bson.M{
		"user_id":      order.UserID,
		"final_amount": order.FinalAmount,
		"status":       string(order.Status),
	})
}

func (s *Service) prepareOrder(ctx context.Context, userID string, in *CreateOrderInput, opts orderOptions) (*orderPrep, error) {
	if len(in.Items) == 0 {
		return nil, &ValidationError{Field: "items", Reason: "order must contain at least one item"}
	}
	if strings.TrimSpace(in.Delivery.Address) == "" {
		return nil, &ValidationError{Field: "delivery.address", Reason: "delivery address is required"}
	}

	db := s.store.DB().WithContext(ctx)

	var user models.User
	if err := db.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if opts.lenientStock {
				return nil, fmt.Errorf("user %s: %w", userID, ErrOrphanedReference)
			}
			return nil, &ValidationError{Field: "user_id", Reason: "user not found"}
		}
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	ds, err := s.ActiveDeliverySettings(ctx)
	if err != nil {
		return nil, err
	}
	var deliveryFee float64
	var slotCapacity int
	if ds != nil {
		// Client region claims are untrusted; re-validate here even
		// though the storefront already checked. Settled checkouts are
		// exempt: their payload was validated before payment was taken.
		if !opts.lenientStock && !strings.EqualFold(strings.TrimSpace(in.Delivery.Region), ds.Region) {
			return nil, &ValidationError{Field: "delivery.region", Reason: fmt.Sprintf("delivery is only available in %s", ds.Region)}
		}
		deliveryFee = money.Round(ds.Fee)
		slotCapacity = ds.SlotCapacity
	}

	scheduledDate, err := parseDeliveryDate(in.Delivery.Date)
	if err != nil {
		return nil, err
	}

	items, subtotal, err := s.priceItems(db, in.Items, opts.lenientStock)
	if err != nil {
		return nil, err
	}

	if in.DeclaredSubtotal > 0 && math.Abs(in.DeclaredSubtotal-subtotal) > subtotalDriftTolerance {
		s.logger.Warn("Cart subtotal drift",
			zap.String("user_id", userID),
			zap.Float64("declared", in.DeclaredSubtotal),
			zap.Float64("computed", subtotal),
			zap.Float64("drift", money.Round(in.DeclaredSubtotal-subtotal)))
	}

	walletDeduction := 0.0
	if in.UseWallet && in.WalletDeduction > 0 {
		walletDeduction = money.Round(in.WalletDeduction)
		// Fast pre-check for a friendly error; the debit itself
		// re-verifies at write time against concurrent spends.
		if user.WalletBalance < walletDeduction {
			return nil, ErrInsufficientFunds
		}
	}

	discount := money.Round(math.Max(0, in.DiscountAmount))
	finalAmount := money.Round(subtotal + deliveryFee - discount - walletDeduction)
	if finalAmount < 0 {
		finalAmount = 0
	}

	ps, err := s.ActivePointsSettings(ctx)
	if err != nil {
		return nil, err
	}

	return &orderPrep{
		user:            &user,
		input:           in,
		opts:            opts,
		items:           items,
		subtotal:        subtotal,
		deliveryFee:     deliveryFee,
		discount:        discount,
		walletDeduction: walletDeduction,
		finalAmount:     finalAmount,
		scheduledDate:   scheduledDate,
		slotCapacity:    slotCapacity,
		// Points accrue on the pre-discount merchandise total.
		points: money.PointsForAmount(subtotal, ps),
	}, nil
}

// priceItems re-fetches authoritative product records and recomputes every
// line total; client-declared prices are never trusted.
func (s *Service) priceItems(db *gorm.DB, inputs []ItemInput, lenient bool) ([]pricedItem, float64, error) {
	items := make([]pricedItem, 0, len(inputs))
	var subtotal float64

	for _, in := range inputs {
		quantity := int(math.Floor(in.Quantity))
		if quantity < 1 {
			quantity = 1
		}

		var product models.Product
		if err := db.First(&product, "id = ?", in.ProductID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				if lenient {
					return nil, 0, fmt.Errorf("product %s: %w", in.ProductID, ErrOrphanedReference)
				}
				return nil, 0, &ValidationError{Field: "items", Reason: fmt.Sprintf("product %s no longer exists", in.ProductID)}
			}
			return nil, 0, fmt.Errorf("failed to load product %s: %w", in.ProductID, err)
		}

		item := pricedItem{
			input:     in,
			quantity:  quantity,
			name:      product.Name,
			unitPrice: product.Price,
		}
		available := product.Available
		stock := product.Stock

		if in.VariationID != "" {
			var variation models.ProductVariation
			if err := db.First(&variation, "id = ? AND product_id = ?", in.VariationID, in.ProductID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					if lenient {
						return nil, 0, fmt.Errorf("variation %s: %w", in.VariationID, ErrOrphanedReference)
					}
					return nil, 0, &ValidationError{Field: "items", Reason: fmt.Sprintf("variation %s no longer exists", in.VariationID)}
				}
				return nil, 0, fmt.Errorf("failed to load variation %s: %w", in.VariationID, err)
			}
			item.variation = &variation
			item.name = fmt.Sprintf("%s (%s)", product.Name, variation.Name)
			item.unitPrice = variation.Price
			available = available && variation.Available
			stock = variation.Stock
		}

		if !lenient {
			if !available {
				return nil, 0, &StockError{ProductID: product.ID, Name: item.name, Requested: quantity, Available: -1}
			}
			if stock < quantity {
				return nil, 0, &StockError{ProductID: product.ID, Name: item.name, Requested: quantity, Available: stock}
			}
		}

		item.lineTotal = money.Round(item.unitPrice * float64(quantity))
		items = append(items, item)
		subtotal = money.Round(subtotal + item.lineTotal)
	}

	return items, subtotal, nil
}

func (s *Service) writeOrder(tx *gorm.DB, prep *orderPrep, batch *notify.Batch) (*models.Order, error) {
	now := time.Now()
	in := prep.input

	// Claim stock first; the conditional decrement is the race guard, the
	// earlier read was only for friendly errors.
	for _, item := range prep.items {
		if err := claimStock(tx, &item, prep.opts.lenientStock); err != nil {
			return nil, err
		}
	}

	order := &models.Order{
		ID:             models.NewID(),
		UserID:         prep.user.ID,
		Status:         models.OrderStatusPending,
		PaymentStatus:  models.PaymentStatusPending,
		TotalAmount:    prep.subtotal,
		DeliveryFee:    prep.deliveryFee,
		DiscountAmount: prep.discount,
		FinalAmount:    prep.finalAmount,
		PaymentMethod:  in.PaymentMethod,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if prep.opts.preConfirmed {
		order.Status = models.OrderStatusConfirmed
		order.PaymentStatus = models.PaymentStatusCompleted
	}
	if prep.opts.transactionID != "" {
		ref := prep.opts.transactionID
		order.TransactionID = &ref
	}
	if err := tx.Create(order).Error; err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	for _, item := range prep.items {
		row := &models.OrderItem{
			ID:         models.NewID(),
			OrderID:    order.ID,
			ProductID:  item.input.ProductID,
			Name:       item.name,
			Quantity:   item.quantity,
			UnitPrice:  money.Round(item.unitPrice),
			TotalPrice: item.lineTotal,
			CreatedAt:  now,
		}
		if item.variation != nil {
			id := item.variation.ID
			row.VariationID = &id
		}
		if err := tx.Create(row).Error; err != nil {
			return nil, fmt.Errorf("failed to create order item: %w", err)
		}
	}

	if err := s.writeDelivery(tx, order, prep, batch, now); err != nil {
		return nil, err
	}

	if prep.walletDeduction > 0 {
		orderID := order.ID
		err := debitWallet(tx, &models.WalletTransaction{
			UserID:      prep.user.ID,
			Amount:      prep.walletDeduction,
			Method:      "wallet",
			Description: fmt.Sprintf("Wallet payment for order %s", order.ID),
			Reference:   orderWalletReference(order.ID),
			OrderID:     &orderID,
		})
		if err != nil {
			return nil, err
		}
	}

	if prep.points > 0 {
		orderID := order.ID
		reward := &models.Reward{
			ID:          models.NewID(),
			UserID:      prep.user.ID,
			Points:      prep.points,
			Description: fmt.Sprintf("Points earned on order %s", order.ID),
			Type:        models.RewardPurchase,
			OrderID:     &orderID,
			CreatedAt:   now,
		}
		if err := tx.Create(reward).Error; err != nil {
			return nil, fmt.Errorf("failed to append reward row: %w", err)
		}
		res := tx.Model(&models.User{}).
			Where("id = ?", prep.user.ID).
			UpdateColumn("points", gorm.Expr("points + ?", prep.points))
		if res.Error != nil {
			return nil, fmt.Errorf("failed to award points: %w", res.Error)
		}
	}

	orderID := order.ID
	batch.Push(&models.Notification{
		UserID:  prep.user.ID,
		Title:   "Order placed",
		Message: fmt.Sprintf("Your order of ₦%.2f has been placed.", order.FinalAmount),
		Type:    "order",
		OrderID: &orderID,
	})
	batch.PushOrderConfirmation(prep.user.Email, order)
	batch.PushAdminOrderNotification(order)

	return order, nil
}

func (s *Service) writeDelivery(tx *gorm.DB, order *models.Order, prep *orderPrep, batch *notify.Batch, now time.Time) error {
	scheduled := prep.scheduledDate
	slot := prep.input.Delivery.TimeSlot

	if prep.slotCapacity > 0 {
		// Count-then-create is an accepted race: two concurrent orders can
		// both land on the last slot. The cost is an overbooked slot and a
		// missed reschedule notice, which dispatch resolves by hand; no
		// money depends on this check.
		var booked int64
		err := tx.Model(&models.Delivery{}).
			Where("scheduled_date = ? AND time_slot = ?", scheduled, slot).
			Count(&booked).Error
		if err != nil {
			return fmt.Errorf("failed to count deliveries: %w", err)
		}
		if booked >= int64(prep.slotCapacity) {
			scheduled = scheduled.AddDate(0, 0, 1)
			orderID := order.ID
			batch.Push(&models.Notification{
				UserID:  order.UserID,
				Title:   "Delivery rescheduled",
				Message: fmt.Sprintf("Your chosen slot was full; delivery moved to %s.", scheduled.Format("2006-01-02")),
				Type:    "delivery",
				OrderID: &orderID,
			})
		}
	}

	delivery := &models.Delivery{
		ID:             models.NewID(),
		OrderID:        order.ID,
		ScheduledDate:  scheduled,
		TimeSlot:       slot,
		Address:        prep.input.Delivery.Address,
		City:           prep.input.Delivery.City,
		Region:         prep.input.Delivery.Region,
		TrackingNumber: "TRK-" + strings.ToUpper(shortuuid.New()[:10]),
		Status:         "SCHEDULED",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.Create(delivery).Error; err != nil {
		return fmt.Errorf("failed to create delivery: %w", err)
	}
	return nil
}

func claimStock(tx *gorm.DB, item *pricedItem, lenient bool) error {
	if item.variation != nil {
		query := tx.Model(&models.ProductVariation{})
		if lenient {
			query = query.Where("id = ?", item.variation.ID)
		} else {
			query = query.Where("id = ? AND stock >= ?", item.variation.ID, item.quantity)
		}
		res := query.UpdateColumn("stock", gorm.Expr("stock - ?", item.quantity))
		if res.Error != nil {
			return fmt.Errorf("failed to claim variation stock: %w", res.Error)
		}
		if res.RowsAffected == 0 && !lenient {
			return &StockError{ProductID: item.input.ProductID, Name: item.name, Requested: item.quantity, Available: readVariationStock(tx, item.variation.ID)}
		}
		return nil
	}

	query := tx.Model(&models.Product{})
	if lenient {
		query = query.Where("id = ?", item.input.ProductID)
	} else {
		query = query.Where("id = ? AND stock >= ? AND available = ?", item.input.ProductID, item.quantity, true)
	}
	res := query.UpdateColumn("stock", gorm.Expr("stock - ?", item.quantity))
	if res.Error != nil {
		return fmt.Errorf("failed to claim stock: %w", res.Error)
	}
	if res.RowsAffected == 0 && !lenient {
		return &StockError{ProductID: item.input.ProductID, Name: item.name, Requested: item.quantity, Available: readProductStock(tx, item.input.ProductID)}
	}
	return nil
}

func readProductStock(tx *gorm.DB, productID string) int {
	var product models.Product
	if err := tx.First(&product, "id = ?", productID).Error; err != nil {
		return 0
	}
	if !product.Available {
		return -1
	}
	return product.Stock
}

func readVariationStock(tx *gorm.DB, variationID string) int {
	var variation models.ProductVariation
	if err := tx.First(&variation, "id = ?", variationID).Error; err != nil {
		return 0
	}
	if !variation.Available {
		return -1
	}
	return variation.Stock
}

func parseDeliveryDate(raw string) (time.Time, error) {
	if raw == "" {
		// Next-day delivery is the storefront default.
		t := time.Now().AddDate(0, 0, 1)
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, &ValidationError{Field: "delivery.date", Reason: "date must be YYYY-MM-DD"}
	}
	return t, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
