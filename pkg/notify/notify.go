// Package notify delivers the fire-and-forget side effects of settlement:
// in-app notification rows and best-effort emails. Nothing here may fail
// an enclosing financial operation, so side effects are queued during
// settlement and dispatched only after the commit.
package notify

import (
	"context"
	"time"

	"github.com/example/freshmart/pkg/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Notifier is the in-app notification sink.
type Notifier interface {
	Notify(ctx context.Context, n *models.Notification) error
}

// Mailer is the external email collaborator; delivery is out of scope and
// failures are logged, never propagated.
type Mailer interface {
	SendOrderConfirmation(ctx context.Context, email string, order *models.Order) error
	SendAdminOrderNotification(ctx context.Context, order *models.Order) error
}

// StoreNotifier persists notifications as rows the storefront polls.
type StoreNotifier struct {
	db *gorm.DB
}

func NewStoreNotifier(db *gorm.DB) *StoreNotifier {
	return &StoreNotifier{db: db}
}

func (s *StoreNotifier) Notify(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = models.NewID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(n).Error
}

// LogMailer stands in for the hosted email service in deployments where it
// is not configured.
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendOrderConfirmation(ctx context.Context, email string, order *models.Order) error {
	m.logger.Info("Order confirmation email",
		zap.String("email", email),
		zap.String("order_id", order.ID),
		zap.Float64("final_amount", order.FinalAmount))
	return nil
}

func (m *LogMailer) SendAdminOrderNotification(ctx context.Context, order *models.Order) error {
	m.logger.Info("Admin order notification",
		zap.String("order_id", order.ID),
		zap.Float64("final_amount", order.FinalAmount))
	return nil
}

type emailKind int

const (
	emailOrderConfirmation emailKind = iota
	emailAdminOrder
)

type emailJob struct {
	kind  emailKind
	email string
	order *models.Order
}

// Batch accumulates side effects during a settlement.
type Batch struct {
	notifications []*models.Notification
	emails        []emailJob
}

func (b *Batch) Push(n *models.Notification) {
	b.notifications = append(b.notifications, n)
}

func (b *Batch) PushOrderConfirmation(email string, order *models.Order) {
	b.emails = append(b.emails, emailJob{kind: emailOrderConfirmation, email: email, order: order})
}

func (b *Batch) PushAdminOrderNotification(order *models.Order) {
	b.emails = append(b.emails, emailJob{kind: emailAdminOrder, order: order})
}

func (b *Batch) Empty() bool {
	return b == nil || (len(b.notifications) == 0 && len(b.emails) == 0)
}

// Dispatcher flushes batches post-commit. Failures are logged and dropped.
type Dispatcher struct {
	notifier Notifier
	mailer   Mailer
	logger   *zap.Logger
}

func NewDispatcher(notifier Notifier, mailer Mailer, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{notifier: notifier, mailer: mailer, logger: logger}
}

func (d *Dispatcher) Dispatch(ctx context.Context, batch *Batch) {
	if batch.Empty() {
		return
	}
	for _, n := range batch.notifications {
		if d.notifier == nil {
			continue
		}
		if err := d.notifier.Notify(ctx, n); err != nil {
			d.logger.Warn("Failed to deliver notification",
				zap.String("user_id", n.UserID),
				zap.String("type", n.Type),
				zap.Error(err))
		}
	}
	for _, job := range batch.emails {
		if d.mailer == nil {
			continue
		}
		var err error
		switch job.kind {
		case emailOrderConfirmation:
			err = d.mailer.SendOrderConfirmation(ctx, job.email, job.order)
		case emailAdminOrder:
			err = d.mailer.SendAdminOrderNotification(ctx, job.order)
		}
		if err != nil {
			d.logger.Warn("Failed to send email",
				zap.String("order_id", job.order.ID),
				zap.Error(err))
		}
	}
}
