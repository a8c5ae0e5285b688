// Package settlement implements the order settlement and
// ledger-consistency core: turning validated carts into durable orders,
// reconciling gateway references at most once, and keeping the wallet and
// points ledgers paired with their running balances.
package settlement

import (
	"context"

	"github.com/example/freshmart/pkg/gateway"
	"github.com/example/freshmart/pkg/models"
	"github.com/example/freshmart/pkg/notify"
	"github.com/example/freshmart/pkg/repository"
	"github.com/example/freshmart/pkg/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

type Service struct {
	store       *store.Store
	gateway     gateway.Client
	cache       *repository.RedisRepository
	audit       *repository.MongoRepository
	dispatcher  *notify.Dispatcher
	callbackURL string
	logger      *zap.Logger
}

// New wires the settlement core. cache and audit may be nil; both are
// best-effort collaborators and never fail a financial operation.
func New(
	st *store.Store,
	gw gateway.Client,
	cache *repository.RedisRepository,
	audit *repository.MongoRepository,
	dispatcher *notify.Dispatcher,
	callbackURL string,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dispatcher == nil {
		dispatcher = notify.NewDispatcher(nil, nil, logger)
	}
	return &Service{
		store:       st,
		gateway:     gw,
		cache:       cache,
		audit:       audit,
		dispatcher:  dispatcher,
		callbackURL: callbackURL,
		logger:      logger,
	}
}

func (s *Service) Store() *store.Store {
	return s.store
}

// AuditTrail lists the most recent audit entries for an entity, newest
// first. Deployments without audit storage get an empty trail.
func (s *Service) AuditTrail(ctx context.Context, entityID string, limit int64) ([]*repository.AuditLog, error) {
	if s.audit == nil {
		return nil, nil
	}
	return s.audit.GetAuditLogs(ctx, entityID, limit)
}

func (s *Service) auditLog(action, entityID, reference string, data bson.M) {
	if s.audit == nil {
		return
	}
	log := &repository.AuditLog{
		Action:    action,
		EntityID:  entityID,
		Reference: reference,
		Data:      data,
	}
	go func() {
		if err := s.audit.CreateAuditLog(context.Background(), log); err != nil {
			s.logger.Warn("Failed to write audit log",
				zap.String("action", action),
				zap.String("entity_id", entityID),
				zap.Error(err))
		}
	}()
}

func (s *Service) cacheOrder(ctx context.Context, order *models.Order) {
	if s.cache == nil {
		return
	}
	err := s.cache.CacheOrder(ctx, &repository.OrderSummary{
		ID:            order.ID,
		UserID:        order.UserID,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		FinalAmount:   order.FinalAmount,
	})
	if err != nil {
		s.logger.Debug("Failed to cache order", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func (s *Service) invalidateOrder(ctx context.Context, orderID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateOrder(ctx, orderID); err != nil {
		s.logger.Debug("Failed to invalidate order cache", zap.String("order_id", orderID), zap.Error(err))
	}
}
