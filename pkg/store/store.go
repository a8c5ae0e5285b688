// Package store owns database bootstrap and the atomicity strategy for
// multi-row settlement writes.
package store

import (
	"context"
	"fmt"

	"github.com/example/freshmart/pkg/config"
	"github.com/example/freshmart/pkg/models"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

type Store struct {
	db            *gorm.DB
	transactional bool
	logger        *zap.Logger
}

func Open(cfg *config.MySQLConfig, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql.DB: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	s := New(db, !cfg.DisableTransactions, logger)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// New wraps an already-open gorm handle; tests pass sqlite here.
func New(db *gorm.DB, transactional bool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, transactional: transactional, logger: logger}
}

func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(
		&models.User{},
		&models.Product{},
		&models.ProductVariation{},
		&models.Order{},
		&models.OrderItem{},
		&models.Delivery{},
		&models.PendingCheckout{},
		&models.WalletTransaction{},
		&models.Reward{},
		&models.Referral{},
		&models.Notification{},
		&models.PointsSettings{},
		&models.ReferralSettings{},
		&models.DeliverySettings{},
	); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Transactional() bool {
	return s.transactional
}

// Run executes fn atomically when the store supports multi-statement
// transactions. Otherwise fn runs against the base handle and its writes
// apply sequentially in call order; callers must order those writes so a
// crash mid-sequence is healed by their idempotency gates, not rolled back.
func (s *Store) Run(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s.transactional {
		return s.db.WithContext(ctx).Transaction(fn)
	}
	s.logger.Debug("running settlement writes without transaction")
	return fn(s.db.WithContext(ctx))
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
