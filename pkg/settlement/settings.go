package settlement

import (
	"context"
	"errors"

	"github.com/example/freshmart/pkg/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Settings rows are latest-active-row-wins. Accessors return (nil, nil)
// when no active row exists so callers degrade to feature-off behavior.

func (s *Service) ActivePointsSettings(ctx context.Context) (*models.PointsSettings, error) {
	var cached models.PointsSettings
	if s.settingsCacheGet(ctx, "points", &cached) {
		return &cached, nil
	}
	var row models.PointsSettings
	err := s.store.DB().WithContext(ctx).
		Where("active = ?", true).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.settingsCachePut(ctx, "points", &row)
	return &row, nil
}

func (s *Service) ActiveReferralSettings(ctx context.Context) (*models.ReferralSettings, error) {
	var cached models.ReferralSettings
	if s.settingsCacheGet(ctx, "referral", &cached) {
		return &cached, nil
	}
	var row models.ReferralSettings
	err := s.store.DB().WithContext(ctx).
		Where("active = ?", true).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.settingsCachePut(ctx, "referral", &row)
	return &row, nil
}

func (s *Service) ActiveDeliverySettings(ctx context.Context) (*models.DeliverySettings, error) {
	var cached models.DeliverySettings
	if s.settingsCacheGet(ctx, "delivery", &cached) {
		return &cached, nil
	}
	var row models.DeliverySettings
	err := s.store.DB().WithContext(ctx).
		Where("active = ?", true).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.settingsCachePut(ctx, "delivery", &row)
	return &row, nil
}

func (s *Service) settingsCacheGet(ctx context.Context, kind string, dest interface{}) bool {
	if s.cache == nil {
		return false
	}
	return s.cache.GetSettingsCache(ctx, kind, dest) == nil
}

func (s *Service) settingsCachePut(ctx context.Context, kind string, value interface{}) {
	if s.cache == nil {
		return
	}
	if err := s.cache.CacheSettings(ctx, kind, value); err != nil {
		s.logger.Debug("Failed to cache settings", zap.String("kind", kind), zap.Error(err))
	}
}
