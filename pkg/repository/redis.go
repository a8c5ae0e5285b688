package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/freshmart/pkg/config"
	"github.com/go-redis/redis/v8"
)

type RedisRepository struct {
	client *redis.Client
	config *config.RedisConfig
}

func NewRedisRepository(cfg *config.RedisConfig) *RedisRepository {
	return &RedisRepository{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		}),
		config: cfg,
	}
}

func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRepository) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisRepository) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, expiration).Err()
}

func (r *RedisRepository) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), dest)
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

// OrderSummary is the cached read model for order lookups.
type OrderSummary struct {
	ID            string  `json:"id"`
	UserID        string  `json:"user_id"`
	Status        string  `json:"status"`
	PaymentStatus string  `json:"payment_status"`
	FinalAmount   float64 `json:"final_amount"`
}

func (r *RedisRepository) CacheOrder(ctx context.Context, order *OrderSummary) error {
	key := fmt.Sprintf("order:%s", order.ID)
	return r.SetJSON(ctx, key, order, 30*time.Minute)
}

func (r *RedisRepository) GetOrderCache(ctx context.Context, orderID string) (*OrderSummary, error) {
	key := fmt.Sprintf("order:%s", orderID)
	var order OrderSummary
	if err := r.GetJSON(ctx, key, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *RedisRepository) InvalidateOrder(ctx context.Context, orderID string) error {
	return r.Del(ctx, fmt.Sprintf("order:%s", orderID))
}

// Settings rows change rarely; a short TTL keeps admin edits visible
// without hitting the database on every settlement.
func (r *RedisRepository) CacheSettings(ctx context.Context, kind string, value interface{}) error {
	return r.SetJSON(ctx, fmt.Sprintf("settings:%s", kind), value, time.Minute)
}

func (r *RedisRepository) GetSettingsCache(ctx context.Context, kind string, dest interface{}) error {
	return r.GetJSON(ctx, fmt.Sprintf("settings:%s", kind), dest)
}
