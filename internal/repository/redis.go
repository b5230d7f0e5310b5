package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wagate/internal/config"
	"wagate/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisTokenCache shares gateway tokens between processes. Entries expire
// together with the token they hold.
type RedisTokenCache struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisClient creates a Redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisTokenCache(client *redis.Client, prefix string) *RedisTokenCache {
	return &RedisTokenCache{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (r *RedisTokenCache) key(subject string) string {
	return r.prefix + subject
}

func (r *RedisTokenCache) Get(ctx context.Context, subject string) (*models.AuthToken, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, r.key(subject)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token from redis: %w", err)
	}

	var token models.AuthToken
	if err := json.Unmarshal([]byte(val), &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

func (r *RedisTokenCache) Set(ctx context.Context, token models.AuthToken) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	ttl := token.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := r.client.Set(ctx, r.key(token.Subject), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set token in redis: %w", err)
	}
	return nil
}

func (r *RedisTokenCache) Delete(ctx context.Context, subject string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, r.key(subject)).Err(); err != nil {
		return fmt.Errorf("failed to delete token from redis: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
