package tokenstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "blogfront:token:"

type redisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedis はredisをバックエンドとするStorageを生成する。
// 失効はキーのTTLで表現する。
func NewRedis(cfg Config) (Storage, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis configuration missing")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}

	return &redisStore{
		client:    client,
		prefix:    prefix,
		retention: retentionOf(cfg),
	}, nil
}

func (s *redisStore) key(profileID string) string {
	return s.prefix + profileID
}

func (s *redisStore) Get(ctx context.Context, profileID string) (string, error) {
	token, err := s.client.Get(ctx, s.key(profileID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find token: %w", err)
	}
	return token, nil
}

func (s *redisStore) Set(ctx context.Context, profileID, token string, expiresAt time.Time) error {
	ttl := s.retention
	if !expiresAt.IsZero() {
		ttl = time.Until(expiresAt)
		if ttl <= 0 {
			return s.Remove(ctx, profileID)
		}
	}
	if err := s.client.Set(ctx, s.key(profileID), token, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

func (s *redisStore) Remove(ctx context.Context, profileID string) error {
	if err := s.client.Del(ctx, s.key(profileID)).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// DeleteExpired は何もしない。redisはTTLで失効させる。
func (s *redisStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
