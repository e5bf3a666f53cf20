package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "authgate:revoked:"

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func OpenRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// Consume uses SETNX so concurrent exchanges of one refresh token have a
// single winner.
func (s *RedisStore) Consume(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, keyPrefix+jti, time.Now().UTC().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx revoked token: %w", err)
	}
	return ok, nil
}
