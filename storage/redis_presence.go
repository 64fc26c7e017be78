package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Cross-node presence record. The value is the gateway id holding the
// user's connections; TTL bounds staleness when a node dies without
// cleaning up.

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RedisPresence struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisPresence(c RedisConfig, ttl time.Duration) (*RedisPresence, error) {
	rdb := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "redis ping")
	}
	return &RedisPresence{rdb: rdb, ttl: ttl}, nil
}

// presence key: im:presence:<user>
func presenceKey(user string) string { return "im:presence:" + user }

// Online sets the user online at gatewayID and renews the TTL.
func (p *RedisPresence) Online(ctx context.Context, user, gatewayID string) error {
	return p.rdb.Set(ctx, presenceKey(user), gatewayID, p.ttl).Err()
}

// Offline actively removes the record.
func (p *RedisPresence) Offline(ctx context.Context, user string) error {
	return p.rdb.Del(ctx, presenceKey(user)).Err()
}

// Lookup returns the gateway currently holding the user, if any.
func (p *RedisPresence) Lookup(ctx context.Context, user string) (gatewayID string, online bool, err error) {
	val, err := p.rdb.Get(ctx, presenceKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Refresh extends the TTL without changing the owner.
func (p *RedisPresence) Refresh(ctx context.Context, user string) error {
	return p.rdb.Expire(ctx, presenceKey(user), p.ttl).Err()
}

func (p *RedisPresence) Close() error { return p.rdb.Close() }
