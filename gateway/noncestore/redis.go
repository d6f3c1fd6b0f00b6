package noncestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces nonce keys in a shared Redis.
const DefaultRedisPrefix = "reqguard:nonce:"

// Redis reserves nonces with SET NX PX, which lets several gateway processes
// share one replay window. Redis expires keys on its own, so an expired nonce
// is simply absent and the outcome is Reserved.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures NewRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisWithClient(client, opts.Prefix), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// Reserve implements Store.
func (s *Redis) Reserve(ctx context.Context, rec Record, ttl time.Duration) (Outcome, error) {
	if s == nil || s.client == nil {
		return 0, fmt.Errorf("%w: redis store not configured", ErrUnavailable)
	}
	rec, err := prepare(rec, ttl)
	if err != nil {
		return 0, err
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return 0, unavailable("encode nonce", err)
	}
	ok, err := s.client.SetNX(ctx, s.prefix+rec.Nonce, encoded, ttl).Result()
	if err != nil {
		return 0, unavailable("setnx", err)
	}
	if !ok {
		return AlreadyReserved, nil
	}
	return Reserved, nil
}

// Close closes the underlying client.
func (s *Redis) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
