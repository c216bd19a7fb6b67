package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"
)

// DefaultRedisAddr is used when no address is configured.
const DefaultRedisAddr = "localhost:6379"

// RedisStore keeps descriptions in a shared Redis so several instances
// reuse each other's generations. Expiry is enforced by Redis.
type RedisStore struct {
	pool   *redis.Pool
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithPool replaces the connection pool.
func WithPool(pool *redis.Pool) RedisOption {
	return func(s *RedisStore) {
		s.pool = pool
	}
}

// NewRedisStore creates a store dialling addr.
func NewRedisStore(addr, password string, opts ...RedisOption) *RedisStore {
	if addr == "" {
		addr = DefaultRedisAddr
	}

	s := &RedisStore{
		pool: &redis.Pool{
			MaxIdle:     4,
			IdleTimeout: 4 * time.Minute,
			DialContext: func(ctx context.Context) (redis.Conn, error) {
				dialOpts := []redis.DialOption{
					redis.DialConnectTimeout(5 * time.Second),
					redis.DialReadTimeout(5 * time.Second),
					redis.DialWriteTimeout(5 * time.Second),
				}
				if password != "" {
					dialOpts = append(dialOpts, redis.DialPassword(password))
				}
				return redis.DialContext(ctx, "tcp", addr, dialOpts...)
			},
			TestOnBorrow: func(c redis.Conn, t time.Time) error {
				if time.Since(t) < time.Minute {
					return nil
				}
				_, err := c.Do("PING")
				return err
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	log.Info().Str("addr", addr).Msg("Redis description cache configured")
	return s
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Do("PING"); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Get returns the description for key.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return "", false, fmt.Errorf("redis connect: %w", err)
	}
	defer conn.Close()

	value, err := redis.String(conn.Do("GET", s.prefix+key))
	if errors.Is(err, redis.ErrNil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return value, true, nil
}

// Set stores value with a ttl.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer conn.Close()

	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	if _, err := conn.Do("SET", s.prefix+key, value, "EX", seconds); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *RedisStore) Close() error {
	return s.pool.Close()
}
