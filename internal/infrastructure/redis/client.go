package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nerrad567/gray-logic-tracker/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultKeyPrefix      = "gltracker"
	defaultShadowTTL      = 24 * time.Hour
)

// Client wraps go-redis for device shadow storage.
//
// Thread Safety: all methods are safe for concurrent use.
type Client struct {
	rdb       *goredis.Client
	keyPrefix string
	ttl       time.Duration

	mu        sync.RWMutex
	connected bool
}

// Connect opens a Redis client and verifies it with a PING.
func Connect(cfg config.RedisConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close() //nolint:errcheck // Already failing
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return newClient(rdb, cfg), nil
}

func newClient(rdb *goredis.Client, cfg config.RedisConfig) *Client {
	prefix := strings.Trim(cfg.KeyPrefix, ":")
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	ttl := time.Duration(cfg.ShadowTTL) * time.Second
	if ttl <= 0 {
		ttl = defaultShadowTTL
	}
	return &Client{rdb: rdb, keyPrefix: prefix, ttl: ttl, connected: rdb != nil}
}

// ShadowKey returns the hash key holding a device's shadow.
func (c *Client) ShadowKey(deviceID int64) string {
	return c.keyPrefix + ":shadow:" + strconv.FormatInt(deviceID, 10)
}

// ShadowTTL returns the expiry applied on every shadow write.
func (c *Client) ShadowTTL() time.Duration {
	return c.ttl
}

// WriteShadow merges fields into the device's shadow hash and resets its TTL.
// Both commands go out in one pipeline.
func (c *Client) WriteShadow(ctx context.Context, deviceID int64, fields map[string]any) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	key := c.ShadowKey(deviceID)
	_, err := c.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing shadow %s: %w", key, err)
	}
	return nil
}

// DeleteShadow removes the shadow of a deleted device. A missing shadow is
// not an error.
func (c *Client) DeleteShadow(ctx context.Context, deviceID int64) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := c.rdb.Del(ctx, c.ShadowKey(deviceID)).Err(); err != nil {
		return fmt.Errorf("deleting shadow %d: %w", deviceID, err)
	}
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// IsConnected reports whether Close has not been called yet.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close releases the connection pool. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	return c.rdb.Close()
}
