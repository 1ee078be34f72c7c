package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"registration-service/internal/gateway"
	"registration-service/internal/models"
	"registration-service/internal/util"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Client caches availability snapshots and checkout sessions. Cache errors are
// logged and treated as misses so a Redis outage never blocks a request.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewClient creates a new Redis client and checks the connection
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewClientFromRedis(rdb), nil
}

// NewClientFromRedis wraps an existing connection.
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:    rdb,
		logger: util.GetLogger().With(zap.String("component", "redis")),
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func availabilityKey(eventID int64) string {
	return fmt.Sprintf("availability:%d", eventID)
}

func checkoutKey(key string) string {
	return fmt.Sprintf("checkout:%s", key)
}

// GetAvailability returns the cached capacity counters of an event.
func (c *Client) GetAvailability(ctx context.Context, eventID int64) ([]models.CapacityCounter, bool) {
	var counters []models.CapacityCounter
	if !c.getJSON(ctx, "availability", availabilityKey(eventID), &counters) {
		return nil, false
	}
	return counters, true
}

// SetAvailability caches the capacity counters of an event. A zero ttl disables caching.
func (c *Client) SetAvailability(ctx context.Context, eventID int64, counters []models.CapacityCounter, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.setJSON(ctx, availabilityKey(eventID), counters, ttl)
}

// InvalidateAvailability drops the cached snapshot after a capacity change.
func (c *Client) InvalidateAvailability(ctx context.Context, eventID int64) {
	if err := c.rdb.Del(ctx, availabilityKey(eventID)).Err(); err != nil {
		c.logger.Warn("Failed to invalidate availability", zap.Int64("event_id", eventID), zap.Error(err))
	}
}

// GetCheckoutSession returns the session created for an idempotency key.
func (c *Client) GetCheckoutSession(ctx context.Context, key string) (*gateway.Session, bool) {
	var sess gateway.Session
	if !c.getJSON(ctx, "checkout", checkoutKey(key), &sess) {
		return nil, false
	}
	return &sess, true
}

// SetCheckoutSession remembers a created session until it expires.
func (c *Client) SetCheckoutSession(ctx context.Context, key string, sess *gateway.Session, ttl time.Duration) {
	c.setJSON(ctx, checkoutKey(key), sess, ttl)
}

func (c *Client) getJSON(ctx context.Context, cache, key string, dst interface{}) bool {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		util.CacheLookupsTotal.WithLabelValues(cache, "miss").Inc()
		return false
	}
	if err != nil {
		util.CacheLookupsTotal.WithLabelValues(cache, "error").Inc()
		c.logger.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		util.CacheLookupsTotal.WithLabelValues(cache, "error").Inc()
		c.logger.Warn("Cache entry unreadable", zap.String("key", key), zap.Error(err))
		return false
	}
	util.CacheLookupsTotal.WithLabelValues(cache, "hit").Inc()
	return true
}

func (c *Client) setJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("Failed to encode cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
	}
}
