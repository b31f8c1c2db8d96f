package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Client caches variant stock levels for the storefront and holds the
// short-lived keys used for checkout idempotency and callback dedupe.
// The database row locks stay authoritative for every stock decision.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
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

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func stockKey(variantID int64) string {
	return fmt.Sprintf("stock:%d", variantID)
}

// SetStock writes the cached quantity for a variant
func (c *Client) SetStock(ctx context.Context, variantID int64, quantity int) error {
	return c.rdb.Set(ctx, stockKey(variantID), quantity, 0).Err()
}

// AdjustStock shifts the cached quantity by delta (negative on
// reservation, positive on restock)
func (c *Client) AdjustStock(ctx context.Context, variantID int64, delta int) error {
	return c.rdb.IncrBy(ctx, stockKey(variantID), int64(delta)).Err()
}

// GetStock reads the cached quantity for a variant
func (c *Client) GetStock(ctx context.Context, variantID int64) (int, error) {
	n, err := c.rdb.Get(ctx, stockKey(variantID)).Int()
	if err == redis.Nil {
		return 0, fmt.Errorf("stock not cached for variant %d", variantID)
	}
	return n, err
}

// SetIdempotencyKey records a completed checkout under its caller key
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, orderID int64, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), orderID, ttl).Err()
}

// GetIdempotentOrderID returns the order previously created for a key,
// or 0 when the key is unknown
func (c *Client) GetIdempotentOrderID(ctx context.Context, key string) (int64, error) {
	id, err := c.rdb.Get(ctx, fmt.Sprintf("idempotency:%s", key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return id, err
}

// ClaimCallback marks a gateway callback as being processed. Returns
// false when an identical callback was already claimed.
func (c *Client) ClaimCallback(ctx context.Context, orderCode, responseCode string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("callback:%s:%s", orderCode, responseCode)
	return c.rdb.SetNX(ctx, key, "1", ttl).Result()
}

// ReleaseCallback drops a claim after a failed processing attempt so
// the gateway's retry of the same callback goes through.
func (c *Client) ReleaseCallback(ctx context.Context, orderCode, responseCode string) error {
	key := fmt.Sprintf("callback:%s:%s", orderCode, responseCode)
	return c.rdb.Del(ctx, key).Err()
}
