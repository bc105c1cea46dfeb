package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"booking-orchestrator/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// releaseLockScript deletes the lock only while it still holds our token
const releaseLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
}

// Lock is a held distributed lock
type Lock struct {
	Key   string
	Token string
}

// Quote is a validated offer price cached between revalidation and hold.
// OfferHash fingerprints the offer the client submitted; Offer is the
// document the price was confirmed against.
type Quote struct {
	ClientRequestID string             `json:"client_request_id"`
	ProductType     models.ProductType `json:"product_type"`
	OfferHash       string             `json:"offer_hash"`
	Offer           json.RawMessage    `json:"offer"`
	Price           float64            `json:"price"`
	Currency        string             `json:"currency"`
	ExpiresAt       time.Time          `json:"expires_at"`
	PassThrough     bool               `json:"pass_through"`
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

	return NewWithRedis(rdb), nil
}

// NewWithRedis wraps an existing go-redis client
func NewWithRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
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

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func quoteKey(clientRequestID string) string {
	return fmt.Sprintf("idempotency:quote:%s", clientRequestID)
}

// SaveQuote stores a validated quote until it expires
func (c *Client) SaveQuote(ctx context.Context, q *Quote) error {
	ttl := time.Until(q.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to marshal quote: %w", err)
	}

	return c.rdb.Set(ctx, quoteKey(q.ClientRequestID), data, ttl).Err()
}

// GetQuote returns the cached quote for a request key, or nil when absent
func (c *Client) GetQuote(ctx context.Context, clientRequestID string) (*Quote, error) {
	data, err := c.rdb.Get(ctx, quoteKey(clientRequestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read quote: %w", err)
	}

	var q Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("failed to decode quote: %w", err)
	}
	return &q, nil
}

// AcquireLock acquires a distributed lock. It returns nil without error when
// the lock is held elsewhere.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (*Lock, error) {
	lock := &Lock{Key: fmt.Sprintf("lock:%s", lockKey), Token: uuid.NewString()}

	ok, err := c.rdb.SetNX(ctx, lock.Key, lock.Token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", lockKey, err)
	}
	if !ok {
		return nil, nil
	}
	return lock, nil
}

// ReleaseLock releases a lock acquired by AcquireLock
func (c *Client) ReleaseLock(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	if err := c.releaseScript.Run(ctx, c.rdb, []string{lock.Key}, lock.Token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}
