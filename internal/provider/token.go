package provider

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TokenFetcher obtains a fresh access token and its lifetime
type TokenFetcher func(ctx context.Context) (string, time.Duration, error)

// TokenCache holds a short-lived access token. Readers share the cached value;
// when it is missing or stale exactly one caller refreshes it.
type TokenCache struct {
	fetch TokenFetcher
	skew  time.Duration
	now   func() time.Time

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	group singleflight.Group
}

// NewTokenCache creates a cache that refreshes skew before the token expires
func NewTokenCache(fetch TokenFetcher, skew time.Duration) *TokenCache {
	return &TokenCache{fetch: fetch, skew: skew, now: time.Now}
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token != "" && c.now().Before(c.expiresAt) {
		return c.token, true
	}
	return "", false
}

// Token returns a valid access token, refreshing it if needed
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}

	v, err, _ := c.group.Do("token", func() (interface{}, error) {
		if tok, ok := c.cached(); ok {
			return tok, nil
		}

		tok, ttl, err := c.fetch(ctx)
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		c.token = tok
		c.expiresAt = c.now().Add(ttl - c.skew)
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token so the next call refreshes it
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}
