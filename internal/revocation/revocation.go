// Package revocation provides a redis-backed jti blacklist. It mirrors the
// revocations performed through this instance so bearer validation can
// reject them without a round trip to the site-router; the site-router
// remains the authoritative revocation registry.
package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "revoked:jwt:"

// Cache is a jti blacklist with per-entry TTLs matching token expiry.
type Cache struct {
	client *redis.Client
}

// New creates a revocation cache on the given redis client.
func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Revoke records a jti until the token would have expired anyway. Already
// expired tokens are ignored.
func (c *Cache) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, keyPrefix+jti, expiresAt.Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("revoke jti %s: %w", jti, err)
	}
	return nil
}

// IsRevoked reports whether a jti is blacklisted.
func (c *Cache) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := c.client.Exists(ctx, keyPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("check jti %s: %w", jti, err)
	}
	return n > 0, nil
}

// Ping verifies the redis connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
