package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/optionbook/internal/domain"
)

// NonceStore implements domain.NonceStore with SET NX EX, so every instance
// behind a load balancer sees the same claims.
type NonceStore struct {
	c *Client
}

// NewNonceStore creates a NonceStore backed by the given Client.
func NewNonceStore(c *Client) *NonceStore {
	return &NonceStore{c: c}
}

// Claim records key for ttl and reports whether it was unclaimed.
func (n *NonceStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl < time.Second {
		ttl = time.Second
	}
	ok, err := n.c.rdb.SetNX(ctx, n.c.Key("nonce:"+key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim nonce: %w", err)
	}
	return ok, nil
}

var _ domain.NonceStore = (*NonceStore)(nil)
