// Package memory holds single-instance stand-ins for the Redis adapters.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/optionbook/internal/domain"
)

// sweepEvery is how many claims pass between expiry sweeps.
const sweepEvery = 1024

// Nonces implements domain.NonceStore in process. It is safe for concurrent
// use; expired entries are swept periodically as claims arrive.
type Nonces struct {
	mu     sync.Mutex
	seen   map[string]time.Time // key -> expiry
	claims int
	now    func() time.Time
}

// NewNonces creates an empty store.
func NewNonces() *Nonces {
	return &Nonces{seen: make(map[string]time.Time), now: time.Now}
}

// WithNow replaces the time source, for tests.
func (n *Nonces) WithNow(now func() time.Time) *Nonces {
	n.now = now
	return n
}

// Claim records key until ttl elapses and reports whether it was unclaimed.
func (n *Nonces) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	n.claims++
	if n.claims%sweepEvery == 0 {
		n.sweep(now)
	}
	if exp, ok := n.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	n.seen[key] = now.Add(ttl)
	return true, nil
}

// Len returns the number of remembered keys, expired or not.
func (n *Nonces) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.seen)
}

func (n *Nonces) sweep(now time.Time) {
	for k, exp := range n.seen {
		if !now.Before(exp) {
			delete(n.seen, k)
		}
	}
}

var _ domain.NonceStore = (*Nonces)(nil)
