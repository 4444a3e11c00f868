package domain

import (
	"context"
	"time"
)

// Event fan-out names. Every published option event is appended to
// EventStream and published on its per-type channel.
const (
	EventStream       = "events"
	eventChannelBase  = "events:"
	EventChannelAll   = eventChannelBase + "*"
	unknownEventTopic = "unknown"
)

// EventChannel returns the pub/sub channel for an event type.
func EventChannel(t EventType) string {
	if t == "" {
		return eventChannelBase + unknownEventTopic
	}
	return eventChannelBase + string(t)
}

// RateLimiter bounds signed API calls per principal across instances.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// NonceStore remembers request nonces so a signed request is accepted once.
// Claim reports true only for the first claim of key within ttl.
type NonceStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// LockManager serialises archive runs between instances sharing a store.
// The returned unlock is safe to call after the lease has expired.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage is one entry read back from EventStream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus carries option events between the engine instance that
// committed them and websocket hubs on every instance.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, pattern string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
