package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names an observable engine event.
type EventType string

const (
	EventOrderCreated    EventType = "order_created"
	EventOrderFilled     EventType = "order_filled"
	EventOrderCanceled   EventType = "order_canceled"
	EventOptionExercised EventType = "option_exercised"
	EventOptionExpired   EventType = "option_expired"
	EventOptionClosed    EventType = "option_closed"
)

// AllEventTypes lists every event the engine emits.
var AllEventTypes = []EventType{
	EventOrderCreated,
	EventOrderFilled,
	EventOrderCanceled,
	EventOptionExercised,
	EventOptionExpired,
	EventOptionClosed,
}

// Event is emitted after an operation commits. Amounts holds the
// economically relevant quantities by name (e.g. "premium", "fee").
type Event struct {
	ID        string
	Type      EventType
	OptionID  uint64
	OrderType OrderType
	Actor     common.Address
	Seller    common.Address
	Buyer     common.Address
	Amounts   map[string]*big.Int
	At        time.Time
}

// EventPublisher receives engine events. Publishing failures never affect
// the already committed operation.
type EventPublisher interface {
	Publish(ctx context.Context, evt Event) error
}
