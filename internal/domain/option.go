package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Bounds on the option duration accepted at creation. The upper bound keeps
// expiration arithmetic inside time.Duration.
const (
	MinPeriodSeconds int64 = 3600
	MaxPeriodSeconds int64 = 100 * 365 * 24 * 3600
)

// OrderType indicates which side posted the order.
type OrderType string

const (
	OrderTypeAsk OrderType = "ask" // seller-originated
	OrderTypeBid OrderType = "bid" // buyer-originated
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	return t == OrderTypeAsk || t == OrderTypeBid
}

// OptionState tracks the order/option lifecycle.
type OptionState string

const (
	StateOpen      OptionState = "open"
	StateActive    OptionState = "active"
	StateExercised OptionState = "exercised"
	StateExpired   OptionState = "expired"
	StateClosed    OptionState = "closed"
	StateCanceled  OptionState = "canceled"
)

// validTransitions lists the allowed next states for every state. Terminal
// states have no entry.
var validTransitions = map[OptionState][]OptionState{
	StateOpen:   {StateActive, StateCanceled},
	StateActive: {StateExercised, StateExpired, StateClosed},
}

// CanTransition reports whether a record may move from one state to another.
func CanTransition(from, to OptionState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s OptionState) Terminal() bool {
	switch s {
	case StateExercised, StateExpired, StateClosed, StateCanceled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s OptionState) Valid() bool {
	return s == StateOpen || s == StateActive || s.Terminal()
}

// Pair identifies the two assets an engine trades. The strike asset also
// pays premiums and fees.
type Pair struct {
	Underlying common.Address
	Strike     common.Address
}

// Option is the single record of the order book: an order while Open, an
// option once filled. Amounts are in the smallest unit of their asset.
type Option struct {
	ID                  uint64
	Creator             common.Address
	Seller              common.Address // zero until filled for bids
	Buyer               common.Address // zero until filled for asks
	UnderlyingAmount    *big.Int
	StrikeAmount        *big.Int
	PremiumAmount       *big.Int
	PeriodSeconds       int64
	CreateTimestamp     time.Time // set at fill time
	ExpirationTimestamp time.Time // CreateTimestamp + PeriodSeconds
	OrderType           OrderType
	State               OptionState
}

// Clone returns a deep copy so callers can never mutate registry state
// through a returned record.
func (o Option) Clone() Option {
	out := o
	out.UnderlyingAmount = cloneInt(o.UnderlyingAmount)
	out.StrikeAmount = cloneInt(o.StrikeAmount)
	out.PremiumAmount = cloneInt(o.PremiumAmount)
	return out
}

// Period returns the option duration.
func (o Option) Period() time.Duration {
	return time.Duration(o.PeriodSeconds) * time.Second
}

// Filled reports whether both counterparties are populated.
func (o Option) Filled() bool {
	return o.Seller != (common.Address{}) && o.Buyer != (common.Address{})
}

// LocksUnderlying reports whether custody currently holds this record's
// underlying amount.
func (o Option) LocksUnderlying() bool {
	return o.State == StateActive || (o.State == StateOpen && o.OrderType == OrderTypeAsk)
}

// LocksPremium reports whether custody currently holds this record's premium.
func (o Option) LocksPremium() bool {
	return o.State == StateOpen && o.OrderType == OrderTypeBid
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// OptionFilter narrows List queries. Zero-valued fields match everything.
type OptionFilter struct {
	State     OptionState
	OrderType OrderType
	Principal common.Address // matches creator, seller or buyer
	Limit     int
	Offset    int
}

// Match reports whether o satisfies the filter (pagination excluded).
func (f OptionFilter) Match(o Option) bool {
	if f.State != "" && o.State != f.State {
		return false
	}
	if f.OrderType != "" && o.OrderType != f.OrderType {
		return false
	}
	if f.Principal != (common.Address{}) &&
		o.Creator != f.Principal && o.Seller != f.Principal && o.Buyer != f.Principal {
		return false
	}
	return true
}

// CustodyReport is the amount the engine must hold for open and active
// records, recomputed from the registry.
type CustodyReport struct {
	Underlying     *big.Int
	LockedPremiums *big.Int
}
