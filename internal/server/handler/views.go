package handler

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionbook/internal/domain"
	"github.com/alanyoungcy/optionbook/internal/units"
)

// PairInfo describes the engine's assets for rendering.
type PairInfo struct {
	Underlying units.Asset
	Strike     units.Asset
	Custody    common.Address
}

// AmountView carries an amount in base units and whole units.
type AmountView struct {
	Base    string `json:"base"`
	Display string `json:"display"`
}

func amountView(a units.Asset, v *big.Int) AmountView {
	if v == nil {
		v = new(big.Int)
	}
	return AmountView{Base: v.String(), Display: a.Format(v)}
}

// OptionView is the JSON form of a registry record.
type OptionView struct {
	ID                  uint64             `json:"id"`
	OrderType           domain.OrderType   `json:"order_type"`
	State               domain.OptionState `json:"state"`
	Creator             string             `json:"creator"`
	Seller              string             `json:"seller,omitempty"`
	Buyer               string             `json:"buyer,omitempty"`
	UnderlyingAmount    AmountView         `json:"underlying_amount"`
	StrikeAmount        AmountView         `json:"strike_amount"`
	PremiumAmount       AmountView         `json:"premium_amount"`
	PeriodSeconds       int64              `json:"period_seconds"`
	CreateTimestamp     *time.Time         `json:"create_timestamp,omitempty"`
	ExpirationTimestamp *time.Time         `json:"expiration_timestamp,omitempty"`
}

func (p PairInfo) optionView(o domain.Option) OptionView {
	v := OptionView{
		ID:               o.ID,
		OrderType:        o.OrderType,
		State:            o.State,
		Creator:          o.Creator.Hex(),
		UnderlyingAmount: amountView(p.Underlying, o.UnderlyingAmount),
		StrikeAmount:     amountView(p.Strike, o.StrikeAmount),
		PremiumAmount:    amountView(p.Strike, o.PremiumAmount),
		PeriodSeconds:    o.PeriodSeconds,
	}
	if o.Seller != (common.Address{}) {
		v.Seller = o.Seller.Hex()
	}
	if o.Buyer != (common.Address{}) {
		v.Buyer = o.Buyer.Hex()
	}
	if !o.CreateTimestamp.IsZero() {
		t := o.CreateTimestamp.UTC()
		v.CreateTimestamp = &t
	}
	if !o.ExpirationTimestamp.IsZero() {
		t := o.ExpirationTimestamp.UTC()
		v.ExpirationTimestamp = &t
	}
	return v
}

// asset returns the display info for a ledger asset address.
func (p PairInfo) asset(addr common.Address) (units.Asset, bool) {
	switch addr {
	case p.Underlying.Address:
		return p.Underlying, true
	case p.Strike.Address:
		return p.Strike, true
	default:
		return units.Asset{Address: addr, Decimals: 0}, false
	}
}
