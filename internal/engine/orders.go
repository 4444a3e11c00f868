package engine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/alanyoungcy/optionbook/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// OrderTerms are the amounts and duration fixed when an order is posted.
type OrderTerms struct {
	UnderlyingAmount *big.Int
	StrikeAmount     *big.Int
	PremiumAmount    *big.Int
	PeriodSeconds    int64
}

// Validate checks the creation guards.
func (t OrderTerms) Validate() error {
	amounts := []struct {
		name string
		v    *big.Int
	}{
		{"underlying", t.UnderlyingAmount},
		{"strike", t.StrikeAmount},
		{"premium", t.PremiumAmount},
	}
	for _, a := range amounts {
		if a.v == nil || a.v.Sign() <= 0 {
			return fmt.Errorf("%s amount: %w", a.name, domain.ErrInvalidAmount)
		}
	}
	if t.PeriodSeconds < domain.MinPeriodSeconds {
		return fmt.Errorf("period %ds: %w", t.PeriodSeconds, domain.ErrPeriodTooShort)
	}
	if t.PeriodSeconds > domain.MaxPeriodSeconds {
		return fmt.Errorf("period %ds: %w", t.PeriodSeconds, domain.ErrPeriodTooLong)
	}
	return nil
}

// CreateAsk posts a sell order. The caller becomes creator and seller and
// the underlying amount moves into custody.
func (e *Engine) CreateAsk(ctx context.Context, caller common.Address, terms OrderTerms) (domain.Option, error) {
	return e.create(ctx, "create_ask", caller, domain.OrderTypeAsk, terms)
}

// CreateBid posts a buy order. The caller becomes creator and buyer and the
// premium moves into custody.
func (e *Engine) CreateBid(ctx context.Context, caller common.Address, terms OrderTerms) (domain.Option, error) {
	return e.create(ctx, "create_bid", caller, domain.OrderTypeBid, terms)
}

func (e *Engine) create(ctx context.Context, op string, caller common.Address, typ domain.OrderType, terms OrderTerms) (domain.Option, error) {
	start := time.Now()
	out, err := e.runCreate(ctx, caller, typ, terms)
	e.observe(op, err, time.Since(start))
	if err != nil {
		return domain.Option{}, fmt.Errorf("engine: %s: %w", op, err)
	}
	return out, nil
}

func (e *Engine) runCreate(ctx context.Context, caller common.Address, typ domain.OrderType, terms OrderTerms) (domain.Option, error) {
	if err := ctx.Err(); err != nil {
		return domain.Option{}, err
	}
	if err := e.authenticate(caller); err != nil {
		return domain.Option{}, err
	}
	if err := terms.Validate(); err != nil {
		return domain.Option{}, err
	}

	rec := domain.Option{
		Creator:          caller,
		UnderlyingAmount: new(big.Int).Set(terms.UnderlyingAmount),
		StrikeAmount:     new(big.Int).Set(terms.StrikeAmount),
		PremiumAmount:    new(big.Int).Set(terms.PremiumAmount),
		PeriodSeconds:    terms.PeriodSeconds,
		OrderType:        typ,
		State:            domain.StateOpen,
	}
	lock := move{from: caller, to: e.cfg.Custody}
	if typ == domain.OrderTypeAsk {
		rec.Seller = caller
		lock.asset, lock.amount = e.cfg.Pair.Underlying, rec.UnderlyingAmount
	} else {
		rec.Buyer = caller
		lock.asset, lock.amount = e.cfg.Pair.Strike, rec.PremiumAmount
	}

	e.begin()
	defer e.end()
	s := e.reg.reserve(rec)
	s.mu.Lock()
	rec = s.rec.Clone()
	s.mu.Unlock()

	p := plan{
		event: domain.EventOrderCreated,
		moves: []move{lock},
		amounts: map[string]*big.Int{
			"underlying": rec.UnderlyingAmount,
			"strike":     rec.StrikeAmount,
			"premium":    rec.PremiumAmount,
		},
	}
	saved, err := e.commit(ctx, rec, p)
	if err != nil {
		e.reg.release(rec.ID)
		if saved {
			e.compensate(ctx, rec.ID, nil)
		}
		return domain.Option{}, err
	}

	s.mu.Lock()
	s.committed = true
	s.busy = false
	s.mu.Unlock()

	e.emit(ctx, p.event, rec, e.clock.Now(), p.amounts)
	return rec.Clone(), nil
}

// FillAsk buys the option offered by ask id. The premium moves from the
// caller into custody and is split between the fee recipient and the seller.
func (e *Engine) FillAsk(ctx context.Context, caller common.Address, id uint64) (domain.Option, error) {
	return e.fill(ctx, "fill_ask", caller, id, domain.OrderTypeAsk)
}

// FillBid sells the option requested by bid id. The underlying moves from
// the caller into custody and the custodied premium is split between the
// fee recipient and the caller.
func (e *Engine) FillBid(ctx context.Context, caller common.Address, id uint64) (domain.Option, error) {
	return e.fill(ctx, "fill_bid", caller, id, domain.OrderTypeBid)
}

type feeQuote struct {
	fee       *big.Int
	recipient common.Address
}

// quote reads the fee policy before the record is locked; the premium is
// immutable so the quote cannot go stale.
func (e *Engine) quote(ctx context.Context, caller common.Address, id uint64, typ domain.OrderType) (feeQuote, error) {
	if err := e.authenticate(caller); err != nil {
		return feeQuote{}, err
	}
	o, err := e.reg.get(id)
	if err != nil {
		return feeQuote{}, err
	}
	if o.State != domain.StateOpen {
		return feeQuote{}, fmt.Errorf("option %d is %s: %w", id, o.State, domain.ErrInvalidState)
	}
	if o.OrderType != typ {
		return feeQuote{}, fmt.Errorf("option %d is an %s: %w", id, o.OrderType, domain.ErrWrongOrderType)
	}
	if caller == o.Creator {
		return feeQuote{}, fmt.Errorf("option %d: %w", id, domain.ErrSelfFill)
	}
	fee, err := e.fees.GetFee(ctx, e.cfg.Pair.Strike, o.PremiumAmount)
	if err != nil {
		return feeQuote{}, fmt.Errorf("fee policy: %w", err)
	}
	if fee == nil || fee.Sign() < 0 {
		return feeQuote{}, fmt.Errorf("fee policy returned %v: %w", fee, domain.ErrInvalidAmount)
	}
	recipient, err := e.fees.FeeRecipient(ctx)
	if err != nil {
		return feeQuote{}, fmt.Errorf("fee recipient: %w", err)
	}
	if fee.Sign() > 0 && (recipient == (common.Address{}) || recipient == e.cfg.Custody) {
		return feeQuote{}, fmt.Errorf("fee recipient %s: %w", recipient.Hex(), domain.ErrInvalidFeeRecipient)
	}
	return feeQuote{fee: fee, recipient: recipient}, nil
}

func (e *Engine) fill(ctx context.Context, op string, caller common.Address, id uint64, typ domain.OrderType) (domain.Option, error) {
	q, err := e.quote(ctx, caller, id, typ)
	if err != nil {
		e.observe(op, err, 0)
		return domain.Option{}, fmt.Errorf("engine: %s: %w", op, err)
	}

	return e.transition(ctx, op, id, func(o *domain.Option, now time.Time) (plan, error) {
		if o.State != domain.StateOpen {
			return plan{}, fmt.Errorf("option %d is %s: %w", id, o.State, domain.ErrInvalidState)
		}
		if o.OrderType != typ {
			return plan{}, fmt.Errorf("option %d is an %s: %w", id, o.OrderType, domain.ErrWrongOrderType)
		}
		if caller == o.Creator {
			return plan{}, fmt.Errorf("option %d: %w", id, domain.ErrSelfFill)
		}
		if o.PremiumAmount.Cmp(q.fee) <= 0 {
			return plan{}, fmt.Errorf("premium %s, fee %s: %w", o.PremiumAmount, q.fee, domain.ErrPremiumNotAboveFee)
		}

		var lock move
		if typ == domain.OrderTypeAsk {
			o.Buyer = caller
			lock = move{asset: e.cfg.Pair.Strike, from: caller, to: e.cfg.Custody, amount: o.PremiumAmount}
		} else {
			o.Seller = caller
			lock = move{asset: e.cfg.Pair.Underlying, from: caller, to: e.cfg.Custody, amount: o.UnderlyingAmount}
		}
		o.CreateTimestamp = now
		o.ExpirationTimestamp = now.Add(o.Period())
		o.State = domain.StateActive

		net := new(big.Int).Sub(o.PremiumAmount, q.fee)
		return plan{
			event: domain.EventOrderFilled,
			moves: []move{
				lock,
				{asset: e.cfg.Pair.Strike, to: q.recipient, amount: q.fee},
				{asset: e.cfg.Pair.Strike, to: o.Seller, amount: net},
			},
			amounts: map[string]*big.Int{
				"premium":         o.PremiumAmount,
				"fee":             q.fee,
				"seller_proceeds": net,
			},
		}, nil
	})
}

// CancelOrder withdraws an open order and refunds whatever it locked to its
// creator.
func (e *Engine) CancelOrder(ctx context.Context, caller common.Address, id uint64) (domain.Option, error) {
	return e.transition(ctx, "cancel_order", id, func(o *domain.Option, _ time.Time) (plan, error) {
		if o.State != domain.StateOpen {
			return plan{}, fmt.Errorf("option %d is %s: %w", id, o.State, domain.ErrInvalidState)
		}
		if caller != o.Creator {
			return plan{}, fmt.Errorf("option %d: only the creator may cancel: %w", id, domain.ErrUnauthorized)
		}

		refund := move{asset: e.cfg.Pair.Underlying, to: o.Creator, amount: o.UnderlyingAmount}
		if o.OrderType == domain.OrderTypeBid {
			refund = move{asset: e.cfg.Pair.Strike, to: o.Creator, amount: o.PremiumAmount}
		}
		o.State = domain.StateCanceled

		return plan{
			event:   domain.EventOrderCanceled,
			moves:   []move{refund},
			amounts: map[string]*big.Int{"refund": refund.amount},
		}, nil
	})
}
