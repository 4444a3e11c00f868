package engine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/alanyoungcy/optionbook/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// ExerciseOption lets the buyer pay the strike to the seller and take the
// underlying out of custody before expiration.
func (e *Engine) ExerciseOption(ctx context.Context, caller common.Address, id uint64) (domain.Option, error) {
	return e.transition(ctx, "exercise_option", id, func(o *domain.Option, now time.Time) (plan, error) {
		if o.State != domain.StateActive {
			return plan{}, fmt.Errorf("option %d is %s: %w", id, o.State, domain.ErrInvalidState)
		}
		if caller != o.Buyer {
			return plan{}, fmt.Errorf("option %d: only the buyer may exercise: %w", id, domain.ErrUnauthorized)
		}
		if !now.Before(o.ExpirationTimestamp) {
			return plan{}, fmt.Errorf("option %d expired at %s: %w", id, o.ExpirationTimestamp.Format(time.RFC3339), domain.ErrOptionExpired)
		}
		o.State = domain.StateExercised

		return plan{
			event: domain.EventOptionExercised,
			moves: []move{
				{asset: e.cfg.Pair.Strike, from: o.Buyer, to: o.Seller, amount: o.StrikeAmount},
				{asset: e.cfg.Pair.Underlying, to: o.Buyer, amount: o.UnderlyingAmount},
			},
			amounts: map[string]*big.Int{
				"strike":     o.StrikeAmount,
				"underlying": o.UnderlyingAmount,
			},
		}, nil
	})
}

// ClaimUnderlyingOnExpiration returns the underlying to the seller once an
// unexercised option has expired.
func (e *Engine) ClaimUnderlyingOnExpiration(ctx context.Context, caller common.Address, id uint64) (domain.Option, error) {
	return e.transition(ctx, "claim_underlying", id, func(o *domain.Option, now time.Time) (plan, error) {
		if o.State != domain.StateActive {
			return plan{}, fmt.Errorf("option %d is %s: %w", id, o.State, domain.ErrInvalidState)
		}
		if caller != o.Seller {
			return plan{}, fmt.Errorf("option %d: only the seller may claim: %w", id, domain.ErrUnauthorized)
		}
		if now.Before(o.ExpirationTimestamp) {
			return plan{}, fmt.Errorf("option %d expires at %s: %w", id, o.ExpirationTimestamp.Format(time.RFC3339), domain.ErrOptionNotExpired)
		}
		o.State = domain.StateExpired

		return plan{
			event:   domain.EventOptionExpired,
			moves:   []move{{asset: e.cfg.Pair.Underlying, to: o.Seller, amount: o.UnderlyingAmount}},
			amounts: map[string]*big.Int{"underlying": o.UnderlyingAmount},
		}, nil
	})
}

// CloseOption terminates an active option early. The seller pays the buyer
// the time-decayed closing fee and gets the underlying back. A fee that
// rounds to zero, as it does just before expiration, rejects the close.
func (e *Engine) CloseOption(ctx context.Context, caller common.Address, id uint64) (domain.Option, error) {
	return e.transition(ctx, "close_option", id, func(o *domain.Option, now time.Time) (plan, error) {
		if o.State != domain.StateActive {
			return plan{}, fmt.Errorf("option %d is %s: %w", id, o.State, domain.ErrInvalidState)
		}
		if caller != o.Seller {
			return plan{}, fmt.Errorf("option %d: only the seller may close: %w", id, domain.ErrUnauthorized)
		}
		if !now.Before(o.ExpirationTimestamp) {
			return plan{}, fmt.Errorf("option %d expired at %s: %w", id, o.ExpirationTimestamp.Format(time.RFC3339), domain.ErrOptionExpired)
		}
		fee := closingFee(*o, now)
		if fee.Sign() == 0 {
			return plan{}, fmt.Errorf("option %d: %w", id, domain.ErrZeroClosingFee)
		}
		o.State = domain.StateClosed

		return plan{
			event: domain.EventOptionClosed,
			moves: []move{
				{asset: e.cfg.Pair.Strike, from: o.Seller, to: o.Buyer, amount: fee},
				{asset: e.cfg.Pair.Underlying, to: o.Seller, amount: o.UnderlyingAmount},
			},
			amounts: map[string]*big.Int{
				"closing_fee": fee,
				"underlying":  o.UnderlyingAmount,
			},
		}, nil
	})
}
