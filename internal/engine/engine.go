// Package engine implements the bilateral escrow order book: order creation,
// fill and cancel, and the exercise, expiration-claim and early-close
// lifecycle of active options.
//
// Every state-changing operation runs in three phases. Guards are checked
// and the record transition is applied under the record's lock, which also
// marks the record busy. The ledger movements and the persisted record then
// commit together inside one Ledger.Atomic call. On failure the record is
// restored from its snapshot. A call that re-enters the engine while the
// record is busy observes the post-transition state and is rejected.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/optionbook/internal/domain"
	"github.com/alanyoungcy/optionbook/internal/fixedpoint"
	"github.com/ethereum/go-ethereum/common"
)

// Observer receives the outcome of every state-changing operation.
type Observer interface {
	ObserveOperation(op string, err error, elapsed time.Duration)
}

// Config fixes the traded pair and the principal that holds escrowed assets.
type Config struct {
	Pair    domain.Pair
	Custody common.Address
}

// Engine is safe for concurrent use. Operations on different records never
// block each other beyond the short registry lock.
type Engine struct {
	cfg       Config
	reg       *registry
	ledger    domain.Ledger
	clock     domain.Clock
	fees      domain.FeePolicy
	store     domain.OptionStore
	publisher domain.EventPublisher
	observer  Observer
	logger    *slog.Logger

	// inflight counts operations between their effects and their final
	// slot update; settled advances when one finishes.
	inflight atomic.Int64
	settled  atomic.Uint64
}

// Option customises an Engine.
type Option func(*Engine)

// WithStore persists every committed record inside the ledger batch.
func WithStore(store domain.OptionStore) Option {
	return func(e *Engine) { e.store = store }
}

// WithPublisher emits an event after every committed operation.
func WithPublisher(p domain.EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithObserver reports operation outcomes, typically to metrics.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// New creates an Engine for cfg.Pair.
func New(cfg Config, ledger domain.Ledger, clock domain.Clock, fees domain.FeePolicy, logger *slog.Logger, opts ...Option) (*Engine, error) {
	zero := common.Address{}
	if cfg.Pair.Underlying == zero || cfg.Pair.Strike == zero || cfg.Pair.Underlying == cfg.Pair.Strike {
		return nil, fmt.Errorf("engine: new: %w", domain.ErrInvalidPair)
	}
	if cfg.Custody == zero {
		return nil, fmt.Errorf("engine: new: custody principal is required")
	}
	if ledger == nil || clock == nil || fees == nil {
		return nil, fmt.Errorf("engine: new: ledger, clock and fee policy are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:    cfg,
		reg:    newRegistry(),
		ledger: ledger,
		clock:  clock,
		fees:   fees,
		logger: logger.With(slog.String("component", "engine")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Pair returns the traded assets.
func (e *Engine) Pair() domain.Pair { return e.cfg.Pair }

// Custody returns the principal holding escrowed assets.
func (e *Engine) Custody() common.Address { return e.cfg.Custody }

// Restore rebuilds an empty registry from the option store.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	records, err := e.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: restore: %w", err)
	}
	if err := e.reg.load(records); err != nil {
		return 0, fmt.Errorf("engine: restore: %w", err)
	}
	e.logger.InfoContext(ctx, "registry restored",
		slog.Int("records", len(records)),
		slog.Int("next_id", e.reg.len()+1),
	)
	return len(records), nil
}

// Get returns the record with the given id.
func (e *Engine) Get(_ context.Context, id uint64) (domain.Option, error) {
	o, err := e.reg.get(id)
	if err != nil {
		return domain.Option{}, fmt.Errorf("engine: get: %w", err)
	}
	return o, nil
}

// List returns records matching filter in id order.
func (e *Engine) List(_ context.Context, filter domain.OptionFilter) []domain.Option {
	var out []domain.Option
	skipped := 0
	for _, o := range e.reg.all() {
		if !filter.Match(o) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, o)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

// ClosingFee quotes what the seller would pay the buyer to close id now.
func (e *Engine) ClosingFee(_ context.Context, id uint64) (*big.Int, error) {
	o, err := e.reg.get(id)
	if err != nil {
		return nil, fmt.Errorf("engine: closing fee: %w", err)
	}
	if o.State != domain.StateActive {
		return nil, fmt.Errorf("engine: closing fee: option %d is %s: %w", id, o.State, domain.ErrInvalidState)
	}
	return closingFee(o, e.clock.Now()), nil
}

// CustodyReport recomputes the balances custody must hold from the
// registry. Records with an operation in flight count as they were before
// it, since their ledger batch has not committed yet.
func (e *Engine) CustodyReport(_ context.Context) domain.CustodyReport {
	report := domain.CustodyReport{
		Underlying:     new(big.Int),
		LockedPremiums: new(big.Int),
	}
	for _, o := range e.reg.settledAll() {
		if o.LocksUnderlying() {
			report.Underlying.Add(report.Underlying, o.UnderlyingAmount)
		}
		if o.LocksPremium() {
			report.LockedPremiums.Add(report.LockedPremiums, o.PremiumAmount)
		}
	}
	return report
}

const (
	custodySnapshotAttempts = 5
	custodySnapshotBackoff  = 20 * time.Millisecond
)

// VerifyCustody compares the registry's expected custody with the ledger.
// The comparison only counts when no operation overlapped it; if none of a
// few attempts finds a quiet moment it fails with domain.ErrCustodyBusy
// rather than reporting a mismatch that is only an in-flight batch.
func (e *Engine) VerifyCustody(ctx context.Context) (domain.CustodyReport, error) {
	for attempt := 0; attempt < custodySnapshotAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return domain.CustodyReport{}, fmt.Errorf("engine: verify custody: %w", ctx.Err())
			case <-time.After(custodySnapshotBackoff):
			}
		}
		if e.inflight.Load() != 0 {
			continue
		}
		gen := e.settled.Load()

		report := e.CustodyReport(ctx)
		underlying, err := e.ledger.BalanceOf(ctx, e.cfg.Pair.Underlying, e.cfg.Custody)
		if err != nil {
			return report, fmt.Errorf("engine: verify custody: %w", err)
		}
		strike, err := e.ledger.BalanceOf(ctx, e.cfg.Pair.Strike, e.cfg.Custody)
		if err != nil {
			return report, fmt.Errorf("engine: verify custody: %w", err)
		}
		if e.inflight.Load() != 0 || e.settled.Load() != gen {
			continue
		}

		var errs []error
		if underlying.Cmp(report.Underlying) != 0 {
			errs = append(errs, fmt.Errorf("underlying: ledger %s, registry %s: %w",
				underlying, report.Underlying, domain.ErrCustodyMismatch))
		}
		if strike.Cmp(report.LockedPremiums) != 0 {
			errs = append(errs, fmt.Errorf("strike: ledger %s, registry %s: %w",
				strike, report.LockedPremiums, domain.ErrCustodyMismatch))
		}
		if len(errs) > 0 {
			return report, fmt.Errorf("engine: verify custody: %w", errors.Join(errs...))
		}
		return report, nil
	}
	return domain.CustodyReport{}, fmt.Errorf("engine: verify custody: %w", domain.ErrCustodyBusy)
}

// closingFee applies the decay formula to o at now.
func closingFee(o domain.Option, now time.Time) *big.Int {
	remaining := o.ExpirationTimestamp.Sub(now)
	return fixedpoint.ClosingFee(o.PremiumAmount, remaining, o.Period())
}

// move is one ledger movement. A zero From means the movement leaves custody.
type move struct {
	asset  common.Address
	from   common.Address
	to     common.Address
	amount *big.Int
}

// plan is what an operation does once its guards passed.
type plan struct {
	event   domain.EventType
	moves   []move
	amounts map[string]*big.Int
}

func (e *Engine) execute(ctx context.Context, tx domain.LedgerTx, p plan) error {
	for _, m := range p.moves {
		if m.amount.Sign() == 0 {
			continue
		}
		var err error
		if m.from == (common.Address{}) {
			err = tx.Transfer(ctx, m.asset, m.to, m.amount)
		} else {
			err = tx.TransferFrom(ctx, m.asset, m.from, m.to, m.amount)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// commit runs p and persists rec in one ledger batch. saved reports whether
// the store accepted rec, which matters when the batch itself fails to
// commit afterwards.
func (e *Engine) commit(ctx context.Context, rec domain.Option, p plan) (saved bool, err error) {
	err = e.ledger.Atomic(ctx, e.cfg.Custody, func(tx domain.LedgerTx) error {
		if err := e.execute(ctx, tx, p); err != nil {
			return err
		}
		if e.store == nil {
			return nil
		}
		if err := e.store.Save(ctx, rec); err != nil {
			return fmt.Errorf("persist option %d: %w", rec.ID, err)
		}
		saved = true
		return nil
	})
	return saved, err
}

// compensate undoes a persisted record whose ledger batch did not commit.
// prev is nil for creates.
func (e *Engine) compensate(ctx context.Context, id uint64, prev *domain.Option) {
	if e.store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	var err error
	if prev == nil {
		err = e.store.Delete(ctx, id)
	} else {
		err = e.store.Save(ctx, *prev)
	}
	if err != nil {
		e.logger.ErrorContext(ctx, "store compensation failed",
			slog.Uint64("option_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// transition runs one operation on an existing record. check evaluates the
// guards against the authoritative record, applies the transition to it and
// returns the ledger plan.
func (e *Engine) transition(
	ctx context.Context,
	op string,
	id uint64,
	check func(o *domain.Option, now time.Time) (plan, error),
) (domain.Option, error) {
	start := time.Now()
	out, err := e.runTransition(ctx, id, check)
	e.observe(op, err, time.Since(start))
	if err != nil {
		return domain.Option{}, fmt.Errorf("engine: %s: %w", op, err)
	}
	return out, nil
}

func (e *Engine) runTransition(ctx context.Context, id uint64, check func(o *domain.Option, now time.Time) (plan, error)) (domain.Option, error) {
	if err := ctx.Err(); err != nil {
		return domain.Option{}, err
	}
	s, err := e.reg.lookup(id)
	if err != nil {
		return domain.Option{}, err
	}

	// Checks and effects.
	s.mu.Lock()
	if !s.committed {
		s.mu.Unlock()
		return domain.Option{}, fmt.Errorf("option %d: %w", id, domain.ErrNotFound)
	}
	next := s.rec.Clone()
	now := e.clock.Now()
	p, err := check(&next, now)
	if err == nil && s.busy {
		err = fmt.Errorf("option %d: %w", id, domain.ErrOperationInFlight)
	}
	if err != nil {
		s.mu.Unlock()
		return domain.Option{}, err
	}
	e.begin()
	prev := s.rec.Clone()
	s.settled = &prev
	s.rec = next
	s.busy = true
	s.mu.Unlock()

	// Interactions.
	saved, err := e.commit(ctx, next, p)

	s.mu.Lock()
	if err != nil {
		s.rec = prev
	}
	s.settled = nil
	s.busy = false
	s.mu.Unlock()
	e.end()

	if err != nil {
		if saved {
			e.compensate(ctx, id, &prev)
		}
		return domain.Option{}, err
	}

	e.emit(ctx, p.event, next, now, p.amounts)
	return next.Clone(), nil
}

func (e *Engine) emit(ctx context.Context, typ domain.EventType, o domain.Option, at time.Time, amounts map[string]*big.Int) {
	e.logger.InfoContext(ctx, string(typ),
		slog.Uint64("option_id", o.ID),
		slog.String("order_type", string(o.OrderType)),
		slog.String("state", string(o.State)),
	)
	if e.publisher == nil {
		return
	}
	evt := domain.Event{
		Type:      typ,
		OptionID:  o.ID,
		OrderType: o.OrderType,
		Seller:    o.Seller,
		Buyer:     o.Buyer,
		Amounts:   amounts,
		At:        at,
	}
	switch typ {
	case domain.EventOrderCreated, domain.EventOrderCanceled:
		evt.Actor = o.Creator
	case domain.EventOrderFilled:
		evt.Actor = o.Buyer
		if o.OrderType == domain.OrderTypeBid {
			evt.Actor = o.Seller
		}
	case domain.EventOptionExercised:
		evt.Actor = o.Buyer
	default:
		evt.Actor = o.Seller
	}
	if err := e.publisher.Publish(ctx, evt); err != nil {
		e.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", string(typ)),
			slog.Uint64("option_id", o.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) begin() { e.inflight.Add(1) }

func (e *Engine) end() {
	e.settled.Add(1)
	e.inflight.Add(-1)
}

func (e *Engine) observe(op string, err error, elapsed time.Duration) {
	if e.observer != nil {
		e.observer.ObserveOperation(op, err, elapsed)
	}
}

// authenticate rejects principals that can never act on a record.
func (e *Engine) authenticate(caller common.Address) error {
	if caller == (common.Address{}) || caller == e.cfg.Custody {
		return fmt.Errorf("caller %s: %w", caller.Hex(), domain.ErrUnauthorized)
	}
	return nil
}
