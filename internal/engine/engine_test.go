package engine

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionbook/internal/clock"
	"github.com/alanyoungcy/optionbook/internal/domain"
	"github.com/alanyoungcy/optionbook/internal/feepolicy"
	"github.com/alanyoungcy/optionbook/internal/fixedpoint"
	"github.com/alanyoungcy/optionbook/internal/ledger"
)

var (
	underlying = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	strike     = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	custody    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	seller     = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	buyer      = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	other      = common.HexToAddress("0x00000000000000000000000000000000000000b3")
	recipient  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	feeOwner   = common.HexToAddress("0x00000000000000000000000000000000000000f2")

	t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

// wad returns n whole units with 18 decimals.
func wad(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fixedpoint.One())
}

func wadFrac(num, den int64) *big.Int {
	return fixedpoint.FromFraction(num, den)
}

func standardTerms() OrderTerms {
	return OrderTerms{
		UnderlyingAmount: wad(1),
		StrikeAmount:     wad(200),
		PremiumAmount:    wad(10),
		PeriodSeconds:    3600,
	}
}

type fixture struct {
	engine *Engine
	ledger *ledger.Memory
	clock  *clock.Manual
	fees   *feepolicy.Calculator
	store  *fakeStore
	events *recordingPublisher
}

func newFixture(t *testing.T, wrap func(domain.Ledger) domain.Ledger) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		ledger: ledger.NewMemory(),
		clock:  clock.NewManual(t0),
		fees:   feepolicy.NewCalculator(feeOwner, recipient),
		store:  newFakeStore(),
		events: &recordingPublisher{},
	}
	require.NoError(t, f.fees.SetSupported(context.Background(), feeOwner, strike, true))
	require.NoError(t, f.fees.SetFeeRate(context.Background(), feeOwner, strike, wadFrac(1, 100)))

	for _, p := range []common.Address{seller, buyer, other} {
		require.NoError(t, f.ledger.Mint(ctx, underlying, p, wad(10)))
		require.NoError(t, f.ledger.Mint(ctx, strike, p, wad(1000)))
		require.NoError(t, f.ledger.Approve(ctx, underlying, p, custody, wad(10)))
		require.NoError(t, f.ledger.Approve(ctx, strike, p, custody, wad(1000)))
	}

	var l domain.Ledger = f.ledger
	if wrap != nil {
		l = wrap(l)
	}
	eng, err := New(Config{
		Pair:    domain.Pair{Underlying: underlying, Strike: strike},
		Custody: custody,
	}, l, f.clock, f.fees, nil, WithStore(f.store), WithPublisher(f.events))
	require.NoError(t, err)
	f.engine = eng
	return f
}

func (f *fixture) balance(t *testing.T, asset, owner common.Address) *big.Int {
	t.Helper()
	b, err := f.ledger.BalanceOf(context.Background(), asset, owner)
	require.NoError(t, err)
	return b
}

func (f *fixture) assertCustody(t *testing.T) {
	t.Helper()
	_, err := f.engine.VerifyCustody(context.Background())
	require.NoError(t, err)
}

func TestNew_RejectsBadPair(t *testing.T) {
	l := ledger.NewMemory()
	c := clock.NewManual(t0)
	fees := feepolicy.NewCalculator(feeOwner, recipient)

	_, err := New(Config{Pair: domain.Pair{Underlying: strike, Strike: strike}, Custody: custody}, l, c, fees, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidPair)

	_, err = New(Config{Pair: domain.Pair{Underlying: underlying, Strike: strike}}, l, c, fees, nil)
	assert.Error(t, err)
}

func TestCreateAsk_LocksUnderlying(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	o, err := f.engine.CreateAsk(ctx, seller, standardTerms())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), o.ID)
	assert.Equal(t, domain.StateOpen, o.State)
	assert.Equal(t, domain.OrderTypeAsk, o.OrderType)
	assert.Equal(t, seller, o.Creator)
	assert.Equal(t, seller, o.Seller)
	assert.Equal(t, common.Address{}, o.Buyer)
	assert.True(t, o.CreateTimestamp.IsZero())

	assert.Equal(t, wad(1), f.balance(t, underlying, custody))
	assert.Equal(t, wad(9), f.balance(t, underlying, seller))
	f.assertCustody(t)

	require.Len(t, f.events.types(), 1)
	assert.Equal(t, domain.EventOrderCreated, f.events.types()[0])
}

func TestCreateBid_LocksPremium(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	o, err := f.engine.CreateBid(ctx, buyer, standardTerms())
	require.NoError(t, err)

	assert.Equal(t, domain.OrderTypeBid, o.OrderType)
	assert.Equal(t, buyer, o.Buyer)
	assert.Equal(t, common.Address{}, o.Seller)
	assert.Equal(t, wad(10), f.balance(t, strike, custody))
	assert.Equal(t, 0, f.balance(t, underlying, custody).Sign())
	f.assertCustody(t)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*OrderTerms)
		want   error
	}{
		{"zero underlying", func(o *OrderTerms) { o.UnderlyingAmount = big.NewInt(0) }, domain.ErrInvalidAmount},
		{"nil strike", func(o *OrderTerms) { o.StrikeAmount = nil }, domain.ErrInvalidAmount},
		{"negative premium", func(o *OrderTerms) { o.PremiumAmount = big.NewInt(-1) }, domain.ErrInvalidAmount},
		{"period under an hour", func(o *OrderTerms) { o.PeriodSeconds = 3599 }, domain.ErrPeriodTooShort},
		{"period too long", func(o *OrderTerms) { o.PeriodSeconds = domain.MaxPeriodSeconds + 1 }, domain.ErrPeriodTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			terms := standardTerms()
			tt.mutate(&terms)
			_, err := f.engine.CreateAsk(ctx, seller, terms)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}

	_, err := f.engine.CreateAsk(ctx, common.Address{}, standardTerms())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	assert.Empty(t, f.engine.List(ctx, domain.OptionFilter{}))
	assert.Equal(t, 0, f.balance(t, underlying, custody).Sign())
}

func TestCreate_CustodyFailureReleasesID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.ledger.Approve(ctx, underlying, seller, custody, big.NewInt(0)))

	_, err := f.engine.CreateAsk(ctx, seller, standardTerms())
	assert.ErrorIs(t, err, domain.ErrInsufficientAllowance)
	assert.Equal(t, domain.KindCustody, domain.KindOf(err))

	_, err = f.engine.Get(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, f.store.records)

	o, err := f.engine.CreateBid(ctx, buyer, standardTerms())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), o.ID)
}

func TestRoundTrip_AskFillExercise(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sellerStrike := f.balance(t, strike, seller)
	buyerStrike := f.balance(t, strike, buyer)
	buyerUnderlying := f.balance(t, underlying, buyer)

	o, err := f.engine.CreateAsk(ctx, seller, standardTerms())
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	filled, err := f.engine.FillAsk(ctx, buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, filled.State)
	assert.Equal(t, buyer, filled.Buyer)
	assert.Equal(t, t0.Add(10*time.Minute), filled.CreateTimestamp)
	assert.Equal(t, t0.Add(70*time.Minute), filled.ExpirationTimestamp)

	// 1% of a 10 unit premium goes to the fee recipient.
	assert.Equal(t, new(big.Int).Add(sellerStrike, wadFrac(99, 10)), f.balance(t, strike, seller))
	assert.Equal(t, wadFrac(1, 10), f.balance(t, strike, recipient))
	assert.Equal(t, 0, f.balance(t, strike, custody).Sign())
	f.assertCustody(t)

	f.clock.Advance(30 * time.Minute)
	exercised, err := f.engine.ExerciseOption(ctx, buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExercised, exercised.State)

	wantSeller := new(big.Int).Add(sellerStrike, wadFrac(99, 10))
	wantSeller.Add(wantSeller, wad(200))
	assert.Equal(t, wantSeller, f.balance(t, strike, seller))

	wantBuyer := new(big.Int).Sub(buyerStrike, wad(210))
	assert.Equal(t, wantBuyer, f.balance(t, strike, buyer))
	assert.Equal(t, new(big.Int).Add(buyerUnderlying, wad(1)), f.balance(t, underlying, buyer))
	assert.Equal(t, 0, f.balance(t, underlying, custody).Sign())
	f.assertCustody(t)

	assert.Equal(t, []domain.EventType{
		domain.EventOrderCreated,
		domain.EventOrderFilled,
		domain.EventOptionExercised,
	}, f.events.types())
}

func TestRoundTrip_BidFillClaim(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sellerStrike := f.balance(t, strike, seller)
	sellerUnderlying := f.balance(t, underlying, seller)

	o, err := f.engine.CreateBid(ctx, buyer, standardTerms())
	require.NoError(t, err)

	filled, err := f.engine.FillBid(ctx, seller, o.ID)
	require.NoError(t, err)
	assert.Equal(t, seller, filled.Seller)
	assert.Equal(t, new(big.Int).Add(sellerStrike, wadFrac(99, 10)), f.balance(t, strike, seller))
	assert.Equal(t, wadFrac(1, 10), f.balance(t, strike, recipient))
	assert.Equal(t, wad(1), f.balance(t, underlying, custody))
	f.assertCustody(t)

	_, err = f.engine.ClaimUnderlyingOnExpiration(ctx, seller, o.ID)
	assert.ErrorIs(t, err, domain.ErrOptionNotExpired)
	assert.Equal(t, domain.KindTemporal, domain.KindOf(err))

	f.clock.Advance(time.Hour)
	_, err = f.engine.ExerciseOption(ctx, buyer, o.ID)
	assert.ErrorIs(t, err, domain.ErrOptionExpired)

	_, err = f.engine.ClaimUnderlyingOnExpiration(ctx, buyer, o.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	claimed, err := f.engine.ClaimUnderlyingOnExpiration(ctx, seller, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExpired, claimed.State)
	assert.Equal(t, sellerUnderlying, f.balance(t, underlying, seller))
	assert.Equal(t, 0, f.balance(t, underlying, custody).Sign())
	f.assertCustody(t)
}

func TestFill_SecondFillFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	o, err := f.engine.CreateAsk(ctx, seller, standardTerms())
	require.NoError(t, err)
	_, err = f.engine.FillAsk(ctx, buyer, o.ID)
	require.NoError(t, err)

	_, err = f.engine.FillAsk(ctx, other, o.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	got, err := f.engine.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, buyer, got.Buyer)
}

func TestFill_Guards(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ask, err := f.engine.CreateAsk(ctx, seller, standardTerms())
	require.NoError(t, err)
	bid, err := f.engine.CreateBid(ctx, buyer, standardTerms())
	require.NoError(t, err)

	_, err = f.engine.FillAsk(ctx, seller, ask.ID)
	assert.ErrorIs(t, err, domain.ErrSelfFill)

	_, err = f.engine.FillBid(ctx, buyer, bid.ID)
	assert.ErrorIs(t, err, domain.ErrSelfFill)

	_, err = f.engine.FillBid(ctx, other, ask.ID)
	assert.ErrorIs(t, err, domain.ErrWrongOrderType)

	_, err = f.engine.FillAsk(ctx, other, 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.engine.FillAsk(ctx, custody, ask.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	got, err := f.engine.Get(ctx, ask.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOpen, got.State)
	f.assertCustody(t)
}

func TestFill_UnsupportedAsset(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	o, err := f.engine.CreateAsk(ctx, seller, standardTerms())
	require.NoError(t, err)
	require.NoError(t, f.fees.SetSupported(context.Background(), feeOwner, strike, false))

	_, err = f.engine.FillAsk(ctx, buyer, o.ID)
	assert.ErrorIs(t, err, domain.ErrUnsupportedAsset)

	got, _ := f.engine.Get(ctx, o.ID)
	assert.Equal(t, domain.StateOpen, got.State)
}

func TestFill_GuardsRunBeforeFeePolicy(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ask, err := f.engine.CreateAsk(ctx, seller, standardTerms())
	require.NoError(t, err)
	require.NoError(t, f.fees.SetSupported(ctx, feeOwner, strike, false))

	// An unsupported strike asset must not mask the cheaper rejections.
	_, err = f.engine.FillBid(ctx, other, ask.ID)
	assert.ErrorIs(t, err, domain.ErrWrongOrderType)
	assert.NotErrorIs(t, err, domain.ErrUnsupportedAsset)

	_, err = f.engine.FillAsk(ctx, seller, ask.ID)
	assert.ErrorIs(t, err, domain.ErrSelfFill)
	assert.NotErrorIs(t, err, domain.ErrUnsupportedAsset)

	_, err = f.engine.FillAsk(ctx, buyer, ask.ID)
	assert.ErrorIs(t, err, domain.ErrUnsupportedAsset)
}

func TestFill_RejectsCustodyAsFeeRecipient(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	o, err := f.engine.CreateAsk(ctx, seller, standardTerms())
	require.NoError(t, err)
	buyerStrike := f.balance(t, strike, buyer)

	for _, to := range []common.Address{custody, {}} {
		require.NoError(t, f.fees.SetFeeRecipient(ctx, feeOwner, to))
		_, err = f.engine.FillAsk(ctx, buyer, o.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidFeeRecipient, to.Hex())
	}

	got, err := f.engine.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOpen, got.State)
	assert.Equal(t, buyerStrike, f.balance(t, strike, buyer))
	f.assertCustody(t)

	require.NoError(t, f.fees.SetFeeRecipient(ctx, feeOwner, recipient))
	_, err = f.engine.FillAsk(ctx, buyer, o.ID)
	require.NoError(t, err)
	f.assertCustody(t)
}

func TestFill_ZeroFeeAllowsAnyRecipient(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.fees.SetFeeRate(ctx, feeOwner, strike, big.NewInt(0)))
	require.NoError(t, f.fees.SetFeeRecipient(ctx, feeOwner, custody))

	o, err := f.engine.CreateAsk(ctx, seller, standardTerms())
	require.NoError(t, err)
	_, err = f.engine.FillAsk(ctx, buyer, o.ID)
	require.NoError(t, err)
	f.assertCustody(t)
}

type fixedFees struct {
	fee *big.Int
}

func (s fixedFees) GetFee(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int).Set(s.fee), nil
}

func (s fixedFees) FeeRecipient(context.Context) (common.Address, error) {
	return recipient, nil
}

func TestFill_PremiumMustExceedFee(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.engine.fees = fixedFees{fee: wad(10)}

	o, err := f.engine.CreateAsk(ctx, seller, standardTerms())
	require.NoError(t, err)

	_, err = f.engine.FillAsk(ctx, buyer, o.ID)
	assert.ErrorIs(t, err, domain.ErrPremiumNotAboveFee)
	assert.Equal(t, domain.KindEconomic, domain.KindOf(err))
}

func TestFill_ZeroFeeSkipsRecipient(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.fees.SetFeeRate(context.Background(), feeOwner, strike, big.NewInt(0)))

	sellerStrike := f.balance(t, strike, seller)
	o, err := f.engine.CreateAsk(ctx, seller, standardTerms())
	require.NoError(t, err)
	_, err = f.engine.FillAsk(ctx, buyer, o.ID)
	require.NoError(t, err)

	assert.Equal(t, new(big.Int).Add(sellerStrike, wad(10)), f.balance(t, strike, seller))
	assert.Equal(t, 0, f.balance(t, strike, recipient).Sign())
}

func TestCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sellerUnderlying := f.balance(t, underlying, seller)
	buyerStrike := f.balance(t, strike, buyer)

	ask, err := f.engine.CreateAsk(ctx, seller, standardTerms())
	require.NoError(t, err)
	bid, err := f.engine.CreateBid(ctx, buyer, standardTerms())
	require.NoError(t, err)

	_, err = f.engine.CancelOrder(ctx, buyer, ask.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	canceled, err := f.engine.CancelOrder(ctx, seller, ask.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCanceled, canceled.State)
	assert.Equal(t, sellerUnderlying, f.balance(t, underlying, seller))

	_, err = f.engine.CancelOrder(ctx, buyer, bid.ID)
	require.NoError(t, err)
	assert.Equal(t, buyerStrike, f.balance(t, strike, buyer))

	_, err = f.engine.FillAsk(ctx, buyer, ask.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = f.engine.FillBid(ctx, seller, bid.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = f.engine.CancelOrder(ctx, seller, ask.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	report := f.engine.CustodyReport(ctx)
	assert.Equal(t, 0, report.Underlying.Sign())
	assert.Equal(t, 0, report.LockedPremiums.Sign())
	f.assertCustody(t)
}

func TestCancel_ActiveOptionFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	o, err := f.engine.CreateAsk(ctx, seller, standardTerms())
	require.NoError(t, err)
	_, err = f.engine.FillAsk(ctx, buyer, o.ID)
	require.NoError(t, err)

	_, err = f.engine.CancelOrder(ctx, seller, o.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func activeAsk(t *testing.T, f *fixture) domain.Option {
	t.Helper()
	ctx := context.Background()
	o, err := f.engine.CreateAsk(ctx, seller, standardTerms())
	require.NoError(t, err)
	o, err = f.engine.FillAsk(ctx, buyer, o.ID)
	require.NoError(t, err)
	return o
}

func TestExercise_Guards(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	open, err := f.engine.CreateAsk(ctx, seller, standardTerms())
	require.NoError(t, err)
	_, err = f.engine.ExerciseOption(ctx, seller, open.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	o := activeAsk(t, f)
	_, err = f.engine.ExerciseOption(ctx, seller, o.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	f.clock.Set(o.ExpirationTimestamp)
	_, err = f.engine.ExerciseOption(ctx, buyer, o.ID)
	assert.ErrorIs(t, err, domain.ErrOptionExpired)
}

func TestExercise_BuyerWithoutStrikeRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	o := activeAsk(t, f)
	require.NoError(t, f.ledger.Approve(ctx, strike, buyer, custody, wad(1)))
	before := f.balance(t, underlying, buyer)

	_, err := f.engine.ExerciseOption(ctx, buyer, o.ID)
	assert.ErrorIs(t, err, domain.ErrInsufficientAllowance)

	got, err := f.engine.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, got.State)
	assert.Equal(t, before, f.balance(t, underlying, buyer))
	assert.Equal(t, domain.StateActive, f.store.records[o.ID].State)
	f.assertCustody(t)
}

func TestClose_HalfwayPaysThreeQuartersOfPremium(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	o := activeAsk(t, f)
	buyerStrike := f.balance(t, strike, buyer)
	sellerStrike := f.balance(t, strike, seller)

	f.clock.Advance(30 * time.Minute)
	quote, err := f.engine.ClosingFee(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, wadFrac(75, 10), quote)

	_, err = f.engine.CloseOption(ctx, buyer, o.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	closed, err := f.engine.CloseOption(ctx, seller, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, closed.State)
	assert.Equal(t, new(big.Int).Add(buyerStrike, wadFrac(75, 10)), f.balance(t, strike, buyer))
	assert.Equal(t, new(big.Int).Sub(sellerStrike, wadFrac(75, 10)), f.balance(t, strike, seller))
	assert.Equal(t, 0, f.balance(t, underlying, custody).Sign())
	f.assertCustody(t)

	_, err = f.engine.ClosingFee(ctx, o.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestClose_AtExpirationFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	o := activeAsk(t, f)
	f.clock.Set(o.ExpirationTimestamp)

	_, err := f.engine.CloseOption(ctx, seller, o.ID)
	assert.ErrorIs(t, err, domain.ErrOptionExpired)

	got, _ := f.engine.Get(ctx, o.ID)
	assert.Equal(t, domain.StateActive, got.State)
}

func TestClose_ZeroFeeRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	terms := standardTerms()
	terms.PremiumAmount = big.NewInt(1)
	o, err := f.engine.CreateAsk(ctx, seller, terms)
	require.NoError(t, err)
	o, err = f.engine.FillAsk(ctx, buyer, o.ID)
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	_, err = f.engine.CloseOption(ctx, seller, o.ID)
	assert.ErrorIs(t, err, domain.ErrZeroClosingFee)
	assert.Equal(t, domain.KindEconomic, domain.KindOf(err))
}

func TestList_Filters(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	activeAsk(t, f)
	_, err := f.engine.CreateBid(ctx, other, standardTerms())
	require.NoError(t, err)
	_, err = f.engine.CreateAsk(ctx, other, standardTerms())
	require.NoError(t, err)

	assert.Len(t, f.engine.List(ctx, domain.OptionFilter{}), 3)
	assert.Len(t, f.engine.List(ctx, domain.OptionFilter{State: domain.StateOpen}), 2)
	assert.Len(t, f.engine.List(ctx, domain.OptionFilter{OrderType: domain.OrderTypeBid}), 1)
	assert.Len(t, f.engine.List(ctx, domain.OptionFilter{Principal: buyer}), 1)

	page := f.engine.List(ctx, domain.OptionFilter{Limit: 1, Offset: 1})
	require.Len(t, page, 1)
	assert.Equal(t, uint64(2), page[0].ID)
}

func TestGet_ReturnsCopy(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	o, err := f.engine.CreateAsk(ctx, seller, standardTerms())
	require.NoError(t, err)
	o.UnderlyingAmount.SetInt64(0)

	got, err := f.engine.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, wad(1), got.UnderlyingAmount)
}

func TestRestore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	o := activeAsk(t, f)
	_, err := f.engine.CreateBid(ctx, other, standardTerms())
	require.NoError(t, err)

	restored, err := New(Config{
		Pair:    domain.Pair{Underlying: underlying, Strike: strike},
		Custody: custody,
	}, f.ledger, f.clock, f.fees, nil, WithStore(f.store))
	require.NoError(t, err)

	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := restored.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, got.State)
	assert.True(t, got.ExpirationTimestamp.Equal(o.ExpirationTimestamp))

	_, err = restored.VerifyCustody(ctx)
	require.NoError(t, err)

	next, err := restored.CreateAsk(ctx, other, standardTerms())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next.ID)

	_, err = restored.Restore(ctx)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestVerifyCustody_DetectsMismatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.CreateAsk(ctx, seller, standardTerms())
	require.NoError(t, err)
	require.NoError(t, f.ledger.Mint(ctx, underlying, custody, big.NewInt(1)))

	_, err = f.engine.VerifyCustody(ctx)
	assert.ErrorIs(t, err, domain.ErrCustodyMismatch)
}

func TestConcurrentFills_ExactlyOneWins(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	o, err := f.engine.CreateAsk(ctx, seller, standardTerms())
	require.NoError(t, err)

	buyers := make([]common.Address, 8)
	for i := range buyers {
		buyers[i] = common.BigToAddress(big.NewInt(int64(0x1000 + i)))
		require.NoError(t, f.ledger.Mint(ctx, strike, buyers[i], wad(10)))
		require.NoError(t, f.ledger.Approve(ctx, strike, buyers[i], custody, wad(10)))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	for _, b := range buyers {
		wg.Add(1)
		go func(b common.Address) {
			defer wg.Done()
			_, err := f.engine.FillAsk(ctx, b, o.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			errs = append(errs, err)
		}(b)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	for _, err := range errs {
		assert.Equal(t, domain.KindState, domain.KindOf(err), err.Error())
	}
	f.assertCustody(t)
}

// Conservation: nothing leaves custody that was not locked for a record.
func TestConservation_MixedSequence(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	total := func() (*big.Int, *big.Int) {
		u, s := new(big.Int), new(big.Int)
		for _, p := range []common.Address{seller, buyer, other, recipient, custody} {
			u.Add(u, f.balance(t, underlying, p))
			s.Add(s, f.balance(t, strike, p))
		}
		return u, s
	}
	u0, s0 := total()

	a := activeAsk(t, f)
	b, err := f.engine.CreateBid(ctx, other, standardTerms())
	require.NoError(t, err)
	_, err = f.engine.FillBid(ctx, seller, b.ID)
	require.NoError(t, err)
	c, err := f.engine.CreateAsk(ctx, other, standardTerms())
	require.NoError(t, err)
	_, err = f.engine.CancelOrder(ctx, other, c.ID)
	require.NoError(t, err)

	f.clock.Advance(15 * time.Minute)
	_, err = f.engine.CloseOption(ctx, seller, a.ID)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = f.engine.ClaimUnderlyingOnExpiration(ctx, seller, b.ID)
	require.NoError(t, err)

	u1, s1 := total()
	assert.Equal(t, u0, u1)
	assert.Equal(t, s0, s1)
	assert.Equal(t, 0, f.balance(t, underlying, custody).Sign())
	assert.Equal(t, 0, f.balance(t, strike, custody).Sign())
	f.assertCustody(t)
}

// --- test doubles ---

type fakeStore struct {
	mu      sync.Mutex
	records map[uint64]domain.Option
	failOn  uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[uint64]domain.Option)}
}

func (s *fakeStore) Save(_ context.Context, o domain.Option) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != 0 && s.failOn == o.ID {
		return errors.New("disk full")
	}
	s.records[o.ID] = o.Clone()
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, id uint64) (domain.Option, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.records[id]
	if !ok {
		return domain.Option{}, domain.ErrNotFound
	}
	return o.Clone(), nil
}

func (s *fakeStore) LoadAll(context.Context) ([]domain.Option, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Option, 0, len(s.records))
	for _, o := range s.records {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) ListTerminalBefore(context.Context, time.Time, int) ([]domain.Option, error) {
	return nil, nil
}

func (s *fakeStore) MarkArchived(context.Context, []uint64, string) error {
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}
