package redis

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionbook/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return Wrap(rdb, "test"), mr
}

func TestClient_Key(t *testing.T) {
	c, _ := newTestClient(t)
	assert.Equal(t, "test:events", c.Key("events"))
	assert.Equal(t, "events", Wrap(nil, "").Key("events"))
}

func TestLockManager(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	lm := NewLockManager(c)

	unlock, err := lm.Acquire(ctx, "archive", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:archive"))

	_, err = lm.Acquire(ctx, "archive", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	assert.False(t, mr.Exists("test:lock:archive"))

	_, err = lm.Acquire(ctx, "archive", time.Minute)
	require.NoError(t, err)
}

func TestLock_ExtendAfterLoss(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	lm := NewLockManager(c)

	l, err := lm.TryLock(ctx, "archive", time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Extend(ctx, time.Minute))

	mr.FastForward(2 * time.Minute)
	assert.ErrorIs(t, l.Extend(ctx, time.Minute), domain.ErrLockHeld)
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	rl := NewRateLimiter(c)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, remaining, err := rl.AllowWithRemaining(ctx, "caller", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 2-i, remaining)
	}
	ok, err := rl.Allow(ctx, "caller", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "someone-else", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(1100 * time.Millisecond)
	ok, err = rl.Allow(ctx, "caller", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignalBus_PubSub(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewSignalBus(c)

	ch, err := bus.Subscribe(ctx, "events:*")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "events:order_created", []byte(`{"id":1}`)))

	select {
	case msg := <-ch:
		assert.JSONEq(t, `{"id":1}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	for range ch {
	}
}

func TestSignalBus_Stream(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	bus := NewSignalBus(c)

	msgs, err := bus.StreamRead(ctx, "events", "0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, bus.StreamAppend(ctx, "events", []byte("a")))
	require.NoError(t, bus.StreamAppend(ctx, "events", []byte("b")))

	msgs, err = bus.StreamRead(ctx, "events", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("a"), msgs[0].Payload)

	rest, err := bus.StreamRead(ctx, "events", msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, []byte("b"), rest[0].Payload)
}

func TestFeePolicy(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	owner := common.HexToAddress("0x01")
	recipient := common.HexToAddress("0x02")
	asset := common.HexToAddress("0xaa")
	p := NewFeePolicy(c, owner)

	_, err := p.GetFee(ctx, asset, big.NewInt(1000))
	assert.ErrorIs(t, err, domain.ErrUnsupportedAsset)

	_, err = p.FeeRecipient(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, p.SetSupported(ctx, owner, asset, true))
	fee, err := p.GetFee(ctx, asset, big.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, 0, fee.Sign())

	// 2.5%
	require.NoError(t, p.SetFeeRate(ctx, owner, asset, big.NewInt(25e15)))
	fee, err = p.GetFee(ctx, asset, big.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, int64(25), fee.Int64())

	require.NoError(t, p.SetFeeRecipient(ctx, owner, recipient))
	got, err := p.FeeRecipient(ctx)
	require.NoError(t, err)
	assert.Equal(t, recipient, got)

	assert.ErrorIs(t, p.SetFeeRate(ctx, recipient, asset, big.NewInt(1)), domain.ErrUnauthorized)
	assert.ErrorIs(t, p.SetFeeRate(ctx, owner, asset, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)), domain.ErrInvalidFeeRate)

	require.NoError(t, p.SetSupported(ctx, owner, asset, false))
	_, err = p.GetFee(ctx, asset, big.NewInt(1000))
	assert.ErrorIs(t, err, domain.ErrUnsupportedAsset)
}

func TestNonceStore(t *testing.T) {
	c, mr := newTestClient(t)
	n := NewNonceStore(c)
	ctx := context.Background()

	ok, err := n.Claim(ctx, "0xa11ce:abc", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("test:nonce:0xa11ce:abc"))

	ok, err = n.Claim(ctx, "0xa11ce:abc", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(11 * time.Second)
	ok, err = n.Claim(ctx, "0xa11ce:abc", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
