package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionbook/internal/domain"
)

func TestRegistry_ReleaseLastPops(t *testing.T) {
	r := newRegistry()
	s := r.reserve(domain.Option{State: domain.StateOpen, OrderType: domain.OrderTypeAsk})
	assert.Equal(t, uint64(1), s.rec.ID)

	r.release(1)
	assert.Equal(t, 0, r.len())

	s = r.reserve(domain.Option{State: domain.StateOpen, OrderType: domain.OrderTypeAsk})
	assert.Equal(t, uint64(1), s.rec.ID)
}

func TestRegistry_ReleaseMiddleLeavesTombstone(t *testing.T) {
	r := newRegistry()
	r.reserve(domain.Option{State: domain.StateOpen, OrderType: domain.OrderTypeAsk})
	second := r.reserve(domain.Option{State: domain.StateOpen, OrderType: domain.OrderTypeBid})

	r.release(1)
	second.committed = true
	second.busy = false

	_, err := r.get(1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err := r.get(2)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderTypeBid, got.OrderType)
	assert.Len(t, r.all(), 1)

	next := r.reserve(domain.Option{})
	assert.Equal(t, uint64(3), next.rec.ID)
}

func TestRegistry_InFlightCreateIsInvisible(t *testing.T) {
	r := newRegistry()
	r.reserve(domain.Option{State: domain.StateOpen, OrderType: domain.OrderTypeAsk})

	_, err := r.get(1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, r.all())
}

func TestRegistry_LoadKeepsIndexes(t *testing.T) {
	r := newRegistry()
	err := r.load([]domain.Option{
		{ID: 3, State: domain.StateCanceled, OrderType: domain.OrderTypeAsk},
		{ID: 1, State: domain.StateOpen, OrderType: domain.OrderTypeBid},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, r.len())

	_, err = r.get(2)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	got, err := r.get(3)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCanceled, got.State)
}

func TestRegistry_LoadRejectsBadRecords(t *testing.T) {
	assert.ErrorIs(t, newRegistry().load([]domain.Option{
		{ID: 1, State: domain.StateOpen, OrderType: domain.OrderTypeAsk},
		{ID: 1, State: domain.StateOpen, OrderType: domain.OrderTypeAsk},
	}), domain.ErrAlreadyExists)

	assert.ErrorIs(t, newRegistry().load([]domain.Option{
		{ID: 1, State: "bogus", OrderType: domain.OrderTypeAsk},
	}), domain.ErrInvalidState)
}

func TestTransitions(t *testing.T) {
	assert.True(t, domain.CanTransition(domain.StateOpen, domain.StateActive))
	assert.True(t, domain.CanTransition(domain.StateOpen, domain.StateCanceled))
	assert.True(t, domain.CanTransition(domain.StateActive, domain.StateClosed))
	assert.False(t, domain.CanTransition(domain.StateOpen, domain.StateExercised))
	assert.False(t, domain.CanTransition(domain.StateActive, domain.StateOpen))
	assert.False(t, domain.CanTransition(domain.StateCanceled, domain.StateActive))
}
