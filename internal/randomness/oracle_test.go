package randomness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ slot uint64 }

func (c *fakeClock) now() uint64 { return c.slot }

func TestSupplied(t *testing.T) {
	v := uint64(106)
	got, err := Supplied{}.Draw(context.Background(), Request{Value: &v})
	require.NoError(t, err)
	assert.Equal(t, uint64(106), got)

	_, err = Supplied{}.Draw(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrMissingValue)
}

func TestOracle_RevealWindow(t *testing.T) {
	clock := &fakeClock{slot: 100}
	o := NewOracle(clock.now, 3, 10)
	ctx := context.Background()

	c, err := o.Commit(ctx, "player1")
	require.NoError(t, err)
	assert.Equal(t, uint64(103), c.ResolveSlot)
	assert.Equal(t, uint64(113), c.ExpirySlot)

	req := Request{Player: "player1", Account: c.Account}

	_, err = o.Draw(ctx, req)
	assert.ErrorIs(t, err, ErrNotResolved)

	clock.slot = 103
	v, err := o.Draw(ctx, req)
	require.NoError(t, err)

	_, err = o.Draw(ctx, req)
	assert.ErrorIs(t, err, ErrAlreadyRevealed)

	seed, ok := o.Seed(c.Account)
	require.True(t, ok)
	assert.True(t, Verify(seed, c.SeedHash, c.Account, v))
	assert.False(t, Verify(seed, c.SeedHash, c.Account, v+1))
}

func TestOracle_Expired(t *testing.T) {
	clock := &fakeClock{slot: 0}
	o := NewOracle(clock.now, 1, 5)
	ctx := context.Background()

	c, err := o.Commit(ctx, "player1")
	require.NoError(t, err)

	clock.slot = 7
	_, err = o.Draw(ctx, Request{Player: "player1", Account: c.Account})
	assert.ErrorIs(t, err, ErrExpired)

	assert.Equal(t, 1, o.Prune())
	_, err = o.Draw(ctx, Request{Player: "player1", Account: c.Account})
	assert.ErrorIs(t, err, ErrInvalidAccount)
}

func TestOracle_InvalidAccount(t *testing.T) {
	clock := &fakeClock{}
	o := NewOracle(clock.now, 0, 5)
	ctx := context.Background()

	c, err := o.Commit(ctx, "player1")
	require.NoError(t, err)

	_, err = o.Draw(ctx, Request{Player: "player2", Account: c.Account})
	assert.ErrorIs(t, err, ErrInvalidAccount)

	_, err = o.Draw(ctx, Request{Player: "player1", Account: "deadbeef"})
	assert.ErrorIs(t, err, ErrInvalidAccount)
}

func TestOracle_CommitSameSlotReturnsOpenRound(t *testing.T) {
	clock := &fakeClock{slot: 9}
	o := NewOracle(clock.now, 0, 5)
	ctx := context.Background()

	a, err := o.Commit(ctx, "player1")
	require.NoError(t, err)
	b, err := o.Commit(ctx, "player1")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = o.Draw(ctx, Request{Player: "player1", Account: a.Account})
	require.NoError(t, err)
	_, err = o.Commit(ctx, "player1")
	assert.ErrorIs(t, err, ErrAlreadyRevealed)
}

func TestOracle_RejectsBadIdentity(t *testing.T) {
	o := NewOracle((&fakeClock{}).now, 0, 5)
	_, err := o.Commit(context.Background(), "")
	assert.Error(t, err)
}

func TestOracle_PeekLeavesRoundOpen(t *testing.T) {
	clock := &fakeClock{slot: 5}
	o := NewOracle(clock.now, 0, 5)
	ctx := context.Background()

	c, err := o.Commit(ctx, "player1")
	require.NoError(t, err)
	req := Request{Player: "player1", Account: c.Account}

	a, err := o.Peek(ctx, req)
	require.NoError(t, err)
	b, err := o.Peek(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, ok := o.Seed(c.Account)
	assert.False(t, ok, "seed stays secret until revealed")

	require.NoError(t, o.Reveal(req))
	assert.ErrorIs(t, o.Reveal(req), ErrAlreadyRevealed)
	_, err = o.Peek(ctx, req)
	assert.ErrorIs(t, err, ErrAlreadyRevealed)

	seed, ok := o.Seed(c.Account)
	require.True(t, ok)
	assert.True(t, Verify(seed, c.SeedHash, c.Account, a))

	assert.ErrorIs(t, o.Reveal(Request{Player: "player2", Account: c.Account}), ErrInvalidAccount)
}
