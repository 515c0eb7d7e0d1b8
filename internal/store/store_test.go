package store

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kzyno/bankroll-engine/internal/address"
	"github.com/kzyno/bankroll-engine/internal/fixedpoint"
	"github.com/kzyno/bankroll-engine/internal/model"
)

var errBoom = errors.New("boom")

func backends(t *testing.T) map[string]Store {
	t.Helper()
	lite, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { lite.Close() })

	// Nothing listens on port 1: every cache call misses and falls through.
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": lite,
		"cached": NewCachedStore(NewMemoryStore(), rdb, time.Minute),
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) { fn(t, st) })
	}
}

func samplePool() *model.PoolLedger {
	return &model.PoolLedger{
		Key:            address.Pool(),
		Admin:          "house",
		Asset:          "SOL",
		TotalShares:    fixedpoint.NewWide(1000),
		ProfitPerShare: mustQ("-18446744073709551616"),
		UserFunds:      50,
		LastBankroll:   1000,
		UpdatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func mustQ(s string) fixedpoint.Q64 {
	q, err := fixedpoint.ParseQ64(s)
	if err != nil {
		panic(err)
	}
	return q
}

func TestStore_PoolRoundTrip(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.GetPool(ctx)
		assert.ErrorIs(t, err, ErrNotFound)

		want := samplePool()
		require.NoError(t, st.Update(ctx, func(tx Tx) error {
			_, err := tx.Pool(ctx)
			assert.ErrorIs(t, err, ErrNotFound)
			return tx.SavePool(ctx, want)
		}))

		got, err := st.GetPool(ctx)
		require.NoError(t, err)
		assert.Equal(t, want.Admin, got.Admin)
		assert.Equal(t, "1000", got.TotalShares.String())
		assert.True(t, want.ProfitPerShare.Equal(got.ProfitPerShare))
		assert.Equal(t, uint64(50), got.UserFunds)
		assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))
	})
}

func TestStore_RollbackOnError(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.Airdrop(ctx, "alice", 100))

		err := st.Update(ctx, func(tx Tx) error {
			require.NoError(t, tx.SavePool(ctx, samplePool()))
			require.NoError(t, tx.Transfer(ctx, "alice", address.Vault(), 60))
			require.NoError(t, tx.AppendEvent(ctx, &model.Event{ID: "01", Kind: model.EventFundsDeposited, Owner: "alice"}))
			return errBoom
		})
		assert.ErrorIs(t, err, errBoom)

		_, err = st.GetPool(ctx)
		assert.ErrorIs(t, err, ErrNotFound)
		bal, err := st.AccountBalance(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, uint64(100), bal)
		events, err := st.ListEvents(ctx, "", 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestStore_Transfer(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.Airdrop(ctx, "alice", 100))

		err := st.Update(ctx, func(tx Tx) error {
			return tx.Transfer(ctx, "alice", "bob", 101)
		})
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		require.NoError(t, st.Update(ctx, func(tx Tx) error {
			if err := tx.Transfer(ctx, "alice", "bob", 30); err != nil {
				return err
			}
			got, err := tx.BalanceOf(ctx, "bob")
			require.NoError(t, err)
			assert.Equal(t, uint64(30), got)
			return nil
		}))

		a, _ := st.AccountBalance(ctx, "alice")
		b, _ := st.AccountBalance(ctx, "bob")
		assert.Equal(t, uint64(70), a)
		assert.Equal(t, uint64(30), b)

		none, err := st.AccountBalance(ctx, "nobody")
		require.NoError(t, err)
		assert.Zero(t, none)
	})
}

func TestStore_Positions(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

		require.NoError(t, st.Update(ctx, func(tx Tx) error {
			for _, idx := range []uint64{2, 0, 1} {
				err := tx.SavePosition(ctx, &model.LiquidityPosition{
					Key:       address.Position("alice", idx),
					Owner:     "alice",
					Index:     idx,
					Deposited: 100 * (idx + 1),
					Shares:    fixedpoint.NewWide(100 * (idx + 1)),
					CreatedAt: created,
				})
				if err != nil {
					return err
				}
			}
			return nil
		}))

		positions, err := st.ListPositions(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, positions, 3)
		for i, p := range positions {
			assert.Equal(t, uint64(i), p.Index)
		}

		require.NoError(t, st.Update(ctx, func(tx Tx) error {
			key := address.Position("alice", 1)
			p, err := tx.Position(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, "200", p.Shares.String())
			if err := tx.DeletePosition(ctx, key); err != nil {
				return err
			}
			_, err = tx.Position(ctx, key)
			assert.ErrorIs(t, err, ErrNotFound)
			return nil
		}))

		positions, err = st.ListPositions(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, positions, 2)

		positions, err = st.ListPositions(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, positions)
	})
}

func TestStore_PositionsOrderedAsUnsigned(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		indexes := []uint64{math.MaxUint64, 1 << 63, 7, math.MaxInt64, 0}

		require.NoError(t, st.Update(ctx, func(tx Tx) error {
			for _, idx := range indexes {
				err := tx.SavePosition(ctx, &model.LiquidityPosition{
					Key:    address.Position("dana", idx),
					Owner:  "dana",
					Index:  idx,
					Shares: fixedpoint.NewWide(1),
				})
				if err != nil {
					return err
				}
			}
			return nil
		}))

		positions, err := st.ListPositions(ctx, "dana")
		require.NoError(t, err)
		var got []uint64
		for _, p := range positions {
			got = append(got, p.Index)
		}
		assert.Equal(t, []uint64{0, 7, math.MaxInt64, 1 << 63, math.MaxUint64}, got)
	})
}

func TestSortableIndex(t *testing.T) {
	assert.Less(t, sortableIndex(0), sortableIndex(1))
	assert.Less(t, sortableIndex(math.MaxInt64), sortableIndex(1<<63))
	assert.Less(t, sortableIndex(1<<63), sortableIndex(math.MaxUint64))
}

func TestStore_BalancesAndEvents(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		key := address.Balance("carol")

		_, err := st.GetBalance(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)

		won := true
		require.NoError(t, st.Update(ctx, func(tx Tx) error {
			if err := tx.SaveBalance(ctx, &model.CustodialBalance{Key: key, Owner: "carol", Balance: 42}); err != nil {
				return err
			}
			for _, e := range []model.Event{
				{ID: "01A", Kind: model.EventFundsDeposited, Owner: "carol", Amount: 42},
				{ID: "01B", Kind: model.EventWagerSettled, Owner: "carol", Amount: 2, Won: &won, Chance: 2},
				{ID: "01C", Kind: model.EventLiquidityDeposited, Owner: "dave", Amount: 9},
			} {
				e := e
				if err := tx.AppendEvent(ctx, &e); err != nil {
					return err
				}
			}
			return nil
		}))

		b, err := st.GetBalance(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, uint64(42), b.Balance)

		all, err := st.ListEvents(ctx, "", 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "01C", all[0].ID)

		mine, err := st.ListEvents(ctx, "carol", 1)
		require.NoError(t, err)
		require.Len(t, mine, 1)
		assert.Equal(t, "01B", mine[0].ID)
		require.NotNil(t, mine[0].Won)
		assert.True(t, *mine[0].Won)
	})
}

func TestMemoryStore_ReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	require.NoError(t, ms.Update(ctx, func(tx Tx) error { return tx.SavePool(ctx, samplePool()) }))

	l, err := ms.GetPool(ctx)
	require.NoError(t, err)
	l.Admin = "mallory"

	again, err := ms.GetPool(ctx)
	require.NoError(t, err)
	assert.Equal(t, "house", again.Admin)
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "pool:ledger", poolKey())
	assert.Equal(t, "balance:abc", balanceKey("abc"))
	assert.Equal(t, "positions:alice", positionsKey("alice"))
}

func TestCachedTx_TracksTouchedKeys(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	var touched []string

	err := ms.Update(ctx, func(inner Tx) error {
		tx := &cachedTx{Tx: inner, touched: &touched}
		if err := tx.SavePool(ctx, samplePool()); err != nil {
			return err
		}
		p := &model.LiquidityPosition{Key: address.Position("erin", 0), Owner: "erin", Shares: fixedpoint.NewWide(1)}
		if err := tx.SavePosition(ctx, p); err != nil {
			return err
		}
		if err := tx.DeletePosition(ctx, p.Key); err != nil {
			return err
		}
		return tx.SaveBalance(ctx, &model.CustodialBalance{Key: "k", Owner: "erin"})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"pool:ledger", "positions:erin", "positions:erin", "balance:k"}, touched)
}

func newMiniCache(t *testing.T) (*CachedStore, *MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ms := NewMemoryStore()
	return NewCachedStore(ms, rdb, time.Minute), ms, mr
}

func TestCachedStore_FillAndInvalidate(t *testing.T) {
	ctx := context.Background()
	cs, _, mr := newMiniCache(t)
	require.NoError(t, cs.Update(ctx, func(tx Tx) error { return tx.SavePool(ctx, samplePool()) }))

	_, err := cs.GetPool(ctx)
	require.NoError(t, err)
	assert.True(t, mr.Exists(poolKey()), "miss fills the cache")

	next := samplePool()
	next.Admin = "next"
	require.NoError(t, cs.Update(ctx, func(tx Tx) error { return tx.SavePool(ctx, next) }))
	assert.False(t, mr.Exists(poolKey()), "commit evicts the cached ledger")

	got, err := cs.GetPool(ctx)
	require.NoError(t, err)
	assert.Equal(t, "next", got.Admin)
}

func TestCachedStore_LoadRacingCommitIsNotCached(t *testing.T) {
	ctx := context.Background()
	cs, ms, mr := newMiniCache(t)
	require.NoError(t, cs.Update(ctx, func(tx Tx) error { return tx.SavePool(ctx, samplePool()) }))

	// A reader misses and loads the ledger from the primary...
	gen := cs.generation(ctx, poolKey())
	stale, err := ms.GetPool(ctx)
	require.NoError(t, err)

	// ...a write commits and invalidates...
	next := samplePool()
	next.Admin = "next"
	require.NoError(t, cs.Update(ctx, func(tx Tx) error { return tx.SavePool(ctx, next) }))

	// ...and only then does the reader try to fill.
	cs.cache(ctx, poolKey(), gen, stale)
	assert.False(t, mr.Exists(poolKey()))

	got, err := cs.GetPool(ctx)
	require.NoError(t, err)
	assert.Equal(t, "next", got.Admin)
}
