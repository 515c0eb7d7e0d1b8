package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kzyno/bankroll-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache once the
// transaction commits; reads check Redis first then fall back to the primary.
//
// Each cache key has a generation counter that invalidation bumps. A reader
// notes the generation before loading from the primary and fills the cache
// only if it is unchanged, so a load that raced a commit is never cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	var touched []string
	err := s.primary.Update(ctx, func(inner Tx) error {
		touched = touched[:0]
		return fn(&cachedTx{Tx: inner, touched: &touched})
	})
	if err != nil {
		return err
	}
	// Invalidate after commit; next read will re-populate.
	s.invalidate(ctx, touched)
	return nil
}

func (s *CachedStore) Airdrop(ctx context.Context, account string, amount uint64) error {
	return s.primary.Airdrop(ctx, account, amount)
}

// cachedTx records the cache keys a transaction writes through.
type cachedTx struct {
	Tx
	touched *[]string
}

func (t *cachedTx) touch(keys ...string) { *t.touched = append(*t.touched, keys...) }

func (t *cachedTx) SavePool(ctx context.Context, l *model.PoolLedger) error {
	t.touch(poolKey())
	return t.Tx.SavePool(ctx, l)
}

func (t *cachedTx) SavePosition(ctx context.Context, p *model.LiquidityPosition) error {
	t.touch(positionsKey(p.Owner))
	return t.Tx.SavePosition(ctx, p)
}

func (t *cachedTx) DeletePosition(ctx context.Context, key string) error {
	if p, err := t.Tx.Position(ctx, key); err == nil {
		t.touch(positionsKey(p.Owner))
	}
	return t.Tx.DeletePosition(ctx, key)
}

func (t *cachedTx) SaveBalance(ctx context.Context, b *model.CustodialBalance) error {
	t.touch(balanceKey(b.Key))
	return t.Tx.SaveBalance(ctx, b)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPool(ctx context.Context) (*model.PoolLedger, error) {
	var l model.PoolLedger
	if s.cached(ctx, poolKey(), &l) {
		return &l, nil
	}

	// Cache miss: read from primary.
	gen := s.generation(ctx, poolKey())
	p, err := s.primary.GetPool(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, poolKey(), gen, p)
	return p, nil
}

func (s *CachedStore) GetBalance(ctx context.Context, key string) (*model.CustodialBalance, error) {
	var b model.CustodialBalance
	if s.cached(ctx, balanceKey(key), &b) {
		return &b, nil
	}

	gen := s.generation(ctx, balanceKey(key))
	bal, err := s.primary.GetBalance(ctx, key)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, balanceKey(key), gen, bal)
	return bal, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, owner string) ([]model.LiquidityPosition, error) {
	var positions []model.LiquidityPosition
	if s.cached(ctx, positionsKey(owner), &positions) {
		return positions, nil
	}

	gen := s.generation(ctx, positionsKey(owner))
	positions, err := s.primary.ListPositions(ctx, owner)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, positionsKey(owner), gen, positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListEvents(ctx context.Context, owner string, limit int) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, owner, limit)
}

func (s *CachedStore) AccountBalance(ctx context.Context, account string) (uint64, error) {
	return s.primary.AccountBalance(ctx, account)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// generation returns key's current generation, or -1 when Redis cannot
// tell, which disables the fill.
func (s *CachedStore) generation(ctx context.Context, key string) int64 {
	n, err := s.rdb.Get(ctx, generationKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0
	}
	if err != nil {
		return -1
	}
	return n
}

// cache stores v under key if key's generation is still gen. WATCH aborts
// the write when an invalidation lands in between.
func (s *CachedStore) cache(ctx context.Context, key string, gen int64, v any) {
	if gen < 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	gk := generationKey(key)
	s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, gk).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, gk)
}

// invalidate bumps the generation of keys and deletes their cached values.
func (s *CachedStore) invalidate(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Incr(ctx, generationKey(k))
			pipe.Expire(ctx, generationKey(k), generationTTL)
		}
		pipe.Del(ctx, keys...)
		return nil
	})
}

// generationTTL outlives any in-flight read by a wide margin. An expired
// counter reads as 0 again, and a reader that noted a later generation
// skips its fill.
const generationTTL = 24 * time.Hour

func poolKey() string                 { return "pool:ledger" }
func balanceKey(key string) string    { return fmt.Sprintf("balance:%s", key) }
func positionsKey(own string) string  { return fmt.Sprintf("positions:%s", own) }
func generationKey(key string) string { return "gen:" + key }
