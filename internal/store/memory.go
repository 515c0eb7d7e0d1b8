package store

import (
	"context"
	"sort"
	"sync"

	"github.com/kzyno/bankroll-engine/internal/fixedpoint"
	"github.com/kzyno/bankroll-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	pool      *model.PoolLedger
	positions map[string]model.LiquidityPosition
	balances  map[string]model.CustodialBalance
	accounts  map[string]uint64
	events    []model.Event
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]model.LiquidityPosition),
		balances:  make(map[string]model.CustodialBalance),
		accounts:  make(map[string]uint64),
	}
}

// Update runs fn against a staging overlay and folds it into the maps only
// when fn succeeds. Writers are serialized by the store lock.
func (s *MemoryStore) Update(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		base:      s,
		positions: make(map[string]*model.LiquidityPosition),
		balances:  make(map[string]model.CustodialBalance),
		accounts:  make(map[string]uint64),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) GetPool(_ context.Context) (*model.PoolLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.pool == nil {
		return nil, ErrNotFound
	}
	l := *s.pool
	return &l, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, owner string) ([]model.LiquidityPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LiquidityPosition
	for _, p := range s.positions {
		if p.Owner == owner {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Index < result[j].Index })
	return result, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, key string) (*model.CustodialBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, owner string, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if owner != "" && s.events[i].Owner != owner {
			continue
		}
		result = append(result, s.events[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) AccountBalance(_ context.Context, account string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[account], nil
}

func (s *MemoryStore) Airdrop(_ context.Context, account string, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := fixedpoint.AddUint64(s.accounts[account], amount)
	if err != nil {
		return err
	}
	s.accounts[account] = v
	return nil
}

// memTx stages writes on top of the store's maps. A nil position marks a
// deletion.
type memTx struct {
	base      *MemoryStore
	pool      *model.PoolLedger
	positions map[string]*model.LiquidityPosition
	balances  map[string]model.CustodialBalance
	accounts  map[string]uint64
	events    []model.Event
}

func (tx *memTx) Pool(_ context.Context) (*model.PoolLedger, error) {
	src := tx.pool
	if src == nil {
		src = tx.base.pool
	}
	if src == nil {
		return nil, ErrNotFound
	}
	l := *src
	return &l, nil
}

func (tx *memTx) SavePool(_ context.Context, l *model.PoolLedger) error {
	cp := *l
	tx.pool = &cp
	return nil
}

func (tx *memTx) Position(_ context.Context, key string) (*model.LiquidityPosition, error) {
	if p, staged := tx.positions[key]; staged {
		if p == nil {
			return nil, ErrNotFound
		}
		cp := *p
		return &cp, nil
	}
	p, ok := tx.base.positions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (tx *memTx) SavePosition(_ context.Context, p *model.LiquidityPosition) error {
	cp := *p
	tx.positions[p.Key] = &cp
	return nil
}

func (tx *memTx) DeletePosition(_ context.Context, key string) error {
	tx.positions[key] = nil
	return nil
}

func (tx *memTx) Balance(_ context.Context, key string) (*model.CustodialBalance, error) {
	if b, ok := tx.balances[key]; ok {
		return &b, nil
	}
	b, ok := tx.base.balances[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (tx *memTx) SaveBalance(_ context.Context, b *model.CustodialBalance) error {
	tx.balances[b.Key] = *b
	return nil
}

func (tx *memTx) AppendEvent(_ context.Context, e *model.Event) error {
	tx.events = append(tx.events, *e)
	return nil
}

func (tx *memTx) BalanceOf(_ context.Context, account string) (uint64, error) {
	if v, ok := tx.accounts[account]; ok {
		return v, nil
	}
	return tx.base.accounts[account], nil
}

func (tx *memTx) Transfer(ctx context.Context, from, to string, amount uint64) error {
	src, _ := tx.BalanceOf(ctx, from)
	if src < amount {
		return ErrInsufficientBalance
	}
	tx.accounts[from] = src - amount

	dst, _ := tx.BalanceOf(ctx, to)
	v, err := fixedpoint.AddUint64(dst, amount)
	if err != nil {
		return err
	}
	tx.accounts[to] = v
	return nil
}

func (tx *memTx) commit() {
	s := tx.base
	if tx.pool != nil {
		s.pool = tx.pool
	}
	for k, p := range tx.positions {
		if p == nil {
			delete(s.positions, k)
			continue
		}
		s.positions[k] = *p
	}
	for k, b := range tx.balances {
		s.balances[k] = b
	}
	for k, v := range tx.accounts {
		s.accounts[k] = v
	}
	s.events = append(s.events, tx.events...)
}
