// Package store defines the persistence interface for the bankroll engine.
// Implementations include PostgreSQL (source of truth), SQLite (embedded),
// Redis (read-through cache) and in-memory (for testing).
//
// Records live at deterministic keys (see internal/address) and are held by
// value: every read returns a copy and nothing is shared by reference.
package store

import (
	"context"
	"errors"

	"github.com/kzyno/bankroll-engine/internal/model"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrInsufficientBalance is returned by Transfer when the source account
	// cannot cover the amount.
	ErrInsufficientBalance = errors.New("store: insufficient balance")
)

// Tx is one atomic unit of work. Everything written through a Tx, including
// transfers and journal events, commits together or not at all.
type Tx interface {
	// --- Records ---

	// Pool returns the pool ledger, locking it for the rest of the transaction
	// where the backend supports row locks.
	Pool(ctx context.Context) (*model.PoolLedger, error)
	SavePool(ctx context.Context, l *model.PoolLedger) error

	Position(ctx context.Context, key string) (*model.LiquidityPosition, error)
	SavePosition(ctx context.Context, p *model.LiquidityPosition) error
	DeletePosition(ctx context.Context, key string) error

	Balance(ctx context.Context, key string) (*model.CustodialBalance, error)
	SaveBalance(ctx context.Context, b *model.CustodialBalance) error

	// AppendEvent adds an immutable journal entry.
	AppendEvent(ctx context.Context, e *model.Event) error

	// --- Custody ---

	// BalanceOf returns the value held by an account; unknown accounts hold 0.
	BalanceOf(ctx context.Context, account string) (uint64, error)

	// Transfer moves amount between accounts, failing with
	// ErrInsufficientBalance when from cannot cover it.
	Transfer(ctx context.Context, from, to string, amount uint64) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// Update runs fn in a transaction. It commits when fn returns nil and
	// rolls back otherwise, returning fn's error unchanged.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// --- Queries ---

	GetPool(ctx context.Context) (*model.PoolLedger, error)

	// ListPositions returns owner's positions ordered by index.
	ListPositions(ctx context.Context, owner string) ([]model.LiquidityPosition, error)

	GetBalance(ctx context.Context, key string) (*model.CustodialBalance, error)

	// ListEvents returns the newest events first. An empty owner lists the
	// whole pool's journal; limit <= 0 means no limit.
	ListEvents(ctx context.Context, owner string, limit int) ([]model.Event, error)

	// AccountBalance returns the value held by an account.
	AccountBalance(ctx context.Context, account string) (uint64, error)

	// Airdrop credits an account out of thin air. Development only.
	Airdrop(ctx context.Context, account string, amount uint64) error
}
