package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/kzyno/bankroll-engine/internal/address"
	"github.com/kzyno/bankroll-engine/internal/fixedpoint"
	"github.com/kzyno/bankroll-engine/internal/model"
)

// SQLiteSchema stores each record as a JSON document under its derived key.
// Account balances are kept as decimal text so the full u64 range survives.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS records (
    key   TEXT PRIMARY KEY,
    kind  TEXT NOT NULL,
    owner TEXT NOT NULL DEFAULT '',
    idx   INTEGER NOT NULL DEFAULT 0,
    body  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_owner ON records(kind, owner, idx);

CREATE TABLE IF NOT EXISTS accounts (
    account TEXT PRIMARY KEY,
    balance TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    id    TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    body  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_owner ON events(owner, id DESC);
`

const (
	kindPool     = "pool"
	kindPosition = "position"
	kindBalance  = "balance"
)

// SQLiteStore implements Store on an embedded SQLite database (pure Go,
// no CGo). It is single-writer: one connection serializes every transaction.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(SQLiteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.NewSQLiteStore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// sqlRunner is satisfied by *sql.DB and *sql.Tx.
type sqlRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store.Update: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetPool(ctx context.Context) (*model.PoolLedger, error) {
	var l model.PoolLedger
	if err := getRecord(ctx, s.db, address.Pool(), &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *SQLiteStore) ListPositions(ctx context.Context, owner string) ([]model.LiquidityPosition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM records WHERE kind = ? AND owner = ? ORDER BY idx`, kindPosition, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.LiquidityPosition
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var p model.LiquidityPosition
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *SQLiteStore) GetBalance(ctx context.Context, key string) (*model.CustodialBalance, error) {
	var b model.CustodialBalance
	if err := getRecord(ctx, s.db, key, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, owner string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM events WHERE ? = '' OR owner = ? ORDER BY id DESC LIMIT ?`,
		owner, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e model.Event
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) AccountBalance(ctx context.Context, account string) (uint64, error) {
	return getAccount(ctx, s.db, account)
}

func (s *SQLiteStore) Airdrop(ctx context.Context, account string, amount uint64) error {
	return s.Update(ctx, func(tx Tx) error {
		return tx.(*sqliteTx).credit(ctx, account, amount)
	})
}

// sqliteTx implements Tx on a database/sql transaction.
type sqliteTx struct {
	q sqlRunner
}

func (t *sqliteTx) Pool(ctx context.Context) (*model.PoolLedger, error) {
	var l model.PoolLedger
	if err := getRecord(ctx, t.q, address.Pool(), &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (t *sqliteTx) SavePool(ctx context.Context, l *model.PoolLedger) error {
	return putRecord(ctx, t.q, l.Key, kindPool, "", 0, l)
}

func (t *sqliteTx) Position(ctx context.Context, key string) (*model.LiquidityPosition, error) {
	var p model.LiquidityPosition
	if err := getRecord(ctx, t.q, key, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *sqliteTx) SavePosition(ctx context.Context, p *model.LiquidityPosition) error {
	return putRecord(ctx, t.q, p.Key, kindPosition, p.Owner, sortableIndex(p.Index), p)
}

func (t *sqliteTx) DeletePosition(ctx context.Context, key string) error {
	_, err := t.q.ExecContext(ctx, `DELETE FROM records WHERE key = ? AND kind = ?`, key, kindPosition)
	return err
}

func (t *sqliteTx) Balance(ctx context.Context, key string) (*model.CustodialBalance, error) {
	var b model.CustodialBalance
	if err := getRecord(ctx, t.q, key, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *sqliteTx) SaveBalance(ctx context.Context, b *model.CustodialBalance) error {
	return putRecord(ctx, t.q, b.Key, kindBalance, b.Owner, 0, b)
}

func (t *sqliteTx) AppendEvent(ctx context.Context, e *model.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO events (id, owner, body) VALUES (?, ?, ?)`, e.ID, e.Owner, string(body))
	return err
}

func (t *sqliteTx) BalanceOf(ctx context.Context, account string) (uint64, error) {
	return getAccount(ctx, t.q, account)
}

func (t *sqliteTx) Transfer(ctx context.Context, from, to string, amount uint64) error {
	src, err := getAccount(ctx, t.q, from)
	if err != nil {
		return err
	}
	if src < amount {
		return ErrInsufficientBalance
	}
	if err := setAccount(ctx, t.q, from, src-amount); err != nil {
		return err
	}
	return t.credit(ctx, to, amount)
}

func (t *sqliteTx) credit(ctx context.Context, account string, amount uint64) error {
	cur, err := getAccount(ctx, t.q, account)
	if err != nil {
		return err
	}
	next, err := fixedpoint.AddUint64(cur, amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", account, err)
	}
	return setAccount(ctx, t.q, account, next)
}

// --- Record helpers ---

func getRecord(ctx context.Context, q sqlRunner, key string, v any) error {
	var body string
	err := q.QueryRowContext(ctx, `SELECT body FROM records WHERE key = ?`, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get record %s: %w", key, err)
	}
	return json.Unmarshal([]byte(body), v)
}

func putRecord(ctx context.Context, q sqlRunner, key, kind, owner string, idx int64, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO records (key, kind, owner, idx, body) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET body = excluded.body`,
		key, kind, owner, idx, string(body))
	return err
}

// sortableIndex maps a uint64 onto int64 preserving order, so that
// ORDER BY idx agrees with unsigned comparison.
func sortableIndex(i uint64) int64 { return int64(i ^ 1<<63) }

func getAccount(ctx context.Context, q sqlRunner, account string) (uint64, error) {
	var balance string
	err := q.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE account = ?`, account).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get account %s: %w", account, err)
	}
	return parseU64(balance)
}

func setAccount(ctx context.Context, q sqlRunner, account string, balance uint64) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO accounts (account, balance) VALUES (?, ?)
		 ON CONFLICT(account) DO UPDATE SET balance = excluded.balance`,
		account, u64(balance))
	return err
}
