package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kzyno/bankroll-engine/internal/address"
	"github.com/kzyno/bankroll-engine/internal/fixedpoint"
	"github.com/kzyno/bankroll-engine/internal/model"
)

// PostgresSchema creates the tables the PostgresStore reads and writes.
// Amounts are NUMERIC so u64 base units, u128 shares and the signed Q64.64
// index are all stored exactly.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS pool_ledger (
    key                TEXT PRIMARY KEY,
    admin              TEXT        NOT NULL,
    asset              TEXT        NOT NULL,
    total_shares       NUMERIC(39,0) NOT NULL DEFAULT 0,
    profit_per_share   NUMERIC(39,0) NOT NULL DEFAULT 0,
    user_funds         NUMERIC(20,0) NOT NULL DEFAULT 0,
    principal_deposits NUMERIC(20,0) NOT NULL DEFAULT 0,
    last_bankroll      NUMERIC(20,0) NOT NULL DEFAULT 0,
    updated_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS liquidity_positions (
    key          TEXT PRIMARY KEY,
    owner        TEXT          NOT NULL,
    idx          NUMERIC(20,0) NOT NULL,
    deposited    NUMERIC(20,0) NOT NULL,
    shares       NUMERIC(39,0) NOT NULL,
    profit_entry NUMERIC(39,0) NOT NULL,
    created_at   TIMESTAMPTZ   NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_owner ON liquidity_positions(owner, idx);

CREATE TABLE IF NOT EXISTS custodial_balances (
    key        TEXT PRIMARY KEY,
    owner      TEXT          NOT NULL,
    balance    NUMERIC(20,0) NOT NULL,
    updated_at TIMESTAMPTZ   NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
    account TEXT PRIMARY KEY,
    balance NUMERIC(20,0) NOT NULL CHECK (balance >= 0 AND balance <= 18446744073709551615)
);

CREATE TABLE IF NOT EXISTS events (
    id               TEXT PRIMARY KEY,
    kind             TEXT          NOT NULL,
    owner            TEXT          NOT NULL,
    amount           NUMERIC(20,0) NOT NULL,
    shares           NUMERIC(39,0) NOT NULL,
    won              BOOLEAN,
    chance           BIGINT        NOT NULL DEFAULT 0,
    round_id         TEXT          NOT NULL DEFAULT '',
    profit_per_share NUMERIC(39,0) NOT NULL,
    timestamp        TIMESTAMPTZ   NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_owner ON events(owner, id DESC);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are stored as NUMERIC and scanned back through ::TEXT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies PostgresSchema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, PostgresSchema)
	return err
}

func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) GetPool(ctx context.Context) (*model.PoolLedger, error) {
	return selectPool(ctx, s.pool, "")
}

func (s *PostgresStore) ListPositions(ctx context.Context, owner string) ([]model.LiquidityPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, owner, idx::TEXT, deposited::TEXT, shares::TEXT, profit_entry::TEXT, created_at
		 FROM liquidity_positions WHERE owner = $1 ORDER BY idx`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.LiquidityPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) GetBalance(ctx context.Context, key string) (*model.CustodialBalance, error) {
	return selectBalance(ctx, s.pool, key, "")
}

func (s *PostgresStore) ListEvents(ctx context.Context, owner string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, owner, amount::TEXT, shares::TEXT, won, chance, round_id,
		        profit_per_share::TEXT, timestamp
		 FROM events
		 WHERE $1 = '' OR owner = $1
		 ORDER BY id DESC
		 LIMIT NULLIF($2, -1)`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var amount, shares, index string
		var chance int64
		if err := rows.Scan(&e.ID, &e.Kind, &e.Owner, &amount, &shares, &e.Won,
			&chance, &e.RoundID, &index, &e.Timestamp); err != nil {
			return nil, err
		}
		if e.Amount, err = parseU64(amount); err != nil {
			return nil, err
		}
		if e.Shares, err = fixedpoint.ParseWide(shares); err != nil {
			return nil, err
		}
		if e.ProfitPerShare, err = fixedpoint.ParseQ64(index); err != nil {
			return nil, err
		}
		e.Chance = uint64(chance)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) AccountBalance(ctx context.Context, account string) (uint64, error) {
	return selectAccount(ctx, s.pool, account, "")
}

func (s *PostgresStore) Airdrop(ctx context.Context, account string, amount uint64) error {
	return s.Update(ctx, func(tx Tx) error {
		return tx.(*pgTx).credit(ctx, account, amount)
	})
}

// pgTx implements Tx on a pgx transaction.
type pgTx struct {
	q pgx.Tx
}

func (t *pgTx) Pool(ctx context.Context) (*model.PoolLedger, error) {
	return selectPool(ctx, t.q, " FOR UPDATE")
}

func (t *pgTx) SavePool(ctx context.Context, l *model.PoolLedger) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO pool_ledger (key, admin, asset, total_shares, profit_per_share,
		                          user_funds, principal_deposits, last_bankroll, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)
		 ON CONFLICT (key) DO UPDATE SET
		     admin = EXCLUDED.admin, asset = EXCLUDED.asset,
		     total_shares = EXCLUDED.total_shares, profit_per_share = EXCLUDED.profit_per_share,
		     user_funds = EXCLUDED.user_funds, principal_deposits = EXCLUDED.principal_deposits,
		     last_bankroll = EXCLUDED.last_bankroll, updated_at = EXCLUDED.updated_at`,
		l.Key, l.Admin, l.Asset, l.TotalShares.String(), l.ProfitPerShare.String(),
		u64(l.UserFunds), u64(l.PrincipalDeposits), u64(l.LastBankroll), l.UpdatedAt,
	)
	return err
}

func (t *pgTx) Position(ctx context.Context, key string) (*model.LiquidityPosition, error) {
	row := t.q.QueryRow(ctx,
		`SELECT key, owner, idx::TEXT, deposited::TEXT, shares::TEXT, profit_entry::TEXT, created_at
		 FROM liquidity_positions WHERE key = $1 FOR UPDATE`, key)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (t *pgTx) SavePosition(ctx context.Context, p *model.LiquidityPosition) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO liquidity_positions (key, owner, idx, deposited, shares, profit_entry, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
		 ON CONFLICT (key) DO UPDATE SET
		     deposited = EXCLUDED.deposited, shares = EXCLUDED.shares,
		     profit_entry = EXCLUDED.profit_entry`,
		p.Key, p.Owner, u64(p.Index), u64(p.Deposited), p.Shares.String(), p.ProfitEntry.String(), p.CreatedAt,
	)
	return err
}

func (t *pgTx) DeletePosition(ctx context.Context, key string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM liquidity_positions WHERE key = $1`, key)
	return err
}

func (t *pgTx) Balance(ctx context.Context, key string) (*model.CustodialBalance, error) {
	return selectBalance(ctx, t.q, key, " FOR UPDATE")
}

func (t *pgTx) SaveBalance(ctx context.Context, b *model.CustodialBalance) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO custodial_balances (key, owner, balance, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)
		 ON CONFLICT (key) DO UPDATE SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at`,
		b.Key, b.Owner, u64(b.Balance), b.UpdatedAt,
	)
	return err
}

func (t *pgTx) AppendEvent(ctx context.Context, e *model.Event) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO events (id, kind, owner, amount, shares, won, chance, round_id, profit_per_share, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9::NUMERIC, $10)`,
		e.ID, e.Kind, e.Owner, u64(e.Amount), e.Shares.String(), e.Won,
		int64(e.Chance), e.RoundID, e.ProfitPerShare.String(), e.Timestamp,
	)
	return err
}

func (t *pgTx) BalanceOf(ctx context.Context, account string) (uint64, error) {
	return selectAccount(ctx, t.q, account, " FOR UPDATE")
}

func (t *pgTx) Transfer(ctx context.Context, from, to string, amount uint64) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE accounts SET balance = balance - $2::NUMERIC
		 WHERE account = $1 AND balance >= $2::NUMERIC`, from, u64(amount))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 && amount > 0 {
		return ErrInsufficientBalance
	}
	return t.credit(ctx, to, amount)
}

func (t *pgTx) credit(ctx context.Context, account string, amount uint64) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO accounts (account, balance) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (account) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance`,
		account, u64(amount))
	if err != nil {
		return fmt.Errorf("credit %s: %w", account, err)
	}
	return nil
}

// --- Scan helpers ---

func selectPool(ctx context.Context, q querier, lock string) (*model.PoolLedger, error) {
	var l model.PoolLedger
	var shares, index, userFunds, principal, bankroll string

	err := q.QueryRow(ctx,
		`SELECT key, admin, asset, total_shares::TEXT, profit_per_share::TEXT,
		        user_funds::TEXT, principal_deposits::TEXT, last_bankroll::TEXT, updated_at
		 FROM pool_ledger WHERE key = $1`+lock, address.Pool()).
		Scan(&l.Key, &l.Admin, &l.Asset, &shares, &index,
			&userFunds, &principal, &bankroll, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pool: %w", err)
	}

	if l.TotalShares, err = fixedpoint.ParseWide(shares); err != nil {
		return nil, err
	}
	if l.ProfitPerShare, err = fixedpoint.ParseQ64(index); err != nil {
		return nil, err
	}
	if l.UserFunds, err = parseU64(userFunds); err != nil {
		return nil, err
	}
	if l.PrincipalDeposits, err = parseU64(principal); err != nil {
		return nil, err
	}
	if l.LastBankroll, err = parseU64(bankroll); err != nil {
		return nil, err
	}
	return &l, nil
}

func scanPosition(row pgx.Row) (*model.LiquidityPosition, error) {
	var p model.LiquidityPosition
	var idx, deposited, shares, entry string
	if err := row.Scan(&p.Key, &p.Owner, &idx, &deposited, &shares, &entry, &p.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.Index, err = parseU64(idx); err != nil {
		return nil, err
	}
	if p.Deposited, err = parseU64(deposited); err != nil {
		return nil, err
	}
	if p.Shares, err = fixedpoint.ParseWide(shares); err != nil {
		return nil, err
	}
	if p.ProfitEntry, err = fixedpoint.ParseQ64(entry); err != nil {
		return nil, err
	}
	return &p, nil
}

func selectBalance(ctx context.Context, q querier, key, lock string) (*model.CustodialBalance, error) {
	var b model.CustodialBalance
	var balance string
	err := q.QueryRow(ctx,
		`SELECT key, owner, balance::TEXT, updated_at FROM custodial_balances WHERE key = $1`+lock, key).
		Scan(&b.Key, &b.Owner, &balance, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s: %w", key, err)
	}
	if b.Balance, err = parseU64(balance); err != nil {
		return nil, err
	}
	return &b, nil
}

func selectAccount(ctx context.Context, q querier, account, lock string) (uint64, error) {
	var balance string
	err := q.QueryRow(ctx,
		`SELECT balance::TEXT FROM accounts WHERE account = $1`+lock, account).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get account %s: %w", account, err)
	}
	return parseU64(balance)
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func parseU64(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", fixedpoint.ErrSyntax, s)
	}
	return v, nil
}
