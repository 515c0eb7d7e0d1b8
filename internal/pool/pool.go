// Package pool is the accounting core of the bankroll: it folds observed
// vault changes into the profit-per-share index, mints and burns LP shares,
// moves custodial player funds and settles wagers.
//
// Functions here are pure. They take the ledger and records by pointer,
// work on copies, and write back only when the whole transition succeeds, so
// a returned error always leaves the inputs untouched. Value transfers and
// persistence belong to the caller.
package pool

import (
	"errors"
	"fmt"
	"time"

	"github.com/kzyno/bankroll-engine/internal/fixedpoint"
	"github.com/kzyno/bankroll-engine/internal/model"
)

// Sync reconciles the ledger against the vault balance observed now.
//
// The bankroll is vault - UserFunds. While shares exist, any change since the
// last sync is spread over them through the profit index; with no shares the
// bankroll is simply re-based. A vault below UserFunds is an accounting
// failure and reported as ErrOverflow.
func Sync(l *model.PoolLedger, vault uint64) error {
	bankroll, err := fixedpoint.SubUint64(vault, l.UserFunds)
	if err != nil {
		return fmt.Errorf("sync: vault %d below user funds %d: %w", vault, l.UserFunds, ErrOverflow)
	}
	if l.TotalShares.IsZero() {
		l.LastBankroll = bankroll
		return nil
	}
	if bankroll == l.LastBankroll {
		return nil
	}

	delta, err := fixedpoint.IndexDelta(bankroll, l.LastBankroll, l.TotalShares)
	if err != nil {
		return fmt.Errorf("sync: index delta: %w", err)
	}
	index, err := l.ProfitPerShare.Add(delta)
	if err != nil {
		return fmt.Errorf("sync: profit index: %w", err)
	}
	l.ProfitPerShare = index
	l.LastBankroll = bankroll
	return nil
}

// Issuance is the result of a liquidity deposit.
type Issuance struct {
	Shares      fixedpoint.Wide
	ProfitEntry fixedpoint.Q64
}

// Issue mints shares for a deposit of amount. vaultBefore is the vault
// balance observed before the deposit's own transfer lands.
//
// Shares are priced against principal only: the first deposit mints 1:1 and
// later ones mint amount*TotalShares/PrincipalDeposits. Profit is tracked
// exclusively through the index and the new position enters at its current
// value, so it claims nothing accrued before it.
func Issue(l *model.PoolLedger, vaultBefore, amount uint64, minShares fixedpoint.Wide) (Issuance, error) {
	if amount == 0 {
		return Issuance{}, ErrInvalidAmount
	}
	next := *l
	if err := Sync(&next, vaultBefore); err != nil {
		return Issuance{}, err
	}

	shares := fixedpoint.NewWide(amount)
	if !next.TotalShares.IsZero() {
		var err error
		shares, err = fixedpoint.MintShares(amount, next.TotalShares, next.PrincipalDeposits)
		if err != nil {
			return Issuance{}, fmt.Errorf("issue: mint: %w", err)
		}
	}
	if shares.IsZero() || shares.Cmp(minShares) < 0 {
		return Issuance{}, fmt.Errorf("%w: %s shares minted", ErrInsufficientOutput, shares)
	}

	var err error
	if next.PrincipalDeposits, err = fixedpoint.AddUint64(next.PrincipalDeposits, amount); err != nil {
		return Issuance{}, fmt.Errorf("issue: principal: %w", err)
	}
	if next.LastBankroll, err = fixedpoint.AddUint64(next.LastBankroll, amount); err != nil {
		return Issuance{}, fmt.Errorf("issue: bankroll: %w", err)
	}
	if next.TotalShares, err = next.TotalShares.Add(shares); err != nil {
		return Issuance{}, fmt.Errorf("issue: total shares: %w", err)
	}

	*l = next
	return Issuance{Shares: shares, ProfitEntry: next.ProfitPerShare}, nil
}

// Redemption is the result of a full liquidity withdrawal.
type Redemption struct {
	Principal uint64
	PnL       fixedpoint.Int
	Payout    uint64
}

// Valuation prices a position against an already synced ledger without
// changing it: pro-rata principal plus the index growth since entry.
func Valuation(l model.PoolLedger, pos model.LiquidityPosition) (Redemption, error) {
	if pos.Shares.IsZero() || l.TotalShares.Cmp(pos.Shares) < 0 {
		return Redemption{}, fmt.Errorf("position %s holds %s of %s shares: %w",
			pos.Key, pos.Shares, l.TotalShares, ErrOverflow)
	}
	principal, err := fixedpoint.ProRata(l.PrincipalDeposits, pos.Shares, l.TotalShares)
	if err != nil {
		return Redemption{}, fmt.Errorf("redeem: principal: %w", err)
	}
	growth, err := l.ProfitPerShare.Sub(pos.ProfitEntry)
	if err != nil {
		return Redemption{}, fmt.Errorf("redeem: index growth: %w", err)
	}
	pnl, err := growth.Accrue(pos.Shares)
	if err != nil {
		return Redemption{}, fmt.Errorf("redeem: pnl: %w", err)
	}
	payout, err := pnl.Offset(principal)
	if errors.Is(err, fixedpoint.ErrNegative) {
		return Redemption{}, fmt.Errorf("%w: principal %d, pnl %s", ErrNegativePayout, principal, pnl)
	}
	if err != nil {
		return Redemption{}, fmt.Errorf("redeem: payout: %w", err)
	}
	return Redemption{Principal: principal, PnL: pnl, Payout: payout}, nil
}

// Redeem burns a whole position. The caller transfers Payout out of the
// vault and deletes the position record.
func Redeem(l *model.PoolLedger, vault uint64, pos model.LiquidityPosition, minPayout uint64) (Redemption, error) {
	next := *l
	if err := Sync(&next, vault); err != nil {
		return Redemption{}, err
	}
	r, err := Valuation(next, pos)
	if err != nil {
		return Redemption{}, err
	}
	if r.Payout < minPayout {
		return Redemption{}, fmt.Errorf("%w: payout %d below %d", ErrInsufficientOutput, r.Payout, minPayout)
	}

	if next.TotalShares, err = next.TotalShares.Sub(pos.Shares); err != nil {
		return Redemption{}, fmt.Errorf("redeem: total shares: %w", err)
	}
	if next.LastBankroll, err = fixedpoint.SubUint64(next.LastBankroll, r.Payout); err != nil {
		return Redemption{}, fmt.Errorf("redeem: bankroll: %w", err)
	}
	if next.PrincipalDeposits, err = fixedpoint.SubUint64(next.PrincipalDeposits, pos.Deposited); err != nil {
		return Redemption{}, fmt.Errorf("redeem: principal deposits: %w", err)
	}

	*l = next
	return r, nil
}

// Unlocked reports ErrLiquidityLocked while pos is younger than lock.
func Unlocked(pos model.LiquidityPosition, now time.Time, lock time.Duration) error {
	if lock <= 0 {
		return nil
	}
	if until := pos.CreatedAt.Add(lock); now.Before(until) {
		return fmt.Errorf("%w until %s", ErrLiquidityLocked, until.UTC().Format(time.RFC3339))
	}
	return nil
}

// CreditFunds adds a custodial deposit to bal and to the ledger's user
// funds. The caller transfers amount into the vault.
func CreditFunds(l *model.PoolLedger, vault uint64, bal *model.CustodialBalance, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	next := *l
	if err := Sync(&next, vault); err != nil {
		return err
	}
	balance, err := fixedpoint.AddUint64(bal.Balance, amount)
	if err != nil {
		return fmt.Errorf("credit: balance: %w", err)
	}
	if next.UserFunds, err = fixedpoint.AddUint64(next.UserFunds, amount); err != nil {
		return fmt.Errorf("credit: user funds: %w", err)
	}
	*l = next
	bal.Balance = balance
	return nil
}

// DebitFunds removes a custodial withdrawal. The caller transfers amount out
// of the vault.
func DebitFunds(l *model.PoolLedger, vault uint64, bal *model.CustodialBalance, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	next := *l
	if err := Sync(&next, vault); err != nil {
		return err
	}
	if bal.Balance < amount {
		return fmt.Errorf("%w: balance %d, requested %d", ErrNotEnoughFunds, bal.Balance, amount)
	}
	var err error
	if next.UserFunds, err = fixedpoint.SubUint64(next.UserFunds, amount); err != nil {
		return fmt.Errorf("debit: user funds: %w", err)
	}
	*l = next
	bal.Balance -= amount
	return nil
}
