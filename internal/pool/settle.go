package pool

import (
	"fmt"

	"github.com/kzyno/bankroll-engine/internal/fixedpoint"
	"github.com/kzyno/bankroll-engine/internal/model"
	"github.com/kzyno/bankroll-engine/internal/risk"
)

// HouseModulus encodes the fixed edge: any draw divisible by it loses. It is
// prime so the edge never shares a factor with the chosen odds.
const HouseModulus = 53

// Wager is a settlement request for one player.
type Wager struct {
	Chance uint64 // odds are 1:Chance
	Random uint64
	Amount uint64
}

// Outcome is the result of a settled wager.
type Outcome struct {
	Won      bool
	Winnings uint64 // 0 on a loss
	MaxBet   uint64
	Balance  uint64 // custodial balance after settlement
}

// Wins reports whether random wins at the given odds.
func Wins(random, chance uint64) bool {
	if chance == 0 {
		return false
	}
	houseOverride := random%HouseModulus == 0
	return random%chance == 0 && !houseOverride
}

// admit runs the settlement checks in their fixed order: caller, balance,
// odds, then the stake cap against freshly synced risk capital. It returns
// the synced copy of the ledger.
func admit(l *model.PoolLedger, vault uint64, caller string, balance uint64, w Wager, limiter *risk.StakeLimiter) (model.PoolLedger, uint64, error) {
	if caller != l.Admin {
		return model.PoolLedger{}, 0, ErrUnauthorized
	}
	if w.Amount == 0 {
		return model.PoolLedger{}, 0, ErrInvalidAmount
	}
	if balance < w.Amount {
		return model.PoolLedger{}, 0, fmt.Errorf("%w: balance %d, wager %d", ErrNotEnoughFundsToPlay, balance, w.Amount)
	}
	if err := limiter.CheckChance(w.Chance); err != nil {
		return model.PoolLedger{}, 0, err
	}

	next := *l
	if err := Sync(&next, vault); err != nil {
		return model.PoolLedger{}, 0, err
	}
	capital, err := fixedpoint.SubUint64(vault, next.UserFunds)
	if err != nil {
		return model.PoolLedger{}, 0, fmt.Errorf("settle: risk capital: %w", err)
	}
	maxBet, err := limiter.CheckStake(capital, w.Chance, w.Amount)
	if err != nil {
		return model.PoolLedger{}, maxBet, fmt.Errorf("wager %d over max %d: %w", w.Amount, maxBet, err)
	}
	return next, maxBet, nil
}

// Admit reports whether a wager would be accepted, without resolving it.
// w.Random is ignored. The ledger is not modified.
func Admit(l model.PoolLedger, vault uint64, caller string, balance uint64, w Wager, limiter *risk.StakeLimiter) (uint64, error) {
	_, maxBet, err := admit(&l, vault, caller, balance, w, limiter)
	return maxBet, err
}

// Settle admits and resolves a wager against the pool. Only the ledger
// admin may settle.
//
// A win moves wager*(chance-1) from the bankroll into the player's
// custodial balance; a loss moves the wager the other way. The vault itself
// does not change, so the next Sync books the result into the index.
func Settle(l *model.PoolLedger, vault uint64, caller string, bal *model.CustodialBalance, w Wager, limiter *risk.StakeLimiter) (Outcome, error) {
	next, maxBet, err := admit(l, vault, caller, bal.Balance, w, limiter)
	if err != nil {
		return Outcome{MaxBet: maxBet}, err
	}

	out := Outcome{MaxBet: maxBet, Won: Wins(w.Random, w.Chance)}
	balance := bal.Balance
	if out.Won {
		if out.Winnings, err = fixedpoint.MulUint64(w.Amount, w.Chance-1); err != nil {
			return Outcome{}, fmt.Errorf("settle: winnings: %w", err)
		}
		if balance, err = fixedpoint.AddUint64(balance, out.Winnings); err != nil {
			return Outcome{}, fmt.Errorf("settle: balance: %w", err)
		}
		if next.UserFunds, err = fixedpoint.AddUint64(next.UserFunds, out.Winnings); err != nil {
			return Outcome{}, fmt.Errorf("settle: user funds: %w", err)
		}
	} else {
		balance -= w.Amount
		if next.UserFunds, err = fixedpoint.SubUint64(next.UserFunds, w.Amount); err != nil {
			return Outcome{}, fmt.Errorf("settle: user funds: %w", err)
		}
	}

	*l = next
	bal.Balance = balance
	out.Balance = balance
	return out, nil
}
