// Package risk bounds single-wager drawdown against the pool's realized
// risk capital.
//
// A player choosing odds 1:chance wins wager*(chance-1) from the pool. The
// limiter caps the wager so that this worst-case payout never exceeds
// capital/Divisor, whatever odds are chosen:
//
//	maxBet = capital / Divisor / (chance - 1)
//
// With the default Divisor of 100, no single bet can cost the pool more than
// 1% of its capital.
package risk

import (
	"errors"

	"github.com/kzyno/bankroll-engine/internal/fixedpoint"
)

var (
	// ErrBetTooBig is returned when a wager exceeds the stake cap.
	ErrBetTooBig = errors.New("risk: bet exceeds max drawdown stake")

	// ErrInvalidChance is returned when chance is outside [MinChance, MaxChance].
	ErrInvalidChance = errors.New("risk: chance out of range")
)

// Defaults mirror the on-chain program this ledger accounts for.
const (
	DefaultDivisor   uint64 = 100
	DefaultMinChance uint64 = 2
	DefaultMaxChance uint64 = 50
)

// StakeLimiter enforces the odds range and the drawdown stake cap.
type StakeLimiter struct {
	// Divisor is the inverse of the max single-bet drawdown fraction.
	Divisor uint64

	// MinChance and MaxChance bound the odds denominator. MinChance is at
	// least 2 so that chance-1 is never zero.
	MinChance uint64
	MaxChance uint64
}

// NewStakeLimiter creates a limiter. Zero arguments take the defaults.
func NewStakeLimiter(divisor, minChance, maxChance uint64) *StakeLimiter {
	if divisor == 0 {
		divisor = DefaultDivisor
	}
	if minChance < 2 {
		minChance = DefaultMinChance
	}
	if maxChance == 0 {
		maxChance = DefaultMaxChance
	}
	if maxChance < minChance {
		maxChance = minChance
	}
	return &StakeLimiter{
		Divisor:   divisor,
		MinChance: minChance,
		MaxChance: maxChance,
	}
}

// CheckChance validates the odds denominator.
func (l *StakeLimiter) CheckChance(chance uint64) error {
	if chance < l.MinChance || chance > l.MaxChance {
		return ErrInvalidChance
	}
	return nil
}

// MaxBet returns capital / Divisor / (chance - 1). Both divisions truncate.
func (l *StakeLimiter) MaxBet(capital, chance uint64) (uint64, error) {
	if err := l.CheckChance(chance); err != nil {
		return 0, err
	}
	chanceMinusOne, err := fixedpoint.SubUint64(chance, 1)
	if err != nil {
		return 0, err
	}
	perDivisor, err := fixedpoint.DivUint64(capital, l.Divisor)
	if err != nil {
		return 0, err
	}
	return fixedpoint.DivUint64(perDivisor, chanceMinusOne)
}

// CheckStake returns the cap and ErrBetTooBig when wager exceeds it.
func (l *StakeLimiter) CheckStake(capital, chance, wager uint64) (uint64, error) {
	maxBet, err := l.MaxBet(capital, chance)
	if err != nil {
		return 0, err
	}
	if wager > maxBet {
		return maxBet, ErrBetTooBig
	}
	return maxBet, nil
}
