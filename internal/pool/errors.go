package pool

import (
	"errors"
	"fmt"

	"github.com/kzyno/bankroll-engine/internal/fixedpoint"
	"github.com/kzyno/bankroll-engine/internal/randomness"
	"github.com/kzyno/bankroll-engine/internal/risk"
)

// Every failure aborts the whole operation; callers match with errors.Is.
var (
	ErrUnauthorized         = errors.New("pool: unauthorized")
	ErrNotEnoughFunds       = errors.New("pool: not enough funds")
	ErrNotEnoughFundsToPlay = errors.New("pool: not enough funds to play")
	ErrIncorrectTokenMint   = errors.New("pool: incorrect token mint")
	ErrInsufficientOutput   = errors.New("pool: insufficient output")
	ErrLiquidityLocked      = errors.New("pool: liquidity locked")
	ErrInvalidAmount        = errors.New("pool: amount must be positive")
	ErrNotInitialized       = errors.New("pool: not initialized")
	ErrPositionExists       = errors.New("pool: position already exists")
	ErrPositionNotFound     = errors.New("pool: position not found")

	// ErrOverflow covers every checked-arithmetic failure and every broken
	// accounting invariant.
	ErrOverflow = fixedpoint.ErrOverflow

	// ErrNegativePayout means a position's losses exceed its principal.
	ErrNegativePayout = fmt.Errorf("%w: negative payout", ErrOverflow)

	ErrInvalidChance = risk.ErrInvalidChance
	ErrBetTooBig     = risk.ErrBetTooBig

	ErrRandomnessAlreadyRevealed = randomness.ErrAlreadyRevealed
	ErrRandomnessNotResolved     = randomness.ErrNotResolved
	ErrRandomnessExpired         = randomness.ErrExpired
	ErrInvalidRandomnessAccount  = randomness.ErrInvalidAccount
)
