// Package model defines the records shared across the bankroll engine.
// Amounts are unsigned base units (lamports); shares and the profit index
// use the wide types from internal/fixedpoint. Never float64 for money.
package model

import (
	"time"

	"github.com/kzyno/bankroll-engine/internal/fixedpoint"
)

// PoolLedger is the singleton accounting record of the pool.
//
// Invariant at every sync: vault balance == UserFunds + LastBankroll.
type PoolLedger struct {
	Key               string          `json:"key"`
	Admin             string          `json:"admin"`
	Asset             string          `json:"asset"`
	TotalShares       fixedpoint.Wide `json:"total_shares"`
	ProfitPerShare    fixedpoint.Q64  `json:"profit_per_share"` // raw Q64.64
	UserFunds         uint64          `json:"user_funds"`       // custodial, not at risk
	PrincipalDeposits uint64          `json:"principal_deposits"`
	LastBankroll      uint64          `json:"last_bankroll"` // vault - user funds at last sync
	UpdatedAt         time.Time       `json:"updated_at"`
}

// LiquidityPosition is one LP deposit. Owners may hold several, keyed by index.
type LiquidityPosition struct {
	Key         string          `json:"key"`
	Owner       string          `json:"owner"`
	Index       uint64          `json:"index"`
	Deposited   uint64          `json:"deposited"`
	Shares      fixedpoint.Wide `json:"shares"`
	ProfitEntry fixedpoint.Q64  `json:"profit_entry"` // index snapshot at issuance
	CreatedAt   time.Time       `json:"created_at"`
}

// CustodialBalance is a player's wagering funds.
type CustodialBalance struct {
	Key       string    `json:"key"`
	Owner     string    `json:"owner"`
	Balance   uint64    `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event kinds recorded in the journal.
const (
	EventPoolInitialized    = "pool.initialized"
	EventLiquidityDeposited = "liquidity.deposited"
	EventLiquidityWithdrawn = "liquidity.withdrawn"
	EventFundsDeposited     = "funds.deposited"
	EventFundsWithdrawn     = "funds.withdrawn"
	EventWagerSettled       = "wager.settled"
)

// Event is an immutable journal entry written in the same transaction as
// the operation it describes. Once created, it is never modified.
type Event struct {
	ID             string          `json:"id"` // ULID, sortable by time
	Kind           string          `json:"kind"`
	Owner          string          `json:"owner"`
	Amount         uint64          `json:"amount"`
	Shares         fixedpoint.Wide `json:"shares"`
	Won            *bool           `json:"won,omitempty"`
	Chance         uint64          `json:"chance,omitempty"`
	RoundID        string          `json:"round_id,omitempty"`
	ProfitPerShare fixedpoint.Q64  `json:"profit_per_share"`
	Timestamp      time.Time       `json:"timestamp"`
}
