package casino

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kzyno/bankroll-engine/internal/address"
	"github.com/kzyno/bankroll-engine/internal/fixedpoint"
	"github.com/kzyno/bankroll-engine/internal/model"
	"github.com/kzyno/bankroll-engine/internal/pool"
	"github.com/kzyno/bankroll-engine/internal/store"
)

// Read-only views. Each works on a synced copy of the ledger and never
// writes it back.

func (s *Service) ledger(ctx context.Context) (*model.PoolLedger, error) {
	l, err := s.store.GetPool(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, pool.ErrNotInitialized
	}
	return l, err
}

// synced returns the ledger as the next operation would see it.
func (s *Service) synced(ctx context.Context) (model.PoolLedger, uint64, error) {
	l, err := s.ledger(ctx)
	if err != nil {
		return model.PoolLedger{}, 0, err
	}
	vault, err := s.store.AccountBalance(ctx, s.vault)
	if err != nil {
		return model.PoolLedger{}, 0, err
	}
	next := *l
	if err := pool.Sync(&next, vault); err != nil {
		return model.PoolLedger{}, 0, err
	}
	return next, vault, nil
}

// PoolSnapshot is the pool state in base units and display units.
type PoolSnapshot struct {
	Ledger         model.PoolLedger `json:"ledger"`
	Vault          uint64           `json:"vault"`
	VaultUnits     decimal.Decimal  `json:"vault_units"`
	BankrollUnits  decimal.Decimal  `json:"bankroll_units"`
	UserFundsUnits decimal.Decimal  `json:"user_funds_units"`
	PrincipalUnits decimal.Decimal  `json:"principal_units"`
	ProfitPerShare decimal.Decimal  `json:"profit_per_share"` // index as a real number
}

func (s *Service) PoolSnapshot(ctx context.Context) (*PoolSnapshot, error) {
	l, vault, err := s.synced(ctx)
	if err != nil {
		return nil, err
	}
	d := s.opts.Decimals
	return &PoolSnapshot{
		Ledger:         l,
		Vault:          vault,
		VaultUnits:     fixedpoint.Units(vault, d),
		BankrollUnits:  fixedpoint.Units(l.LastBankroll, d),
		UserFundsUnits: fixedpoint.Units(l.UserFunds, d),
		PrincipalUnits: fixedpoint.Units(l.PrincipalDeposits, d),
		ProfitPerShare: l.ProfitPerShare.Decimal(),
	}, nil
}

// PositionView is a liquidity position with its current redemption value.
type PositionView struct {
	model.LiquidityPosition
	Principal  uint64          `json:"principal"`
	PnL        string          `json:"pnl"`
	Value      uint64          `json:"value"`
	ValueUnits decimal.Decimal `json:"value_units"`
	ROI        decimal.Decimal `json:"roi_pct"`
	Underwater bool            `json:"underwater,omitempty"` // losses exceed principal
	UnlocksAt  *time.Time      `json:"unlocks_at,omitempty"`
}

var hundred = decimal.NewFromInt(100)

// Positions lists owner's positions valued at the current index.
func (s *Service) Positions(ctx context.Context, owner string) ([]PositionView, error) {
	if err := address.ValidateIdentity(owner); err != nil {
		return nil, err
	}
	l, _, err := s.synced(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := s.store.ListPositions(ctx, owner)
	if err != nil {
		return nil, err
	}

	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		v := PositionView{LiquidityPosition: p, ROI: decimal.Zero}
		if s.opts.LockPeriod > 0 {
			t := p.CreatedAt.Add(s.opts.LockPeriod)
			v.UnlocksAt = &t
		}
		r, err := pool.Valuation(l, p)
		switch {
		case errors.Is(err, pool.ErrNegativePayout):
			v.Underwater = true
		case err != nil:
			return nil, err
		default:
			v.Principal, v.PnL, v.Value = r.Principal, r.PnL.String(), r.Payout
			v.ValueUnits = fixedpoint.Units(r.Payout, s.opts.Decimals)
			if p.Deposited > 0 {
				v.ROI = r.PnL.Decimal().Mul(hundred).DivRound(fixedpoint.Units(p.Deposited, 0), 4)
			}
		}
		views = append(views, v)
	}
	return views, nil
}

// Balance returns owner's custodial balance; an unknown owner holds zero.
func (s *Service) Balance(ctx context.Context, owner string) (*model.CustodialBalance, error) {
	if err := address.ValidateIdentity(owner); err != nil {
		return nil, err
	}
	key := address.Balance(owner)
	bal, err := s.store.GetBalance(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return &model.CustodialBalance{Key: key, Owner: owner}, nil
	}
	return bal, err
}

// Wallet returns the external account balance of owner.
func (s *Service) Wallet(ctx context.Context, owner string) (uint64, error) {
	if err := address.ValidateIdentity(owner); err != nil {
		return 0, err
	}
	return s.store.AccountBalance(ctx, owner)
}

// History returns journal events, newest first. An empty owner lists the
// whole pool.
func (s *Service) History(ctx context.Context, owner string, limit int) ([]model.Event, error) {
	if owner != "" {
		if err := address.ValidateIdentity(owner); err != nil {
			return nil, err
		}
	}
	events, err := s.store.ListEvents(ctx, owner, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []model.Event{}
	}
	return events, nil
}

// MaxBetView is the largest wager currently accepted at some odds.
type MaxBetView struct {
	Chance   uint64          `json:"chance"`
	MaxBet   uint64          `json:"max_bet"`
	Units    decimal.Decimal `json:"max_bet_units"`
	Capital  uint64          `json:"capital"`
	Divisor  uint64          `json:"divisor"`
	HouseMod uint64          `json:"house_modulus"`
}

func (s *Service) MaxBet(ctx context.Context, chance uint64) (*MaxBetView, error) {
	if err := s.limiter.CheckChance(chance); err != nil {
		return nil, err
	}
	l, vault, err := s.synced(ctx)
	if err != nil {
		return nil, err
	}
	capital, err := fixedpoint.SubUint64(vault, l.UserFunds)
	if err != nil {
		return nil, err
	}
	maxBet, err := s.limiter.MaxBet(capital, chance)
	if err != nil {
		return nil, err
	}
	return &MaxBetView{
		Chance:   chance,
		MaxBet:   maxBet,
		Units:    fixedpoint.Units(maxBet, s.opts.Decimals),
		Capital:  capital,
		Divisor:  s.limiter.Divisor,
		HouseMod: pool.HouseModulus,
	}, nil
}
