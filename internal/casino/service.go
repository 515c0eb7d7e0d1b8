// Package casino is the transactional service around the pool core: it
// authenticates callers, runs every entry operation inside one store
// transaction, journals and broadcasts the result, and serves the HTTP API.
//
// Amounts are integer base units; display values use shopspring/decimal.
package casino

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kzyno/bankroll-engine/internal/address"
	"github.com/kzyno/bankroll-engine/internal/fixedpoint"
	"github.com/kzyno/bankroll-engine/internal/id"
	"github.com/kzyno/bankroll-engine/internal/metrics"
	"github.com/kzyno/bankroll-engine/internal/model"
	"github.com/kzyno/bankroll-engine/internal/pool"
	"github.com/kzyno/bankroll-engine/internal/randomness"
	"github.com/kzyno/bankroll-engine/internal/risk"
	"github.com/kzyno/bankroll-engine/internal/store"
	"github.com/kzyno/bankroll-engine/internal/telemetry"
)

// Options are the service settings that come from configuration.
type Options struct {
	Oracle         *randomness.Oracle // nil unless randomness mode is oracle
	Asset          string
	Decimals       int32
	LockPeriod     time.Duration
	AirdropEnabled bool
	Now            func() time.Time
}

// Service executes ledger operations. A mutex serializes them within the
// process; PostgreSQL row locks serialize them across processes.
type Service struct {
	store   store.Store
	limiter *risk.StakeLimiter
	rng     randomness.Provider
	hub     *WSHub // optional
	opts    Options
	vault   string
	mu      sync.Mutex
}

// NewService creates a service. Pass nil for hub if WebSocket broadcasting
// is not needed.
func NewService(st store.Store, limiter *risk.StakeLimiter, rng randomness.Provider, hub *WSHub, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Decimals <= 0 {
		opts.Decimals = 9
	}
	return &Service{
		store:   st,
		limiter: limiter,
		rng:     rng,
		hub:     hub,
		opts:    opts,
		vault:   address.Vault(),
	}
}

// VaultAccount returns the custody account holding the pool's value.
func (s *Service) VaultAccount() string { return s.vault }

// --- transaction plumbing ---

// commit is what a successful operation leaves behind.
type commit struct {
	ledger model.PoolLedger
	vault  uint64       // vault balance after the operation's transfers
	event  *model.Event // nil when nothing changed

	// onCommit runs after the transaction commits, still under the service
	// lock. Effects outside the store go here.
	onCommit func()
}

// state is the view an operation gets inside its transaction.
type state struct {
	tx     store.Tx
	ledger *model.PoolLedger
	vault  uint64 // observed before this operation's own transfers
	now    time.Time

	onCommit func()
}

// run executes fn in one store transaction and, when it produced an event,
// persists the ledger and journals the event in that same transaction.
// Metrics, logs and the websocket broadcast happen after commit.
func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context, tx store.Tx, now time.Time) (*commit, error)) (*commit, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "casino."+op)
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	s.mu.Lock()
	var c *commit
	err := s.store.Update(ctx, func(tx store.Tx) error {
		now := s.opts.Now().UTC()
		var err error
		if c, err = fn(ctx, tx, now); err != nil {
			return err
		}
		if c.event == nil {
			return nil
		}
		c.ledger.UpdatedAt = now
		if err := tx.SavePool(ctx, &c.ledger); err != nil {
			return err
		}
		if c.vault, err = tx.BalanceOf(ctx, s.vault); err != nil {
			return err
		}
		c.event.ID = id.New(now)
		c.event.ProfitPerShare = c.ledger.ProfitPerShare
		c.event.Timestamp = now
		return tx.AppendEvent(ctx, c.event)
	})
	if err == nil && c.onCommit != nil {
		c.onCommit()
	}
	s.mu.Unlock()

	if err != nil {
		metrics.RejectionsTotal.WithLabelValues(op, reason(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("operation rejected", "op", op, "reason", reason(err), "err", err)
		return nil, err
	}

	if c.event != nil {
		span.SetAttributes(attribute.String("event.id", c.event.ID), attribute.String("event.kind", c.event.Kind))
		metrics.ObserveLedger(&c.ledger, c.vault)
		metrics.OperationsTotal.WithLabelValues(c.event.Kind).Inc()
		if s.hub != nil {
			s.hub.Broadcast(newEventMessage(c.event, &c.ledger))
		}
	}
	return c, nil
}

// execute is run for operations on an initialized pool. fn mutates
// st.ledger and returns the event to journal.
func (s *Service) execute(ctx context.Context, op string, fn func(ctx context.Context, st *state) (*model.Event, error)) (*commit, error) {
	return s.run(ctx, op, func(ctx context.Context, tx store.Tx, now time.Time) (*commit, error) {
		l, err := tx.Pool(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return nil, pool.ErrNotInitialized
		}
		if err != nil {
			return nil, err
		}
		vault, err := tx.BalanceOf(ctx, s.vault)
		if err != nil {
			return nil, err
		}
		st := &state{tx: tx, ledger: l, vault: vault, now: now}
		ev, err := fn(ctx, st)
		if err != nil {
			return nil, err
		}
		return &commit{ledger: *l, event: ev, onCommit: st.onCommit}, nil
	})
}

// deposit moves amount from an external account into the vault.
func (s *Service) deposit(ctx context.Context, tx store.Tx, from string, amount uint64) error {
	err := tx.Transfer(ctx, from, s.vault, amount)
	if errors.Is(err, store.ErrInsufficientBalance) {
		return fmt.Errorf("%w: account %s cannot cover %d", pool.ErrNotEnoughFunds, from, amount)
	}
	return err
}

// payout moves amount out of the vault. The ledger has already accounted for
// it, so a short vault is an invariant break.
func (s *Service) payout(ctx context.Context, tx store.Tx, to string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	err := tx.Transfer(ctx, s.vault, to, amount)
	if errors.Is(err, store.ErrInsufficientBalance) {
		return fmt.Errorf("vault cannot cover %d: %w", amount, pool.ErrOverflow)
	}
	return err
}

func (s *Service) checkAsset(l *model.PoolLedger, asset string) error {
	if asset != "" && asset != l.Asset {
		return fmt.Errorf("%w: pool holds %s, got %s", pool.ErrIncorrectTokenMint, l.Asset, asset)
	}
	return nil
}

// balanceRecord loads owner's custodial balance; a missing record is an
// empty balance.
func balanceRecord(ctx context.Context, tx store.Tx, owner string) (*model.CustodialBalance, error) {
	key := address.Balance(owner)
	bal, err := tx.Balance(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return &model.CustodialBalance{Key: key, Owner: owner}, nil
	}
	return bal, err
}

// --- Initialize ---

// Initialize creates the pool ledger with admin as the settlement authority.
// Repeating it for the same admin is a no-op; any other admin is refused.
func (s *Service) Initialize(ctx context.Context, admin string) (*model.PoolLedger, error) {
	if err := address.ValidateIdentity(admin); err != nil {
		return nil, err
	}
	c, err := s.run(ctx, "initialize", func(ctx context.Context, tx store.Tx, now time.Time) (*commit, error) {
		l, err := tx.Pool(ctx)
		switch {
		case err == nil:
			if l.Admin != admin {
				return nil, fmt.Errorf("%w: pool already administered", pool.ErrUnauthorized)
			}
			return &commit{ledger: *l}, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}

		vault, err := tx.BalanceOf(ctx, s.vault)
		if err != nil {
			return nil, err
		}
		next := model.PoolLedger{Key: address.Pool(), Admin: admin, Asset: s.opts.Asset}
		if err := pool.Sync(&next, vault); err != nil {
			return nil, err
		}
		return &commit{ledger: next, event: &model.Event{Kind: model.EventPoolInitialized, Owner: admin}}, nil
	})
	if err != nil {
		return nil, err
	}
	if c.event != nil {
		slog.Info("pool initialized", "admin", admin, "asset", c.ledger.Asset, "vault", c.vault)
	}
	return &c.ledger, nil
}

// --- Liquidity ---

// DepositLiquidityRequest is the JSON body for POST /liquidity/deposit.
type DepositLiquidityRequest struct {
	Index     uint64          `json:"index"`
	Amount    uint64          `json:"amount"`
	Asset     string          `json:"asset,omitempty"`      // empty means the pool's asset
	MinShares fixedpoint.Wide `json:"min_shares,omitempty"` // slippage guard
}

// LiquidityReceipt is returned from a liquidity deposit.
type LiquidityReceipt struct {
	Position model.LiquidityPosition `json:"position"`
	Event    model.Event             `json:"event"`
}

// DepositLiquidity transfers amount from owner into the vault and mints
// shares into a new position at req.Index.
func (s *Service) DepositLiquidity(ctx context.Context, owner string, req DepositLiquidityRequest) (*LiquidityReceipt, error) {
	if err := address.ValidateIdentity(owner); err != nil {
		return nil, err
	}
	var pos model.LiquidityPosition
	c, err := s.execute(ctx, "deposit_liquidity", func(ctx context.Context, st *state) (*model.Event, error) {
		if err := s.checkAsset(st.ledger, req.Asset); err != nil {
			return nil, err
		}
		key := address.Position(owner, req.Index)
		if _, err := st.tx.Position(ctx, key); err == nil {
			return nil, fmt.Errorf("%w: index %d", pool.ErrPositionExists, req.Index)
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		iss, err := pool.Issue(st.ledger, st.vault, req.Amount, req.MinShares)
		if err != nil {
			return nil, err
		}
		if err := s.deposit(ctx, st.tx, owner, req.Amount); err != nil {
			return nil, err
		}
		pos = model.LiquidityPosition{
			Key:         key,
			Owner:       owner,
			Index:       req.Index,
			Deposited:   req.Amount,
			Shares:      iss.Shares,
			ProfitEntry: iss.ProfitEntry,
			CreatedAt:   st.now,
		}
		if err := st.tx.SavePosition(ctx, &pos); err != nil {
			return nil, err
		}
		return &model.Event{
			Kind:   model.EventLiquidityDeposited,
			Owner:  owner,
			Amount: req.Amount,
			Shares: iss.Shares,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("liquidity deposited",
		"event_id", c.event.ID,
		"owner", owner,
		"index", req.Index,
		"amount", req.Amount,
		"shares", pos.Shares.String(),
		"total_shares", c.ledger.TotalShares.String(),
	)
	return &LiquidityReceipt{Position: pos, Event: *c.event}, nil
}

// WithdrawLiquidityRequest is the JSON body for POST /liquidity/withdraw.
type WithdrawLiquidityRequest struct {
	Index     uint64 `json:"index"`
	MinPayout uint64 `json:"min_payout,omitempty"` // slippage guard
}

// WithdrawalReceipt is returned from a liquidity withdrawal.
type WithdrawalReceipt struct {
	Index     uint64      `json:"index"`
	Principal uint64      `json:"principal"`
	PnL       string      `json:"pnl"` // signed base units
	Payout    uint64      `json:"payout"`
	Event     model.Event `json:"event"`
}

// WithdrawLiquidity redeems the whole position at req.Index and pays out
// principal plus accrued profit.
func (s *Service) WithdrawLiquidity(ctx context.Context, owner string, req WithdrawLiquidityRequest) (*WithdrawalReceipt, error) {
	if err := address.ValidateIdentity(owner); err != nil {
		return nil, err
	}
	var r pool.Redemption
	c, err := s.execute(ctx, "withdraw_liquidity", func(ctx context.Context, st *state) (*model.Event, error) {
		key := address.Position(owner, req.Index)
		pos, err := st.tx.Position(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: index %d", pool.ErrPositionNotFound, req.Index)
		}
		if err != nil {
			return nil, err
		}
		if err := pool.Unlocked(*pos, st.now, s.opts.LockPeriod); err != nil {
			return nil, err
		}

		if r, err = pool.Redeem(st.ledger, st.vault, *pos, req.MinPayout); err != nil {
			return nil, err
		}
		if err := s.payout(ctx, st.tx, owner, r.Payout); err != nil {
			return nil, err
		}
		if err := st.tx.DeletePosition(ctx, key); err != nil {
			return nil, err
		}
		return &model.Event{
			Kind:   model.EventLiquidityWithdrawn,
			Owner:  owner,
			Amount: r.Payout,
			Shares: pos.Shares,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("liquidity withdrawn",
		"event_id", c.event.ID,
		"owner", owner,
		"index", req.Index,
		"principal", r.Principal,
		"pnl", r.PnL.String(),
		"payout", r.Payout,
	)
	return &WithdrawalReceipt{
		Index:     req.Index,
		Principal: r.Principal,
		PnL:       r.PnL.String(),
		Payout:    r.Payout,
		Event:     *c.event,
	}, nil
}

// --- Custodial funds ---

// FundsRequest is the JSON body for POST /funds/deposit and /funds/withdraw.
type FundsRequest struct {
	Amount uint64 `json:"amount"`
	Asset  string `json:"asset,omitempty"`
}

// FundsReceipt is returned from custodial deposits and withdrawals.
type FundsReceipt struct {
	Balance model.CustodialBalance `json:"balance"`
	Event   model.Event            `json:"event"`
}

// DepositFunds moves amount from owner into the vault as wagering funds.
func (s *Service) DepositFunds(ctx context.Context, owner string, req FundsRequest) (*FundsReceipt, error) {
	return s.funds(ctx, "deposit_funds", owner, req, true)
}

// WithdrawFunds returns custodial funds to owner.
func (s *Service) WithdrawFunds(ctx context.Context, owner string, req FundsRequest) (*FundsReceipt, error) {
	return s.funds(ctx, "withdraw_funds", owner, req, false)
}

func (s *Service) funds(ctx context.Context, op, owner string, req FundsRequest, credit bool) (*FundsReceipt, error) {
	if err := address.ValidateIdentity(owner); err != nil {
		return nil, err
	}
	var bal *model.CustodialBalance
	c, err := s.execute(ctx, op, func(ctx context.Context, st *state) (*model.Event, error) {
		if err := s.checkAsset(st.ledger, req.Asset); err != nil {
			return nil, err
		}
		var err error
		if bal, err = balanceRecord(ctx, st.tx, owner); err != nil {
			return nil, err
		}

		kind := model.EventFundsDeposited
		if credit {
			if err := pool.CreditFunds(st.ledger, st.vault, bal, req.Amount); err != nil {
				return nil, err
			}
			err = s.deposit(ctx, st.tx, owner, req.Amount)
		} else {
			kind = model.EventFundsWithdrawn
			if err := pool.DebitFunds(st.ledger, st.vault, bal, req.Amount); err != nil {
				return nil, err
			}
			err = s.payout(ctx, st.tx, owner, req.Amount)
		}
		if err != nil {
			return nil, err
		}

		bal.UpdatedAt = st.now
		if err := st.tx.SaveBalance(ctx, bal); err != nil {
			return nil, err
		}
		return &model.Event{Kind: kind, Owner: owner, Amount: req.Amount}, nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("custodial funds moved",
		"event_id", c.event.ID,
		"kind", c.event.Kind,
		"owner", owner,
		"amount", req.Amount,
		"balance", bal.Balance,
		"user_funds", c.ledger.UserFunds,
	)
	return &FundsReceipt{Balance: *bal, Event: *c.event}, nil
}

// --- Settlement ---

// SettleRequest is the JSON body for POST /wagers/settle.
type SettleRequest struct {
	Player            string  `json:"player"`
	Chance            uint64  `json:"chance"`
	Wager             uint64  `json:"wager"`
	Random            *uint64 `json:"random,omitempty"`             // supplied mode
	RandomnessAccount string  `json:"randomness_account,omitempty"` // oracle mode
}

// SettleResult is returned from a settlement.
type SettleResult struct {
	RoundID  string      `json:"round_id"`
	Player   string      `json:"player"`
	Won      bool        `json:"won"`
	Chance   uint64      `json:"chance"`
	Wager    uint64      `json:"wager"`
	Winnings uint64      `json:"winnings"`
	MaxBet   uint64      `json:"max_bet"`
	Balance  uint64      `json:"balance"`
	Random   uint64      `json:"random"`
	Event    model.Event `json:"event"`
}

// Settle resolves a wager for req.Player. Only the pool admin may call it.
// The wager is admitted before randomness is drawn, so a rejected wager
// never consumes an oracle round.
func (s *Service) Settle(ctx context.Context, caller string, req SettleRequest) (*SettleResult, error) {
	if err := address.ValidateIdentity(req.Player); err != nil {
		return nil, err
	}
	res := SettleResult{RoundID: uuid.New().String(), Player: req.Player, Chance: req.Chance, Wager: req.Wager}
	c, err := s.execute(ctx, "settle", func(ctx context.Context, st *state) (*model.Event, error) {
		bal, err := balanceRecord(ctx, st.tx, req.Player)
		if err != nil {
			return nil, err
		}
		w := pool.Wager{Chance: req.Chance, Amount: req.Wager}
		if _, err := pool.Admit(*st.ledger, st.vault, caller, bal.Balance, w, s.limiter); err != nil {
			return nil, err
		}

		w.Random, st.onCommit, err = s.draw(ctx, randomness.Request{
			Player:  req.Player,
			Account: req.RandomnessAccount,
			Value:   req.Random,
		})
		if err != nil {
			return nil, err
		}
		out, err := pool.Settle(st.ledger, st.vault, caller, bal, w, s.limiter)
		if err != nil {
			return nil, err
		}
		bal.UpdatedAt = st.now
		if err := st.tx.SaveBalance(ctx, bal); err != nil {
			return nil, err
		}

		res.Won, res.Winnings, res.MaxBet, res.Balance, res.Random = out.Won, out.Winnings, out.MaxBet, out.Balance, w.Random
		won := out.Won
		return &model.Event{
			Kind:    model.EventWagerSettled,
			Owner:   req.Player,
			Amount:  req.Wager,
			Won:     &won,
			Chance:  req.Chance,
			RoundID: res.RoundID,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	outcome := "lost"
	if res.Won {
		outcome = "won"
	}
	metrics.SettlementsTotal.WithLabelValues(outcome).Inc()
	metrics.WageredTotal.Add(float64(req.Wager))

	slog.Info("wager settled",
		"round_id", res.RoundID,
		"event_id", c.event.ID,
		"player", req.Player,
		"chance", req.Chance,
		"wager", req.Wager,
		"won", res.Won,
		"winnings", res.Winnings,
		"max_bet", res.MaxBet,
		"balance", res.Balance,
	)
	res.Event = *c.event
	return &res, nil
}

// draw takes the random input for a settlement. One-shot providers are only
// peeked here; the returned func consumes the round once the settlement has
// committed, so a rolled-back settlement leaves the round open and its seed
// unpublished.
func (s *Service) draw(ctx context.Context, req randomness.Request) (uint64, func(), error) {
	d, ok := s.rng.(randomness.Deferred)
	if !ok {
		v, err := s.rng.Draw(ctx, req)
		return v, nil, err
	}
	v, err := d.Peek(ctx, req)
	if err != nil {
		return 0, nil, err
	}
	return v, func() {
		if err := d.Reveal(req); err != nil {
			slog.Error("randomness reveal failed after commit", "account", req.Account, "err", err)
		}
	}, nil
}

// CommitRandomness opens an oracle round for player. Admin only.
func (s *Service) CommitRandomness(ctx context.Context, caller, player string) (*randomness.Commitment, error) {
	if s.opts.Oracle == nil {
		return nil, ErrOracleDisabled
	}
	l, err := s.ledger(ctx)
	if err != nil {
		return nil, err
	}
	if caller != l.Admin {
		return nil, pool.ErrUnauthorized
	}
	c, err := s.opts.Oracle.Commit(ctx, player)
	if err != nil {
		return nil, err
	}
	slog.Info("randomness committed", "player", player, "account", c.Account, "resolve_slot", c.ResolveSlot)
	return &c, nil
}

// RevealedSeed returns the seed behind a revealed oracle round.
func (s *Service) RevealedSeed(account string) (string, error) {
	if s.opts.Oracle == nil {
		return "", ErrOracleDisabled
	}
	seed, ok := s.opts.Oracle.Seed(account)
	if !ok {
		return "", fmt.Errorf("%w: round %s not revealed", store.ErrNotFound, account)
	}
	return seed, nil
}

// --- Airdrop ---

// Airdrop credits account's external wallet. Development only.
func (s *Service) Airdrop(ctx context.Context, account string, amount uint64) (uint64, error) {
	if !s.opts.AirdropEnabled {
		return 0, ErrAirdropDisabled
	}
	if err := address.ValidateIdentity(account); err != nil {
		return 0, err
	}
	if amount == 0 {
		return 0, pool.ErrInvalidAmount
	}
	if err := s.store.Airdrop(ctx, account, amount); err != nil {
		return 0, err
	}
	bal, err := s.store.AccountBalance(ctx, account)
	if err != nil {
		return 0, err
	}
	slog.Info("airdrop", "account", account, "amount", amount, "wallet", bal)
	return bal, nil
}
