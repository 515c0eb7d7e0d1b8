package pool

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kzyno/bankroll-engine/internal/fixedpoint"
	"github.com/kzyno/bankroll-engine/internal/model"
	"github.com/kzyno/bankroll-engine/internal/risk"
)

const sol = 1_000_000_000

const admin = "house"

// bench drives the core the way the service does, with the vault balance
// tracked alongside the ledger.
type bench struct {
	t       *testing.T
	ledger  model.PoolLedger
	vault   uint64
	limiter *risk.StakeLimiter
}

func newBench(t *testing.T) *bench {
	t.Helper()
	return &bench{
		t:       t,
		ledger:  model.PoolLedger{Admin: admin},
		limiter: risk.NewStakeLimiter(0, 0, 0),
	}
}

func (b *bench) deposit(owner string, amount uint64) model.LiquidityPosition {
	b.t.Helper()
	iss, err := Issue(&b.ledger, b.vault, amount, fixedpoint.Wide{})
	require.NoError(b.t, err)
	b.vault += amount
	return model.LiquidityPosition{
		Key:         owner,
		Owner:       owner,
		Deposited:   amount,
		Shares:      iss.Shares,
		ProfitEntry: iss.ProfitEntry,
	}
}

func (b *bench) withdraw(pos model.LiquidityPosition) uint64 {
	b.t.Helper()
	r, err := Redeem(&b.ledger, b.vault, pos, 0)
	require.NoError(b.t, err)
	b.vault -= r.Payout
	return r.Payout
}

func (b *bench) fund(bal *model.CustodialBalance, amount uint64) {
	b.t.Helper()
	require.NoError(b.t, CreditFunds(&b.ledger, b.vault, bal, amount))
	b.vault += amount
}

func (b *bench) play(bal *model.CustodialBalance, amount, chance, random uint64) Outcome {
	b.t.Helper()
	out, err := Settle(&b.ledger, b.vault, admin, bal, Wager{Chance: chance, Random: random, Amount: amount}, b.limiter)
	require.NoError(b.t, err)
	return out
}

func (b *bench) assertSynced() {
	b.t.Helper()
	assert.Equal(b.t, b.vault, b.ledger.UserFunds+b.ledger.LastBankroll, "vault == user funds + bankroll")
}

// --- Sync ---

func TestSync_InvariantHoldsAfterEverySync(t *testing.T) {
	b := newBench(t)
	b.deposit("alice", 1000)
	player := &model.CustodialBalance{Owner: "p"}
	b.fund(player, 400)

	for _, vault := range []uint64{1400, 2300, 401, 1400, 999_999} {
		b.vault = vault
		require.NoError(t, Sync(&b.ledger, vault))
		b.assertSynced()
	}
}

func TestSync_Idempotent(t *testing.T) {
	b := newBench(t)
	b.deposit("alice", 1000)
	b.vault += 123

	require.NoError(t, Sync(&b.ledger, b.vault))
	first := b.ledger
	require.NoError(t, Sync(&b.ledger, b.vault))
	assert.Equal(t, first, b.ledger)
}

func TestSync_NoSharesRebasesWithoutIndex(t *testing.T) {
	l := model.PoolLedger{UserFunds: 10}
	require.NoError(t, Sync(&l, 75))
	assert.Equal(t, uint64(65), l.LastBankroll)
	assert.True(t, l.ProfitPerShare.IsZero())
}

func TestSync_VaultBelowUserFundsIsOverflow(t *testing.T) {
	l := model.PoolLedger{UserFunds: 10, LastBankroll: 5}
	err := Sync(&l, 9)
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, uint64(5), l.LastBankroll)
}

// --- Issue / Redeem ---

func TestIssue_Bootstrap(t *testing.T) {
	b := newBench(t)
	pos := b.deposit("alice", 1000)

	assert.Equal(t, "1000", pos.Shares.String())
	assert.Equal(t, uint64(1000), b.ledger.PrincipalDeposits)
	assert.Equal(t, "1000", b.ledger.TotalShares.String())
	b.assertSynced()
}

func TestRedeem_RoundTrip(t *testing.T) {
	b := newBench(t)
	pos := b.deposit("alice", 1000)

	assert.Equal(t, uint64(1000), b.withdraw(pos))
	assert.True(t, b.ledger.TotalShares.IsZero())
	assert.Zero(t, b.ledger.PrincipalDeposits)
	assert.Zero(t, b.vault)
}

func TestIssue_ZeroAmount(t *testing.T) {
	l := model.PoolLedger{}
	_, err := Issue(&l, 0, 0, fixedpoint.Wide{})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestIssue_MinSharesGuard(t *testing.T) {
	b := newBench(t)
	b.deposit("alice", 1000)
	before := b.ledger

	_, err := Issue(&b.ledger, b.vault, 10, fixedpoint.NewWide(11))
	assert.ErrorIs(t, err, ErrInsufficientOutput)
	assert.Equal(t, before, b.ledger)
}

func TestIssue_ZeroSharesMinted(t *testing.T) {
	l := model.PoolLedger{TotalShares: fixedpoint.NewWide(1), PrincipalDeposits: 1000, LastBankroll: 1000}
	_, err := Issue(&l, 1000, 999, fixedpoint.Wide{})
	assert.ErrorIs(t, err, ErrInsufficientOutput)
}

func TestIssue_EntersAtCurrentIndex(t *testing.T) {
	b := newBench(t)
	alice := b.deposit("alice", 1000)
	b.vault += 500 // profit before bob arrives

	bob := b.deposit("bob", 1000)
	assert.True(t, alice.ProfitEntry.IsZero())
	assert.Equal(t, 1, bob.ProfitEntry.Sign())
	// Shares follow principal only.
	assert.Equal(t, "1000", bob.Shares.String())

	// Bob redeems immediately and gets exactly his deposit back.
	assert.Equal(t, uint64(1000), b.withdraw(bob))
}

func TestProfitAccrual(t *testing.T) {
	b := newBench(t)
	alice := b.deposit("alice", 500)
	bob := b.deposit("bob", 500)
	indexBefore := b.ledger.ProfitPerShare

	b.vault += 900
	require.NoError(t, Sync(&b.ledger, b.vault))

	delta, err := b.ledger.ProfitPerShare.Sub(indexBefore)
	require.NoError(t, err)
	want := new(big.Int).Lsh(big.NewInt(900), fixedpoint.FracBits)
	want.Quo(want, big.NewInt(1000))
	assert.Equal(t, want.String(), delta.String())

	r, err := Redeem(&b.ledger, b.vault, alice, 0)
	require.NoError(t, err)
	// (500 * delta) >> 64 truncates to 449; the remainder stays as dust.
	assert.Equal(t, "449", r.PnL.String())
	assert.Equal(t, uint64(500), r.Principal)
	assert.Equal(t, uint64(949), r.Payout)
	b.vault -= r.Payout

	assert.Equal(t, uint64(949), b.withdraw(bob))
	assert.Equal(t, uint64(2), b.vault, "one unit of dust per position")
}

func TestPrincipalNeverIncludesProfit(t *testing.T) {
	b := newBench(t)
	b.deposit("alice", 1000)
	b.vault += 5000
	b.deposit("bob", 3000)

	assert.Equal(t, uint64(4000), b.ledger.PrincipalDeposits)
	assert.Equal(t, "4000", b.ledger.TotalShares.String())
}

func TestRedeem_LossSharedByIndex(t *testing.T) {
	b := newBench(t)
	alice := b.deposit("alice", 1000)
	bob := b.deposit("bob", 3000)
	b.vault -= 400

	assert.Equal(t, uint64(900), b.withdraw(alice))
	assert.Equal(t, uint64(2700), b.withdraw(bob))
	assert.Zero(t, b.vault)
}

func TestRedeem_NegativePayoutReported(t *testing.T) {
	b := newBench(t)
	pos := b.deposit("alice", 1000)

	entry, err := fixedpoint.ParseQ64(new(big.Int).Lsh(big.NewInt(1), fixedpoint.FracBits).String())
	require.NoError(t, err)
	pos.ProfitEntry = entry
	b.vault = 0

	before := b.ledger
	_, err = Redeem(&b.ledger, b.vault, pos, 0)
	assert.ErrorIs(t, err, ErrNegativePayout)
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, before, b.ledger)
}

func TestRedeem_MinPayoutGuard(t *testing.T) {
	b := newBench(t)
	pos := b.deposit("alice", 1000)
	b.vault -= 1

	_, err := Redeem(&b.ledger, b.vault, pos, 1000)
	assert.ErrorIs(t, err, ErrInsufficientOutput)
	assert.Equal(t, "1000", b.ledger.TotalShares.String())
}

func TestRedeem_UnknownShares(t *testing.T) {
	b := newBench(t)
	b.deposit("alice", 1000)
	_, err := Redeem(&b.ledger, b.vault, model.LiquidityPosition{Shares: fixedpoint.NewWide(1001)}, 0)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestUnlocked(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pos := model.LiquidityPosition{CreatedAt: created}

	assert.NoError(t, Unlocked(pos, created, 0))
	assert.ErrorIs(t, Unlocked(pos, created.Add(time.Hour), 2*time.Hour), ErrLiquidityLocked)
	assert.NoError(t, Unlocked(pos, created.Add(2*time.Hour), 2*time.Hour))
}

// --- Custodial funds ---

func TestFunds_CreditAndDebit(t *testing.T) {
	b := newBench(t)
	bal := &model.CustodialBalance{Owner: "p"}

	b.fund(bal, 300)
	assert.Equal(t, uint64(300), bal.Balance)
	assert.Equal(t, uint64(300), b.ledger.UserFunds)
	assert.Zero(t, b.ledger.LastBankroll)

	err := DebitFunds(&b.ledger, b.vault, bal, 301)
	assert.ErrorIs(t, err, ErrNotEnoughFunds)
	assert.Equal(t, uint64(300), bal.Balance)

	require.NoError(t, DebitFunds(&b.ledger, b.vault, bal, 200))
	b.vault -= 200
	assert.Equal(t, uint64(100), bal.Balance)
	assert.Equal(t, uint64(100), b.ledger.UserFunds)
	b.assertSynced()

	assert.ErrorIs(t, CreditFunds(&b.ledger, b.vault, bal, 0), ErrInvalidAmount)
	assert.ErrorIs(t, DebitFunds(&b.ledger, b.vault, bal, 0), ErrInvalidAmount)
}

func TestFunds_DoNotTouchIndex(t *testing.T) {
	b := newBench(t)
	b.deposit("alice", 1000)
	bal := &model.CustodialBalance{Owner: "p"}

	b.fund(bal, 5000)
	require.NoError(t, Sync(&b.ledger, b.vault))
	assert.True(t, b.ledger.ProfitPerShare.IsZero())
	assert.Equal(t, uint64(1000), b.ledger.LastBankroll)
}

// --- Settlement ---

func newTable(t *testing.T) (*bench, *model.CustodialBalance) {
	t.Helper()
	b := newBench(t)
	b.deposit("lp", 100000)
	bal := &model.CustodialBalance{Owner: "player"}
	b.fund(bal, 1000)
	return b, bal
}

func TestSettle_RiskCap(t *testing.T) {
	b, bal := newTable(t)

	_, err := Settle(&b.ledger, b.vault, admin, bal, Wager{Chance: 10, Random: 1, Amount: 112}, b.limiter)
	assert.ErrorIs(t, err, ErrBetTooBig)
	assert.Equal(t, uint64(1000), bal.Balance)

	out := b.play(bal, 100, 10, 1)
	assert.Equal(t, uint64(111), out.MaxBet)
}

func TestSettle_HouseOverrideAlwaysLoses(t *testing.T) {
	for chance := uint64(2); chance <= 50; chance++ {
		assert.False(t, Wins(106, chance), "chance %d", chance)
	}

	b, bal := newTable(t)
	out := b.play(bal, 50, 2, 106)
	assert.False(t, out.Won)
	assert.Equal(t, uint64(950), bal.Balance)
	assert.Equal(t, uint64(950), b.ledger.UserFunds)
}

func TestSettle_WinPayout(t *testing.T) {
	b, bal := newTable(t)

	out := b.play(bal, 100, 10, 20)
	assert.True(t, out.Won)
	assert.Equal(t, uint64(900), out.Winnings)
	assert.Equal(t, uint64(1900), bal.Balance)
	assert.Equal(t, uint64(1900), b.ledger.UserFunds)

	// The next sync books the payout as a pool loss.
	require.NoError(t, Sync(&b.ledger, b.vault))
	assert.Equal(t, uint64(100000-900), b.ledger.LastBankroll)
	assert.Equal(t, -1, b.ledger.ProfitPerShare.Sign())
	b.assertSynced()
}

func TestSettle_CheckOrder(t *testing.T) {
	b, _ := newTable(t)
	empty := &model.CustodialBalance{Owner: "nobody"}

	_, err := Settle(&b.ledger, b.vault, "mallory", empty, Wager{Chance: 99, Amount: 5}, b.limiter)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = Settle(&b.ledger, b.vault, admin, empty, Wager{Chance: 99, Amount: 5}, b.limiter)
	assert.ErrorIs(t, err, ErrNotEnoughFundsToPlay)

	rich := &model.CustodialBalance{Owner: "rich", Balance: 10}
	_, err = Settle(&b.ledger, b.vault, admin, rich, Wager{Chance: 99, Amount: 5}, b.limiter)
	assert.ErrorIs(t, err, ErrInvalidChance)

	_, err = Settle(&b.ledger, b.vault, admin, rich, Wager{Chance: 2}, b.limiter)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSettle_BrokenVaultAborts(t *testing.T) {
	b, bal := newTable(t)
	before := b.ledger
	_, err := Settle(&b.ledger, b.ledger.UserFunds-1, admin, bal, Wager{Chance: 2, Random: 1, Amount: 1}, b.limiter)
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, before, b.ledger)
}

// Two LPs share gains in proportion to the time their shares were staked.
func TestLiquidityProfitFlow(t *testing.T) {
	b := newBench(t)
	player := &model.CustodialBalance{Owner: "player"}

	alice := b.deposit("alice", 1000*sol)
	b.fund(player, 50*sol)
	assert.False(t, b.play(player, 10*sol, 2, 5).Won)

	bob := b.deposit("bob", 1000*sol)
	assert.False(t, b.play(player, 20*sol, 2, 9).Won)

	bobPayout := b.withdraw(bob)
	assert.InDelta(t, float64(1010*sol), float64(bobPayout), 1)

	assert.False(t, b.play(player, 10*sol, 2, 11).Won)

	alicePayout := b.withdraw(alice)
	assert.InDelta(t, float64(1030*sol), float64(alicePayout), 1)

	assert.Equal(t, uint64(10*sol), player.Balance)
	assert.LessOrEqual(t, b.vault, uint64(10*sol)+2)
	assert.GreaterOrEqual(t, b.vault, uint64(10*sol))
	assert.Zero(t, b.ledger.PrincipalDeposits)
}

func TestAdmit_DoesNotResolve(t *testing.T) {
	b, bal := newTable(t)
	before := b.ledger

	maxBet, err := Admit(b.ledger, b.vault, admin, bal.Balance, Wager{Chance: 10, Amount: 100}, b.limiter)
	require.NoError(t, err)
	assert.Equal(t, uint64(111), maxBet)
	assert.Equal(t, before, b.ledger)

	_, err = Admit(b.ledger, b.vault, admin, bal.Balance, Wager{Chance: 10, Amount: 112}, b.limiter)
	assert.ErrorIs(t, err, ErrBetTooBig)
}
