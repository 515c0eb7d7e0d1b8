package casino

import (
	"errors"
	"net/http"

	"github.com/kzyno/bankroll-engine/internal/address"
	"github.com/kzyno/bankroll-engine/internal/pool"
	"github.com/kzyno/bankroll-engine/internal/randomness"
	"github.com/kzyno/bankroll-engine/internal/store"
)

var (
	ErrAirdropDisabled = errors.New("casino: airdrop disabled")
	ErrOracleDisabled  = errors.New("casino: randomness oracle disabled")
)

// rejections maps each domain error to a metric label and an HTTP status.
// Order matters: ErrNegativePayout wraps ErrOverflow and must match first.
var rejections = []struct {
	err    error
	reason string
	status int
}{
	{pool.ErrUnauthorized, "unauthorized", http.StatusForbidden},
	{pool.ErrNotInitialized, "not_initialized", http.StatusNotFound},
	{pool.ErrPositionNotFound, "position_not_found", http.StatusNotFound},
	{store.ErrNotFound, "not_found", http.StatusNotFound},
	{pool.ErrPositionExists, "position_exists", http.StatusConflict},
	{pool.ErrLiquidityLocked, "liquidity_locked", http.StatusConflict},
	{pool.ErrInvalidAmount, "invalid_amount", http.StatusBadRequest},
	{pool.ErrInvalidChance, "invalid_chance", http.StatusBadRequest},
	{address.ErrInvalidIdentity, "invalid_identity", http.StatusBadRequest},
	{pool.ErrIncorrectTokenMint, "incorrect_token_mint", http.StatusUnprocessableEntity},
	{pool.ErrBetTooBig, "bet_too_big", http.StatusUnprocessableEntity},
	{pool.ErrNotEnoughFundsToPlay, "not_enough_funds_to_play", http.StatusUnprocessableEntity},
	{pool.ErrNotEnoughFunds, "not_enough_funds", http.StatusUnprocessableEntity},
	{pool.ErrInsufficientOutput, "insufficient_output", http.StatusUnprocessableEntity},
	{pool.ErrNegativePayout, "negative_payout", http.StatusUnprocessableEntity},
	{randomness.ErrMissingValue, "missing_random", http.StatusBadRequest},
	{pool.ErrInvalidRandomnessAccount, "invalid_randomness_account", http.StatusBadRequest},
	{pool.ErrRandomnessNotResolved, "randomness_not_resolved", http.StatusConflict},
	{pool.ErrRandomnessExpired, "randomness_expired", http.StatusConflict},
	{pool.ErrRandomnessAlreadyRevealed, "randomness_already_revealed", http.StatusConflict},
	{ErrAirdropDisabled, "airdrop_disabled", http.StatusForbidden},
	{ErrOracleDisabled, "oracle_disabled", http.StatusConflict},
	{pool.ErrOverflow, "overflow", http.StatusInternalServerError},
}

func reason(err error) string {
	for _, r := range rejections {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "internal"
}

// statusOf returns the HTTP status for err and whether its message is safe
// to show to the client.
func statusOf(err error) (int, bool) {
	for _, r := range rejections {
		if errors.Is(err, r.err) {
			return r.status, true
		}
	}
	return http.StatusInternalServerError, false
}
