// Package address derives the deterministic record keys under which the
// pool ledger, liquidity positions, custodial balances and the vault live,
// and validates the participant identities those keys are derived from.
//
// A key is the blake3 hash of a label followed by length-prefixed seeds, so
// the same (label, owner, index) always lands on the same record and no two
// seed lists collide by concatenation.
package address

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"

	"github.com/zeebo/blake3"
)

// Record labels.
const (
	LabelPool       = "global_state"
	LabelVault      = "vault"
	LabelPosition   = "user_liquidity"
	LabelBalance    = "user_balance"
	LabelRandomness = "randomness"
)

// identityRegex matches participant identities: wallet-style base58/hex keys
// or service principals such as "svc:settler".
var identityRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:\-]{0,127}$`)

var ErrInvalidIdentity = errors.New("address: invalid identity")

// ValidateIdentity reports whether id may own records.
func ValidateIdentity(id string) error {
	if !identityRegex.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, id)
	}
	return nil
}

// Derive hashes label and seeds into a hex key.
func Derive(label string, seeds ...[]byte) string {
	h := blake3.New()
	writeSeed(h, []byte(label))
	for _, s := range seeds {
		writeSeed(h, s)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeSeed(h *blake3.Hasher, b []byte) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// Pool is the key of the singleton pool ledger.
func Pool() string { return Derive(LabelPool) }

// Vault is the custody account holding pool capital and custodial funds.
func Vault() string { return Derive(LabelVault) }

// Position is the key of owner's index-th liquidity position.
func Position(owner string, index uint64) string {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], index)
	return Derive(LabelPosition, []byte(owner), le[:])
}

// Balance is the key of owner's custodial balance.
func Balance(owner string) string {
	return Derive(LabelBalance, []byte(owner))
}

// Randomness is the key of an oracle randomness account committed for
// player at the given slot.
func Randomness(player string, slot uint64) string {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], slot)
	return Derive(LabelRandomness, []byte(player), le[:])
}
