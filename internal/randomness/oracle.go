package randomness

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kzyno/bankroll-engine/internal/address"
)

// SlotDuration is the length of one oracle slot on the wall clock.
const SlotDuration = 400 * time.Millisecond

// SlotClock returns the current slot.
type SlotClock func() uint64

// WallClock counts SlotDuration slots since genesis.
func WallClock(genesis time.Time) SlotClock {
	return func() uint64 {
		d := time.Since(genesis)
		if d < 0 {
			return 0
		}
		return uint64(d / SlotDuration)
	}
}

// Commitment is the public half of an oracle round.
type Commitment struct {
	Account     string `json:"account"`
	Player      string `json:"player"`
	SeedHash    string `json:"seed_hash"`
	CommitSlot  uint64 `json:"commit_slot"`
	ResolveSlot uint64 `json:"resolve_slot"`
	ExpirySlot  uint64 `json:"expiry_slot"`
}

type round struct {
	Commitment
	seed     []byte
	revealed bool
}

// Oracle is an in-process commit/reveal randomness source.
type Oracle struct {
	mu      sync.Mutex
	clock   SlotClock
	resolve uint64
	expiry  uint64
	entropy io.Reader
	rounds  map[string]*round
}

// NewOracle creates an oracle whose commitments resolve after resolveSlots
// and stay revealable for expirySlots more.
func NewOracle(clock SlotClock, resolveSlots, expirySlots uint64) *Oracle {
	if expirySlots == 0 {
		expirySlots = 150
	}
	return &Oracle{
		clock:   clock,
		resolve: resolveSlots,
		expiry:  expirySlots,
		entropy: rand.Reader,
		rounds:  make(map[string]*round),
	}
}

// Commit opens a round for player and returns its public commitment. A
// second commit in the same slot returns the open round.
func (o *Oracle) Commit(_ context.Context, player string) (Commitment, error) {
	if err := address.ValidateIdentity(player); err != nil {
		return Commitment{}, err
	}
	seed := make([]byte, 32)
	if _, err := io.ReadFull(o.entropy, seed); err != nil {
		return Commitment{}, fmt.Errorf("randomness: seed: %w", err)
	}
	hash := sha256.Sum256(seed)

	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock()
	c := Commitment{
		Account:     address.Randomness(player, now),
		Player:      player,
		SeedHash:    hex.EncodeToString(hash[:]),
		CommitSlot:  now,
		ResolveSlot: now + o.resolve,
		ExpirySlot:  now + o.resolve + o.expiry,
	}
	if r, ok := o.rounds[c.Account]; ok {
		if r.revealed {
			return Commitment{}, ErrAlreadyRevealed
		}
		return r.Commitment, nil
	}
	o.rounds[c.Account] = &round{Commitment: c, seed: seed}
	return c, nil
}

// Draw reveals the round named by req.Account. The value is the first eight
// bytes of HMAC-SHA256(seed, account).
func (o *Oracle) Draw(_ context.Context, req Request) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, v, err := o.peek(req)
	if err != nil {
		return 0, err
	}
	r.revealed = true
	return v, nil
}

// Peek returns the value Draw would return without revealing the round.
func (o *Oracle) Peek(_ context.Context, req Request) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, v, err := o.peek(req)
	return v, err
}

// Reveal marks a round as drawn and publishes its seed. It does not check
// the reveal window: the draw it records was taken inside it.
func (o *Oracle) Reveal(req Request) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok := o.rounds[req.Account]
	if !ok || r.Player != req.Player {
		return ErrInvalidAccount
	}
	if r.revealed {
		return ErrAlreadyRevealed
	}
	r.revealed = true
	return nil
}

func (o *Oracle) peek(req Request) (*round, uint64, error) {
	r, ok := o.rounds[req.Account]
	if !ok || r.Player != req.Player {
		return nil, 0, ErrInvalidAccount
	}
	if r.revealed {
		return nil, 0, ErrAlreadyRevealed
	}
	now := o.clock()
	if now < r.ResolveSlot {
		return nil, 0, fmt.Errorf("%w: slot %d, resolves at %d", ErrNotResolved, now, r.ResolveSlot)
	}
	if now > r.ExpirySlot {
		return nil, 0, fmt.Errorf("%w: slot %d, expired at %d", ErrExpired, now, r.ExpirySlot)
	}
	return r, derive(r.seed, r.Account), nil
}

// Seed returns the hex seed of a revealed round so clients can verify it
// against the published hash.
func (o *Oracle) Seed(account string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.rounds[account]
	if !ok || !r.revealed {
		return "", false
	}
	return hex.EncodeToString(r.seed), true
}

// Prune drops rounds that expired before the current slot.
func (o *Oracle) Prune() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.clock()
	n := 0
	for k, r := range o.rounds {
		if now > r.ExpirySlot {
			delete(o.rounds, k)
			n++
		}
	}
	return n
}

func derive(seed []byte, account string) uint64 {
	h := hmac.New(sha256.New, seed)
	h.Write([]byte(account))
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}

// Verify recomputes a revealed value from its seed.
func Verify(seedHex, seedHash, account string, value uint64) bool {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(seed)
	if hex.EncodeToString(sum[:]) != seedHash {
		return false
	}
	return derive(seed, account) == value
}
