// Package randomness supplies the random input a wager is settled with.
//
// Two providers exist. Supplied trusts the admin's value as passed with the
// settlement. Oracle runs a commit/reveal round per player: a commitment is
// published with the hash of a secret seed, becomes revealable a fixed number
// of slots later and expires after a window. Revealing is one-shot.
package randomness

import (
	"context"
	"errors"
)

var (
	ErrAlreadyRevealed = errors.New("randomness: already revealed")
	ErrNotResolved     = errors.New("randomness: not resolved")
	ErrExpired         = errors.New("randomness: expired")
	ErrInvalidAccount  = errors.New("randomness: invalid randomness account")

	// ErrMissingValue is returned by Supplied when the request carries no value.
	ErrMissingValue = errors.New("randomness: no value supplied")
)

// Request identifies the draw for one settlement.
type Request struct {
	Player  string
	Account string  // oracle commitment account
	Value   *uint64 // admin-supplied value
}

// Provider produces the random input for a settlement.
type Provider interface {
	Draw(ctx context.Context, req Request) (uint64, error)
}

// Deferred is a Provider whose draws are one-shot. Peek yields the value
// without consuming it; Reveal consumes it once the settlement that used the
// value has committed.
type Deferred interface {
	Provider
	Peek(ctx context.Context, req Request) (uint64, error)
	Reveal(req Request) error
}

// Supplied returns the value the admin passed in.
type Supplied struct{}

func (Supplied) Draw(_ context.Context, req Request) (uint64, error) {
	if req.Value == nil {
		return 0, ErrMissingValue
	}
	return *req.Value, nil
}

// Mode names a provider in configuration.
type Mode string

const (
	ModeSupplied Mode = "supplied"
	ModeOracle   Mode = "oracle"
)
