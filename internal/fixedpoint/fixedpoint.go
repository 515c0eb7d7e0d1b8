// Package fixedpoint implements the wide integer arithmetic behind the pool
// ledger: 128-bit unsigned share counts, the signed Q64.64 profit-per-share
// index, and signed integer results derived from it.
//
// Every value is held in a 256-bit word (holiman/uint256) so intermediate
// products never wrap; results are range-checked back into 128 bits and any
// loss of range surfaces as ErrOverflow. Nothing in this package truncates
// silently except the documented integer divisions and the flooring shift in
// Accrue.
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// FracBits is the number of fractional bits in a Q64 value.
const FracBits = 64

var (
	// ErrOverflow is returned whenever a checked operation leaves its range.
	ErrOverflow = errors.New("fixedpoint: arithmetic overflow")

	// ErrNegative is returned when a signed result must be applied to an
	// unsigned quantity and is below zero.
	ErrNegative = errors.New("fixedpoint: negative result")

	// ErrSyntax is returned when parsing a decimal representation fails.
	ErrSyntax = errors.New("fixedpoint: invalid number")
)

var (
	maxI128 = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 127), uint256.NewInt(1))
	minI128 = new(uint256.Int).Neg(new(uint256.Int).Lsh(uint256.NewInt(1), 127))

	twoPow64 = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), FracBits), 0)
)

// indexScale is the number of decimal places used when rendering a Q64.
const indexScale = 18

func fitsI128(x *uint256.Int) bool { return !x.Sgt(maxI128) && !x.Slt(minI128) }

func fitsU128(x *uint256.Int) bool { return x.BitLen() <= 128 }

// signedBig interprets x as two's complement.
func signedBig(x *uint256.Int) *big.Int {
	if x.Sign() >= 0 {
		return x.ToBig()
	}
	var abs uint256.Int
	abs.Neg(x)
	return new(big.Int).Neg(abs.ToBig())
}

func parseSigned(s string) (uint256.Int, error) {
	var out uint256.Int
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	v, err := uint256.FromDecimal(strings.TrimPrefix(s, "-"))
	if err != nil {
		return out, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	if neg {
		out.Neg(v)
	} else {
		out.Set(v)
	}
	if !fitsI128(&out) {
		return uint256.Int{}, ErrOverflow
	}
	return out, nil
}

// --- Wide: unsigned 128-bit quantity ---

// Wide is an unsigned integer of at most 128 bits. Share counts use it.
type Wide struct {
	v uint256.Int
}

// NewWide returns x as a Wide.
func NewWide(x uint64) Wide {
	var w Wide
	w.v.SetUint64(x)
	return w
}

// ParseWide parses a base-10 representation.
func ParseWide(s string) (Wide, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return Wide{}, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	if !fitsU128(v) {
		return Wide{}, ErrOverflow
	}
	return Wide{v: *v}, nil
}

func (w Wide) IsZero() bool { return w.v.IsZero() }

// Cmp compares w and o and returns -1, 0 or +1.
func (w Wide) Cmp(o Wide) int { return w.v.Cmp(&o.v) }

// Add returns w+o, failing with ErrOverflow past 128 bits.
func (w Wide) Add(o Wide) (Wide, error) {
	var r Wide
	if _, overflow := r.v.AddOverflow(&w.v, &o.v); overflow || !fitsU128(&r.v) {
		return Wide{}, ErrOverflow
	}
	return r, nil
}

// Sub returns w-o, failing with ErrOverflow on underflow.
func (w Wide) Sub(o Wide) (Wide, error) {
	var r Wide
	if _, borrow := r.v.SubOverflow(&w.v, &o.v); borrow {
		return Wide{}, ErrOverflow
	}
	return r, nil
}

func (w Wide) String() string { return w.v.Dec() }

// Decimal returns w as an integral decimal.
func (w Wide) Decimal() decimal.Decimal { return decimal.NewFromBigInt(w.v.ToBig(), 0) }

func (w Wide) MarshalText() ([]byte, error) { return []byte(w.v.Dec()), nil }

func (w *Wide) UnmarshalText(b []byte) error {
	p, err := ParseWide(string(b))
	if err != nil {
		return err
	}
	*w = p
	return nil
}

// --- Q64: signed Q64.64 ---

// Q64 is a signed fixed-point number with 64 integer and 64 fractional
// bits. The raw representation is the integer value * 2^64 and must fit in
// a signed 128-bit integer.
type Q64 struct {
	v uint256.Int
}

// ParseQ64 parses the raw (already scaled) signed base-10 representation.
func ParseQ64(s string) (Q64, error) {
	v, err := parseSigned(s)
	if err != nil {
		return Q64{}, err
	}
	return Q64{v: v}, nil
}

// IndexDelta converts a change in pool capital into an increment of the
// per-share index: ((now - last) << 64) / totalShares. The subtraction is
// signed; the division truncates toward zero.
func IndexDelta(now, last uint64, totalShares Wide) (Q64, error) {
	if totalShares.IsZero() {
		return Q64{}, ErrOverflow
	}
	var d uint256.Int
	d.Sub(uint256.NewInt(now), uint256.NewInt(last))
	d.Lsh(&d, FracBits)

	var q Q64
	q.v.SDiv(&d, &totalShares.v)
	if !fitsI128(&q.v) {
		return Q64{}, ErrOverflow
	}
	return q, nil
}

// Add returns q+d, failing with ErrOverflow outside the i128 range.
func (q Q64) Add(d Q64) (Q64, error) {
	var r Q64
	r.v.Add(&q.v, &d.v)
	if !fitsI128(&r.v) {
		return Q64{}, ErrOverflow
	}
	return r, nil
}

// Sub returns q-d, failing with ErrOverflow outside the i128 range.
func (q Q64) Sub(d Q64) (Q64, error) {
	var r Q64
	r.v.Sub(&q.v, &d.v)
	if !fitsI128(&r.v) {
		return Q64{}, ErrOverflow
	}
	return r, nil
}

// Accrue returns (shares * q) >> 64 using an arithmetic shift, i.e. the
// product floored back to integer units. Losses therefore round away from
// zero and gains toward it; the remainder stays in the pool.
func (q Q64) Accrue(shares Wide) (Int, error) {
	var p uint256.Int
	p.Mul(&shares.v, &q.v)
	var r Int
	r.v.SRsh(&p, FracBits)
	if !fitsI128(&r.v) {
		return Int{}, ErrOverflow
	}
	return r, nil
}

func (q Q64) Sign() int        { return q.v.Sign() }
func (q Q64) IsZero() bool     { return q.v.IsZero() }
func (q Q64) Equal(o Q64) bool { return q.v.Eq(&o.v) }

// String returns the raw signed integer representation.
func (q Q64) String() string { return signedBig(&q.v).String() }

// Decimal returns the real value q / 2^64, rounded to 18 places.
func (q Q64) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(signedBig(&q.v), 0).DivRound(twoPow64, indexScale)
}

func (q Q64) MarshalText() ([]byte, error) { return []byte(q.String()), nil }

func (q *Q64) UnmarshalText(b []byte) error {
	p, err := ParseQ64(string(b))
	if err != nil {
		return err
	}
	*q = p
	return nil
}

// --- Int: signed integer result ---

// Int is a signed integer in the i128 range, produced by Accrue.
type Int struct {
	v uint256.Int
}

func (i Int) Sign() int                { return i.v.Sign() }
func (i Int) String() string           { return signedBig(&i.v).String() }
func (i Int) Decimal() decimal.Decimal { return decimal.NewFromBigInt(signedBig(&i.v), 0) }

// Offset returns base + i as an unsigned 64-bit value. A negative sum fails
// with ErrNegative, a sum past 2^64-1 with ErrOverflow.
func (i Int) Offset(base uint64) (uint64, error) {
	var r uint256.Int
	r.Add(uint256.NewInt(base), &i.v)
	if r.Sign() < 0 {
		return 0, ErrNegative
	}
	if !r.IsUint64() {
		return 0, ErrOverflow
	}
	return r.Uint64(), nil
}

// --- share math ---

// MintShares returns amount * totalShares / principal, truncated.
func MintShares(amount uint64, totalShares Wide, principal uint64) (Wide, error) {
	if principal == 0 {
		return Wide{}, ErrOverflow
	}
	var p uint256.Int
	if _, overflow := p.MulOverflow(uint256.NewInt(amount), &totalShares.v); overflow {
		return Wide{}, ErrOverflow
	}
	var r Wide
	r.v.Div(&p, uint256.NewInt(principal))
	if !fitsU128(&r.v) {
		return Wide{}, ErrOverflow
	}
	return r, nil
}

// ProRata returns principal * shares / totalShares, truncated.
func ProRata(principal uint64, shares, totalShares Wide) (uint64, error) {
	if totalShares.IsZero() {
		return 0, ErrOverflow
	}
	var p uint256.Int
	if _, overflow := p.MulOverflow(uint256.NewInt(principal), &shares.v); overflow {
		return 0, ErrOverflow
	}
	var r uint256.Int
	r.Div(&p, &totalShares.v)
	if !r.IsUint64() {
		return 0, ErrOverflow
	}
	return r.Uint64(), nil
}

// Units renders an amount of base units as a decimal with the given number
// of fractional digits (9 for lamports).
func Units(amount uint64, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -decimals)
}
