package fixedpoint

import (
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bigShift(v int64) *big.Int {
	return new(big.Int).Lsh(big.NewInt(v), FracBits)
}

func TestIndexDelta_ExactGain(t *testing.T) {
	q, err := IndexDelta(1900, 1000, NewWide(1000))
	require.NoError(t, err)

	want := new(big.Int).Quo(bigShift(900), big.NewInt(1000))
	assert.Equal(t, want.String(), q.String())
	assert.Equal(t, 1, q.Sign())
}

func TestIndexDelta_LossTruncatesTowardZero(t *testing.T) {
	q, err := IndexDelta(100, 1000, NewWide(7))
	require.NoError(t, err)

	// big.Int.Quo truncates toward zero, matching signed integer division.
	want := new(big.Int).Quo(bigShift(-900), big.NewInt(7))
	assert.Equal(t, want.String(), q.String())
	assert.Equal(t, -1, q.Sign())
}

func TestIndexDelta_FullRangeDelta(t *testing.T) {
	// A swing of the whole u64 range must not wrap before the division.
	q, err := IndexDelta(math.MaxUint64, 0, NewWide(1<<20))
	require.NoError(t, err)

	want := new(big.Int).Lsh(new(big.Int).SetUint64(math.MaxUint64), FracBits)
	want.Quo(want, big.NewInt(1<<20))
	assert.Equal(t, want.String(), q.String())
}

func TestIndexDelta_OneShareOverflows(t *testing.T) {
	// 2^64-1 per share needs 129 signed bits once scaled.
	_, err := IndexDelta(math.MaxUint64, 0, NewWide(1))
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestIndexDelta_ZeroSharesIsOverflow(t *testing.T) {
	_, err := IndexDelta(10, 0, Wide{})
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestQ64_AddChecksRange(t *testing.T) {
	maxQ, err := ParseQ64(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1)).String())
	require.NoError(t, err)

	_, err = maxQ.Add(mustQ(t, "1"))
	assert.ErrorIs(t, err, ErrOverflow)

	sum, err := maxQ.Add(mustQ(t, "-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sign())
}

func TestQ64_SubCanGoNegative(t *testing.T) {
	d, err := mustQ(t, "5").Sub(mustQ(t, "12"))
	require.NoError(t, err)
	assert.Equal(t, "-7", d.String())
}

func TestAccrue_ProfitIsFloored(t *testing.T) {
	delta, err := IndexDelta(1900, 1000, NewWide(1000))
	require.NoError(t, err)

	pnl, err := delta.Accrue(NewWide(500))
	require.NoError(t, err)

	// (500 * ((900<<64)/1000)) >> 64: the truncated index leaves the
	// product 200 below 450<<64, so the floor is 449.
	want := new(big.Int).Mul(big.NewInt(500), new(big.Int).Quo(bigShift(900), big.NewInt(1000)))
	want.Rsh(want, FracBits)
	assert.Equal(t, want.String(), pnl.String())
	assert.Equal(t, "449", pnl.String())
}

func TestAccrue_NegativeRoundsDown(t *testing.T) {
	pnl, err := mustQ(t, "-1").Accrue(NewWide(1))
	require.NoError(t, err)
	assert.Equal(t, "-1", pnl.String())
}

func TestAccrue_ExactWhenDyadic(t *testing.T) {
	q, err := IndexDelta(1512, 1000, NewWide(1024))
	require.NoError(t, err)

	pnl, err := q.Accrue(NewWide(256))
	require.NoError(t, err)
	assert.Equal(t, "128", pnl.String())
}

func TestInt_Offset(t *testing.T) {
	q, err := IndexDelta(0, 300, NewWide(1))
	require.NoError(t, err)
	loss, err := q.Accrue(NewWide(1))
	require.NoError(t, err)

	got, err := loss.Offset(1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(700), got)

	_, err = loss.Offset(299)
	assert.ErrorIs(t, err, ErrNegative)

	gain, err := mustQ(t, bigShift(2).String()).Accrue(NewWide(1))
	require.NoError(t, err)
	_, err = gain.Offset(math.MaxUint64)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestMintShares(t *testing.T) {
	shares, err := MintShares(500, NewWide(1000), 2000)
	require.NoError(t, err)
	assert.Equal(t, "250", shares.String())

	_, err = MintShares(500, NewWide(1000), 0)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestProRata(t *testing.T) {
	got, err := ProRata(3000, NewWide(1), NewWide(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), got)

	got, err = ProRata(math.MaxUint64, NewWide(1<<40), NewWide(1<<40))
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), got)

	_, err = ProRata(10, NewWide(1), Wide{})
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestWide_Bounds(t *testing.T) {
	max128 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	w, err := ParseWide(max128.String())
	require.NoError(t, err)

	_, err = w.Add(NewWide(1))
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = NewWide(1).Sub(NewWide(2))
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = ParseWide(new(big.Int).Lsh(big.NewInt(1), 128).String())
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = ParseWide("12a")
	assert.ErrorIs(t, err, ErrSyntax)
}

func TestQ64_Decimal(t *testing.T) {
	q := mustQ(t, bigShift(-3).String())
	assert.Equal(t, "-3", q.Decimal().String())

	half := mustQ(t, new(big.Int).Lsh(big.NewInt(1), FracBits-1).String())
	assert.Equal(t, "0.5", half.Decimal().String())
}

func TestCheckedUint64(t *testing.T) {
	_, err := AddUint64(math.MaxUint64, 1)
	assert.ErrorIs(t, err, ErrOverflow)
	_, err = SubUint64(1, 2)
	assert.ErrorIs(t, err, ErrOverflow)
	_, err = MulUint64(1<<33, 1<<32)
	assert.ErrorIs(t, err, ErrOverflow)
	_, err = DivUint64(1, 0)
	assert.ErrorIs(t, err, ErrOverflow)

	v, err := MulUint64(100, 9)
	require.NoError(t, err)
	assert.Equal(t, uint64(900), v)
}

func TestUnits(t *testing.T) {
	assert.Equal(t, "1.5", Units(1_500_000_000, 9).String())
	assert.Equal(t, "18446744073.709551615", Units(math.MaxUint64, 9).String())
}

func mustQ(t *testing.T, s string) Q64 {
	t.Helper()
	q, err := ParseQ64(s)
	require.NoError(t, err)
	return q
}
