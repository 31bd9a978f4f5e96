package math

import (
	"errors"

	"github.com/holiman/uint256"
)

// All prices, sizes and amounts are fixed-point with 18 decimals (WAD).
// Ratios that are configured by operators use basis points.
const (
	WadDecimals = 18
	BpsScale    = 10_000
)

var (
	ErrOverflow       = errors.New("fixed-point overflow")
	ErrDivisionByZero = errors.New("division by zero")
)

var (
	wad      = uint256.NewInt(1_000_000_000_000_000_000)
	bpsScale = uint256.NewInt(BpsScale)
)

// WAD returns a fresh 1e18.
func WAD() *uint256.Int {
	return new(uint256.Int).Set(wad)
}

// Wad returns n * 1e18.
func Wad(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), wad)
}

// WadFraction returns num/den scaled to 18 decimals, rounded down.
func WadFraction(num, den uint64) *uint256.Int {
	z, err := MulDiv(uint256.NewInt(num), wad, uint256.NewInt(den))
	if err != nil {
		panic(err)
	}
	return z
}

// Zero returns a fresh zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// MulDiv computes a*b/d with a 512-bit intermediate product, rounding down.
// It fails if d is zero or the reduced quotient does not fit in 256 bits.
func MulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulDivRoundUp is MulDiv rounding the quotient towards +inf.
func MulDivRoundUp(a, b, d *uint256.Int) (*uint256.Int, error) {
	z, err := MulDiv(a, b, d)
	if err != nil {
		return nil, err
	}
	if new(uint256.Int).MulMod(a, b, d).IsZero() {
		return z, nil
	}
	if _, overflow := z.AddOverflow(z, uint256.NewInt(1)); overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulWad computes a*b/1e18. The raw product must fit in 256 bits.
func MulWad(a, b *uint256.Int) (*uint256.Int, error) {
	prod, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return prod.Div(prod, wad), nil
}

// DivWad computes a*1e18/b. The scaled numerator must fit in 256 bits.
func DivWad(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, ErrDivisionByZero
	}
	num, overflow := new(uint256.Int).MulOverflow(a, wad)
	if overflow {
		return nil, ErrOverflow
	}
	return num.Div(num, b), nil
}

// Sqrt returns floor(sqrt(x)) using Newton's iteration.
func Sqrt(x *uint256.Int) *uint256.Int {
	return new(uint256.Int).Sqrt(x)
}

// MulBps returns x * bps / 10000, rounded down.
func MulBps(x *uint256.Int, bps uint64) (*uint256.Int, error) {
	return MulDiv(x, uint256.NewInt(bps), bpsScale)
}

// MulBpsRoundUp returns x * bps / 10000, rounded up.
func MulBpsRoundUp(x *uint256.Int, bps uint64) (*uint256.Int, error) {
	return MulDivRoundUp(x, uint256.NewInt(bps), bpsScale)
}

// Min returns a copy of the smaller of two unsigned values.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}

// SubFloor returns a-b, or zero when b > a.
func SubFloor(a, b *uint256.Int) *uint256.Int {
	if b.Gt(a) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// ComputeAvgEntryPrice returns the size-weighted average of the existing entry
// and a same-direction fill. Sizes are absolute values.
func ComputeAvgEntryPrice(oldSize, oldEntry, fillSize, fillPrice *uint256.Int) (*uint256.Int, error) {
	if oldSize.IsZero() {
		return new(uint256.Int).Set(fillPrice), nil
	}

	// (oldSize*oldEntry + fillSize*fillPrice) / (oldSize + fillSize), kept in WAD
	oldNotional, err := MulWad(oldSize, oldEntry)
	if err != nil {
		return nil, err
	}
	fillNotional, err := MulWad(fillSize, fillPrice)
	if err != nil {
		return nil, err
	}
	total, overflow := new(uint256.Int).AddOverflow(oldNotional, fillNotional)
	if overflow {
		return nil, ErrOverflow
	}
	size, overflow := new(uint256.Int).AddOverflow(oldSize, fillSize)
	if overflow {
		return nil, ErrOverflow
	}
	return DivWad(total, size)
}

// ComputeNotional returns |size| * price / 1e18.
func ComputeNotional(absSize, price *uint256.Int) (*uint256.Int, error) {
	return MulDiv(absSize, price, wad)
}

// ComputeRealizedPnL returns (exit-entry)*closedSize/1e18 for longs and the
// negation for shorts. closedSize is absolute; the result is signed.
func ComputeRealizedPnL(isLong bool, entryPrice, exitPrice, closedSize *uint256.Int) (*uint256.Int, error) {
	diff, err := SignedSub(exitPrice, entryPrice)
	if err != nil {
		return nil, err
	}
	if !isLong {
		diff = Neg(diff)
	}
	return SignedMulDiv(diff, closedSize, wad)
}

// ComputeUnrealizedPnL is ComputeRealizedPnL against the current mark price.
func ComputeUnrealizedPnL(isLong bool, entryPrice, markPrice, absSize *uint256.Int) (*uint256.Int, error) {
	return ComputeRealizedPnL(isLong, entryPrice, markPrice, absSize)
}
