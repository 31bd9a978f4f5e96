package math

import (
	"github.com/holiman/uint256"
)

// Signed quantities (position size, PnL, funding index and rate, equity) are
// int256 values stored in two's complement on *uint256.Int.

// FromInt64 converts a native signed integer.
func FromInt64(v int64) *uint256.Int {
	if v >= 0 {
		return uint256.NewInt(uint64(v))
	}
	return new(uint256.Int).Neg(uint256.NewInt(uint64(-v)))
}

// SignedWad returns n * 1e18 as a signed value.
func SignedWad(n int64) *uint256.Int {
	if n >= 0 {
		return Wad(uint64(n))
	}
	return Neg(Wad(uint64(-n)))
}

// IsNegative reports whether x, read as int256, is below zero.
func IsNegative(x *uint256.Int) bool {
	return x.Sign() < 0
}

// IsPositive reports whether x, read as int256, is above zero.
func IsPositive(x *uint256.Int) bool {
	return x.Sign() > 0
}

// Abs returns |x| of an int256 value.
func Abs(x *uint256.Int) *uint256.Int {
	return new(uint256.Int).Abs(x)
}

// Neg returns -x.
func Neg(x *uint256.Int) *uint256.Int {
	return new(uint256.Int).Neg(x)
}

// SignedAdd returns a+b, failing on int256 overflow.
func SignedAdd(a, b *uint256.Int) (*uint256.Int, error) {
	z := new(uint256.Int).Add(a, b)
	if IsNegative(a) == IsNegative(b) && IsNegative(z) != IsNegative(a) {
		return nil, ErrOverflow
	}
	return z, nil
}

// SignedSub returns a-b, failing on int256 overflow.
func SignedSub(a, b *uint256.Int) (*uint256.Int, error) {
	z := new(uint256.Int).Sub(a, b)
	if IsNegative(a) != IsNegative(b) && IsNegative(z) != IsNegative(a) {
		return nil, ErrOverflow
	}
	return z, nil
}

// SignedMulDiv computes a*b/d truncating toward zero. a and b are int256,
// d is an unsigned divisor.
func SignedMulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	neg := IsNegative(a) != IsNegative(b)
	q, err := MulDiv(Abs(a), Abs(b), d)
	if err != nil {
		return nil, err
	}
	if IsNegative(q) {
		return nil, ErrOverflow
	}
	if neg {
		q.Neg(q)
	}
	return q, nil
}

// SignedMulDivCeil computes a*b/d rounding toward +inf.
func SignedMulDivCeil(a, b, d *uint256.Int) (*uint256.Int, error) {
	neg := IsNegative(a) != IsNegative(b)
	if neg {
		// truncation toward zero is already the ceiling for negative results
		return SignedMulDiv(a, b, d)
	}
	q, err := MulDivRoundUp(Abs(a), Abs(b), d)
	if err != nil {
		return nil, err
	}
	if IsNegative(q) {
		return nil, ErrOverflow
	}
	return q, nil
}

// SignedMulWad computes a*b/1e18 for int256 operands.
func SignedMulWad(a, b *uint256.Int) (*uint256.Int, error) {
	return SignedMulDiv(a, b, wad)
}

// SignedDivWad computes a*1e18/b for int256 operands.
func SignedDivWad(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, ErrDivisionByZero
	}
	neg := IsNegative(a) != IsNegative(b)
	q, err := MulDiv(Abs(a), wad, Abs(b))
	if err != nil {
		return nil, err
	}
	if IsNegative(q) {
		return nil, ErrOverflow
	}
	if neg {
		q.Neg(q)
	}
	return q, nil
}

// Clamp bounds x to [lo, hi] using signed comparison.
func Clamp(x, lo, hi *uint256.Int) *uint256.Int {
	if x.Slt(lo) {
		return new(uint256.Int).Set(lo)
	}
	if x.Sgt(hi) {
		return new(uint256.Int).Set(hi)
	}
	return new(uint256.Int).Set(x)
}

// FormatSigned renders an int256 value in base 10.
func FormatSigned(x *uint256.Int) string {
	if IsNegative(x) {
		return "-" + Abs(x).Dec()
	}
	return x.Dec()
}
