package math

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ParseWad converts a human decimal string ("2000", "0.05", "-12.5") into a
// WAD value. Negative inputs come back in two's complement.
func ParseWad(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse wad %q: %w", s, err)
	}
	return FromDecimal(d)
}

// FromDecimal scales d by 1e18. Digits beyond 18 decimals are rejected.
func FromDecimal(d decimal.Decimal) (*uint256.Int, error) {
	scaled := d.Shift(WadDecimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%s has more than %d decimals", d.String(), WadDecimals)
	}
	neg := scaled.IsNegative()
	z, overflow := uint256.FromBig(scaled.Abs().BigInt())
	if overflow || IsNegative(z) {
		return nil, ErrOverflow
	}
	if neg {
		z.Neg(z)
	}
	return z, nil
}

// ToDecimal renders an unsigned WAD value as a decimal.
func ToDecimal(x *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(x.ToBig(), -WadDecimals)
}

// SignedToDecimal renders an int256 WAD value as a decimal.
func SignedToDecimal(x *uint256.Int) decimal.Decimal {
	d := ToDecimal(Abs(x))
	if IsNegative(x) {
		return d.Neg()
	}
	return d
}
