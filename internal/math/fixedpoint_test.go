package math_test

import (
	"errors"
	"testing"

	fpmath "PerpVAMM/internal/math"

	"github.com/holiman/uint256"
)

func mustWad(t *testing.T, s string) *uint256.Int {
	t.Helper()
	v, err := fpmath.ParseWad(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func TestMulWadDivWad(t *testing.T) {
	got, err := fpmath.MulWad(fpmath.Wad(3), mustWad(t, "1.5"))
	if err != nil {
		t.Fatalf("MulWad: %v", err)
	}
	if !got.Eq(mustWad(t, "4.5")) {
		t.Errorf("MulWad: got %s", got.Dec())
	}

	got, err = fpmath.DivWad(fpmath.Wad(1), fpmath.Wad(3))
	if err != nil {
		t.Fatalf("DivWad: %v", err)
	}
	if !got.Eq(mustWad(t, "0.333333333333333333")) {
		t.Errorf("DivWad rounds down: got %s", got.Dec())
	}
}

func TestDivWad_ByZero(t *testing.T) {
	if _, err := fpmath.DivWad(fpmath.Wad(1), fpmath.Zero()); !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Fatalf("expected ErrDivisionByZero, got %v", err)
	}
	if _, err := fpmath.MulDiv(fpmath.Wad(1), fpmath.Wad(1), fpmath.Zero()); !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Fatalf("MulDiv: expected ErrDivisionByZero, got %v", err)
	}
}

func TestMulWad_NumeratorOverflow(t *testing.T) {
	max := new(uint256.Int).SetAllOne()
	if _, err := fpmath.MulWad(max, fpmath.Wad(2)); !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestMulDiv_FullPrecision(t *testing.T) {
	// max * max / max does not fit a 256-bit product but the quotient does
	max := new(uint256.Int).SetAllOne()
	got, err := fpmath.MulDiv(max, max, max)
	if err != nil {
		t.Fatalf("MulDiv: %v", err)
	}
	if !got.Eq(max) {
		t.Errorf("got %s", got.Hex())
	}

	if _, err := fpmath.MulDiv(max, max, uint256.NewInt(1)); !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("expected ErrOverflow on reduced result, got %v", err)
	}
}

func TestMulDivRoundUp(t *testing.T) {
	tests := []struct {
		a, b, d uint64
		want    uint64
	}{
		{10, 10, 5, 20},
		{10, 10, 3, 34},
		{1, 1, 2, 1},
		{0, 7, 3, 0},
	}
	for _, tt := range tests {
		got, err := fpmath.MulDivRoundUp(uint256.NewInt(tt.a), uint256.NewInt(tt.b), uint256.NewInt(tt.d))
		if err != nil {
			t.Fatalf("%d*%d/%d: %v", tt.a, tt.b, tt.d, err)
		}
		if got.Uint64() != tt.want {
			t.Errorf("%d*%d/%d: got %d, want %d", tt.a, tt.b, tt.d, got.Uint64(), tt.want)
		}
	}
}

func TestSqrt_RoundsDown(t *testing.T) {
	tests := map[uint64]uint64{0: 0, 1: 1, 15: 3, 16: 4, 17: 4, 1 << 40: 1 << 20}
	for in, want := range tests {
		if got := fpmath.Sqrt(uint256.NewInt(in)).Uint64(); got != want {
			t.Errorf("sqrt(%d): got %d, want %d", in, got, want)
		}
	}
}

func TestSignedArithmetic(t *testing.T) {
	a := fpmath.SignedWad(-3)
	b := mustWad(t, "1.5")

	got, err := fpmath.SignedMulWad(a, b)
	if err != nil {
		t.Fatalf("SignedMulWad: %v", err)
	}
	if fpmath.FormatSigned(got) != fpmath.FormatSigned(mustWad(t, "-4.5")) {
		t.Errorf("SignedMulWad: got %s", fpmath.FormatSigned(got))
	}

	// truncation toward zero: -1/3 -> -0.333...
	got, _ = fpmath.SignedDivWad(fpmath.SignedWad(-1), fpmath.Wad(3))
	if !got.Eq(mustWad(t, "-0.333333333333333333")) {
		t.Errorf("SignedDivWad: got %s", fpmath.FormatSigned(got))
	}

	sum, err := fpmath.SignedAdd(fpmath.SignedWad(-5), fpmath.Wad(2))
	if err != nil || !sum.Eq(fpmath.SignedWad(-3)) {
		t.Errorf("SignedAdd: got %s, %v", fpmath.FormatSigned(sum), err)
	}
}

func TestSignedAdd_Overflow(t *testing.T) {
	maxInt := new(uint256.Int).Rsh(new(uint256.Int).SetAllOne(), 1)
	if _, err := fpmath.SignedAdd(maxInt, uint256.NewInt(1)); !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	minInt := new(uint256.Int).Add(maxInt, uint256.NewInt(1))
	if _, err := fpmath.SignedSub(minInt, uint256.NewInt(1)); !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestClamp(t *testing.T) {
	lo, hi := fpmath.SignedWad(-1), fpmath.Wad(1)
	if got := fpmath.Clamp(fpmath.SignedWad(-7), lo, hi); !got.Eq(lo) {
		t.Errorf("clamp low: got %s", fpmath.FormatSigned(got))
	}
	if got := fpmath.Clamp(fpmath.Wad(7), lo, hi); !got.Eq(hi) {
		t.Errorf("clamp high: got %s", fpmath.FormatSigned(got))
	}
	mid := mustWad(t, "-0.5")
	if got := fpmath.Clamp(mid, lo, hi); !got.Eq(mid) {
		t.Errorf("clamp inside: got %s", fpmath.FormatSigned(got))
	}
}

func TestComputeRealizedPnL(t *testing.T) {
	entry, exit, size := fpmath.Wad(2000), fpmath.Wad(2100), fpmath.Wad(2)

	long, err := fpmath.ComputeRealizedPnL(true, entry, exit, size)
	if err != nil {
		t.Fatalf("long: %v", err)
	}
	if !long.Eq(fpmath.Wad(200)) {
		t.Errorf("long pnl: got %s", fpmath.FormatSigned(long))
	}

	short, _ := fpmath.ComputeRealizedPnL(false, entry, exit, size)
	if !short.Eq(fpmath.SignedWad(-200)) {
		t.Errorf("short pnl: got %s", fpmath.FormatSigned(short))
	}
}

func TestComputeAvgEntryPrice(t *testing.T) {
	got, err := fpmath.ComputeAvgEntryPrice(fpmath.Wad(1), fpmath.Wad(2000), fpmath.Wad(3), fpmath.Wad(2100))
	if err != nil {
		t.Fatalf("avg: %v", err)
	}
	if !got.Eq(fpmath.Wad(2075)) {
		t.Errorf("avg: got %s", got.Dec())
	}
}

func TestParseWad(t *testing.T) {
	if _, err := fpmath.ParseWad("1.0000000000000000001"); err == nil {
		t.Error("expected error for 19 decimals")
	}
	if _, err := fpmath.ParseWad("abc"); err == nil {
		t.Error("expected error for non-numeric input")
	}
	v := mustWad(t, "-12.5")
	if fpmath.SignedToDecimal(v).String() != "-12.5" {
		t.Errorf("round trip: got %s", fpmath.SignedToDecimal(v).String())
	}
}
