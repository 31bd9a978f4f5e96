package state

import (
	fpmath "PerpVAMM/internal/math"

	"github.com/holiman/uint256"
)

// MarginStatus represents a position's margin health
type MarginStatus int

const (
	MarginStatusHealthy MarginStatus = iota
	MarginStatusAtRisk
	MarginStatusLiquidatable
)

func (ms MarginStatus) String() string {
	switch ms {
	case MarginStatusHealthy:
		return "Healthy"
	case MarginStatusAtRisk:
		return "AtRisk"
	case MarginStatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}

// MarginSnapshot is a position valued at one mark price
type MarginSnapshot struct {
	Notional      *uint256.Int // |size| * mark
	UnrealizedPnL *uint256.Int // signed
	Equity        *uint256.Int // signed: margin + unrealized PnL
	RatioBps      *uint256.Int // signed, truncated; zero for flat positions
	Status        MarginStatus
}

// ComputeMargin values pos at mark. The status compares equity*10000 against
// notional*bps directly so the truncated ratio never flips a boundary case.
func ComputeMargin(pos *Position, mark *uint256.Int, params RiskParams) (MarginSnapshot, error) {
	if pos.IsFlat() {
		return MarginSnapshot{
			Notional:      new(uint256.Int),
			UnrealizedPnL: new(uint256.Int),
			Equity:        new(uint256.Int).Set(pos.Margin),
			RatioBps:      new(uint256.Int),
			Status:        MarginStatusHealthy,
		}, nil
	}

	abs := pos.AbsSize()
	notional, err := fpmath.ComputeNotional(abs, mark)
	if err != nil {
		return MarginSnapshot{}, err
	}
	upnl, err := fpmath.ComputeUnrealizedPnL(pos.IsLong(), pos.EntryPrice, mark, abs)
	if err != nil {
		return MarginSnapshot{}, err
	}
	equity, err := fpmath.SignedAdd(pos.Margin, upnl)
	if err != nil {
		return MarginSnapshot{}, err
	}

	snap := MarginSnapshot{
		Notional:      notional,
		UnrealizedPnL: upnl,
		Equity:        equity,
		RatioBps:      new(uint256.Int),
		Status:        MarginStatusHealthy,
	}
	if notional.IsZero() {
		return snap, nil
	}

	ratio, err := fpmath.SignedMulDiv(equity, uint256.NewInt(fpmath.BpsScale), notional)
	if err != nil {
		return MarginSnapshot{}, err
	}
	snap.RatioBps = ratio

	below := func(bps uint64) (bool, error) {
		lhs, err := fpmath.SignedMulDiv(equity, uint256.NewInt(fpmath.BpsScale), uint256.NewInt(1))
		if err != nil {
			return false, err
		}
		rhs, err := fpmath.MulDiv(notional, uint256.NewInt(bps), uint256.NewInt(1))
		if err != nil {
			return false, err
		}
		return lhs.Slt(rhs), nil
	}

	liquidatable, err := below(params.MMRBps)
	if err != nil {
		return MarginSnapshot{}, err
	}
	atRisk, err := below(params.IMRBps)
	if err != nil {
		return MarginSnapshot{}, err
	}
	switch {
	case liquidatable:
		snap.Status = MarginStatusLiquidatable
	case atRisk:
		snap.Status = MarginStatusAtRisk
	}
	return snap, nil
}

// RequiredInitialMargin returns notional * imrBps / 10000
func RequiredInitialMargin(notional *uint256.Int, params RiskParams) (*uint256.Int, error) {
	return fpmath.MulBps(notional, params.IMRBps)
}
