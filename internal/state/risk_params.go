package state

import (
	"fmt"

	fpmath "PerpVAMM/internal/math"

	"github.com/holiman/uint256"
)

// RiskParams defines margin requirements per market. Rates are basis points;
// PenaltyCap, MinSize and MaxSize are WAD amounts.
type RiskParams struct {
	IMRBps     uint64
	MMRBps     uint64
	PenaltyBps uint64
	PenaltyCap *uint256.Int // quote units; zero means uncapped
	MinSize    *uint256.Int
	MaxSize    *uint256.Int // zero means no cap
}

// DefaultRiskParams is 10x initial leverage with a 5% maintenance floor
func DefaultRiskParams() RiskParams {
	return RiskParams{
		IMRBps:     1_000,
		MMRBps:     500,
		PenaltyBps: 250,
		PenaltyCap: fpmath.Wad(10_000),
		MinSize:    fpmath.WadFraction(1, 1000),
		MaxSize:    new(uint256.Int),
	}
}

// ValidateRiskParams checks that risk parameters are within valid ranges:
// 0 < mmr < imr <= 10000, penalty <= 10000, min > 0, max = 0 or max >= min.
func ValidateRiskParams(params RiskParams) error {
	if params.MMRBps == 0 {
		return fmt.Errorf("mmr_bps must be > 0")
	}
	if params.IMRBps <= params.MMRBps {
		return fmt.Errorf("imr_bps (%d) must be > mmr_bps (%d)", params.IMRBps, params.MMRBps)
	}
	if params.IMRBps > fpmath.BpsScale {
		return fmt.Errorf("imr_bps must be <= %d, got %d", fpmath.BpsScale, params.IMRBps)
	}
	if params.PenaltyBps > fpmath.BpsScale {
		return fmt.Errorf("penalty_bps must be <= %d, got %d", fpmath.BpsScale, params.PenaltyBps)
	}
	if params.MinSize == nil || params.MinSize.IsZero() {
		return fmt.Errorf("min_size must be > 0")
	}
	if params.MaxSize != nil && !params.MaxSize.IsZero() && params.MaxSize.Lt(params.MinSize) {
		return fmt.Errorf("max_size (%s) must be >= min_size (%s)", params.MaxSize.Dec(), params.MinSize.Dec())
	}
	return nil
}
