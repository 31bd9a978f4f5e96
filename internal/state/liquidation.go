package state

import (
	fpmath "PerpVAMM/internal/math"

	"github.com/holiman/uint256"
)

// LiquidationOutcome is the terminal state of a liquidation
type LiquidationOutcome uint8

const (
	OutcomeHealthy        LiquidationOutcome = iota // equity covers the penalty
	OutcomePartialBadDebt                           // 0 < equity < penalty
	OutcomeFullBadDebt                              // equity <= 0
)

func (o LiquidationOutcome) String() string {
	switch o {
	case OutcomeHealthy:
		return "healthy"
	case OutcomePartialBadDebt:
		return "partial_bad_debt"
	case OutcomeFullBadDebt:
		return "full_bad_debt"
	default:
		return "unknown"
	}
}

// LiquidationSplit is how a liquidated position's equity is distributed
type LiquidationSplit struct {
	Outcome          LiquidationOutcome
	Penalty          *uint256.Int
	Equity           *uint256.Int // signed
	LiquidatorReward *uint256.Int
	FeeShare         *uint256.Int // routed through the fee distributor
	UserResidual     *uint256.Int
	BadDebt          *uint256.Int // requested from the insurance fund
}

// ComputePenalty returns min(notional * penaltyBps / 10000, cap). A zero cap
// leaves the penalty uncapped.
func ComputePenalty(notional *uint256.Int, params RiskParams) (*uint256.Int, error) {
	penalty, err := fpmath.MulBps(notional, params.PenaltyBps)
	if err != nil {
		return nil, err
	}
	if params.PenaltyCap != nil && !params.PenaltyCap.IsZero() {
		penalty = fpmath.Min(penalty, params.PenaltyCap)
	}
	return penalty, nil
}

// SplitLiquidation selects the outcome for equity E against penalty P. The
// liquidator always receives min(P, E)/2 when E > 0 and nothing otherwise.
func SplitLiquidation(equity, penalty *uint256.Int) LiquidationSplit {
	split := LiquidationSplit{
		Penalty:          new(uint256.Int).Set(penalty),
		Equity:           new(uint256.Int).Set(equity),
		LiquidatorReward: new(uint256.Int),
		FeeShare:         new(uint256.Int),
		UserResidual:     new(uint256.Int),
		BadDebt:          new(uint256.Int),
	}

	two := uint256.NewInt(2)
	switch {
	case equity.IsZero() || fpmath.IsNegative(equity):
		split.Outcome = OutcomeFullBadDebt
		split.BadDebt = fpmath.Abs(equity)
	case !equity.Lt(penalty):
		split.Outcome = OutcomeHealthy
		split.LiquidatorReward = new(uint256.Int).Div(penalty, two)
		split.FeeShare = new(uint256.Int).Sub(penalty, split.LiquidatorReward)
		split.UserResidual = new(uint256.Int).Sub(equity, penalty)
	default:
		split.Outcome = OutcomePartialBadDebt
		split.LiquidatorReward = new(uint256.Int).Div(equity, two)
		split.FeeShare = new(uint256.Int).Sub(equity, split.LiquidatorReward)
	}
	return split
}
