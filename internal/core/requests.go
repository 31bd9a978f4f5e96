package core

import (
	"fmt"

	"PerpVAMM/internal/event"
	"PerpVAMM/internal/state"
	"PerpVAMM/internal/vamm"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// OpenRequest opens or increases a position. PriceLimit bounds the average
// and post-trade price (max for longs, min for shorts); nil or zero skips it.
type OpenRequest struct {
	RequestID  string
	MarketID   string
	Side       event.Side
	Size       *uint256.Int
	Margin     *uint256.Int
	PriceLimit *uint256.Int
}

func (r OpenRequest) validate() error {
	if r.Side != event.SideLong && r.Side != event.SideShort {
		return fmt.Errorf("%w: side %s", ErrInvalidRequest, r.Side)
	}
	if r.Size == nil || r.Size.IsZero() {
		return fmt.Errorf("%w: zero size", ErrInvalidRequest)
	}
	return nil
}

// CloseRequest decreases a position. A nil or zero Size closes all of it.
type CloseRequest struct {
	RequestID  string
	MarketID   string
	Size       *uint256.Int
	PriceLimit *uint256.Int
}

// MarginRequest moves collateral into or out of a position
type MarginRequest struct {
	RequestID string
	MarketID  string
	Amount    *uint256.Int
}

func (r MarginRequest) validate() error {
	if r.Amount == nil || r.Amount.IsZero() {
		return fmt.Errorf("%w: zero amount", ErrInvalidRequest)
	}
	return nil
}

// LiquidateRequest targets another user's position. A nil or zero Size
// liquidates all of it.
type LiquidateRequest struct {
	RequestID string
	MarketID  string
	User      uuid.UUID
	Size      *uint256.Int
}

// OpenResult describes a committed open
type OpenResult struct {
	Position  *state.Position
	Swap      vamm.SwapResult
	Deposited *uint256.Int
	Fee       *uint256.Int
}

// CloseResult describes a committed close
type CloseResult struct {
	Position       *state.Position
	Swap           vamm.SwapResult
	ClosedSize     *uint256.Int
	RealizedPnL    *uint256.Int // signed
	Fee            *uint256.Int
	MarginReturned *uint256.Int
	BadDebt        *uint256.Int
	InsurancePaid  *uint256.Int

	// Part of MarginReturned the vault could not pay
	Unpaid *uint256.Int
}

// LiquidationResult describes a committed liquidation
type LiquidationResult struct {
	Outcome          string
	Position         *state.Position
	ClosedSize       *uint256.Int
	ExitPrice        *uint256.Int
	Notional         *uint256.Int
	RealizedPnL      *uint256.Int // signed
	Penalty          *uint256.Int
	Equity           *uint256.Int // signed
	LiquidatorReward *uint256.Int
	FeeShare         *uint256.Int
	UserResidual     *uint256.Int
	BadDebt          *uint256.Int
	InsurancePaid    *uint256.Int

	// Owed payouts the vault could not cover
	RewardUnpaid   *uint256.Int
	ResidualUnpaid *uint256.Int
}
