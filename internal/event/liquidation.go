package event

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Liquidated is emitted once per liquidation with its terminal outcome
// (healthy, partial_bad_debt or full_bad_debt).
type Liquidated struct {
	MarketID         string          `json:"market_id"`
	UserID           uuid.UUID       `json:"user_id"`
	Liquidator       uuid.UUID       `json:"liquidator"`
	Outcome          string          `json:"outcome"`
	ClosedSize       decimal.Decimal `json:"closed_size"`
	ExitPrice        decimal.Decimal `json:"exit_price"`
	Notional         decimal.Decimal `json:"notional"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	Penalty          decimal.Decimal `json:"penalty"`
	Equity           decimal.Decimal `json:"equity"`
	LiquidatorReward decimal.Decimal `json:"liquidator_reward"`
	FeeShare         decimal.Decimal `json:"fee_share"`
	UserResidual     decimal.Decimal `json:"user_residual"`
	BadDebt          decimal.Decimal `json:"bad_debt"`
	InsurancePaid    decimal.Decimal `json:"insurance_paid"`
	RewardUnpaid     decimal.Decimal `json:"reward_unpaid"`
	ResidualUnpaid   decimal.Decimal `json:"residual_unpaid"`
	PositionSize     decimal.Decimal `json:"position_size"`
	Margin           decimal.Decimal `json:"margin"`
}

func (e *Liquidated) EventType() EventType { return EventTypeLiquidated }
func (e *Liquidated) Market() string       { return e.MarketID }
