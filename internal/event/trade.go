package event

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side represents trade direction
type Side int32

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "flat"
	}
}

// ParseSide accepts "long"/"buy" and "short"/"sell"
func ParseSide(s string) (Side, bool) {
	switch s {
	case "long", "buy":
		return SideLong, true
	case "short", "sell":
		return SideShort, true
	}
	return SideFlat, false
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PositionOpened is emitted when a position is opened or increased
type PositionOpened struct {
	MarketID     string          `json:"market_id"`
	UserID       uuid.UUID       `json:"user_id"`
	Side         Side            `json:"side"`
	Size         decimal.Decimal `json:"size"`
	MarginIn     decimal.Decimal `json:"margin_in"`
	QuoteAmount  decimal.Decimal `json:"quote_amount"`
	Fee          decimal.Decimal `json:"fee"`
	ExecPrice    decimal.Decimal `json:"exec_price"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	PositionSize decimal.Decimal `json:"position_size"`
	Margin       decimal.Decimal `json:"margin"`
}

func (e *PositionOpened) EventType() EventType { return EventTypePositionOpened }
func (e *PositionOpened) Market() string       { return e.MarketID }

// PositionClosed is emitted when a position is decreased or fully closed
type PositionClosed struct {
	MarketID       string          `json:"market_id"`
	UserID         uuid.UUID       `json:"user_id"`
	ClosedSize     decimal.Decimal `json:"closed_size"`
	ExitPrice      decimal.Decimal `json:"exit_price"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	Fee            decimal.Decimal `json:"fee"`
	PositionSize   decimal.Decimal `json:"position_size"`
	Margin         decimal.Decimal `json:"margin"`
	MarginReturned decimal.Decimal `json:"margin_returned"`
	BadDebt        decimal.Decimal `json:"bad_debt"`
	InsurancePaid  decimal.Decimal `json:"insurance_paid"`
	Unpaid         decimal.Decimal `json:"unpaid"`
}

func (e *PositionClosed) EventType() EventType { return EventTypePositionClosed }
func (e *PositionClosed) Market() string       { return e.MarketID }
