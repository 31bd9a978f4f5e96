package event

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MarginAdded records collateral moved into a position
type MarginAdded struct {
	MarketID string          `json:"market_id"`
	UserID   uuid.UUID       `json:"user_id"`
	Amount   decimal.Decimal `json:"amount"`
	Margin   decimal.Decimal `json:"margin"`
}

func (e *MarginAdded) EventType() EventType { return EventTypeMarginAdded }
func (e *MarginAdded) Market() string       { return e.MarketID }

// MarginRemoved records collateral withdrawn from a position
type MarginRemoved struct {
	MarketID string          `json:"market_id"`
	UserID   uuid.UUID       `json:"user_id"`
	Amount   decimal.Decimal `json:"amount"`
	Margin   decimal.Decimal `json:"margin"`
	Unpaid   decimal.Decimal `json:"unpaid"`
}

func (e *MarginRemoved) EventType() EventType { return EventTypeMarginRemoved }
func (e *MarginRemoved) Market() string       { return e.MarketID }
