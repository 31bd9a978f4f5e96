package event

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FundingAccrued is a market-level index step
type FundingAccrued struct {
	MarketID        string          `json:"market_id"`
	MarkPrice       decimal.Decimal `json:"mark_price"`
	OraclePrice     decimal.Decimal `json:"oracle_price"`
	Premium         decimal.Decimal `json:"premium"`
	Rate            decimal.Decimal `json:"rate_per_hour"`
	ElapsedHours    decimal.Decimal `json:"elapsed_hours"`
	Increment       decimal.Decimal `json:"increment"`
	CumulativeIndex decimal.Decimal `json:"cumulative_index"`
}

func (e *FundingAccrued) EventType() EventType { return EventTypeFundingAccrued }
func (e *FundingAccrued) Market() string       { return e.MarketID }

// FundingSettled is one position paying (positive) or receiving (negative)
// funding. Shortfall is the part of a payment the margin could not cover.
type FundingSettled struct {
	MarketID  string          `json:"market_id"`
	UserID    uuid.UUID       `json:"user_id"`
	Payment   decimal.Decimal `json:"payment"`
	Index     decimal.Decimal `json:"index"`
	Margin    decimal.Decimal `json:"margin"`
	Shortfall decimal.Decimal `json:"shortfall"`
}

func (e *FundingSettled) EventType() EventType { return EventTypeFundingSettled }
func (e *FundingSettled) Market() string       { return e.MarketID }

// FeeRouted records a split between insurance and treasury
type FeeRouted struct {
	MarketID  string          `json:"market_id"`
	Token     string          `json:"token"`
	Source    string          `json:"source"`
	Amount    decimal.Decimal `json:"amount"`
	Insurance decimal.Decimal `json:"insurance"`
	Treasury  decimal.Decimal `json:"treasury"`
}

func (e *FeeRouted) EventType() EventType { return EventTypeFeeRouted }
func (e *FeeRouted) Market() string       { return e.MarketID }
