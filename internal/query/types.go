package query

import (
	"time"

	"github.com/google/uuid"
)

// FundingHistoryResponse is a page of settled funding payments
type FundingHistoryResponse struct {
	UserID       uuid.UUID      `json:"user_id"`
	MarketID     string         `json:"market_id"`
	Entries      []FundingEntry `json:"entries"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// FundingEntry is one payment; positive means the position paid
type FundingEntry struct {
	Payment   string    `json:"payment"`
	Index     string    `json:"index"`
	Shortfall string    `json:"shortfall"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// LiquidationResponse lists recent liquidations in a market
type LiquidationResponse struct {
	MarketID     string             `json:"market_id"`
	Entries      []LiquidationEntry `json:"entries"`
	AsOfSequence int64              `json:"as_of_sequence"`
}

// LiquidationEntry is one executed liquidation
type LiquidationEntry struct {
	UserID        uuid.UUID `json:"user_id"`
	Liquidator    uuid.UUID `json:"liquidator"`
	Outcome       string    `json:"outcome"`
	ClosedSize    string    `json:"closed_size"`
	Penalty       string    `json:"penalty"`
	BadDebt       string    `json:"bad_debt"`
	InsurancePaid string    `json:"insurance_paid"`
	Sequence      int64     `json:"sequence"`
	Timestamp     time.Time `json:"timestamp"`
}

// JournalHistoryEntry represents a custody journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy      bool   `json:"is_healthy"`
	HashChainBreak int64  `json:"hash_chain_break,omitempty"` // first bad sequence
	LedgerError    string `json:"ledger_error,omitempty"`
	LastSequence   int64  `json:"last_sequence"`
}
