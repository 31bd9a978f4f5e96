package query

import (
	"github.com/google/uuid"
)

// BalanceResponse is a user's collateral in one token
type BalanceResponse struct {
	UserID uuid.UUID `json:"user_id"`
	Token  string    `json:"token"`

	// Wallet is held by the ledger; MarginLocked sits inside open positions
	// in markets settled in Token.
	Wallet       string `json:"wallet"`
	MarginLocked string `json:"margin_locked"`
	Total        string `json:"total"`

	AsOfSequence int64 `json:"as_of_sequence"`
}
