package ledger

import (
	"fmt"

	fpmath "PerpVAMM/internal/math"

	"github.com/holiman/uint256"
)

// BalanceTracker maintains in-memory account balances. Balances are int256;
// only external boundary accounts are expected to go negative.
type BalanceTracker struct {
	balances map[AccountKey]*uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*uint256.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) error {
	debit, err := fpmath.SignedAdd(bt.GetBalance(j.DebitAccount), j.Amount)
	if err != nil {
		return fmt.Errorf("debit %s: %w", j.DebitAccount.AccountPath(), err)
	}
	credit, err := fpmath.SignedSub(bt.GetBalance(j.CreditAccount), j.Amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", j.CreditAccount.AccountPath(), err)
	}
	bt.balances[j.DebitAccount] = debit
	bt.balances[j.CreditAccount] = credit
	return nil
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		if err := bt.ApplyJournal(j); err != nil {
			return err
		}
	}

	return nil
}

// GetBalance returns a copy of the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	if b, ok := bt.balances[key]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if fpmath.IsNegative(balance) {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), fpmath.FormatSigned(balance))
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per asset
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]*uint256.Int {
	totals := make(map[AssetID]*uint256.Int)

	for key, balance := range bt.balances {
		total, ok := totals[key.AssetID]
		if !ok {
			total = new(uint256.Int)
			totals[key.AssetID] = total
		}
		// wrapping add: the zero-sum check reads the result as int256
		total.Add(total, balance)
	}

	return totals
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]*uint256.Int {
	snapshot := make(map[AccountKey]*uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(uint256.Int).Set(v)
	}
	return snapshot
}
