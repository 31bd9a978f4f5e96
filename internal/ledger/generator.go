package ledger

import (
	"fmt"

	fpmath "PerpVAMM/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalGenerator creates balanced journal batches for custody movements
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

func (jg *JournalGenerator) newBatch(timestamp int64, capacity int) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, capacity),
	}
}

func (jg *JournalGenerator) appendJournal(b *Batch, debit, credit AccountKey, assetID AssetID, amount *uint256.Int, jt JournalType) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		Sequence:      jg.sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       assetID,
		Amount:        new(uint256.Int).Set(amount),
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// GenerateDeposit moves funds external:deposits -> user:collateral
func (jg *JournalGenerator) GenerateDeposit(userID uuid.UUID, assetID AssetID, amount *uint256.Int, timestamp int64) (*Batch, error) {
	if amount.IsZero() {
		return nil, ErrZeroAmount
	}
	batch := jg.newBatch(timestamp, 1)
	jg.appendJournal(batch,
		NewUserAccountKey(userID, assetID),
		NewExternalAccountKey(SubTypeExternalDeposits, assetID),
		assetID, amount, JournalTypeDeposit)
	jg.sequence++
	return batch, nil
}

// GenerateWithdrawal moves funds user:collateral -> external:withdrawals.
// Pre-check: the user must hold the full amount.
func (jg *JournalGenerator) GenerateWithdrawal(userID uuid.UUID, assetID AssetID, amount *uint256.Int, timestamp int64) (*Batch, error) {
	if err := jg.requireBalance(NewUserAccountKey(userID, assetID), amount); err != nil {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w", err)
	}
	batch := jg.newBatch(timestamp, 1)
	jg.appendJournal(batch,
		NewExternalAccountKey(SubTypeExternalWithdrawals, assetID),
		NewUserAccountKey(userID, assetID),
		assetID, amount, JournalTypeWithdrawal)
	jg.sequence++
	return batch, nil
}

// GenerateCustodyIn pulls amount out of a user wallet into the vault. A
// transfer fee (in bps) is skimmed to the external fee sink, so the vault
// receives amount - fee. Returns the batch and the amount that arrived.
func (jg *JournalGenerator) GenerateCustodyIn(userID uuid.UUID, assetID AssetID, amount *uint256.Int, feeBps uint64, timestamp int64) (*Batch, *uint256.Int, error) {
	user := NewUserAccountKey(userID, assetID)
	if err := jg.requireBalance(user, amount); err != nil {
		return nil, nil, err
	}

	fee, err := fpmath.MulBps(amount, feeBps)
	if err != nil {
		return nil, nil, err
	}
	received := fpmath.SubFloor(amount, fee)

	batch := jg.newBatch(timestamp, 2)
	if !received.IsZero() {
		jg.appendJournal(batch, NewCustodyAccountKey(assetID), user, assetID, received, JournalTypeCustodyIn)
	}
	if !fee.IsZero() {
		jg.appendJournal(batch, NewExternalAccountKey(SubTypeExternalTransferFees, assetID), user, assetID, fee, JournalTypeTransferFee)
	}
	jg.sequence++
	return batch, received, nil
}

// GenerateCustodyOut pays amount from the vault into a user wallet.
// Pre-check: the vault must hold the full amount.
func (jg *JournalGenerator) GenerateCustodyOut(userID uuid.UUID, assetID AssetID, amount *uint256.Int, timestamp int64) (*Batch, error) {
	custody := NewCustodyAccountKey(assetID)
	if err := jg.requireBalance(custody, amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientCustody, err)
	}
	batch := jg.newBatch(timestamp, 1)
	jg.appendJournal(batch, NewUserAccountKey(userID, assetID), custody, assetID, amount, JournalTypeCustodyOut)
	jg.sequence++
	return batch, nil
}

func (jg *JournalGenerator) requireBalance(key AccountKey, amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	balance := jg.balanceTracker.GetBalance(key)
	if fpmath.IsNegative(balance) || balance.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, need %s",
			ErrInsufficientBalance, key.AccountPath(), fpmath.FormatSigned(balance), amount.Dec())
	}
	return nil
}
