package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	fpmath "PerpVAMM/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrUnknownAsset        = errors.New("unknown collateral asset")
	ErrZeroAmount          = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientCustody = errors.New("insufficient custody balance")
)

// Ledger is the custody boundary the margin engine moves collateral through.
// Debit and CreditUpTo may move less than requested; callers must use the
// returned amount.
type Ledger interface {
	Credit(ctx context.Context, user uuid.UUID, token string, amount *uint256.Int) error
	CreditUpTo(ctx context.Context, user uuid.UUID, token string, amount *uint256.Int) (*uint256.Int, error)
	Debit(ctx context.Context, user uuid.UUID, token string, amount *uint256.Int) (*uint256.Int, error)
	CustodyBalance(token string) *uint256.Int
}

// Transfer describes one completed custody movement
type Transfer struct {
	User      uuid.UUID
	Token     string
	Requested *uint256.Int
	Actual    *uint256.Int
	Inbound   bool
}

// TransferHook runs after a transfer has been booked, outside the ledger lock.
// It stands in for token callbacks that may call back into the exchange.
type TransferHook func(ctx context.Context, t Transfer)

// MemoryLedger is an in-memory double-entry custody ledger
type MemoryLedger struct {
	mu           sync.Mutex
	tracker      *BalanceTracker
	generator    *JournalGenerator
	validator    *InvariantValidator
	journals     []Journal
	transferFees map[AssetID]uint64
	hook         TransferHook
	sink         chan<- []Journal
	now          func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	tracker := NewBalanceTracker()
	return &MemoryLedger{
		tracker:      tracker,
		generator:    NewJournalGenerator(1, tracker),
		validator:    NewInvariantValidator(tracker),
		transferFees: make(map[AssetID]uint64),
		now:          time.Now,
	}
}

// SetTransferFee configures a fee-on-transfer token: inbound transfers lose
// bps/10000 of the amount on the way into custody.
func (l *MemoryLedger) SetTransferFee(token string, bps uint64) error {
	assetID, ok := GetAssetID(token)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, token)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transferFees[assetID] = bps
	return nil
}

// SetHook installs a post-transfer callback
func (l *MemoryLedger) SetHook(hook TransferHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = hook
}

// SetJournalSink streams every booked batch to ch. Sends block, so the
// consumer must keep draining while the ledger is in use.
func (l *MemoryLedger) SetJournalSink(ch chan<- []Journal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = ch
}

// Deposit credits a user wallet from outside the system
func (l *MemoryLedger) Deposit(user uuid.UUID, token string, amount *uint256.Int) error {
	assetID, ok := GetAssetID(token)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, token)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	batch, err := l.generator.GenerateDeposit(user, assetID, amount, l.now().UnixMicro())
	if err != nil {
		return err
	}
	return l.apply(batch)
}

// Withdraw sends funds from a user wallet out of the system
func (l *MemoryLedger) Withdraw(user uuid.UUID, token string, amount *uint256.Int) error {
	assetID, ok := GetAssetID(token)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, token)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	batch, err := l.generator.GenerateWithdrawal(user, assetID, amount, l.now().UnixMicro())
	if err != nil {
		return err
	}
	return l.apply(batch)
}

// Debit moves collateral from the user's wallet into custody
func (l *MemoryLedger) Debit(ctx context.Context, user uuid.UUID, token string, amount *uint256.Int) (*uint256.Int, error) {
	assetID, ok := GetAssetID(token)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, token)
	}

	l.mu.Lock()
	batch, received, err := l.generator.GenerateCustodyIn(user, assetID, amount, l.transferFees[assetID], l.now().UnixMicro())
	if err == nil {
		err = l.apply(batch)
	}
	hook := l.hook
	l.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("debit %s %s: %w", user, token, err)
	}
	if hook != nil {
		hook(ctx, Transfer{User: user, Token: token, Requested: new(uint256.Int).Set(amount), Actual: new(uint256.Int).Set(received), Inbound: true})
	}
	return received, nil
}

// Credit pays collateral out of custody into the user's wallet
func (l *MemoryLedger) Credit(ctx context.Context, user uuid.UUID, token string, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	assetID, ok := GetAssetID(token)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, token)
	}

	l.mu.Lock()
	batch, err := l.generator.GenerateCustodyOut(user, assetID, amount, l.now().UnixMicro())
	if err == nil {
		err = l.apply(batch)
	}
	hook := l.hook
	l.mu.Unlock()

	if err != nil {
		return fmt.Errorf("credit %s %s: %w", user, token, err)
	}
	if hook != nil {
		hook(ctx, Transfer{User: user, Token: token, Requested: new(uint256.Int).Set(amount), Actual: new(uint256.Int).Set(amount)})
	}
	return nil
}

// CreditUpTo pays out as much of amount as custody holds and returns what
// was paid. An empty or short vault is not an error.
func (l *MemoryLedger) CreditUpTo(ctx context.Context, user uuid.UUID, token string, amount *uint256.Int) (*uint256.Int, error) {
	paid := new(uint256.Int)
	if amount.IsZero() {
		return paid, nil
	}
	assetID, ok := GetAssetID(token)
	if !ok {
		return paid, fmt.Errorf("%w: %s", ErrUnknownAsset, token)
	}

	l.mu.Lock()
	held := l.tracker.GetBalance(NewCustodyAccountKey(assetID))
	if !fpmath.IsNegative(held) {
		paid.Set(fpmath.Min(amount, held))
	}
	var err error
	if !paid.IsZero() {
		var batch *Batch
		batch, err = l.generator.GenerateCustodyOut(user, assetID, paid, l.now().UnixMicro())
		if err == nil {
			err = l.apply(batch)
		}
	}
	hook := l.hook
	l.mu.Unlock()

	if err != nil {
		return new(uint256.Int), fmt.Errorf("credit %s %s: %w", user, token, err)
	}
	if hook != nil && !paid.IsZero() {
		hook(ctx, Transfer{User: user, Token: token, Requested: new(uint256.Int).Set(amount), Actual: new(uint256.Int).Set(paid)})
	}
	return paid, nil
}

// SeedCustody funds the vault directly, e.g. with protocol-owned liquidity
// that backs trader profits.
func (l *MemoryLedger) SeedCustody(token string, amount *uint256.Int) error {
	treasury := uuid.Nil
	if err := l.Deposit(treasury, token, amount); err != nil {
		return err
	}
	_, err := l.Debit(context.Background(), treasury, token, amount)
	return err
}

// Balance returns the user's wallet balance
func (l *MemoryLedger) Balance(user uuid.UUID, token string) *uint256.Int {
	assetID, _ := GetAssetID(token)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.GetBalance(NewUserAccountKey(user, assetID))
}

// CustodyBalance returns what the vault holds for a token
func (l *MemoryLedger) CustodyBalance(token string) *uint256.Int {
	assetID, _ := GetAssetID(token)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.GetBalance(NewCustodyAccountKey(assetID))
}

// Journals returns a copy of every booked journal entry
func (l *MemoryLedger) Journals() []Journal {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Journal, len(l.journals))
	copy(out, l.journals)
	return out
}

// Validate runs the global zero-sum and vault solvency checks
func (l *MemoryLedger) Validate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	for assetID := range idToAsset {
		if err := l.validator.ValidateCustodyNonNegative(assetID); err != nil {
			return err
		}
	}
	return nil
}

func (l *MemoryLedger) apply(batch *Batch) error {
	if err := l.validator.ValidateBatchBalance(batch); err != nil {
		panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
	}
	if err := l.tracker.ApplyBatch(batch); err != nil {
		return err
	}
	l.journals = append(l.journals, batch.Journals...)
	if l.sink != nil {
		booked := make([]Journal, len(batch.Journals))
		copy(booked, batch.Journals)
		l.sink <- booked
	}
	return nil
}
