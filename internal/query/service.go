package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/event"
	"PerpVAMM/internal/persistence"
	"PerpVAMM/internal/projection"
	"PerpVAMM/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ErrUnavailable is returned when the backing store for a query is not
// configured.
var ErrUnavailable = errors.New("query backend not configured")

// History is the projection read side
type History interface {
	FundingHistory(ctx context.Context, marketID string, user uuid.UUID, limit int64) ([]projection.FundingRecord, error)
	Liquidations(ctx context.Context, marketID string, limit int64) ([]projection.LiquidationRecord, error)
	Watermark(ctx context.Context) (int64, error)
}

// Engine is the live state the service reads balances from
type Engine interface {
	MarketView(marketID string) (core.MarketView, error)
	UserPositions(user uuid.UUID) []*state.Position
	Sequence() int64
}

// Wallets is the custody side of a balance query
type Wallets interface {
	Balance(user uuid.UUID, token string) *uint256.Int
	Validate() error
}

// QueryService serves read-only views that live outside the engine: history
// from the Redis projection, custody journals and chain integrity from
// Postgres. Any backend may be nil, in which case its queries return
// ErrUnavailable.
type QueryService struct {
	history History
	engine  Engine
	wallets Wallets
	db      *sql.DB
	log     *persistence.EventLogReader
}

func NewQueryService(history History, engine Engine, wallets Wallets, db *sql.DB) *QueryService {
	qs := &QueryService{
		history: history,
		engine:  engine,
		wallets: wallets,
		db:      db,
	}
	if db != nil {
		qs.log = persistence.NewEventLogReader(db)
	}
	return qs
}

// GetBalance returns a user's wallet and locked margin for one token.
func (qs *QueryService) GetBalance(ctx context.Context, userID uuid.UUID, token string) (*BalanceResponse, error) {
	if qs.engine == nil || qs.wallets == nil {
		return nil, ErrUnavailable
	}
	asOf := qs.engine.Sequence()

	wallet := qs.wallets.Balance(userID, token)
	locked := new(uint256.Int)
	for _, pos := range qs.engine.UserPositions(userID) {
		view, err := qs.engine.MarketView(pos.MarketID)
		if err != nil {
			return nil, err
		}
		if view.Token != token || pos.Margin == nil {
			continue
		}
		locked.Add(locked, pos.Margin)
	}

	return &BalanceResponse{
		UserID:       userID,
		Token:        token,
		Wallet:       event.Dec(wallet).String(),
		MarginLocked: event.Dec(locked).String(),
		Total:        event.Dec(new(uint256.Int).Add(wallet, locked)).String(),
		AsOfSequence: asOf,
	}, nil
}

// GetFundingHistory returns the newest funding payments for a position.
func (qs *QueryService) GetFundingHistory(ctx context.Context, userID uuid.UUID, marketID string, limit int) (*FundingHistoryResponse, error) {
	if qs.history == nil {
		return nil, ErrUnavailable
	}
	asOf, err := qs.history.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	records, err := qs.history.FundingHistory(ctx, marketID, userID, int64(limit))
	if err != nil {
		return nil, err
	}

	resp := &FundingHistoryResponse{
		UserID:       userID,
		MarketID:     marketID,
		Entries:      make([]FundingEntry, 0, len(records)),
		AsOfSequence: asOf,
	}
	for _, r := range records {
		resp.Entries = append(resp.Entries, FundingEntry{
			Payment:   r.Payment,
			Index:     r.Index,
			Shortfall: r.Shortfall,
			Sequence:  r.Sequence,
			Timestamp: r.Timestamp,
		})
	}
	return resp, nil
}

// GetLiquidations returns the newest liquidations in a market.
func (qs *QueryService) GetLiquidations(ctx context.Context, marketID string, limit int) (*LiquidationResponse, error) {
	if qs.history == nil {
		return nil, ErrUnavailable
	}
	asOf, err := qs.history.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	records, err := qs.history.Liquidations(ctx, marketID, int64(limit))
	if err != nil {
		return nil, err
	}

	resp := &LiquidationResponse{
		MarketID:     marketID,
		Entries:      make([]LiquidationEntry, 0, len(records)),
		AsOfSequence: asOf,
	}
	for _, r := range records {
		resp.Entries = append(resp.Entries, LiquidationEntry{
			UserID:        r.UserID,
			Liquidator:    r.Liquidator,
			Outcome:       r.Outcome,
			ClosedSize:    r.ClosedSize,
			Penalty:       r.Penalty,
			BadDebt:       r.BadDebt,
			InsurancePaid: r.InsurancePaid,
			Sequence:      r.Sequence,
			Timestamp:     r.Timestamp,
		})
	}
	return resp, nil
}

// GetJournalHistory returns custody journal entries touching a user's
// accounts, newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	if qs.db == nil {
		return nil, ErrUnavailable
	}
	accountPrefix := fmt.Sprintf("user:%s:%%", userID)

	query := `
		SELECT journal_id, batch_id, sequence,
		       debit_account, credit_account, asset_id, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]JournalHistoryEntry, 0)
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity replays the persisted hash chain and checks the custody
// ledger's zero-sum invariant.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	if qs.log == nil && qs.wallets == nil {
		return nil, ErrUnavailable
	}
	report := &IntegrityReport{IsHealthy: true}

	if qs.log != nil {
		broken, err := qs.log.Verify(ctx, 1000)
		if err != nil {
			return nil, fmt.Errorf("verify chain: %w", err)
		}
		if broken >= 0 {
			report.HashChainBreak = broken
			report.IsHealthy = false
		}
		if report.LastSequence, err = qs.log.GetLatestSequence(ctx); err != nil {
			return nil, err
		}
	}

	if qs.wallets != nil {
		if err := qs.wallets.Validate(); err != nil {
			report.LedgerError = err.Error()
			report.IsHealthy = false
		}
	}
	return report, nil
}
