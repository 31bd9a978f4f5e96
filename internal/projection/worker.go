package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/event"
	"PerpVAMM/internal/observability"
	"PerpVAMM/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ViewSource supplies current engine state; *core.Engine implements it
type ViewSource interface {
	MarketView(marketID string) (core.MarketView, error)
	Position(marketID string, user uuid.UUID) *state.Position
}

// ProjectionWorker keeps the Redis views current from committed envelopes.
// The projection channel drops on overflow; every envelope re-reads the
// engine's current state for its market and user, so a later envelope
// repairs whatever a dropped one would have written.
type ProjectionWorker struct {
	views     ViewSource
	store     Store
	inputChan <-chan *event.EventEnvelope
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(views ViewSource, store Store, inputChan <-chan *event.EventEnvelope, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		views:     views,
		store:     store,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.Apply(ctx, env); err != nil {
				// projections are eventually consistent
				pw.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("projection update failed")
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("redis").Observe(time.Since(start).Seconds())
			}
		}
	}
}

// userFields is the subset of payload fields the worker routes on
type userFields struct {
	UserID     uuid.UUID `json:"user_id"`
	Liquidator uuid.UUID `json:"liquidator"`
}

// Apply projects one envelope
func (pw *ProjectionWorker) Apply(ctx context.Context, env *event.EventEnvelope) error {
	if env.Sequence <= pw.lastSeq {
		return nil
	}

	if env.MarketID != "" {
		view, err := pw.views.MarketView(env.MarketID)
		if err != nil {
			return fmt.Errorf("market view %s: %w", env.MarketID, err)
		}
		if err := pw.store.WriteMarket(ctx, NewMarketRecord(view, env.Sequence)); err != nil {
			return fmt.Errorf("write market: %w", err)
		}
	}

	var uf userFields
	if err := json.Unmarshal(env.Payload, &uf); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if uf.UserID != uuid.Nil && env.MarketID != "" {
		if err := pw.syncPosition(ctx, env.MarketID, uf.UserID, env.Sequence); err != nil {
			return err
		}
	}

	switch env.EventType {
	case event.EventTypeFundingSettled:
		var e event.FundingSettled
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return fmt.Errorf("decode funding: %w", err)
		}
		if err := pw.store.AppendFunding(ctx, FundingRecord{
			MarketID:  e.MarketID,
			UserID:    e.UserID,
			Payment:   e.Payment.String(),
			Index:     e.Index.String(),
			Shortfall: e.Shortfall.String(),
			Sequence:  env.Sequence,
			Timestamp: env.Timestamp,
		}); err != nil {
			return fmt.Errorf("append funding: %w", err)
		}

	case event.EventTypeLiquidated:
		var e event.Liquidated
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return fmt.Errorf("decode liquidation: %w", err)
		}
		if err := pw.store.AppendLiquidation(ctx, LiquidationRecord{
			MarketID:      e.MarketID,
			UserID:        e.UserID,
			Liquidator:    e.Liquidator,
			Outcome:       e.Outcome,
			ClosedSize:    e.ClosedSize.String(),
			Penalty:       e.Penalty.String(),
			BadDebt:       e.BadDebt.String(),
			InsurancePaid: e.InsurancePaid.String(),
			Sequence:      env.Sequence,
			Timestamp:     env.Timestamp,
		}); err != nil {
			return fmt.Errorf("append liquidation: %w", err)
		}
	}

	if err := pw.store.SetWatermark(ctx, env.Sequence); err != nil {
		return fmt.Errorf("watermark: %w", err)
	}
	pw.lastSeq = env.Sequence
	return nil
}

func (pw *ProjectionWorker) syncPosition(ctx context.Context, marketID string, user uuid.UUID, seq int64) error {
	pos := pw.views.Position(marketID, user)
	if pos == nil || pos.Size == nil || pos.Size.IsZero() {
		if err := pw.store.DeletePosition(ctx, marketID, user); err != nil {
			return fmt.Errorf("delete position: %w", err)
		}
		return nil
	}
	if err := pw.store.WritePosition(ctx, NewPositionRecord(pos, seq)); err != nil {
		return fmt.Errorf("write position: %w", err)
	}
	return nil
}

// LastSequence returns the last envelope applied
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}
