package core

import (
	"context"
	"fmt"
	"time"

	"PerpVAMM/internal/event"
	"PerpVAMM/internal/market"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/oracle"
	"PerpVAMM/internal/state"
	"PerpVAMM/internal/vamm"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// opScope collects what one operation has done to a market before commit
type opScope struct {
	m       *market.Market
	now     time.Time
	snap    vamm.Snapshot
	accrual *vamm.FundingAccrual
	events  []event.Event
	ticket  uint64
}

func (e *Engine) newScope(m *market.Market, now time.Time) *opScope {
	return &opScope{m: m, now: now, snap: m.Pool.Snapshot()}
}

// rollback restores the pool. Positions are copies and are simply dropped.
func (s *opScope) rollback() {
	s.m.Pool.Restore(s.snap)
}

// accrue advances the market funding index using a fresh oracle price
func (e *Engine) accrue(s *opScope) error {
	price, err := oracle.Fresh(e.feed, s.m.FeedAsset, e.cfg.OracleMaxAge, s.now)
	if err != nil {
		return fmt.Errorf("market %s: %w", s.m.ID, err)
	}
	acc, err := s.m.Pool.AccrueFunding(price, s.now)
	if err != nil {
		return fmt.Errorf("accrue funding %s: %w", s.m.ID, err)
	}
	if !acc.Applied {
		return nil
	}
	s.accrual = &acc
	s.events = append(s.events, &event.FundingAccrued{
		MarketID:        s.m.ID,
		MarkPrice:       event.Dec(acc.MarkPrice),
		OraclePrice:     event.Dec(acc.OraclePrice),
		Premium:         event.SDec(acc.Premium),
		Rate:            event.SDec(acc.Rate),
		ElapsedHours:    event.Dec(acc.ElapsedHours),
		Increment:       event.SDec(acc.Increment),
		CumulativeIndex: event.SDec(acc.Cumulative),
	})
	return nil
}

// settle applies the funding owed since the position's last index. Longs pay
// when the index rises. A payment beyond the margin empties it and the
// excess is reported as shortfall.
func (e *Engine) settle(s *opScope, pos *state.Position) error {
	index := s.m.Pool.CumulativeFunding()
	if pos.IsFlat() {
		pos.LastFundingIndex = index
		return nil
	}

	payment, err := vamm.FundingPayment(pos.Size, pos.LastFundingIndex, index)
	if err != nil {
		return fmt.Errorf("funding payment: %w", err)
	}
	pos.LastFundingIndex = index
	if payment.IsZero() {
		return nil
	}

	shortfall := new(uint256.Int)
	if fpmath.IsNegative(payment) {
		margin, overflow := new(uint256.Int).AddOverflow(pos.Margin, fpmath.Abs(payment))
		if overflow {
			return fpmath.ErrOverflow
		}
		pos.Margin = margin
	} else if payment.Gt(pos.Margin) {
		shortfall.Sub(payment, pos.Margin)
		pos.Margin = new(uint256.Int)
	} else {
		pos.Margin = new(uint256.Int).Sub(pos.Margin, payment)
	}

	if e.metrics != nil {
		e.metrics.FundingSettled.WithLabelValues(s.m.ID).Inc()
		if !shortfall.IsZero() {
			e.metrics.FundingShortfalls.WithLabelValues(s.m.ID).Inc()
		}
	}
	s.events = append(s.events, &event.FundingSettled{
		MarketID:  s.m.ID,
		UserID:    pos.UserID,
		Payment:   event.SDec(payment),
		Index:     event.SDec(index),
		Margin:    event.Dec(pos.Margin),
		Shortfall: event.Dec(shortfall),
	})
	return nil
}

// committed takes the scope's emission ticket and refreshes market gauges.
// It must run inside the exclusive section and be followed by emit.
func (e *Engine) committed(s *opScope) {
	s.ticket = e.reserve()
	if e.metrics == nil {
		return
	}
	id := s.m.ID
	mark, _ := fpmath.ToDecimal(s.m.Pool.MarkPrice()).Float64()
	e.metrics.MarkPrice.WithLabelValues(id).Set(mark)
	twap, _ := fpmath.ToDecimal(s.m.Pool.Twap(e.cfg.TwapWindow, s.now)).Float64()
	e.metrics.TwapPrice.WithLabelValues(id).Set(twap)
	e.metrics.OpenInterest.WithLabelValues(id).Set(float64(len(e.positions.Active(id))))
	if s.accrual != nil {
		rate, _ := fpmath.SignedToDecimal(s.accrual.Rate).Float64()
		idx, _ := fpmath.SignedToDecimal(s.accrual.Cumulative).Float64()
		e.metrics.FundingRate.WithLabelValues(id).Set(rate)
		e.metrics.FundingIndex.WithLabelValues(id).Set(idx)
		e.metrics.FundingAccruals.WithLabelValues(id).Inc()
	}
}

// PokeFunding accrues market funding up to now. Anyone may call it.
func (e *Engine) PokeFunding(ctx context.Context, marketID string) (acc vamm.FundingAccrual, err error) {
	start := time.Now()
	defer func() { e.observe("poke_funding", start, err) }()

	if _, err = e.enter(ctx); err != nil {
		return vamm.FundingAccrual{}, err
	}
	m, err := e.activeMarket(marketID)
	if err != nil {
		return vamm.FundingAccrual{}, err
	}

	unlock := e.lock(m.ID)
	s := e.newScope(m, e.clock.Now())
	if err = e.accrue(s); err != nil {
		s.rollback()
		unlock()
		return vamm.FundingAccrual{}, err
	}
	e.committed(s)
	unlock()

	e.emit(s, "", s.events)
	if s.accrual == nil {
		return vamm.FundingAccrual{
			MarkPrice:  m.Pool.MarkPrice(),
			Cumulative: m.Pool.CumulativeFunding(),
			Timestamp:  s.now,
		}, nil
	}
	return *s.accrual, nil
}

// IsLiquidatable settles the position's funding and reports whether its
// margin ratio is below maintenance. Positions in paused markets are
// evaluated as they stand, without accrual.
func (e *Engine) IsLiquidatable(ctx context.Context, marketID string, user uuid.UUID) (bool, error) {
	if _, err := e.enter(ctx); err != nil {
		return false, err
	}
	m, err := e.registry.GetMarket(marketID)
	if err != nil {
		return false, err
	}
	liq, s, err := e.checkLiquidatable(m, user, e.clock.Now())
	if s != nil {
		e.emit(s, "", s.events)
	}
	return liq, err
}

// checkLiquidatable returns the committed scope, or nil when nothing was
// settled.
func (e *Engine) checkLiquidatable(m *market.Market, user uuid.UUID, now time.Time) (bool, *opScope, error) {
	unlock := e.lock(m.ID)
	defer unlock()

	pos := e.positions.Get(m.ID, user)
	if pos == nil || pos.IsFlat() {
		return false, nil, nil
	}

	s := e.newScope(m, now)
	if !m.Paused {
		if err := e.accrue(s); err != nil {
			s.rollback()
			return false, nil, err
		}
		if err := e.settle(s, pos); err != nil {
			s.rollback()
			return false, nil, err
		}
	}
	ms, err := state.ComputeMargin(pos, m.Pool.MarkPrice(), m.Risk)
	if err != nil {
		s.rollback()
		return false, nil, err
	}
	if m.Paused {
		return ms.Status == state.MarginStatusLiquidatable, nil, nil
	}
	e.positions.Put(pos)
	e.committed(s)
	return ms.Status == state.MarginStatusLiquidatable, s, nil
}

// gate rejects the operation when any of the user's positions outside
// exclude is liquidatable. Markets are checked one at a time; the funding
// it settles is committed and emitted regardless of the outcome.
func (e *Engine) gate(user uuid.UUID, exclude string, now time.Time) error {
	for _, id := range e.positions.UserMarkets(user) {
		if id == exclude {
			continue
		}
		m, err := e.registry.GetMarket(id)
		if err != nil {
			return err
		}
		liq, s, err := e.checkLiquidatable(m, user, now)
		if s != nil {
			e.emit(s, "", s.events)
		}
		if err != nil {
			return err
		}
		if liq {
			return fmt.Errorf("%w: %s", ErrLiquidatablePosition, id)
		}
	}
	return nil
}

// postTradeCheck enforces the initial margin requirement and keeps the
// position above maintenance after a voluntary change.
func postTradeCheck(pos *state.Position, m *market.Market) error {
	if pos.IsFlat() {
		return nil
	}
	ms, err := state.ComputeMargin(pos, m.Pool.MarkPrice(), m.Risk)
	if err != nil {
		return err
	}
	required, err := state.RequiredInitialMargin(ms.Notional, m.Risk)
	if err != nil {
		return err
	}
	if pos.Margin.Lt(required) {
		return fmt.Errorf("%w: margin %s < required %s", ErrInsufficientMargin,
			fpmath.ToDecimal(pos.Margin), fpmath.ToDecimal(required))
	}
	if ms.Status == state.MarginStatusLiquidatable {
		return ErrWouldBeLiquidatable
	}
	return nil
}
