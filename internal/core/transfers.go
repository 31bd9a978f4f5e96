package core

import (
	"context"

	"PerpVAMM/internal/event"
	"PerpVAMM/internal/market"
	fpmath "PerpVAMM/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Everything here runs after the exclusive section has been released.

// pay credits amount out of custody. A short vault pays what it holds; the
// remainder is logged, counted and returned as unpaid.
func (e *Engine) pay(ctx context.Context, user uuid.UUID, token string, amount *uint256.Int, kind string) (paid, unpaid *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return new(uint256.Int), new(uint256.Int)
	}
	paid, err := e.ledger.CreditUpTo(ctx, user, token, amount)
	if err != nil {
		e.transferFailed(kind, err)
		return new(uint256.Int), new(uint256.Int).Set(amount)
	}
	unpaid = new(uint256.Int).Sub(amount, paid)
	if !unpaid.IsZero() {
		e.logger.Warn().
			Str("kind", kind).
			Str("user", user.String()).
			Str("token", token).
			Str("owed", fpmath.ToDecimal(amount).String()).
			Str("paid", fpmath.ToDecimal(paid).String()).
			Msg("custody shortfall")
		if e.metrics != nil {
			e.metrics.CustodyShortfalls.WithLabelValues(kind).Inc()
			f, _ := fpmath.ToDecimal(unpaid).Float64()
			e.metrics.CustodyUnpaid.Add(f)
		}
	}
	return paid, unpaid
}

// routeFee splits amount between the insurance fund and treasury
func (e *Engine) routeFee(ctx context.Context, m *market.Market, source string, amount *uint256.Int) event.Event {
	if amount == nil || amount.IsZero() {
		return nil
	}
	split, err := e.fees.Route(ctx, m.Token, amount)
	if err != nil {
		e.transferFailed("fee_"+source, err)
		if split.Amount == nil {
			return nil
		}
	}
	if e.metrics != nil {
		f, _ := fpmath.ToDecimal(amount).Float64()
		e.metrics.FeesCollected.WithLabelValues(m.ID, source).Add(f)
		e.insuranceGauge()
	}
	return &event.FeeRouted{
		MarketID:  m.ID,
		Token:     m.Token,
		Source:    source,
		Amount:    event.Dec(split.Amount),
		Insurance: event.Dec(split.Insurance),
		Treasury:  event.Dec(split.Treasury),
	}
}

// cover asks the insurance fund for bad debt and returns what it paid
func (e *Engine) cover(m *market.Market, user uuid.UUID, badDebt *uint256.Int) *uint256.Int {
	if badDebt == nil || badDebt.IsZero() {
		return new(uint256.Int)
	}
	paid := e.insurance.Cover(badDebt)
	if paid.Lt(badDebt) {
		e.logger.Warn().
			Str("market", m.ID).
			Str("user", user.String()).
			Str("bad_debt", fpmath.ToDecimal(badDebt).String()).
			Str("paid", fpmath.ToDecimal(paid).String()).
			Msg("insurance fund shortfall")
		if e.metrics != nil {
			e.metrics.InsuranceShortfall.Inc()
		}
	}
	if e.metrics != nil {
		f, _ := fpmath.ToDecimal(paid).Float64()
		e.metrics.InsurancePaid.Add(f)
		e.insuranceGauge()
	}
	return paid
}

func (e *Engine) insuranceGauge() {
	bal, _ := fpmath.ToDecimal(e.insurance.Balance()).Float64()
	e.metrics.InsuranceFundBalance.Set(bal)
}

// appendEvent skips nil events from no-op transfers
func appendEvent(events []event.Event, evt event.Event) []event.Event {
	if evt == nil {
		return events
	}
	return append(events, evt)
}
