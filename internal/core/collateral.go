package core

import (
	"context"
	"fmt"
	"time"

	"PerpVAMM/internal/auth"
	"PerpVAMM/internal/event"
	"PerpVAMM/internal/ledger"
	fpmath "PerpVAMM/internal/math"

	"github.com/holiman/uint256"
)

// AddMargin moves collateral from the caller's ledger balance into an open
// position. The ledger may deliver less than requested; the position is
// credited with what actually arrived.
func (e *Engine) AddMargin(ctx context.Context, ac auth.Context, req MarginRequest) (added *uint256.Int, err error) {
	const op = "add_margin"
	start := time.Now()
	defer func() { e.observe(op, start, err) }()

	if err = ac.Require(auth.RoleTrader); err != nil {
		return nil, err
	}
	if ctx, err = e.enter(ctx); err != nil {
		return nil, err
	}
	if err = req.validate(); err != nil {
		return nil, err
	}
	m, err := e.activeMarket(req.MarketID)
	if err != nil {
		return nil, err
	}
	user := ac.Caller
	if pos := e.positions.Get(m.ID, user); pos == nil || pos.IsFlat() {
		return nil, ErrNoPosition
	}
	if err = e.idempotency.Claim(op, req.RequestID); err != nil {
		return nil, err
	}
	defer func() { e.idempotency.Finish(op, req.RequestID, err == nil) }()

	deposited, err := e.ledger.Debit(ctx, user, m.Token, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("debit margin: %w", err)
	}

	now := e.clock.Now()
	unlock := e.lock(m.ID)
	s := e.newScope(m, now)
	fail := func(cause error) (*uint256.Int, error) {
		s.rollback()
		unlock()
		e.rolledBack(op)
		e.pay(ctx, user, m.Token, deposited, "refund")
		return nil, cause
	}

	pos := e.positions.Get(m.ID, user)
	if pos == nil || pos.IsFlat() {
		return fail(ErrNoPosition)
	}
	if err = e.accrue(s); err != nil {
		return fail(err)
	}
	if err = e.settle(s, pos); err != nil {
		return fail(err)
	}
	margin, overflow := new(uint256.Int).AddOverflow(pos.Margin, deposited)
	if overflow {
		return fail(fpmath.ErrOverflow)
	}
	pos.Margin = margin
	pos.Version++
	e.positions.Put(pos)
	e.committed(s)
	unlock()

	events := append(s.events, &event.MarginAdded{
		MarketID: m.ID,
		UserID:   user,
		Amount:   event.Dec(deposited),
		Margin:   event.Dec(pos.Margin),
	})
	e.emit(s, req.RequestID, events)
	return deposited, nil
}

// RemoveMargin withdraws collateral from a position back to the caller's
// ledger balance. The position must stay above its initial requirement, none
// of the caller's positions may be liquidatable and the vault must hold the
// amount.
func (e *Engine) RemoveMargin(ctx context.Context, ac auth.Context, req MarginRequest) (err error) {
	const op = "remove_margin"
	start := time.Now()
	defer func() { e.observe(op, start, err) }()

	if err = ac.Require(auth.RoleTrader); err != nil {
		return err
	}
	if ctx, err = e.enter(ctx); err != nil {
		return err
	}
	if err = req.validate(); err != nil {
		return err
	}
	m, err := e.activeMarket(req.MarketID)
	if err != nil {
		return err
	}
	if err = e.idempotency.Claim(op, req.RequestID); err != nil {
		return err
	}
	defer func() { e.idempotency.Finish(op, req.RequestID, err == nil) }()

	now := e.clock.Now()
	user := ac.Caller
	if err = e.gate(user, m.ID, now); err != nil {
		return err
	}

	unlock := e.lock(m.ID)
	s := e.newScope(m, now)
	fail := func(cause error) error {
		s.rollback()
		unlock()
		e.rolledBack(op)
		return cause
	}

	pos := e.positions.Get(m.ID, user)
	if pos == nil {
		return fail(ErrNoPosition)
	}
	if err = e.accrue(s); err != nil {
		return fail(err)
	}
	if err = e.settle(s, pos); err != nil {
		return fail(err)
	}
	if req.Amount.Gt(pos.Margin) {
		return fail(fmt.Errorf("%w: %s > %s", ErrMarginExceedsPosition,
			fpmath.ToDecimal(req.Amount), fpmath.ToDecimal(pos.Margin)))
	}
	if held := e.ledger.CustodyBalance(m.Token); fpmath.IsNegative(held) || held.Lt(req.Amount) {
		return fail(fmt.Errorf("%w: vault cannot pay %s %s", ledger.ErrInsufficientCustody,
			fpmath.ToDecimal(req.Amount), m.Token))
	}
	pos.Margin = new(uint256.Int).Sub(pos.Margin, req.Amount)
	pos.Version++
	if err = postTradeCheck(pos, m); err != nil {
		return fail(err)
	}
	e.positions.Put(pos)
	e.committed(s)
	unlock()

	// Custody was checked under the lock; a payout racing on another market
	// can still leave part of it unpaid.
	paid, unpaid := e.pay(ctx, user, m.Token, req.Amount, "margin_withdrawal")
	events := append(s.events, &event.MarginRemoved{
		MarketID: m.ID,
		UserID:   user,
		Amount:   event.Dec(paid),
		Margin:   event.Dec(pos.Margin),
		Unpaid:   event.Dec(unpaid),
	})
	e.emit(s, req.RequestID, events)
	return nil
}
