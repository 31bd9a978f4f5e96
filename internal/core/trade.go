package core

import (
	"context"
	"fmt"
	"time"

	"PerpVAMM/internal/auth"
	"PerpVAMM/internal/event"
	"PerpVAMM/internal/market"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/state"
	"PerpVAMM/internal/vamm"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// OpenPosition opens or increases the caller's position. Margin is pulled
// from the ledger first; the trading fee is taken out of it.
func (e *Engine) OpenPosition(ctx context.Context, ac auth.Context, req OpenRequest) (res *OpenResult, err error) {
	const op = "open"
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
	if err = e.idempotency.Claim(op, req.RequestID); err != nil {
		return nil, err
	}
	defer func() { e.idempotency.Finish(op, req.RequestID, err == nil) }()

	now := e.clock.Now()
	user := ac.Caller
	if err = e.gate(user, m.ID, now); err != nil {
		return nil, err
	}

	deposited := new(uint256.Int)
	if req.Margin != nil && !req.Margin.IsZero() {
		if deposited, err = e.ledger.Debit(ctx, user, m.Token, req.Margin); err != nil {
			return nil, fmt.Errorf("debit margin: %w", err)
		}
	}

	res, s, err := e.openLocked(m, user, req, deposited, now)
	if err != nil {
		e.rolledBack(op)
		e.pay(ctx, user, m.Token, deposited, "refund")
		return nil, err
	}

	events := appendEvent(s.events, e.routeFee(ctx, m, "trading", res.Fee))
	e.emit(s, req.RequestID, events)
	e.logger.Debug().
		Str("market", m.ID).
		Str("user", user.String()).
		Str("side", req.Side.String()).
		Str("size", fpmath.ToDecimal(req.Size).String()).
		Str("price", fpmath.ToDecimal(res.Swap.AvgPrice).String()).
		Msg("position opened")
	return res, nil
}

func (e *Engine) openLocked(m *market.Market, user uuid.UUID, req OpenRequest, deposited *uint256.Int, now time.Time) (*OpenResult, *opScope, error) {
	unlock := e.lock(m.ID)
	defer unlock()

	s := e.newScope(m, now)
	res, err := e.open(s, user, req, deposited)
	if err != nil {
		s.rollback()
		return nil, nil, err
	}
	e.committed(s)
	return res, s, nil
}

func (e *Engine) open(s *opScope, user uuid.UUID, req OpenRequest, deposited *uint256.Int) (*OpenResult, error) {
	m := s.m
	pos := e.positions.GetOrNew(m.ID, user)

	if err := e.accrue(s); err != nil {
		return nil, err
	}
	if err := e.settle(s, pos); err != nil {
		return nil, err
	}

	long := req.Side == event.SideLong
	if !pos.IsFlat() {
		ms, err := state.ComputeMargin(pos, m.Pool.MarkPrice(), m.Risk)
		if err != nil {
			return nil, err
		}
		if ms.Status == state.MarginStatusLiquidatable {
			return nil, fmt.Errorf("%w: %s", ErrLiquidatablePosition, m.ID)
		}
		if pos.IsLong() != long {
			return nil, ErrDirectionMismatch
		}
	}

	if m.Risk.MinSize != nil && req.Size.Lt(m.Risk.MinSize) {
		return nil, fmt.Errorf("%w: %s < %s", ErrSizeBelowMin, fpmath.ToDecimal(req.Size), fpmath.ToDecimal(m.Risk.MinSize))
	}
	oldAbs := pos.AbsSize()
	newAbs, overflow := new(uint256.Int).AddOverflow(oldAbs, req.Size)
	if overflow || fpmath.IsNegative(newAbs) {
		return nil, fpmath.ErrOverflow
	}
	if m.Risk.MaxSize != nil && !m.Risk.MaxSize.IsZero() && newAbs.Gt(m.Risk.MaxSize) {
		return nil, fmt.Errorf("%w: %s > %s", ErrSizeAboveMax, fpmath.ToDecimal(newAbs), fpmath.ToDecimal(m.Risk.MaxSize))
	}

	var (
		swap vamm.SwapResult
		err  error
	)
	if long {
		swap, err = m.Pool.Buy(req.Size, m.FeeBps, req.PriceLimit, s.now)
	} else {
		swap, err = m.Pool.Sell(req.Size, m.FeeBps, req.PriceLimit, s.now)
	}
	if err != nil {
		return nil, err
	}

	margin, overflow := new(uint256.Int).AddOverflow(pos.Margin, deposited)
	if overflow {
		return nil, fpmath.ErrOverflow
	}
	if margin.Lt(swap.Fee) {
		return nil, fmt.Errorf("%w: margin does not cover the fee", ErrInsufficientMargin)
	}
	margin.Sub(margin, swap.Fee)

	entry, err := fpmath.ComputeAvgEntryPrice(oldAbs, pos.EntryPrice, req.Size, swap.AvgPrice)
	if err != nil {
		return nil, err
	}

	if long {
		pos.Size = newAbs
	} else {
		pos.Size = fpmath.Neg(newAbs)
	}
	pos.Margin = margin
	pos.EntryPrice = entry
	pos.Version++

	if err := postTradeCheck(pos, m); err != nil {
		return nil, err
	}
	e.positions.Put(pos)

	s.events = append(s.events, &event.PositionOpened{
		MarketID:     m.ID,
		UserID:       user,
		Side:         req.Side,
		Size:         event.Dec(req.Size),
		MarginIn:     event.Dec(deposited),
		QuoteAmount:  event.Dec(swap.Quote),
		Fee:          event.Dec(swap.Fee),
		ExecPrice:    event.Dec(swap.AvgPrice),
		EntryPrice:   event.Dec(pos.EntryPrice),
		PositionSize: event.SDec(pos.Size),
		Margin:       event.Dec(pos.Margin),
	})
	return &OpenResult{
		Position:  pos.Clone(),
		Swap:      swap,
		Deposited: deposited,
		Fee:       swap.Fee,
	}, nil
}

// ClosePosition decreases or closes the caller's position against the pool.
// A full close pays out the remaining margin; a decrease must leave the
// position above its initial requirement.
func (e *Engine) ClosePosition(ctx context.Context, ac auth.Context, req CloseRequest) (res *CloseResult, err error) {
	const op = "close"
	start := time.Now()
	defer func() { e.observe(op, start, err) }()

	if err = ac.Require(auth.RoleTrader); err != nil {
		return nil, err
	}
	if ctx, err = e.enter(ctx); err != nil {
		return nil, err
	}
	m, err := e.activeMarket(req.MarketID)
	if err != nil {
		return nil, err
	}
	if err = e.idempotency.Claim(op, req.RequestID); err != nil {
		return nil, err
	}
	defer func() { e.idempotency.Finish(op, req.RequestID, err == nil) }()

	now := e.clock.Now()
	user := ac.Caller

	unlock := e.lock(m.ID)
	s := e.newScope(m, now)
	res, feeCollected, err := e.close(s, user, req)
	if err != nil {
		s.rollback()
		unlock()
		e.rolledBack(op)
		return nil, err
	}
	e.committed(s)
	unlock()

	res.MarginReturned, res.Unpaid = e.pay(ctx, user, m.Token, res.MarginReturned, "margin_return")
	res.InsurancePaid = e.cover(m, user, res.BadDebt)
	events := appendEvent(s.events, &event.PositionClosed{
		MarketID:       m.ID,
		UserID:         user,
		ClosedSize:     event.Dec(res.ClosedSize),
		ExitPrice:      event.Dec(res.Swap.AvgPrice),
		RealizedPnL:    event.SDec(res.RealizedPnL),
		Fee:            event.Dec(res.Fee),
		PositionSize:   event.SDec(res.Position.Size),
		Margin:         event.Dec(res.Position.Margin),
		MarginReturned: event.Dec(res.MarginReturned),
		BadDebt:        event.Dec(res.BadDebt),
		InsurancePaid:  event.Dec(res.InsurancePaid),
		Unpaid:         event.Dec(res.Unpaid),
	})
	events = appendEvent(events, e.routeFee(ctx, m, "trading", feeCollected))
	e.emit(s, req.RequestID, events)
	return res, nil
}

// close runs inside the exclusive section. It returns the fee actually
// collected, which is less than the quoted fee when equity cannot cover it.
func (e *Engine) close(s *opScope, user uuid.UUID, req CloseRequest) (*CloseResult, *uint256.Int, error) {
	m := s.m
	pos := e.positions.Get(m.ID, user)
	if pos == nil || pos.IsFlat() {
		return nil, nil, ErrNoPosition
	}

	if err := e.accrue(s); err != nil {
		return nil, nil, err
	}
	if err := e.settle(s, pos); err != nil {
		return nil, nil, err
	}

	oldAbs := pos.AbsSize()
	size := oldAbs
	if req.Size != nil && !req.Size.IsZero() {
		if req.Size.Gt(oldAbs) {
			return nil, nil, fmt.Errorf("%w: %s > %s", ErrCloseExceedsPosition, fpmath.ToDecimal(req.Size), fpmath.ToDecimal(oldAbs))
		}
		size = new(uint256.Int).Set(req.Size)
	}
	full := size.Eq(oldAbs)
	long := pos.IsLong()

	var (
		swap vamm.SwapResult
		err  error
	)
	if long {
		swap, err = m.Pool.Sell(size, m.FeeBps, req.PriceLimit, s.now)
	} else {
		swap, err = m.Pool.Buy(size, m.FeeBps, req.PriceLimit, s.now)
	}
	if err != nil {
		return nil, nil, err
	}

	pnl, err := fpmath.ComputeRealizedPnL(long, pos.EntryPrice, swap.AvgPrice, size)
	if err != nil {
		return nil, nil, err
	}
	equity, err := fpmath.SignedAdd(pos.Margin, pnl)
	if err != nil {
		return nil, nil, err
	}
	if pos.RealizedPnL, err = fpmath.SignedAdd(pos.RealizedPnL, pnl); err != nil {
		return nil, nil, err
	}
	pos.Version++

	res := &CloseResult{
		Swap:           swap,
		ClosedSize:     size,
		RealizedPnL:    pnl,
		Fee:            new(uint256.Int).Set(swap.Fee),
		MarginReturned: new(uint256.Int),
		BadDebt:        new(uint256.Int),
		InsurancePaid:  new(uint256.Int),
		Unpaid:         new(uint256.Int),
	}
	feeCollected := new(uint256.Int)

	if full {
		if equity.IsZero() || fpmath.IsNegative(equity) {
			res.BadDebt = fpmath.Abs(equity)
		} else {
			feeCollected = fpmath.Min(swap.Fee, equity)
			res.MarginReturned = new(uint256.Int).Sub(equity, feeCollected)
		}
		pos.Reset()
	} else {
		if fpmath.IsNegative(equity) || equity.Lt(swap.Fee) {
			return nil, nil, fmt.Errorf("%w: equity does not cover the fee", ErrInsufficientMargin)
		}
		feeCollected = new(uint256.Int).Set(swap.Fee)
		pos.Margin = new(uint256.Int).Sub(equity, swap.Fee)
		remaining := new(uint256.Int).Sub(oldAbs, size)
		if long {
			pos.Size = remaining
		} else {
			pos.Size = fpmath.Neg(remaining)
		}
		if err := postTradeCheck(pos, m); err != nil {
			return nil, nil, err
		}
	}

	e.positions.Put(pos)
	res.Position = pos.Clone()
	return res, feeCollected, nil
}
