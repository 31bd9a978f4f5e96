package core

import (
	"context"
	"fmt"
	"time"

	"PerpVAMM/internal/auth"
	"PerpVAMM/internal/event"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Liquidate closes all or part of a position whose margin ratio is below
// maintenance. The close executes against the pool without a trading fee;
// the penalty is split between the liquidator and fee distribution, and
// bad debt is passed to the insurance fund. Once eligible, a liquidation
// always completes regardless of the fund's balance.
func (e *Engine) Liquidate(ctx context.Context, ac auth.Context, req LiquidateRequest) (res *LiquidationResult, err error) {
	const op = "liquidate"
	start := time.Now()
	defer func() { e.observe(op, start, err) }()

	if err = ac.Require(auth.RoleLiquidator); err != nil {
		return nil, err
	}
	if ctx, err = e.enter(ctx); err != nil {
		return nil, err
	}
	if req.User == uuid.Nil {
		return nil, fmt.Errorf("%w: missing user", ErrInvalidRequest)
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
	unlock := e.lock(m.ID)
	s := e.newScope(m, now)
	res, err = e.liquidate(s, req)
	if err != nil {
		s.rollback()
		unlock()
		e.rolledBack(op)
		// Funding settled while checking eligibility is discarded with the rest
		return nil, err
	}
	e.committed(s)
	unlock()

	res.LiquidatorReward, res.RewardUnpaid = e.pay(ctx, ac.Caller, m.Token, res.LiquidatorReward, "liquidator_reward")
	feeEvt := e.routeFee(ctx, m, "liquidation", res.FeeShare)
	res.UserResidual, res.ResidualUnpaid = e.pay(ctx, req.User, m.Token, res.UserResidual, "liquidation_residual")
	res.InsurancePaid = e.cover(m, req.User, res.BadDebt)

	e.logger.Info().
		Str("market", m.ID).
		Str("user", req.User.String()).
		Str("liquidator", ac.Caller.String()).
		Str("outcome", res.Outcome).
		Str("equity", fpmath.SignedToDecimal(res.Equity).String()).
		Str("penalty", fpmath.ToDecimal(res.Penalty).String()).
		Msg("position liquidated")
	if e.metrics != nil {
		e.metrics.Liquidations.WithLabelValues(m.ID, res.Outcome).Inc()
		reward, _ := fpmath.ToDecimal(res.LiquidatorReward).Float64()
		e.metrics.LiquidatorRewards.WithLabelValues(m.ID).Add(reward)
	}

	events := append(s.events, &event.Liquidated{
		MarketID:         m.ID,
		UserID:           req.User,
		Liquidator:       ac.Caller,
		Outcome:          res.Outcome,
		ClosedSize:       event.Dec(res.ClosedSize),
		ExitPrice:        event.Dec(res.ExitPrice),
		Notional:         event.Dec(res.Notional),
		RealizedPnL:      event.SDec(res.RealizedPnL),
		Penalty:          event.Dec(res.Penalty),
		Equity:           event.SDec(res.Equity),
		LiquidatorReward: event.Dec(res.LiquidatorReward),
		FeeShare:         event.Dec(res.FeeShare),
		UserResidual:     event.Dec(res.UserResidual),
		BadDebt:          event.Dec(res.BadDebt),
		InsurancePaid:    event.Dec(res.InsurancePaid),
		RewardUnpaid:     event.Dec(res.RewardUnpaid),
		ResidualUnpaid:   event.Dec(res.ResidualUnpaid),
		PositionSize:     event.SDec(res.Position.Size),
		Margin:           event.Dec(res.Position.Margin),
	})
	events = appendEvent(events, feeEvt)
	e.emit(s, req.RequestID, events)
	return res, nil
}

func (e *Engine) liquidate(s *opScope, req LiquidateRequest) (*LiquidationResult, error) {
	m := s.m
	pos := e.positions.Get(m.ID, req.User)
	if pos == nil || pos.IsFlat() {
		return nil, ErrNoPosition
	}
	if err := e.accrue(s); err != nil {
		return nil, err
	}
	if err := e.settle(s, pos); err != nil {
		return nil, err
	}

	ms, err := state.ComputeMargin(pos, m.Pool.MarkPrice(), m.Risk)
	if err != nil {
		return nil, err
	}
	if ms.Status != state.MarginStatusLiquidatable {
		return nil, fmt.Errorf("%w: ratio %s bps", ErrNotLiquidatable, fpmath.FormatSigned(ms.RatioBps))
	}

	oldAbs := pos.AbsSize()
	size := oldAbs
	if req.Size != nil && !req.Size.IsZero() {
		if req.Size.Gt(oldAbs) {
			return nil, fmt.Errorf("%w: %s > %s", ErrCloseExceedsPosition, fpmath.ToDecimal(req.Size), fpmath.ToDecimal(oldAbs))
		}
		size = new(uint256.Int).Set(req.Size)
	}
	full := size.Eq(oldAbs)
	long := pos.IsLong()

	swap, err := e.liquidationSwap(s, long, size)
	if err != nil {
		return nil, err
	}
	pnl, err := fpmath.ComputeRealizedPnL(long, pos.EntryPrice, swap, size)
	if err != nil {
		return nil, err
	}
	notional, err := fpmath.ComputeNotional(size, swap)
	if err != nil {
		return nil, err
	}
	penalty, err := state.ComputePenalty(notional, m.Risk)
	if err != nil {
		return nil, err
	}

	portion := new(uint256.Int).Set(pos.Margin)
	if !full {
		if portion, err = fpmath.MulDiv(pos.Margin, size, oldAbs); err != nil {
			return nil, err
		}
	}
	equity, err := fpmath.SignedAdd(portion, pnl)
	if err != nil {
		return nil, err
	}
	split := state.SplitLiquidation(equity, penalty)

	if pos.RealizedPnL, err = fpmath.SignedAdd(pos.RealizedPnL, pnl); err != nil {
		return nil, err
	}
	if full {
		pos.Reset()
	} else {
		remaining := new(uint256.Int).Sub(oldAbs, size)
		if long {
			pos.Size = remaining
		} else {
			pos.Size = fpmath.Neg(remaining)
		}
		pos.Margin = new(uint256.Int).Sub(pos.Margin, portion)
	}
	pos.Version++
	e.positions.Put(pos)

	return &LiquidationResult{
		Outcome:          split.Outcome.String(),
		Position:         pos.Clone(),
		ClosedSize:       size,
		ExitPrice:        swap,
		Notional:         notional,
		RealizedPnL:      pnl,
		Penalty:          split.Penalty,
		Equity:           split.Equity,
		LiquidatorReward: split.LiquidatorReward,
		FeeShare:         split.FeeShare,
		UserResidual:     split.UserResidual,
		BadDebt:          split.BadDebt,
		InsurancePaid:    new(uint256.Int),
		RewardUnpaid:     new(uint256.Int),
		ResidualUnpaid:   new(uint256.Int),
	}, nil
}

// liquidationSwap closes size at the pool price with no fee and no limit and
// returns the average execution price.
func (e *Engine) liquidationSwap(s *opScope, long bool, size *uint256.Int) (*uint256.Int, error) {
	if long {
		res, err := s.m.Pool.Sell(size, 0, nil, s.now)
		if err != nil {
			return nil, err
		}
		return res.AvgPrice, nil
	}
	res, err := s.m.Pool.Buy(size, 0, nil, s.now)
	if err != nil {
		return nil, err
	}
	return res.AvgPrice, nil
}
