package vamm

import (
	"fmt"
	"time"

	fpmath "PerpVAMM/internal/math"

	"github.com/holiman/uint256"
)

// SwapResult describes a simulated or executed swap. Quote is the pre-fee
// amount that moves the reserves; Total is what the trader pays (buy) or
// receives (sell) after the fee.
type SwapResult struct {
	Base      *uint256.Int
	Quote     *uint256.Int
	Fee       *uint256.Int
	Total     *uint256.Int
	AvgPrice  *uint256.Int
	MarkAfter *uint256.Int
}

// QuoteBuy prices taking baseOut out of the pool
func (p *Pool) QuoteBuy(baseOut *uint256.Int, feeBps uint64) (SwapResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	res, _, err := p.st.simulateBuy(baseOut, feeBps)
	return res, err
}

// QuoteSell prices adding baseIn to the pool
func (p *Pool) QuoteSell(baseIn *uint256.Int, feeBps uint64) (SwapResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	res, _, err := p.st.simulateSell(baseIn, feeBps)
	return res, err
}

// Buy executes a long-side swap. A zero limit disables the slippage check;
// otherwise neither the average price nor the post-trade mark may exceed it.
func (p *Pool) Buy(baseOut *uint256.Int, feeBps uint64, limit *uint256.Int, now time.Time) (SwapResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, next, err := p.st.simulateBuy(baseOut, feeBps)
	if err != nil {
		return SwapResult{}, err
	}
	if limit != nil && !limit.IsZero() && (res.AvgPrice.Gt(limit) || res.MarkAfter.Gt(limit)) {
		return SwapResult{}, fmt.Errorf("%w: buy avg %s mark %s above limit %s",
			ErrSlippage, res.AvgPrice.Dec(), res.MarkAfter.Dec(), limit.Dec())
	}
	p.commit(next, res.Fee, now)
	return res, nil
}

// Sell executes a short-side swap. With a non-zero limit neither the average
// price nor the post-trade mark may fall below it.
func (p *Pool) Sell(baseIn *uint256.Int, feeBps uint64, limit *uint256.Int, now time.Time) (SwapResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, next, err := p.st.simulateSell(baseIn, feeBps)
	if err != nil {
		return SwapResult{}, err
	}
	if limit != nil && !limit.IsZero() && (res.AvgPrice.Lt(limit) || res.MarkAfter.Lt(limit)) {
		return SwapResult{}, fmt.Errorf("%w: sell avg %s mark %s below limit %s",
			ErrSlippage, res.AvgPrice.Dec(), res.MarkAfter.Dec(), limit.Dec())
	}
	p.commit(next, res.Fee, now)
	return res, nil
}

// commit records the observation at the pre-trade price, then moves reserves
func (p *Pool) commit(next reserves, fee *uint256.Int, now time.Time) {
	p.st.observe(now.Unix())
	p.st.base = next.base
	p.st.quote = next.quote
	p.st.feeGrowth.Add(&p.st.feeGrowth, fee)
}

type reserves struct {
	base  uint256.Int
	quote uint256.Int
}

func (s *poolState) simulateBuy(baseOut *uint256.Int, feeBps uint64) (SwapResult, reserves, error) {
	if baseOut == nil || baseOut.IsZero() {
		return SwapResult{}, reserves{}, ErrZeroSize
	}
	if !baseOut.Lt(&s.base) {
		return SwapResult{}, reserves{}, fmt.Errorf("%w: base out %s, reserve %s", ErrInsufficientReserve, baseOut.Dec(), s.base.Dec())
	}

	baseAfter := new(uint256.Int).Sub(&s.base, baseOut)
	quoteIn, err := fpmath.MulDivRoundUp(baseOut, &s.quote, baseAfter)
	if err != nil {
		return SwapResult{}, reserves{}, err
	}
	total, err := fpmath.MulDiv(quoteIn, uint256.NewInt(fpmath.BpsScale+feeBps), uint256.NewInt(fpmath.BpsScale))
	if err != nil {
		return SwapResult{}, reserves{}, err
	}
	quoteAfter, overflow := new(uint256.Int).AddOverflow(&s.quote, quoteIn)
	if overflow {
		return SwapResult{}, reserves{}, fpmath.ErrOverflow
	}

	return s.finish(baseOut, quoteIn, total, new(uint256.Int).Sub(total, quoteIn), baseAfter, quoteAfter)
}

func (s *poolState) simulateSell(baseIn *uint256.Int, feeBps uint64) (SwapResult, reserves, error) {
	if baseIn == nil || baseIn.IsZero() {
		return SwapResult{}, reserves{}, ErrZeroSize
	}
	if feeBps > fpmath.BpsScale {
		return SwapResult{}, reserves{}, fmt.Errorf("%w: fee %d bps", ErrInvalidConfig, feeBps)
	}

	baseAfter, overflow := new(uint256.Int).AddOverflow(&s.base, baseIn)
	if overflow {
		return SwapResult{}, reserves{}, fpmath.ErrOverflow
	}
	quoteOut, err := fpmath.MulDiv(baseIn, &s.quote, baseAfter)
	if err != nil {
		return SwapResult{}, reserves{}, err
	}
	if !quoteOut.Lt(&s.quote) || quoteOut.IsZero() {
		return SwapResult{}, reserves{}, fmt.Errorf("%w: quote out %s, reserve %s", ErrInsufficientReserve, quoteOut.Dec(), s.quote.Dec())
	}
	total, err := fpmath.MulDiv(quoteOut, uint256.NewInt(fpmath.BpsScale-feeBps), uint256.NewInt(fpmath.BpsScale))
	if err != nil {
		return SwapResult{}, reserves{}, err
	}
	quoteAfter := new(uint256.Int).Sub(&s.quote, quoteOut)

	return s.finish(baseIn, quoteOut, total, new(uint256.Int).Sub(quoteOut, total), baseAfter, quoteAfter)
}

func (s *poolState) finish(base, quote, total, fee, baseAfter, quoteAfter *uint256.Int) (SwapResult, reserves, error) {
	next := poolState{liquidity: s.liquidity}
	next.base.Set(baseAfter)
	next.quote.Set(quoteAfter)
	if err := next.checkInvariants(); err != nil {
		return SwapResult{}, reserves{}, err
	}

	avg, err := fpmath.MulDiv(quote, fpmath.WAD(), base)
	if err != nil {
		return SwapResult{}, reserves{}, err
	}
	res := SwapResult{
		Base:      new(uint256.Int).Set(base),
		Quote:     quote,
		Fee:       fee,
		Total:     total,
		AvgPrice:  avg,
		MarkAfter: next.markPrice(),
	}
	return res, reserves{base: next.base, quote: next.quote}, nil
}
