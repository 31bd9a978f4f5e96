package vamm

import (
	"fmt"
	"time"

	fpmath "PerpVAMM/internal/math"

	"github.com/holiman/uint256"
)

const secondsPerHour = 3600

// FundingAccrual reports one market-level funding step. Rate, Premium,
// Increment and Cumulative are signed WAD values; a positive rate means
// longs pay shorts.
type FundingAccrual struct {
	Applied      bool
	MarkPrice    *uint256.Int
	OraclePrice  *uint256.Int
	Premium      *uint256.Int
	Rate         *uint256.Int // fraction per hour, clamped
	ElapsedHours *uint256.Int
	Increment    *uint256.Int // quote per base unit
	Cumulative   *uint256.Int
	Timestamp    time.Time
}

// AccrueFunding advances the cumulative funding index to now. Calls within
// the same second as the previous accrual change nothing.
func (p *Pool) AccrueFunding(oraclePrice *uint256.Int, now time.Time) (FundingAccrual, error) {
	if oraclePrice == nil || oraclePrice.IsZero() {
		return FundingAccrual{}, fmt.Errorf("accrue funding: %w", fpmath.ErrDivisionByZero)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s := &p.st
	mark := s.markPrice()
	out := FundingAccrual{
		MarkPrice:    mark,
		OraclePrice:  new(uint256.Int).Set(oraclePrice),
		Premium:      new(uint256.Int),
		Rate:         new(uint256.Int),
		ElapsedHours: new(uint256.Int),
		Increment:    new(uint256.Int),
		Cumulative:   new(uint256.Int).Set(&s.cumulativeFunding),
		Timestamp:    now,
	}

	ts := now.Unix()
	if ts <= s.lastFundingTime {
		return out, nil
	}

	elapsedHours := fpmath.WadFraction(uint64(ts-s.lastFundingTime), secondsPerHour)

	diff, err := fpmath.SignedSub(mark, oraclePrice)
	if err != nil {
		return FundingAccrual{}, err
	}
	premium, err := fpmath.SignedDivWad(diff, oraclePrice)
	if err != nil {
		return FundingAccrual{}, err
	}
	raw, err := fpmath.SignedMulWad(&s.kFunding, premium)
	if err != nil {
		return FundingAccrual{}, err
	}
	rate := fpmath.Clamp(raw, fpmath.Neg(&s.maxFundingRate), &s.maxFundingRate)

	perHour, err := fpmath.SignedMulWad(rate, oraclePrice)
	if err != nil {
		return FundingAccrual{}, err
	}
	increment, err := fpmath.SignedMulWad(perHour, elapsedHours)
	if err != nil {
		return FundingAccrual{}, err
	}
	cumulative, err := fpmath.SignedAdd(&s.cumulativeFunding, increment)
	if err != nil {
		return FundingAccrual{}, err
	}

	s.cumulativeFunding = *cumulative
	s.lastFundingTime = ts

	out.Applied = true
	out.Premium = premium
	out.Rate = rate
	out.ElapsedHours = elapsedHours
	out.Increment = increment
	out.Cumulative = new(uint256.Int).Set(cumulative)
	return out, nil
}

// FundingPayment is what a position owes for moving its funding index from
// lastIndex to the market's current index: size * (current - last) / 1e18.
// Positive means the position pays. Rounded toward +inf so payers round up
// and receivers round down.
func FundingPayment(size, lastIndex, currentIndex *uint256.Int) (*uint256.Int, error) {
	delta, err := fpmath.SignedSub(currentIndex, lastIndex)
	if err != nil {
		return nil, err
	}
	if delta.IsZero() || size.IsZero() {
		return new(uint256.Int), nil
	}
	return fpmath.SignedMulDivCeil(size, delta, fpmath.WAD())
}
