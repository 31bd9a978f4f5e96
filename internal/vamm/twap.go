package vamm

import (
	"time"

	fpmath "PerpVAMM/internal/math"

	"github.com/holiman/uint256"
)

// ObservationSlots is the size of the TWAP ring buffer
const ObservationSlots = 64

// observation stores the running sum of price*seconds up to timestamp.
// The sum wraps modulo 2^256; only differences are ever read.
type observation struct {
	timestamp  int64
	cumulative uint256.Int
}

// Observe records the current price into the ring without trading
func (p *Pool) Observe(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.st.observe(now.Unix())
}

func (s *poolState) observe(now int64) {
	if s.count == 0 {
		s.observations[0] = observation{timestamp: now}
		s.cursor = 0
		s.count = 1
		return
	}

	last := &s.observations[s.cursor]
	if now <= last.timestamp {
		// same second, or a clock that went backwards: keep the latest slot
		return
	}
	cum := s.cumulativeAt(now)
	s.cursor = (s.cursor + 1) % ObservationSlots
	s.observations[s.cursor] = observation{timestamp: now, cumulative: *cum}
	if s.count < ObservationSlots {
		s.count++
	}
}

// cumulativeAt extrapolates the latest observation to t at the current mark
func (s *poolState) cumulativeAt(t int64) *uint256.Int {
	last := &s.observations[s.cursor]
	dt := uint256.NewInt(uint64(t - last.timestamp))
	acc := new(uint256.Int).Mul(s.markPrice(), dt)
	return acc.Add(acc, &last.cumulative)
}

// at returns the i-th observation counting from the oldest
func (s *poolState) at(i int) *observation {
	oldest := (s.cursor - s.count + 1 + ObservationSlots) % ObservationSlots
	return &s.observations[(oldest+i)%ObservationSlots]
}

// Twap returns the time-weighted mark price over [now-window, now]. When the
// ring holds nothing usable inside the window it returns the current mark.
func (p *Pool) Twap(window time.Duration, now time.Time) *uint256.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.st.twap(int64(window/time.Second), now.Unix())
}

func (s *poolState) twap(window, now int64) *uint256.Int {
	mark := s.markPrice()
	if window <= 0 || s.count == 0 {
		return mark
	}
	latest := &s.observations[s.cursor]
	if now < latest.timestamp {
		return mark
	}

	target := now - window
	startTs, startCum, ok := s.cumulativeFrom(target, now)
	if !ok || startTs >= now {
		return mark
	}

	end := s.cumulativeAt(now)
	sum := new(uint256.Int).Sub(end, startCum)
	return sum.Div(sum, uint256.NewInt(uint64(now-startTs)))
}

// cumulativeFrom finds the cumulative value at target, interpolating between
// the two observations that straddle it. If target predates the ring, the
// oldest observation inside the window is used instead.
func (s *poolState) cumulativeFrom(target, now int64) (int64, *uint256.Int, bool) {
	latest := &s.observations[s.cursor]
	if target >= latest.timestamp {
		return target, s.cumulativeAt(target), true
	}

	for i := s.count - 1; i >= 0; i-- {
		obs := s.at(i)
		if obs.timestamp > target {
			continue
		}
		if obs.timestamp == target {
			return target, new(uint256.Int).Set(&obs.cumulative), true
		}
		// obs < target < next: the price between them was constant
		next := s.at(i + 1)
		span := uint256.NewInt(uint64(next.timestamp - obs.timestamp))
		diff := new(uint256.Int).Sub(&next.cumulative, &obs.cumulative)
		part, err := fpmath.MulDiv(diff, uint256.NewInt(uint64(target-obs.timestamp)), span)
		if err != nil {
			return 0, nil, false
		}
		return target, part.Add(part, &obs.cumulative), true
	}

	oldest := s.at(0)
	if oldest.timestamp > now {
		return 0, nil, false
	}
	return oldest.timestamp, new(uint256.Int).Set(&oldest.cumulative), true
}
