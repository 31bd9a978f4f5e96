package core

import (
	"time"

	"PerpVAMM/internal/state"
	"PerpVAMM/internal/vamm"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// MarketView is a consistent read of one market
type MarketView struct {
	ID        string
	Token     string
	FeedAsset string
	FeeBps    uint64
	Paused    bool
	Risk      state.RiskParams
	Pool      vamm.PoolView
	Twap      *uint256.Int
	Active    int
}

// MarketView reads a market between operations
func (e *Engine) MarketView(marketID string) (MarketView, error) {
	m, err := e.registry.GetMarket(marketID)
	if err != nil {
		return MarketView{}, err
	}
	unlock := e.lock(m.ID)
	defer unlock()

	return MarketView{
		ID:        m.ID,
		Token:     m.Token,
		FeedAsset: m.FeedAsset,
		FeeBps:    m.FeeBps,
		Paused:    m.Paused,
		Risk:      m.Risk,
		Pool:      m.Pool.View(),
		Twap:      m.Pool.Twap(e.cfg.TwapWindow, e.clock.Now()),
		Active:    len(e.positions.Active(m.ID)),
	}, nil
}

// Twap returns the market's time-weighted mark over window ending now
func (e *Engine) Twap(marketID string, window time.Duration) (*uint256.Int, error) {
	m, err := e.registry.GetMarket(marketID)
	if err != nil {
		return nil, err
	}
	unlock := e.lock(m.ID)
	defer unlock()
	return m.Pool.Twap(window, e.clock.Now()), nil
}

// Position returns a copy of a position, or nil if the user never traded
// the market.
func (e *Engine) Position(marketID string, user uuid.UUID) *state.Position {
	unlock := e.lock(marketID)
	defer unlock()
	return e.positions.Get(marketID, user)
}

// MarginRatio values a position at the current mark without settling funding
func (e *Engine) MarginRatio(marketID string, user uuid.UUID) (state.MarginSnapshot, error) {
	m, err := e.registry.GetMarket(marketID)
	if err != nil {
		return state.MarginSnapshot{}, err
	}
	unlock := e.lock(m.ID)
	defer unlock()

	pos := e.positions.Get(m.ID, user)
	if pos == nil {
		return state.MarginSnapshot{}, ErrNoPosition
	}
	return state.ComputeMargin(pos, m.Pool.MarkPrice(), m.Risk)
}

// UserPositions returns copies of a user's open positions
func (e *Engine) UserPositions(user uuid.UUID) []*state.Position {
	out := make([]*state.Position, 0)
	for _, id := range e.positions.UserMarkets(user) {
		if pos := e.Position(id, user); pos != nil {
			out = append(out, pos)
		}
	}
	return out
}

// Insurance reports the insurance fund's accounting
func (e *Engine) Insurance() state.InsuranceStats {
	return e.insurance.Stats()
}
