package market

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"PerpVAMM/internal/auth"
	"PerpVAMM/internal/state"
	"PerpVAMM/internal/vamm"
)

var (
	ErrUnknownMarket = errors.New("unknown market")
	ErrMarketExists  = errors.New("market already registered")
)

// Market binds a pool to its feed, collateral token and risk settings
type Market struct {
	ID        string
	Token     string // collateral token symbol on the ledger
	FeedAsset string // asset id on the price feed
	FeeBps    uint64
	Paused    bool
	Risk      state.RiskParams
	Pool      *vamm.Pool
}

// Registry resolves markets by id
type Registry interface {
	GetMarket(id string) (*Market, error)
}

// MemoryRegistry is the in-process market table
type MemoryRegistry struct {
	mu      sync.RWMutex
	markets map[string]*Market
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{markets: make(map[string]*Market)}
}

// Register adds a market after validating its risk parameters
func (r *MemoryRegistry) Register(m *Market) error {
	if m.ID == "" || m.Pool == nil {
		return fmt.Errorf("market needs an id and a pool")
	}
	if m.FeeBps >= 10_000 {
		return fmt.Errorf("market %s: fee %d bps out of range", m.ID, m.FeeBps)
	}
	if err := state.ValidateRiskParams(m.Risk); err != nil {
		return fmt.Errorf("invalid risk params for %s: %w", m.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.markets[m.ID]; ok {
		return fmt.Errorf("%w: %s", ErrMarketExists, m.ID)
	}
	r.markets[m.ID] = m
	return nil
}

// GetMarket returns a copy of the market's settings sharing the live pool
func (r *MemoryRegistry) GetMarket(id string) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, id)
	}
	cp := *m
	return &cp, nil
}

// SetPaused flips the pause flag. Admin only.
func (r *MemoryRegistry) SetPaused(ac auth.Context, id string, paused bool) error {
	if err := ac.Require(auth.RoleAdmin); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.markets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMarket, id)
	}
	m.Paused = paused
	return nil
}

// UpdateRisk replaces a market's risk parameters. Admin only.
func (r *MemoryRegistry) UpdateRisk(ac auth.Context, id string, params state.RiskParams) error {
	if err := ac.Require(auth.RoleAdmin); err != nil {
		return err
	}
	if err := state.ValidateRiskParams(params); err != nil {
		return fmt.Errorf("invalid risk params for %s: %w", id, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.markets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMarket, id)
	}
	m.Risk = params
	return nil
}

// List returns market ids in sorted order
func (r *MemoryRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.markets))
	for id := range r.markets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
