package vamm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	fpmath "PerpVAMM/internal/math"

	"github.com/holiman/uint256"
)

var (
	ErrInvalidConfig       = errors.New("invalid pool config")
	ErrZeroSize            = errors.New("swap size must be positive")
	ErrInsufficientReserve = errors.New("swap would exhaust a reserve")
	ErrSlippage            = errors.New("price limit breached")
	ErrConstantProduct     = errors.New("constant product below liquidity floor")
)

// Config seeds a pool. Reserves are WAD-scaled virtual amounts.
type Config struct {
	BaseReserve          *uint256.Int
	QuoteReserve         *uint256.Int
	KFunding             *uint256.Int // WAD multiplier applied to the premium
	MaxFundingBpsPerHour uint64
	StartTime            time.Time
}

// Pool is the virtual constant-product market for one perpetual
type Pool struct {
	mu sync.RWMutex
	st poolState
}

// poolState holds only value types so a snapshot is a plain copy
type poolState struct {
	base      uint256.Int
	quote     uint256.Int
	liquidity uint256.Int // sqrt(k) at init

	kFunding          uint256.Int
	maxFundingRate    uint256.Int // WAD per hour
	cumulativeFunding uint256.Int // int256, quote per base unit
	lastFundingTime   int64       // unix seconds

	observations [ObservationSlots]observation
	cursor       int
	count        int

	feeGrowth uint256.Int
}

// Snapshot is an opaque copy of pool state for rollback
type Snapshot struct {
	st poolState
}

// PoolView is a read model of the pool
type PoolView struct {
	BaseReserve       *uint256.Int
	QuoteReserve      *uint256.Int
	Liquidity         *uint256.Int
	MarkPrice         *uint256.Int
	CumulativeFunding *uint256.Int
	LastFundingTime   time.Time
	FeeGrowth         *uint256.Int
	Observations      int
}

func NewPool(cfg Config) (*Pool, error) {
	if cfg.BaseReserve == nil || cfg.QuoteReserve == nil || cfg.BaseReserve.IsZero() || cfg.QuoteReserve.IsZero() {
		return nil, fmt.Errorf("%w: reserves must be positive", ErrInvalidConfig)
	}
	if cfg.MaxFundingBpsPerHour > fpmath.BpsScale {
		return nil, fmt.Errorf("%w: max funding %d bps/h exceeds 100%%", ErrInvalidConfig, cfg.MaxFundingBpsPerHour)
	}
	k, overflow := new(uint256.Int).MulOverflow(cfg.BaseReserve, cfg.QuoteReserve)
	if overflow {
		return nil, fmt.Errorf("%w: reserve product overflows", ErrInvalidConfig)
	}
	maxRate, err := fpmath.MulBps(fpmath.WAD(), cfg.MaxFundingBpsPerHour)
	if err != nil {
		return nil, err
	}

	p := &Pool{}
	p.st.base.Set(cfg.BaseReserve)
	p.st.quote.Set(cfg.QuoteReserve)
	p.st.liquidity.Set(fpmath.Sqrt(k))
	if cfg.KFunding != nil {
		p.st.kFunding.Set(cfg.KFunding)
	} else {
		p.st.kFunding.Set(fpmath.WAD())
	}
	p.st.maxFundingRate.Set(maxRate)
	p.st.lastFundingTime = cfg.StartTime.Unix()
	return p, nil
}

// MarkPrice returns quote * 1e18 / base
func (p *Pool) MarkPrice() *uint256.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.st.markPrice()
}

func (s *poolState) markPrice() *uint256.Int {
	// base is never zero: the reserve floor is enforced on every swap
	m, _ := fpmath.MulDiv(&s.quote, fpmath.WAD(), &s.base)
	return m
}

// CumulativeFunding returns the signed funding index
func (p *Pool) CumulativeFunding() *uint256.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(uint256.Int).Set(&p.st.cumulativeFunding)
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{st: p.st}
}

func (p *Pool) Restore(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.st = s.st
}

func (p *Pool) View() PoolView {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PoolView{
		BaseReserve:       new(uint256.Int).Set(&p.st.base),
		QuoteReserve:      new(uint256.Int).Set(&p.st.quote),
		Liquidity:         new(uint256.Int).Set(&p.st.liquidity),
		MarkPrice:         p.st.markPrice(),
		CumulativeFunding: new(uint256.Int).Set(&p.st.cumulativeFunding),
		LastFundingTime:   time.Unix(p.st.lastFundingTime, 0).UTC(),
		FeeGrowth:         new(uint256.Int).Set(&p.st.feeGrowth),
		Observations:      p.st.count,
	}
}

// checkInvariants verifies the reserve floor and base*quote >= L^2
func (s *poolState) checkInvariants() error {
	if s.base.IsZero() || s.quote.IsZero() {
		return ErrInsufficientReserve
	}
	k, overflow := new(uint256.Int).MulOverflow(&s.base, &s.quote)
	if overflow {
		return nil
	}
	l2 := new(uint256.Int).Mul(&s.liquidity, &s.liquidity)
	if k.Lt(l2) {
		return ErrConstantProduct
	}
	return nil
}
