package oracle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

var (
	ErrNoPrice    = errors.New("no price for asset")
	ErrStalePrice = errors.New("stale oracle price")
)

// Price is a WAD-scaled reference price and the time it was published
type Price struct {
	Value     *uint256.Int
	UpdatedAt time.Time
}

// PriceFeed supplies the current reference price per asset
type PriceFeed interface {
	GetPrice(assetID string) (Price, error)
}

// Fresh fetches a price and rejects it if it is older than maxAge at now.
// A zero maxAge disables the staleness check.
func Fresh(feed PriceFeed, assetID string, maxAge time.Duration, now time.Time) (*uint256.Int, error) {
	p, err := feed.GetPrice(assetID)
	if err != nil {
		return nil, err
	}
	if p.Value == nil || p.Value.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, assetID)
	}
	if maxAge > 0 && now.Sub(p.UpdatedAt) > maxAge {
		return nil, fmt.Errorf("%w: %s last updated %s ago (max %s)",
			ErrStalePrice, assetID, now.Sub(p.UpdatedAt).Truncate(time.Second), maxAge)
	}
	return new(uint256.Int).Set(p.Value), nil
}

// StaticFeed is a settable feed for bootstrapping and tests
type StaticFeed struct {
	mu     sync.RWMutex
	prices map[string]Price
}

func NewStaticFeed() *StaticFeed {
	return &StaticFeed{prices: make(map[string]Price)}
}

func (f *StaticFeed) Set(assetID string, value *uint256.Int, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[assetID] = Price{Value: new(uint256.Int).Set(value), UpdatedAt: at}
}

func (f *StaticFeed) GetPrice(assetID string) (Price, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[assetID]
	if !ok {
		return Price{}, fmt.Errorf("%w: %s", ErrNoPrice, assetID)
	}
	return Price{Value: new(uint256.Int).Set(p.Value), UpdatedAt: p.UpdatedAt}, nil
}
