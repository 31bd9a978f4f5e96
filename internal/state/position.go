package state

import (
	fpmath "PerpVAMM/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Position represents a user's position in a market. Size, LastFundingIndex
// and RealizedPnL are signed (int256); Margin and EntryPrice are unsigned.
type Position struct {
	MarketID         string
	UserID           uuid.UUID
	Size             *uint256.Int // positive long, negative short
	Margin           *uint256.Int
	EntryPrice       *uint256.Int
	LastFundingIndex *uint256.Int
	RealizedPnL      *uint256.Int
	Version          int64
}

// NewPosition returns a flat position record
func NewPosition(marketID string, userID uuid.UUID) *Position {
	return &Position{
		MarketID:         marketID,
		UserID:           userID,
		Size:             new(uint256.Int),
		Margin:           new(uint256.Int),
		EntryPrice:       new(uint256.Int),
		LastFundingIndex: new(uint256.Int),
		RealizedPnL:      new(uint256.Int),
	}
}

// IsFlat returns true if position has no exposure
func (p *Position) IsFlat() bool {
	return p.Size.IsZero()
}

func (p *Position) IsLong() bool {
	return fpmath.IsPositive(p.Size)
}

func (p *Position) AbsSize() *uint256.Int {
	return fpmath.Abs(p.Size)
}

// Clone returns a deep copy
func (p *Position) Clone() *Position {
	return &Position{
		MarketID:         p.MarketID,
		UserID:           p.UserID,
		Size:             new(uint256.Int).Set(p.Size),
		Margin:           new(uint256.Int).Set(p.Margin),
		EntryPrice:       new(uint256.Int).Set(p.EntryPrice),
		LastFundingIndex: new(uint256.Int).Set(p.LastFundingIndex),
		RealizedPnL:      new(uint256.Int).Set(p.RealizedPnL),
		Version:          p.Version,
	}
}

// Reset zeroes exposure and collateral. Realized PnL is history and stays.
func (p *Position) Reset() {
	p.Size.Clear()
	p.Margin.Clear()
	p.EntryPrice.Clear()
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 16+1+len(p.MarketID)+5*32+8)

	buf = append(buf, p.UserID[:]...)
	buf = append(buf, byte(len(p.MarketID)))
	buf = append(buf, []byte(p.MarketID)...)

	for _, v := range []*uint256.Int{p.Size, p.Margin, p.EntryPrice, p.LastFundingIndex, p.RealizedPnL} {
		word := v.Bytes32()
		buf = append(buf, word[:]...)
	}

	return appendInt64LE(buf, p.Version)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
