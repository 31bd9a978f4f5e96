package projection

import (
	"fmt"
	"strconv"
	"time"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/event"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/state"

	"github.com/google/uuid"
)

// MarketRecord is the projected view of one market. WAD values are decimal
// strings.
type MarketRecord struct {
	ID                string    `json:"id"`
	Token             string    `json:"token"`
	Paused            bool      `json:"paused"`
	FeeBps            uint64    `json:"fee_bps"`
	BaseReserve       string    `json:"base_reserve"`
	QuoteReserve      string    `json:"quote_reserve"`
	MarkPrice         string    `json:"mark_price"`
	Twap              string    `json:"twap"`
	CumulativeFunding string    `json:"cumulative_funding"`
	LastFundingAt     time.Time `json:"last_funding_at"`
	ActivePositions   int       `json:"active_positions"`
	Sequence          int64     `json:"sequence"`
}

// NewMarketRecord renders an engine market view
func NewMarketRecord(v core.MarketView, seq int64) MarketRecord {
	return MarketRecord{
		ID:                v.ID,
		Token:             v.Token,
		Paused:            v.Paused,
		FeeBps:            v.FeeBps,
		BaseReserve:       event.Dec(v.Pool.BaseReserve).String(),
		QuoteReserve:      event.Dec(v.Pool.QuoteReserve).String(),
		MarkPrice:         event.Dec(v.Pool.MarkPrice).String(),
		Twap:              event.Dec(v.Twap).String(),
		CumulativeFunding: event.SDec(v.Pool.CumulativeFunding).String(),
		LastFundingAt:     v.Pool.LastFundingTime,
		ActivePositions:   v.Active,
		Sequence:          seq,
	}
}

func (r MarketRecord) fields() map[string]interface{} {
	return map[string]interface{}{
		"id":                 r.ID,
		"token":              r.Token,
		"paused":             strconv.FormatBool(r.Paused),
		"fee_bps":            strconv.FormatUint(r.FeeBps, 10),
		"base_reserve":       r.BaseReserve,
		"quote_reserve":      r.QuoteReserve,
		"mark_price":         r.MarkPrice,
		"twap":               r.Twap,
		"cumulative_funding": r.CumulativeFunding,
		"last_funding_at":    r.LastFundingAt.UTC().Format(time.RFC3339Nano),
		"active_positions":   strconv.Itoa(r.ActivePositions),
		"sequence":           strconv.FormatInt(r.Sequence, 10),
	}
}

func marketFromHash(h map[string]string) (MarketRecord, error) {
	r := MarketRecord{
		ID:                h["id"],
		Token:             h["token"],
		BaseReserve:       h["base_reserve"],
		QuoteReserve:      h["quote_reserve"],
		MarkPrice:         h["mark_price"],
		Twap:              h["twap"],
		CumulativeFunding: h["cumulative_funding"],
	}
	var err error
	if r.Paused, err = strconv.ParseBool(h["paused"]); err != nil {
		return r, fmt.Errorf("market %s paused: %w", r.ID, err)
	}
	if r.FeeBps, err = strconv.ParseUint(h["fee_bps"], 10, 64); err != nil {
		return r, fmt.Errorf("market %s fee_bps: %w", r.ID, err)
	}
	if r.LastFundingAt, err = time.Parse(time.RFC3339Nano, h["last_funding_at"]); err != nil {
		return r, fmt.Errorf("market %s last_funding_at: %w", r.ID, err)
	}
	if r.ActivePositions, err = strconv.Atoi(h["active_positions"]); err != nil {
		return r, fmt.Errorf("market %s active_positions: %w", r.ID, err)
	}
	if r.Sequence, err = strconv.ParseInt(h["sequence"], 10, 64); err != nil {
		return r, fmt.Errorf("market %s sequence: %w", r.ID, err)
	}
	return r, nil
}

// PositionRecord is the projected view of one position
type PositionRecord struct {
	MarketID         string    `json:"market_id"`
	UserID           uuid.UUID `json:"user_id"`
	Side             string    `json:"side"`
	Size             string    `json:"size"`
	Margin           string    `json:"margin"`
	EntryPrice       string    `json:"entry_price"`
	RealizedPnL      string    `json:"realized_pnl"`
	LastFundingIndex string    `json:"last_funding_index"`
	Version          int64     `json:"version"`
	Sequence         int64     `json:"sequence"`
}

// NewPositionRecord renders an engine position
func NewPositionRecord(p *state.Position, seq int64) PositionRecord {
	return PositionRecord{
		MarketID:         p.MarketID,
		UserID:           p.UserID,
		Side:             sideOf(p),
		Size:             event.SDec(p.Size).String(),
		Margin:           event.Dec(p.Margin).String(),
		EntryPrice:       event.Dec(p.EntryPrice).String(),
		RealizedPnL:      event.SDec(p.RealizedPnL).String(),
		LastFundingIndex: event.SDec(p.LastFundingIndex).String(),
		Version:          p.Version,
		Sequence:         seq,
	}
}

func sideOf(p *state.Position) string {
	switch {
	case p.Size == nil || p.Size.IsZero():
		return "flat"
	case fpmath.IsNegative(p.Size):
		return event.SideShort.String()
	default:
		return event.SideLong.String()
	}
}

func (r PositionRecord) fields() map[string]interface{} {
	return map[string]interface{}{
		"market_id":          r.MarketID,
		"user_id":            r.UserID.String(),
		"side":               r.Side,
		"size":               r.Size,
		"margin":             r.Margin,
		"entry_price":        r.EntryPrice,
		"realized_pnl":       r.RealizedPnL,
		"last_funding_index": r.LastFundingIndex,
		"version":            strconv.FormatInt(r.Version, 10),
		"sequence":           strconv.FormatInt(r.Sequence, 10),
	}
}

func positionFromHash(h map[string]string) (PositionRecord, error) {
	r := PositionRecord{
		MarketID:         h["market_id"],
		Side:             h["side"],
		Size:             h["size"],
		Margin:           h["margin"],
		EntryPrice:       h["entry_price"],
		RealizedPnL:      h["realized_pnl"],
		LastFundingIndex: h["last_funding_index"],
	}
	var err error
	if r.UserID, err = uuid.Parse(h["user_id"]); err != nil {
		return r, fmt.Errorf("position user_id: %w", err)
	}
	if r.Version, err = strconv.ParseInt(h["version"], 10, 64); err != nil {
		return r, fmt.Errorf("position version: %w", err)
	}
	if r.Sequence, err = strconv.ParseInt(h["sequence"], 10, 64); err != nil {
		return r, fmt.Errorf("position sequence: %w", err)
	}
	return r, nil
}

// FundingRecord is one settled funding payment. Payment is positive when
// the position paid.
type FundingRecord struct {
	MarketID  string    `json:"market_id"`
	UserID    uuid.UUID `json:"user_id"`
	Payment   string    `json:"payment"`
	Index     string    `json:"index"`
	Shortfall string    `json:"shortfall"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// LiquidationRecord is one executed liquidation
type LiquidationRecord struct {
	MarketID      string    `json:"market_id"`
	UserID        uuid.UUID `json:"user_id"`
	Liquidator    uuid.UUID `json:"liquidator"`
	Outcome       string    `json:"outcome"`
	ClosedSize    string    `json:"closed_size"`
	Penalty       string    `json:"penalty"`
	BadDebt       string    `json:"bad_debt"`
	InsurancePaid string    `json:"insurance_paid"`
	Sequence      int64     `json:"sequence"`
	Timestamp     time.Time `json:"timestamp"`
}
