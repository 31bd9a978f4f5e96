package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/event"
	"PerpVAMM/internal/projection"
	"PerpVAMM/internal/query"
	"PerpVAMM/internal/state"
	"PerpVAMM/internal/vamm"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// --- Request / response bodies ---

// OpenRequest is the JSON body of POST /markets/{marketID}/open
type OpenRequest struct {
	RequestID  string           `json:"request_id"`
	Side       string           `json:"side"`
	Size       *decimal.Decimal `json:"size"`
	Margin     *decimal.Decimal `json:"margin"`
	PriceLimit *decimal.Decimal `json:"price_limit,omitempty"`
}

// CloseRequest is the JSON body of POST /markets/{marketID}/close. An
// omitted size closes the whole position.
type CloseRequest struct {
	RequestID  string           `json:"request_id"`
	Size       *decimal.Decimal `json:"size,omitempty"`
	PriceLimit *decimal.Decimal `json:"price_limit,omitempty"`
}

// MarginRequest is the JSON body of the margin endpoints
type MarginRequest struct {
	RequestID string           `json:"request_id"`
	Amount    *decimal.Decimal `json:"amount"`
}

// LiquidateRequest is the JSON body of POST /markets/{marketID}/liquidate
type LiquidateRequest struct {
	RequestID string           `json:"request_id"`
	UserID    string           `json:"user_id"`
	Size      *decimal.Decimal `json:"size,omitempty"`
}

// RiskParams is the JSON form of a market's risk settings
type RiskParams struct {
	IMRBps     uint64          `json:"imr_bps"`
	MMRBps     uint64          `json:"mmr_bps"`
	PenaltyBps uint64          `json:"penalty_bps"`
	PenaltyCap decimal.Decimal `json:"penalty_cap"`
	MinSize    decimal.Decimal `json:"min_size"`
	MaxSize    decimal.Decimal `json:"max_size"`
}

func newRiskParams(p state.RiskParams) RiskParams {
	return RiskParams{
		IMRBps:     p.IMRBps,
		MMRBps:     p.MMRBps,
		PenaltyBps: p.PenaltyBps,
		PenaltyCap: event.Dec(p.PenaltyCap),
		MinSize:    event.Dec(p.MinSize),
		MaxSize:    event.Dec(p.MaxSize),
	}
}

// MarketResponse is a market with its risk settings
type MarketResponse struct {
	projection.MarketRecord
	Risk RiskParams `json:"risk"`
}

// PositionResponse is a position valued at the current mark
type PositionResponse struct {
	projection.PositionRecord
	Notional       decimal.Decimal `json:"notional"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	Equity         decimal.Decimal `json:"equity"`
	MarginRatioBps decimal.Decimal `json:"margin_ratio_bps"`
	Status         string          `json:"status"`
}

// SwapResponse describes the vAMM leg of a trade
type SwapResponse struct {
	Base      decimal.Decimal `json:"base"`
	Quote     decimal.Decimal `json:"quote"`
	Fee       decimal.Decimal `json:"fee"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	MarkAfter decimal.Decimal `json:"mark_after"`
}

func newSwapResponse(s vamm.SwapResult) SwapResponse {
	return SwapResponse{
		Base:      event.Dec(s.Base),
		Quote:     event.Dec(s.Quote),
		Fee:       event.Dec(s.Fee),
		AvgPrice:  event.Dec(s.AvgPrice),
		MarkAfter: event.Dec(s.MarkAfter),
	}
}

// OpenResponse is returned from a committed open
type OpenResponse struct {
	Position  projection.PositionRecord `json:"position"`
	Swap      SwapResponse              `json:"swap"`
	Deposited decimal.Decimal           `json:"deposited"`
	Sequence  int64                     `json:"sequence"`
}

// CloseResponse is returned from a committed close
type CloseResponse struct {
	Position       projection.PositionRecord `json:"position"`
	Swap           SwapResponse              `json:"swap"`
	ClosedSize     decimal.Decimal           `json:"closed_size"`
	RealizedPnL    decimal.Decimal           `json:"realized_pnl"`
	Fee            decimal.Decimal           `json:"fee"`
	MarginReturned decimal.Decimal           `json:"margin_returned"`
	BadDebt        decimal.Decimal           `json:"bad_debt"`
	InsurancePaid  decimal.Decimal           `json:"insurance_paid"`
	Unpaid         decimal.Decimal           `json:"unpaid"`
	Sequence       int64                     `json:"sequence"`
}

// LiquidationResponse is returned from a committed liquidation
type LiquidationResponse struct {
	Outcome          string                    `json:"outcome"`
	Position         projection.PositionRecord `json:"position"`
	ClosedSize       decimal.Decimal           `json:"closed_size"`
	ExitPrice        decimal.Decimal           `json:"exit_price"`
	Penalty          decimal.Decimal           `json:"penalty"`
	Equity           decimal.Decimal           `json:"equity"`
	LiquidatorReward decimal.Decimal           `json:"liquidator_reward"`
	UserResidual     decimal.Decimal           `json:"user_residual"`
	BadDebt          decimal.Decimal           `json:"bad_debt"`
	InsurancePaid    decimal.Decimal           `json:"insurance_paid"`
	RewardUnpaid     decimal.Decimal           `json:"reward_unpaid"`
	ResidualUnpaid   decimal.Decimal           `json:"residual_unpaid"`
	Sequence         int64                     `json:"sequence"`
}

// FundingResponse describes one funding accrual
type FundingResponse struct {
	MarketID    string          `json:"market_id"`
	Applied     bool            `json:"applied"`
	MarkPrice   decimal.Decimal `json:"mark_price"`
	OraclePrice decimal.Decimal `json:"oracle_price"`
	Rate        decimal.Decimal `json:"rate"`
	Increment   decimal.Decimal `json:"increment"`
	Cumulative  decimal.Decimal `json:"cumulative"`
	Timestamp   time.Time       `json:"timestamp"`
}

// --- Market reads ---

func (s *Server) marketResponse(id string) (MarketResponse, error) {
	view, err := s.deps.Engine.MarketView(id)
	if err != nil {
		return MarketResponse{}, err
	}
	return MarketResponse{
		MarketRecord: projection.NewMarketRecord(view, s.deps.Engine.Sequence()),
		Risk:         newRiskParams(view.Risk),
	}, nil
}

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	out := make([]MarketResponse, 0)
	if s.deps.Markets != nil {
		for _, id := range s.deps.Markets.List() {
			m, err := s.marketResponse(id)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			out = append(out, m)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.marketResponse(chi.URLParam(r, "marketID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// getTwap answers GET /markets/{marketID}/twap?window=1h
func (s *Server) getTwap(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	window := time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.fail(w, r, fmt.Errorf("%w: window %q", core.ErrInvalidRequest, raw))
			return
		}
		window = d
	}
	twap, err := s.deps.Engine.Twap(marketID, window)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"market_id": marketID,
		"window":    window.String(),
		"twap":      event.Dec(twap),
	})
}

func (s *Server) getLiquidations(w http.ResponseWriter, r *http.Request) {
	if s.deps.Query == nil {
		s.fail(w, r, query.ErrUnavailable)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.deps.Query.GetLiquidations(r.Context(), chi.URLParam(r, "marketID"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getInsurance(w http.ResponseWriter, r *http.Request) {
	stats := s.deps.Engine.Insurance()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance":        event.Dec(stats.Balance),
		"total_received": event.Dec(stats.TotalReceived),
		"total_paid":     event.Dec(stats.TotalPaid),
	})
}

// --- Position reads ---

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	user, err := userParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	pos := s.deps.Engine.Position(marketID, user)
	if pos == nil || pos.IsFlat() {
		s.fail(w, r, fmt.Errorf("%w: %s/%s", core.ErrNoPosition, marketID, user))
		return
	}
	snap, err := s.deps.Engine.MarginRatio(marketID, user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PositionResponse{
		PositionRecord: projection.NewPositionRecord(pos, s.deps.Engine.Sequence()),
		Notional:       event.Dec(snap.Notional),
		UnrealizedPnL:  event.SDec(snap.UnrealizedPnL),
		Equity:         event.SDec(snap.Equity),
		// RatioBps is an integer, not WAD
		MarginRatioBps: event.SDec(snap.RatioBps).Shift(18),
		Status:         snap.Status.String(),
	})
}

func (s *Server) getLiquidatable(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	user, err := userParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok, err := s.deps.Engine.IsLiquidatable(r.Context(), marketID, user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"market_id":    marketID,
		"user_id":      user,
		"liquidatable": ok,
	})
}

func (s *Server) getFundingHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Query == nil {
		s.fail(w, r, query.ErrUnavailable)
		return
	}
	user, err := userParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.deps.Query.GetFundingHistory(r.Context(), user, chi.URLParam(r, "marketID"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getUserPositions(w http.ResponseWriter, r *http.Request) {
	user, err := userParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	seq := s.deps.Engine.Sequence()
	out := make([]projection.PositionRecord, 0)
	for _, pos := range s.deps.Engine.UserPositions(user) {
		if pos.IsFlat() {
			continue
		}
		out = append(out, projection.NewPositionRecord(pos, seq))
	}
	writeJSON(w, http.StatusOK, out)
}

// getBalance answers GET /users/{userID}/balance?token=USDC
func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Query == nil {
		s.fail(w, r, query.ErrUnavailable)
		return
	}
	user, err := userParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		s.fail(w, r, fmt.Errorf("%w: token is required", core.ErrInvalidRequest))
		return
	}
	resp, err := s.deps.Query.GetBalance(r.Context(), user, token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// getJournal answers GET /users/{userID}/journal?limit=&before=<sequence>
func (s *Server) getJournal(w http.ResponseWriter, r *http.Request) {
	if s.deps.Query == nil {
		s.fail(w, r, query.ErrUnavailable)
		return
	}
	user, err := userParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var before *int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.fail(w, r, fmt.Errorf("%w: before %q", core.ErrInvalidRequest, raw))
			return
		}
		before = &seq
	}
	entries, err := s.deps.Query.GetJournalHistory(r.Context(), user, limit, before)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Trading ---

func (s *Server) openPosition(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body OpenRequest
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	side, ok := event.ParseSide(body.Side)
	if !ok {
		s.fail(w, r, fmt.Errorf("%w: side must be long or short", core.ErrInvalidRequest))
		return
	}
	req := core.OpenRequest{
		RequestID: body.RequestID,
		MarketID:  chi.URLParam(r, "marketID"),
		Side:      side,
	}
	var err error
	if req.Size, err = wad("size", body.Size); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Margin, err = wad("margin", body.Margin); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.PriceLimit, err = wad("price_limit", body.PriceLimit); err != nil {
		s.fail(w, r, err)
		return
	}

	res, err := s.deps.Engine.OpenPosition(r.Context(), ac, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	seq := s.deps.Engine.Sequence()
	writeJSON(w, http.StatusOK, OpenResponse{
		Position:  projection.NewPositionRecord(res.Position, seq),
		Swap:      newSwapResponse(res.Swap),
		Deposited: event.Dec(res.Deposited),
		Sequence:  seq,
	})
}

func (s *Server) closePosition(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body CloseRequest
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	req := core.CloseRequest{
		RequestID: body.RequestID,
		MarketID:  chi.URLParam(r, "marketID"),
	}
	var err error
	if req.Size, err = wad("size", body.Size); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.PriceLimit, err = wad("price_limit", body.PriceLimit); err != nil {
		s.fail(w, r, err)
		return
	}

	res, err := s.deps.Engine.ClosePosition(r.Context(), ac, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	seq := s.deps.Engine.Sequence()
	writeJSON(w, http.StatusOK, CloseResponse{
		Position:       projection.NewPositionRecord(res.Position, seq),
		Swap:           newSwapResponse(res.Swap),
		ClosedSize:     event.Dec(res.ClosedSize),
		RealizedPnL:    event.SDec(res.RealizedPnL),
		Fee:            event.Dec(res.Fee),
		MarginReturned: event.Dec(res.MarginReturned),
		BadDebt:        event.Dec(res.BadDebt),
		InsurancePaid:  event.Dec(res.InsurancePaid),
		Unpaid:         event.Dec(res.Unpaid),
		Sequence:       seq,
	})
}

func (s *Server) marginBody(r *http.Request) (core.MarginRequest, error) {
	var body MarginRequest
	if err := decodeBody(r, &body); err != nil {
		return core.MarginRequest{}, err
	}
	amount, err := wad("amount", body.Amount)
	if err != nil {
		return core.MarginRequest{}, err
	}
	return core.MarginRequest{
		RequestID: body.RequestID,
		MarketID:  chi.URLParam(r, "marketID"),
		Amount:    amount,
	}, nil
}

func (s *Server) addMargin(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.caller(w, r)
	if !ok {
		return
	}
	req, err := s.marginBody(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	added, err := s.deps.Engine.AddMargin(r.Context(), ac, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"added":    event.Dec(added),
		"sequence": s.deps.Engine.Sequence(),
	})
}

func (s *Server) removeMargin(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.caller(w, r)
	if !ok {
		return
	}
	req, err := s.marginBody(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.deps.Engine.RemoveMargin(r.Context(), ac, req); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed":  event.Dec(req.Amount),
		"sequence": s.deps.Engine.Sequence(),
	})
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body LiquidateRequest
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	target, err := parseUser(body.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	req := core.LiquidateRequest{
		RequestID: body.RequestID,
		MarketID:  chi.URLParam(r, "marketID"),
		User:      target,
	}
	if req.Size, err = wad("size", body.Size); err != nil {
		s.fail(w, r, err)
		return
	}

	res, err := s.deps.Engine.Liquidate(r.Context(), ac, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	seq := s.deps.Engine.Sequence()
	writeJSON(w, http.StatusOK, LiquidationResponse{
		Outcome:          res.Outcome,
		Position:         projection.NewPositionRecord(res.Position, seq),
		ClosedSize:       event.Dec(res.ClosedSize),
		ExitPrice:        event.Dec(res.ExitPrice),
		Penalty:          event.Dec(res.Penalty),
		Equity:           event.SDec(res.Equity),
		LiquidatorReward: event.Dec(res.LiquidatorReward),
		UserResidual:     event.Dec(res.UserResidual),
		BadDebt:          event.Dec(res.BadDebt),
		InsurancePaid:    event.Dec(res.InsurancePaid),
		RewardUnpaid:     event.Dec(res.RewardUnpaid),
		ResidualUnpaid:   event.Dec(res.ResidualUnpaid),
		Sequence:         seq,
	})
}

func (s *Server) pokeFunding(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	acc, err := s.deps.Engine.PokeFunding(r.Context(), marketID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FundingResponse{
		MarketID:    marketID,
		Applied:     acc.Applied,
		MarkPrice:   event.Dec(acc.MarkPrice),
		OraclePrice: event.Dec(acc.OraclePrice),
		Rate:        event.SDec(acc.Rate),
		Increment:   event.SDec(acc.Increment),
		Cumulative:  event.SDec(acc.Cumulative),
		Timestamp:   acc.Timestamp,
	})
}
