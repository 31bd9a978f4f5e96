package server

import (
	"encoding/hex"
	"fmt"
	"net/http"

	"PerpVAMM/internal/auth"
	"PerpVAMM/internal/core"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/query"
	"PerpVAMM/internal/state"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// PauseRequest is the JSON body of POST /admin/markets/{marketID}/pause
type PauseRequest struct {
	Paused bool `json:"paused"`
}

// CommitRequest carries a hex-encoded 32-byte commitment
type CommitRequest struct {
	Commitment string `json:"commitment"`
}

// WalletRequest is the JSON body of the admin wallet deposit and withdraw
// routes
type WalletRequest struct {
	Token  string           `json:"token"`
	Amount *decimal.Decimal `json:"amount"`
}

// RevealRequest carries the revealed price and the hex-encoded salt
type RevealRequest struct {
	Price *decimal.Decimal `json:"price"`
	Salt  string           `json:"salt"`
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body PauseRequest
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	marketID := chi.URLParam(r, "marketID")
	if err := s.deps.Engine.SetPaused(ac, marketID, body.Paused); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"market_id": marketID,
		"paused":    body.Paused,
	})
}

func (s *Server) updateRisk(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body RiskParams
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	params := state.RiskParams{
		IMRBps:     body.IMRBps,
		MMRBps:     body.MMRBps,
		PenaltyBps: body.PenaltyBps,
	}
	var err error
	if params.PenaltyCap, err = wad("penalty_cap", &body.PenaltyCap); err != nil {
		s.fail(w, r, err)
		return
	}
	if params.MinSize, err = wad("min_size", &body.MinSize); err != nil {
		s.fail(w, r, err)
		return
	}
	if params.MaxSize, err = wad("max_size", &body.MaxSize); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := state.ValidateRiskParams(params); err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", core.ErrInvalidRequest, err))
		return
	}

	marketID := chi.URLParam(r, "marketID")
	if err := s.deps.Engine.UpdateRisk(ac, marketID, params); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRiskParams(params))
}

// injectCommit pushes an operator commitment through the oracle pipeline
func (s *Server) injectCommit(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.caller(w, r)
	if !ok {
		return
	}
	if err := ac.Require(auth.RoleAdmin); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.deps.Ingest == nil {
		s.fail(w, r, query.ErrUnavailable)
		return
	}
	var body CommitRequest
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	raw, err := hex.DecodeString(body.Commitment)
	if err != nil || len(raw) != 32 {
		s.fail(w, r, fmt.Errorf("%w: commitment must be 32 hex-encoded bytes", core.ErrInvalidRequest))
		return
	}
	var commitment [32]byte
	copy(commitment[:], raw)

	asset := chi.URLParam(r, "asset")
	if err := s.deps.Ingest.InjectCommit(r.Context(), asset, commitment); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"asset": asset, "status": "queued"})
}

// injectReveal pushes an operator reveal through the oracle pipeline
func (s *Server) injectReveal(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.caller(w, r)
	if !ok {
		return
	}
	if err := ac.Require(auth.RoleAdmin); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.deps.Ingest == nil {
		s.fail(w, r, query.ErrUnavailable)
		return
	}
	var body RevealRequest
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	price, err := wad("price", body.Price)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if price == nil || price.IsZero() {
		s.fail(w, r, fmt.Errorf("%w: price must be positive", core.ErrInvalidRequest))
		return
	}
	salt, err := hex.DecodeString(body.Salt)
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: salt must be hex", core.ErrInvalidRequest))
		return
	}

	asset := chi.URLParam(r, "asset")
	if err := s.deps.Ingest.InjectReveal(r.Context(), asset, price, salt); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"asset": asset, "status": "queued"})
}

func (s *Server) depositWallet(w http.ResponseWriter, r *http.Request) {
	s.moveWallet(w, r, func(user uuid.UUID, token string, amount *uint256.Int) error {
		return s.deps.Wallets.Deposit(user, token, amount)
	})
}

func (s *Server) withdrawWallet(w http.ResponseWriter, r *http.Request) {
	s.moveWallet(w, r, func(user uuid.UUID, token string, amount *uint256.Int) error {
		return s.deps.Wallets.Withdraw(user, token, amount)
	})
}

func (s *Server) moveWallet(w http.ResponseWriter, r *http.Request, move func(uuid.UUID, string, *uint256.Int) error) {
	ac, ok := s.caller(w, r)
	if !ok {
		return
	}
	if err := ac.Require(auth.RoleAdmin); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.deps.Wallets == nil {
		s.fail(w, r, query.ErrUnavailable)
		return
	}
	user, err := userParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body WalletRequest
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	amount, err := wad("amount", body.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if amount == nil {
		s.fail(w, r, fmt.Errorf("%w: amount is required", core.ErrInvalidRequest))
		return
	}
	if err := move(user, body.Token, amount); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": user,
		"token":   body.Token,
		"balance": fpmath.ToDecimal(s.deps.Wallets.Balance(user, body.Token)),
	})
}

func (s *Server) verifyIntegrity(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.caller(w, r)
	if !ok {
		return
	}
	if err := ac.Require(auth.RoleAdmin); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.deps.Query == nil {
		s.fail(w, r, query.ErrUnavailable)
		return
	}
	report, err := s.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if !report.IsHealthy {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}
