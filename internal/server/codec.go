package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"PerpVAMM/internal/core"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/projection"
	"PerpVAMM/internal/query"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// wad converts an optional request amount to WAD. Negative amounts and
// amounts finer than 18 decimals are rejected; nil stays nil.
func wad(field string, d *decimal.Decimal) (*uint256.Int, error) {
	if d == nil {
		return nil, nil
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %s must not be negative", core.ErrInvalidRequest, field)
	}
	v, err := fpmath.FromDecimal(*d)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrInvalidRequest, field, err)
	}
	return v, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", core.ErrInvalidRequest, err)
	}
	return nil
}

func userParam(r *http.Request) (uuid.UUID, error) {
	return parseUser(chi.URLParam(r, "userID"))
}

func parseUser(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: user id %q", core.ErrInvalidRequest, raw)
	}
	return id, nil
}

// limitParam reads ?limit=, defaulting to 50 and capping at 500
func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: limit %q", core.ErrInvalidRequest, raw)
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps an error onto its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, query.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, projection.ErrNotProjected):
		return http.StatusNotFound
	}

	switch core.Classify(err) {
	case core.CategoryValidation:
		return http.StatusBadRequest
	case core.CategoryAuthorization:
		return http.StatusForbidden
	case core.CategorySolvency, core.CategoryArithmetic:
		return http.StatusUnprocessableEntity
	case core.CategoryStalePrice:
		return http.StatusServiceUnavailable
	case core.CategoryPaused:
		return http.StatusLocked
	case core.CategoryNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
