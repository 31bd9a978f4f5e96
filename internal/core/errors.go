package core

import (
	"errors"

	"PerpVAMM/internal/auth"
	"PerpVAMM/internal/ledger"
	"PerpVAMM/internal/market"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/oracle"
	"PerpVAMM/internal/vamm"
)

var (
	ErrMarketPaused          = errors.New("market paused")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrSizeBelowMin          = errors.New("size below market minimum")
	ErrSizeAboveMax          = errors.New("resulting size above market maximum")
	ErrDirectionMismatch     = errors.New("open against an opposite position")
	ErrCloseExceedsPosition  = errors.New("close size exceeds position")
	ErrMarginExceedsPosition = errors.New("amount exceeds position margin")
	ErrNoPosition            = errors.New("no open position")
	ErrInsufficientMargin    = errors.New("margin below initial requirement")
	ErrLiquidatablePosition  = errors.New("user holds a liquidatable position")
	ErrWouldBeLiquidatable   = errors.New("operation leaves position liquidatable")
	ErrNotLiquidatable       = errors.New("position is not liquidatable")
	ErrDuplicateRequest      = errors.New("duplicate request")
	ErrReentrant             = errors.New("reentrant call")
)

// Category groups errors for callers that map them onto transport codes
type Category string

const (
	CategoryValidation    Category = "validation"
	CategoryAuthorization Category = "authorization"
	CategorySolvency      Category = "solvency"
	CategoryArithmetic    Category = "arithmetic"
	CategoryStalePrice    Category = "stale_price"
	CategoryPaused        Category = "paused"
	CategoryNotFound      Category = "not_found"
	CategoryInternal      Category = "internal"
)

// Classify maps err onto its category. Unknown errors are internal.
func Classify(err error) Category {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, auth.ErrUnauthorized):
		return CategoryAuthorization
	case errors.Is(err, ErrMarketPaused):
		return CategoryPaused
	case errors.Is(err, oracle.ErrStalePrice), errors.Is(err, oracle.ErrNoPrice):
		return CategoryStalePrice
	case errors.Is(err, fpmath.ErrOverflow), errors.Is(err, fpmath.ErrDivisionByZero):
		return CategoryArithmetic
	case errors.Is(err, market.ErrUnknownMarket), errors.Is(err, ErrNoPosition):
		return CategoryNotFound
	case errors.Is(err, ErrLiquidatablePosition),
		errors.Is(err, ErrWouldBeLiquidatable),
		errors.Is(err, ErrNotLiquidatable),
		errors.Is(err, ErrInsufficientMargin),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientCustody):
		return CategorySolvency
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrSizeBelowMin),
		errors.Is(err, ErrSizeAboveMax),
		errors.Is(err, ErrDirectionMismatch),
		errors.Is(err, ErrCloseExceedsPosition),
		errors.Is(err, ErrMarginExceedsPosition),
		errors.Is(err, ErrDuplicateRequest),
		errors.Is(err, ErrReentrant),
		errors.Is(err, vamm.ErrSlippage),
		errors.Is(err, vamm.ErrZeroSize),
		errors.Is(err, vamm.ErrInsufficientReserve),
		errors.Is(err, ledger.ErrZeroAmount),
		errors.Is(err, ledger.ErrUnknownAsset):
		return CategoryValidation
	default:
		return CategoryInternal
	}
}
