package core

import (
	"fmt"

	"PerpVAMM/internal/auth"
	"PerpVAMM/internal/state"
)

// MarketAdmin is implemented by registries that support administration
type MarketAdmin interface {
	SetPaused(ac auth.Context, id string, paused bool) error
	UpdateRisk(ac auth.Context, id string, params state.RiskParams) error
}

// SetPaused flips a market's pause flag inside its exclusive section, so no
// operation observes the change halfway through. Admin only.
func (e *Engine) SetPaused(ac auth.Context, marketID string, paused bool) error {
	admin, ok := e.registry.(MarketAdmin)
	if !ok {
		return fmt.Errorf("%w: registry does not support administration", ErrInvalidRequest)
	}
	unlock := e.lock(marketID)
	defer unlock()
	if err := admin.SetPaused(ac, marketID, paused); err != nil {
		return err
	}
	e.logger.Info().Str("market", marketID).Bool("paused", paused).Str("admin", ac.Caller.String()).Msg("market pause updated")
	return nil
}

// UpdateRisk replaces a market's risk parameters inside its exclusive
// section. Admin only.
func (e *Engine) UpdateRisk(ac auth.Context, marketID string, params state.RiskParams) error {
	admin, ok := e.registry.(MarketAdmin)
	if !ok {
		return fmt.Errorf("%w: registry does not support administration", ErrInvalidRequest)
	}
	unlock := e.lock(marketID)
	defer unlock()
	if err := admin.UpdateRisk(ac, marketID, params); err != nil {
		return err
	}
	e.logger.Info().
		Str("market", marketID).
		Uint64("imr_bps", params.IMRBps).
		Uint64("mmr_bps", params.MMRBps).
		Str("admin", ac.Caller.String()).
		Msg("market risk updated")
	return nil
}
