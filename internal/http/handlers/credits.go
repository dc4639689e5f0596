package handlers

import (
	"net/http"
)

// CreditsGet returns the caller's current credit balance.
func (a *App) CreditsGet(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	balance, err := a.Ledger.Balance(r.Context(), userID)
	if err != nil {
		a.Logger.Error().Err(err).Str("user_id", userID).Msg("handlers: balance fetch failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to fetch balance")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"user_id": userID, "balance": balance})
}
