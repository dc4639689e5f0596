package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"mediagen/internal/domain"
	"mediagen/internal/provider"
)

type estimateRequest struct {
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params"`
}

type estimateResponse struct {
	Kind       string  `json:"kind"`
	BaseCost   int64   `json:"base_cost"`
	Multiplier float64 `json:"multiplier"`
	Count      int     `json:"count"`
	Total      int64   `json:"total"`
}

// EstimatesCreate prices a request without creating a job or touching credit.
// The same function prices real submissions, so the quote always matches the
// eventual debit.
func (a *App) EstimatesCreate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	quote, err := provider.Estimate(domain.JobKind(req.Kind), req.Params)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidKind) || errors.Is(err, domain.ErrInvalidInput) {
			a.error(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to estimate")
		return
	}
	a.json(w, http.StatusOK, estimateResponse{
		Kind:       req.Kind,
		BaseCost:   quote.BaseCost,
		Multiplier: quote.Multiplier,
		Count:      quote.Count,
		Total:      quote.Total,
	})
}
