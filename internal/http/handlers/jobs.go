package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"mediagen/internal/domain"
	"mediagen/internal/jobs"
)

type jobCreateRequest struct {
	Kind           string         `json:"kind"`
	Params         map[string]any `json:"params"`
	IdempotencyKey string         `json:"idempotency_key"`
}

type artifactDTO struct {
	URL         string `json:"url"`
	ContentHash string `json:"content_hash"`
	Size        int64  `json:"size"`
	MIME        string `json:"mime"`
}

type jobDTO struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"`
	Cost        int64           `json:"cost"`
	Progress    int             `json:"progress"`
	Error       string          `json:"error,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Outputs     []artifactDTO   `json:"outputs,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func toJobDTO(job *domain.Job) jobDTO {
	dto := jobDTO{
		ID:          job.ID,
		Kind:        string(job.Kind),
		Status:      string(job.Status),
		Cost:        job.Cost,
		Progress:    job.Progress,
		Error:       job.Error,
		Input:       job.Input,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
	for _, a := range job.Outputs {
		dto.Outputs = append(dto.Outputs, artifactDTO{
			URL:         a.URL,
			ContentHash: a.ContentHash,
			Size:        a.Size,
			MIME:        a.MIME,
		})
	}
	return dto
}

// JobsCreate accepts a generation request and returns 202 with the job id.
// Execution is asynchronous; clients follow up via status or the event stream.
func (a *App) JobsCreate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req jobCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	job, err := a.Jobs.Create(r.Context(), jobs.CreateParams{
		UserID:         userID,
		TenantID:       a.currentTenantID(r),
		Kind:           domain.JobKind(req.Kind),
		Params:         req.Params,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidKind), errors.Is(err, domain.ErrInvalidInput):
			a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		case errors.Is(err, domain.ErrAdmissionRejected):
			a.error(w, http.StatusTooManyRequests, "rate_limited", "submission rate limit exceeded")
		case errors.Is(err, domain.ErrInsufficientCredit):
			a.error(w, http.StatusPaymentRequired, "insufficient_credit", "not enough credit for this job")
		default:
			a.Logger.Error().Err(err).Msg("handlers: job create failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to create job")
		}
		return
	}
	a.json(w, http.StatusAccepted, toJobDTO(job))
}

// JobGet returns the durable state of one job.
func (a *App) JobGet(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	job, err := a.Jobs.Get(r.Context(), jobID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("handlers: job fetch failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to fetch job")
		return
	}
	a.json(w, http.StatusOK, toJobDTO(job))
}

// JobsList returns the caller's jobs newest-first.
func (a *App) JobsList(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	filter := domain.ListFilter{Limit: 50}
	if s := r.URL.Query().Get("status"); s != "" {
		filter.Status = domain.JobStatus(s)
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 200 {
			filter.Limit = n
		}
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	list, err := a.Jobs.List(r.Context(), userID, filter)
	if err != nil {
		a.Logger.Error().Err(err).Msg("handlers: job list failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list jobs")
		return
	}
	items := make([]jobDTO, 0, len(list))
	for i := range list {
		items = append(items, toJobDTO(&list[i]))
	}
	a.json(w, http.StatusOK, map[string]any{"jobs": items})
}

// JobCancel requests best-effort cancellation and returns the job's state
// after the request. The final status may still end up COMPLETED or FAILED if
// the worker finishes first.
func (a *App) JobCancel(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	job, err := a.Jobs.Cancel(r.Context(), jobID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("handlers: cancel failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to cancel job")
		return
	}
	a.json(w, http.StatusOK, toJobDTO(job))
}
