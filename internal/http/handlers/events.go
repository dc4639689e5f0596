package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"mediagen/internal/domain"
	"mediagen/internal/progress"
)

// JobEvents streams one job's progress over server-sent events. The current
// durable state goes out first, then live updates and heartbeats; the stream
// closes once the job reaches a terminal status.
func (a *App) JobEvents(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if _, err := a.Jobs.Get(r.Context(), jobID, userID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to fetch job")
		return
	}

	sub, err := a.Events.Subscribe(r.Context(), progress.JobChannel(jobID))
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to subscribe")
		return
	}
	defer sub.Close()

	// Snapshot only after the subscription is live: a transition landing
	// between the two would otherwise be absent from both.
	job, err := a.Jobs.Get(r.Context(), jobID, userID)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to fetch job")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		a.error(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}
	writeSSEHeaders(w)

	snapshot := domain.ProgressEvent{
		JobID:     job.ID,
		TenantID:  job.TenantID,
		Status:    job.Status,
		Progress:  job.Progress,
		Timestamp: time.Now().UTC(),
	}
	writeSSEEvent(w, snapshot)
	flusher.Flush()
	if job.Status.Terminal() {
		return
	}

	a.streamEvents(w, r, flusher, sub, jobID)
}

// TenantEvents streams every job event for the caller's tenant. The stream
// has no terminal condition; it runs until the client disconnects.
func (a *App) TenantEvents(w http.ResponseWriter, r *http.Request) {
	if a.currentUserID(r) == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	tenantID := a.currentTenantID(r)
	if tenantID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "tenant context required")
		return
	}

	sub, err := a.Events.Subscribe(r.Context(), progress.TenantChannel(tenantID))
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to subscribe")
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		a.error(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}
	writeSSEHeaders(w)
	flusher.Flush()

	a.streamEvents(w, r, flusher, sub, "")
}

// streamEvents pumps a subscription until the client goes away or, when
// terminalJobID is set, that job reaches a terminal status. Heartbeats keep
// idle connections from being reaped by intermediaries.
func (a *App) streamEvents(w http.ResponseWriter, r *http.Request, flusher http.Flusher, sub *progress.Subscription, terminalJobID string) {
	heartbeat := time.NewTicker(a.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			writeSSEHeartbeat(w)
			flusher.Flush()
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			writeSSEEvent(w, ev)
			flusher.Flush()
			if terminalJobID != "" && ev.JobID == terminalJobID && ev.Status.Terminal() {
				return
			}
		}
	}
}

func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeSSEEvent(w http.ResponseWriter, ev domain.ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	w.Write([]byte("event: progress\ndata: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
}

func writeSSEHeartbeat(w http.ResponseWriter) {
	w.Write([]byte(": heartbeat\n\n"))
}
