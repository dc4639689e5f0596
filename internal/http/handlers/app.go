package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"mediagen/internal/domain"
	"mediagen/internal/infra"
	"mediagen/internal/jobs"
	"mediagen/internal/middleware"
	"mediagen/internal/progress"
)

// JobService is the submission surface the handlers call into.
type JobService interface {
	Create(ctx context.Context, p jobs.CreateParams) (*domain.Job, error)
	Get(ctx context.Context, jobID, userID string) (*domain.Job, error)
	List(ctx context.Context, userID string, filter domain.ListFilter) ([]domain.Job, error)
	Cancel(ctx context.Context, jobID, userID string) (*domain.Job, error)
}

// EventSource hands out live progress subscriptions. *progress.Fabric
// satisfies it.
type EventSource interface {
	Subscribe(ctx context.Context, channel string) (*progress.Subscription, error)
}

type App struct {
	Jobs      JobService
	Events    EventSource
	Ledger    domain.CreditLedger
	Logger    infra.Logger
	Heartbeat time.Duration
}

func NewApp(svc JobService, events EventSource, ledger domain.CreditLedger, logger infra.Logger, heartbeat time.Duration) *App {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &App{Jobs: svc, Events: events, Ledger: ledger, Logger: logger, Heartbeat: heartbeat}
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

func (a *App) currentTenantID(r *http.Request) string {
	return middleware.TenantIDFromContext(r.Context())
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
