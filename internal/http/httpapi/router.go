package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"mediagen/internal/http/handlers"
	"mediagen/internal/middleware"
)

// NewRouter assembles the v1 API. artifacts, when non-empty, is served
// read-only under /artifacts for locally stored outputs.
func NewRouter(app *handlers.App, artifactDir string) http.Handler {
	r := chi.NewRouter()

	r.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
	)

	r.Get("/v1/healthz", app.Health)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Identity())

		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", app.JobsCreate)
			r.Get("/", app.JobsList)
			r.Get("/{job_id}", app.JobGet)
			r.Post("/{job_id}/cancel", app.JobCancel)
			r.Get("/{job_id}/events", app.JobEvents)
		})
		r.Get("/v1/events", app.TenantEvents)
		r.Post("/v1/estimates", app.EstimatesCreate)
		r.Get("/v1/credits", app.CreditsGet)
	})

	if artifactDir != "" {
		fs := http.StripPrefix("/artifacts/", http.FileServer(http.Dir(artifactDir)))
		r.Get("/artifacts/*", fs.ServeHTTP)
	}

	return r
}
