package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	closehttp "github.com/odyssey-erp/ohada-close/internal/close/http"
	"github.com/odyssey-erp/ohada-close/internal/observability"
	"github.com/odyssey-erp/ohada-close/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger       *slog.Logger
	Config       *Config
	CloseHandler *closehttp.Handler
	JobHandler   *jobs.Handler
	Metrics      *observability.Metrics
	// ArchiveDir, when set, serves the generated closing packs read-only under /archives/.
	ArchiveDir string
}

// NewRouter constructs the chi.Router with the API defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.CloseHandler != nil {
		params.CloseHandler.MountRoutes(r)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.ArchiveDir != "" {
		files := http.StripPrefix("/archives/", http.FileServer(http.Dir(params.ArchiveDir)))
		r.Handle("/archives/*", archiveHandler(files))
	}

	return r
}

// archiveHandler disables directory listings and marks packs as downloads.
func archiveHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || r.URL.Path[len(r.URL.Path)-1] == '/' {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "private, max-age=3600")
		w.Header().Set("Content-Disposition", "attachment")
		next.ServeHTTP(w, r)
	})
}
