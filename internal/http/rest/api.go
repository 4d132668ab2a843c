package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/fetchqueue/internal/broadcast"
	"github.com/italolelis/fetchqueue/internal/jobs"
	"github.com/italolelis/fetchqueue/internal/logctx"
	"github.com/italolelis/fetchqueue/internal/registry"
	"github.com/italolelis/fetchqueue/internal/storage"
)

const heartbeatInterval = 15 * time.Second

// Options configures the API handler.
type Options struct {
	// Registries by resource family.
	Registries map[string]*registry.Registry
	// Queues by queue name.
	Queues  map[string]jobs.Queue
	Events  *broadcast.Hub[registry.Event]
	Catalog storage.ResourceCatalog

	StorageDir string
	Timeout    time.Duration

	// Username and Password enable basic auth when both are set.
	Username string
	Password string
}

// Handler serves the download and job endpoints.
type Handler struct {
	opts      Options
	heartbeat time.Duration
}

// NewHandler creates the API handler.
func NewHandler(opts Options) *Handler {
	return &Handler{opts: opts, heartbeat: heartbeatInterval}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", h.HandleHealth)

	r.Group(func(r chi.Router) {
		if h.opts.Username != "" && h.opts.Password != "" {
			r.Use(h.basicAuthMiddleware)
		}

		r.Route("/downloads/{family}", func(r chi.Router) {
			r.Use(h.familyCtx)

			r.Post("/", h.HandleBeginDownload)
			r.Get("/", h.HandleListDownloads)
			r.Delete("/", h.HandleCancelDownload)
			r.Get("/events", h.HandleDownloadEvents)
		})

		r.Route("/jobs/{queue}", func(r chi.Router) {
			r.Use(h.queueCtx)

			r.Post("/", h.HandleDispatch)
			r.Get("/status", h.HandleStatusByIdentity)
			r.Get("/{key}", h.HandleStatusByKey)
		})
	})

	return r
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="fetchqueue"`)
			writeError(w, r, http.StatusUnauthorized, "invalid authorization format")

			return
		}

		if username != h.opts.Username || password != h.opts.Password {
			writeError(w, r, http.StatusUnauthorized, "invalid username or password")

			return
		}

		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to encode response", "err", err)
	}
}
