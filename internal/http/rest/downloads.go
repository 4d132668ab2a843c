package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/fetchqueue/internal/jobs"
	"github.com/italolelis/fetchqueue/internal/logctx"
	"github.com/italolelis/fetchqueue/internal/registry"
	"github.com/italolelis/fetchqueue/internal/storage"
	"github.com/italolelis/fetchqueue/internal/transfer"
)

type ctxKey string

const (
	familyKey ctxKey = "family"
	queueKey  ctxKey = "queue"
)

// DownloadResponse acknowledges a started download.
type DownloadResponse struct {
	URL     string `json:"url"`
	Path    string `json:"path"`
	Channel string `json:"channel"`
}

// DownloadList is the state of one resource family.
type DownloadList struct {
	Active     []string           `json:"active"`
	Downloaded []storage.Resource `json:"downloaded"`
}

func (h *Handler) familyCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		family := chi.URLParam(r, "family")

		reg, ok := h.opts.Registries[family]
		if !ok {
			writeError(w, r, http.StatusNotFound, fmt.Sprintf("unknown download family %q", family))

			return
		}

		ctx := logctx.WithAttrs(r.Context(), slog.String("family", family))
		ctx = context.WithValue(ctx, familyKey, reg)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func registryFrom(ctx context.Context) *registry.Registry {
	reg, _ := ctx.Value(familyKey).(*registry.Registry)

	return reg
}

// HandleBeginDownload starts a registry transfer into the family directory.
func (h *Handler) HandleBeginDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)
	reg := registryFrom(ctx)
	family := chi.URLParam(r, "family")

	var params jobs.DownloadFileParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")

		return
	}

	if err := params.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())

		return
	}

	dest, err := transfer.LocalPath(filepath.Join(h.opts.StorageDir, family), params.FilePath)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())

		return
	}

	err = reg.Begin(ctx, transfer.Request{
		URL:                 params.URL,
		DestinationPath:     dest,
		Timeout:             h.opts.Timeout,
		AllowedContentTypes: params.AllowedMimeTypes,
		ForceRestart:        params.ForceNew,
	})
	if errors.Is(err, registry.ErrResourceBusy) {
		writeError(w, r, http.StatusConflict, err.Error())

		return
	}

	if err != nil {
		logger.ErrorContext(ctx, "failed to begin download", "url", params.URL, "err", err)
		writeError(w, r, http.StatusInternalServerError, "failed to begin download")

		return
	}

	writeJSON(w, r, http.StatusAccepted, DownloadResponse{URL: params.URL, Path: dest, Channel: reg.Channel()})
}

// HandleListDownloads lists in-flight transfers and the files already fetched.
func (h *Handler) HandleListDownloads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list := DownloadList{Active: registryFrom(ctx).List(), Downloaded: []storage.Resource{}}

	if list.Active == nil {
		list.Active = []string{}
	}

	if h.opts.Catalog != nil {
		resources, err := h.opts.Catalog.ListResources(ctx, chi.URLParam(r, "family"))
		if err != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to list downloaded resources", "err", err)
			writeError(w, r, http.StatusInternalServerError, "failed to list downloads")

			return
		}

		if resources != nil {
			list.Downloaded = resources
		}
	}

	writeJSON(w, r, http.StatusOK, list)
}

// HandleCancelDownload cancels the transfer of ?url=.
func (h *Handler) HandleCancelDownload(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, r, http.StatusBadRequest, "url is required")

		return
	}

	if !registryFrom(r.Context()).Cancel(url) {
		writeError(w, r, http.StatusNotFound, "no download in progress for URL")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleDownloadEvents streams the family's progress events as Server-Sent Events.
func (h *Handler) HandleDownloadEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reg := registryFrom(ctx)

	if h.opts.Events == nil {
		writeError(w, r, http.StatusServiceUnavailable, "event stream is not available")

		return
	}

	events, unsubscribe := h.opts.Events.Subscribe(reg.Channel())
	defer unsubscribe()

	h.streamEvents(ctx, w, events)
}
