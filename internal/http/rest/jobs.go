package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/fetchqueue/internal/jobs"
	"github.com/italolelis/fetchqueue/internal/logctx"
)

const maxPayloadSize = 1 << 20

func (h *Handler) queueCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "queue")

		queue, ok := h.opts.Queues[name]
		if !ok {
			writeError(w, r, http.StatusNotFound, fmt.Sprintf("unknown queue %q", name))

			return
		}

		ctx := logctx.WithAttrs(r.Context(), slog.String("queue", name))
		ctx = context.WithValue(ctx, queueKey, queue)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func queueFrom(ctx context.Context) jobs.Queue {
	q, _ := ctx.Value(queueKey).(jobs.Queue)

	return q
}

// HandleDispatch admits the JSON payload in the body. A new job answers 201, an
// existing one 200 with created=false.
func (h *Handler) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "failed to read request body")

		return
	}

	res, err := queueFrom(ctx).DispatchJSON(ctx, raw)
	if err != nil {
		h.jobError(w, r, err)

		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}

	writeJSON(w, r, status, res)
}

// HandleStatusByIdentity resolves the job from the natural identity given as
// query parameters, e.g. ?modelName=llama3.2:1b.
func (h *Handler) HandleStatusByIdentity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status, err := queueFrom(ctx).StatusQuery(ctx, r.URL.Query())
	if err != nil {
		h.jobError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, status)
}

// HandleStatusByKey returns the status of the job with the idempotency key {key}.
func (h *Handler) HandleStatusByKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status, err := queueFrom(ctx).GetByKey(ctx, chi.URLParam(r, "key"))
	if err != nil {
		h.jobError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, status)
}

func (h *Handler) jobError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *jobs.InvalidPayloadError
	if errors.As(err, &invalid) {
		writeError(w, r, http.StatusBadRequest, err.Error())

		return
	}

	logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "job request failed", "err", err)
	writeError(w, r, http.StatusInternalServerError, "job backend error")
}
