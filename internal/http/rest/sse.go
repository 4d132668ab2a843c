package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/italolelis/fetchqueue/internal/broadcast"
	"github.com/italolelis/fetchqueue/internal/logctx"
	"github.com/italolelis/fetchqueue/internal/registry"
)

// streamEvents writes events as Server-Sent Events until the client goes away
// or the hub closes the subscription. A comment line keeps idle proxies open.
func (h *Handler) streamEvents(ctx context.Context, w http.ResponseWriter, events <-chan broadcast.Message[registry.Event]) {
	logger := logctx.LoggerFromContext(ctx)
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := rc.Flush(); err != nil {
		logger.ErrorContext(ctx, "response does not support streaming", "err", err)

		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case msg, ok := <-events:
			if !ok {
				return
			}

			data, err := json.Marshal(msg.Payload)
			if err != nil {
				logger.ErrorContext(ctx, "failed to encode event", "err", err)

				continue
			}

			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Payload.Status, data); err != nil {
				return
			}
		}

		if err := rc.Flush(); err != nil {
			return
		}
	}
}
