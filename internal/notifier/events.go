package notifier

import (
	"context"
	"fmt"

	"github.com/italolelis/fetchqueue/internal/broadcast"
	"github.com/italolelis/fetchqueue/internal/logctx"
	"github.com/italolelis/fetchqueue/internal/registry"
	"github.com/italolelis/fetchqueue/internal/storage"
)

// JobMessage renders a finished job.
func JobMessage(job *storage.Job) string {
	if job.State == storage.StateFailed {
		return fmt.Sprintf("❌ %s job failed after %d attempt(s) (%s): %s", job.Type, job.AttemptsMade, job.ID, job.FailedReason)
	}

	return fmt.Sprintf("✅ %s job finished (%s)", job.Type, job.ID)
}

// TransferMessage renders a registry event. Only completed and failed
// transfers are worth a notification.
func TransferMessage(channel string, ev registry.Event) (string, bool) {
	switch ev.Status {
	case registry.StatusCompleted:
		return fmt.Sprintf("✅ Download finished on %s: %s", channel, ev.URL), true
	case registry.StatusFailed:
		return fmt.Sprintf("❌ Download failed on %s: %s (%s)", channel, ev.URL, ev.Error), true
	default:
		return "", false
	}
}

// OnJobFinished returns a worker OnFinished hook sending JobMessage.
func OnJobFinished(n Notifier) func(ctx context.Context, job *storage.Job) {
	return func(ctx context.Context, job *storage.Job) {
		if err := n.Notify(ctx, JobMessage(job)); err != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to send notification", "job_id", job.ID, "err", err)
		}
	}
}

// WatchTransfers notifies about every terminal transfer event until events is closed.
func WatchTransfers(ctx context.Context, n Notifier, events <-chan broadcast.Message[registry.Event]) {
	logger := logctx.LoggerFromContext(ctx)

	for msg := range events {
		content, ok := TransferMessage(msg.Channel, msg.Payload)
		if !ok {
			continue
		}

		if err := n.Notify(ctx, content); err != nil {
			logger.ErrorContext(ctx, "failed to send notification", "url", msg.Payload.URL, "err", err)
		}
	}
}
