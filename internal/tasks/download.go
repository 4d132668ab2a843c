package tasks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/fetchqueue/internal/jobs"
	"github.com/italolelis/fetchqueue/internal/logctx"
	"github.com/italolelis/fetchqueue/internal/storage"
	"github.com/italolelis/fetchqueue/internal/transfer"
	"github.com/italolelis/fetchqueue/internal/worker"
)

// DownloadResult is the result of a download-file job.
type DownloadResult struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

type downloadProgress struct {
	BytesDownloaded int64 `json:"bytesDownloaded"`
	BytesTotal      int64 `json:"bytesTotal,omitempty"`
}

func (d Deps) downloadFile(ctx context.Context, job *worker.Job, p jobs.DownloadFileParams) (any, error) {
	logger := logctx.LoggerFromContext(ctx)

	if err := p.Validate(); err != nil {
		return nil, worker.Permanent(err)
	}

	dest, err := transfer.LocalPath(d.StorageDir, p.FilePath)
	if err != nil {
		return nil, worker.Permanent(err)
	}

	path, err := d.Fetch(ctx, transfer.Request{
		URL:                 p.URL,
		DestinationPath:     dest,
		Timeout:             d.Timeout,
		AllowedContentTypes: p.AllowedMimeTypes,
		ForceRestart:        p.ForceNew,
		OnProgress: func(pr transfer.Progress) {
			report(ctx, job, int(pr.Percentage()), downloadProgress{
				BytesDownloaded: pr.BytesDownloaded,
				BytesTotal:      pr.BytesTotal,
			})
		},
	})
	if err != nil {
		if downloadErrorIsPermanent(err) {
			return nil, worker.Permanent(err)
		}

		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat downloaded file: %w", err)
	}

	logger.InfoContext(ctx, "file downloaded", "path", path, "size", humanize.Bytes(uint64(info.Size())))

	if d.Catalog != nil {
		err := d.Catalog.MarkDownloaded(ctx, storage.Resource{
			URL:          p.URL,
			Family:       job.Queue,
			Path:         path,
			Size:         info.Size(),
			DownloadedAt: d.Clock.Now(),
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to record downloaded file", "err", err)
		}
	}

	return DownloadResult{Path: path, Bytes: info.Size()}, nil
}

// downloadErrorIsPermanent: a rejected content type or a client error status
// will not change on a later attempt.
func downloadErrorIsPermanent(err error) bool {
	var (
		mimeErr   *transfer.MimeTypeRejectedError
		statusErr *transfer.HTTPStatusError
	)

	if errors.As(err, &mimeErr) {
		return true
	}

	return errors.As(err, &statusErr) &&
		statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 &&
		statusErr.StatusCode != http.StatusTooManyRequests && statusErr.StatusCode != http.StatusRequestTimeout
}
