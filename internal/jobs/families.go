package jobs

import (
	"errors"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/fetchqueue/internal/config"
)

// Queue names and job type keys.
const (
	QueueDownloads      = "downloads"
	QueueModelDownloads = "model-downloads"
	QueueEmbeddings     = "embeddings"

	TypeDownloadFile  = "download-file"
	TypeDownloadModel = "download-model"
	TypeEmbedFile     = "embed-file"
)

// DownloadFileParams is the payload of a download-file job.
type DownloadFileParams struct {
	URL              string   `json:"url"`
	FilePath         string   `json:"filepath"`
	AllowedMimeTypes []string `json:"allowedMimeTypes,omitempty"`
	ForceNew         bool     `json:"forceNew,omitempty"`
}

func (p *DownloadFileParams) Validate() error {
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("url must be an absolute http(s) url")
	}

	if strings.TrimSpace(p.FilePath) == "" {
		return errors.New("filepath is required")
	}

	return nil
}

// ModelPullParams is the payload of a download-model job.
type ModelPullParams struct {
	ModelName string `json:"modelName"`
}

func (p *ModelPullParams) Validate() error {
	if strings.TrimSpace(p.ModelName) == "" {
		return errors.New("modelName is required")
	}

	return nil
}

// EmbedFileParams is the payload of an embed-file job.
type EmbedFileParams struct {
	FilePath string `json:"filePath"`
	FileName string `json:"fileName,omitempty"`
}

func (p *EmbedFileParams) Validate() error {
	if strings.TrimSpace(p.FilePath) == "" {
		return errors.New("filePath is required")
	}

	return nil
}

// DownloadFileFamily: large files are expensive to refetch, so a few quick
// retries; finished jobs are dropped at once.
func DownloadFileFamily() Family[DownloadFileParams] {
	return Family[DownloadFileParams]{
		Queue:   QueueDownloads,
		JobType: TypeDownloadFile,
		Key: func(p DownloadFileParams) string {
			return HashKey(p.URL, filepath.Clean(p.FilePath))
		},
		Policy: Policy{
			Attempts:    3,
			Backoff:     Backoff{Type: BackoffExponential, Delay: 2 * time.Second},
			Retention:   Retention{KeepCompleted: 0, KeepFailed: KeepAll},
			Concurrency: 3,
		},
	}
}

// ModelPullFamily: the model server may still be starting, so many slow retries;
// every job is kept for operators.
func ModelPullFamily() Family[ModelPullParams] {
	return Family[ModelPullParams]{
		Queue:   QueueModelDownloads,
		JobType: TypeDownloadModel,
		Key: func(p ModelPullParams) string {
			return HashKey(strings.TrimSpace(p.ModelName))
		},
		Policy: Policy{
			Attempts:    40,
			Backoff:     Backoff{Type: BackoffFixed, Delay: 60 * time.Second},
			Retention:   Retention{KeepCompleted: KeepAll, KeepFailed: KeepAll},
			Concurrency: 2,
		},
	}
}

// EmbedFileFamily keeps a bounded history of embedding runs.
func EmbedFileFamily() Family[EmbedFileParams] {
	return Family[EmbedFileParams]{
		Queue:   QueueEmbeddings,
		JobType: TypeEmbedFile,
		Key: func(p EmbedFileParams) string {
			return HashKey(filepath.Clean(p.FilePath))
		},
		Policy: Policy{
			Attempts:    3,
			Backoff:     Backoff{Type: BackoffExponential, Delay: 5 * time.Second},
			Retention:   Retention{KeepCompleted: 50, KeepFailed: 20},
			Concurrency: 1,
		},
	}
}

// WithPolicy returns f with its policy overridden from policies, if present.
func WithPolicy[P any](f Family[P], policies config.Policies) Family[P] {
	if o, ok := policies[f.Queue]; ok {
		f.Policy = f.Policy.Override(o)
	}

	return f
}
