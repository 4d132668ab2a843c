package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/italolelis/fetchqueue/internal/storage"
)

// ResourceRepository is the catalog of files fetched by the transfer registries.
type ResourceRepository struct {
	db *sql.DB
}

func NewResourceRepository(db *sql.DB) *ResourceRepository {
	return &ResourceRepository{db: db}
}

// MarkDownloaded records res, replacing an earlier download of the same URL.
func (r *ResourceRepository) MarkDownloaded(ctx context.Context, res storage.Resource) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO resources (url, family, path, size, downloaded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			family = excluded.family,
			path = excluded.path,
			size = excluded.size,
			downloaded_at = excluded.downloaded_at
	`, res.URL, res.Family, res.Path, res.Size, toMillis(res.DownloadedAt))
	if err != nil {
		return fmt.Errorf("failed to mark resource downloaded: %w", err)
	}

	return nil
}

// ListResources returns the catalog of family, or every family when empty.
func (r *ResourceRepository) ListResources(ctx context.Context, family string) ([]storage.Resource, error) {
	query := `SELECT url, family, path, size, downloaded_at FROM resources`

	var args []any
	if family != "" {
		query += ` WHERE family = ?`
		args = append(args, family)
	}

	query += ` ORDER BY downloaded_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var resources []storage.Resource

	for rows.Next() {
		var (
			res storage.Resource
			at  int64
		)

		if err := rows.Scan(&res.URL, &res.Family, &res.Path, &res.Size, &at); err != nil {
			return nil, err
		}

		res.DownloadedAt = fromMillis(at)
		resources = append(resources, res)
	}

	return resources, rows.Err()
}
