package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/pkg/models"
)

const artifactColumns = `id, disk_id, path, filename, asset_meta, meta, created_at, updated_at`

// GetArtifact fetches the artifact addressed by (disk, path, filename).
func (s *Store) GetArtifact(ctx context.Context, diskID uuid.UUID, path, filename string) (*models.Artifact, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+artifactColumns+` FROM artifacts
		WHERE disk_id = $1 AND path = $2 AND filename = $3
	`, diskID, path, filename)
	art, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("artifact %s%s on disk %s", path, filename, diskID)
	}
	return art, err
}

// ListArtifacts enumerates a disk's artifacts, optionally restricted
// to a path prefix. Empty path lists everything.
func (s *Store) ListArtifacts(ctx context.Context, diskID uuid.UUID, path string) ([]*models.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE disk_id = $1`
	args := []any{diskID}
	if path != "" {
		query += ` AND path = $2`
		args = append(args, path)
	}
	query += ` ORDER BY path, filename`
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Retryable(err, "list artifacts")
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

// GlobArtifacts matches a glob pattern against path || filename.
// Translation: `**` and `*` become `%`, `?` becomes `_`; SQL wildcard
// characters in the pattern itself are escaped.
func (s *Store) GlobArtifacts(ctx context.Context, diskID uuid.UUID, pattern string) ([]*models.Artifact, error) {
	if pattern == "" {
		return nil, apperr.BadRequest("glob pattern is required")
	}
	like := globToLike(pattern)
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+artifactColumns+` FROM artifacts
		WHERE disk_id = $1
		AND (CASE WHEN path = '/' THEN filename ELSE path || filename END) LIKE $2 ESCAPE '\'
		ORDER BY path, filename
	`, diskID, like)
	if err != nil {
		return nil, apperr.Retryable(err, "glob artifacts")
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

// GrepArtifacts runs a server-side regex over inline text content.
// Only text-bearing MIME types with inline content participate.
func (s *Store) GrepArtifacts(ctx context.Context, diskID uuid.UUID, pattern string, caseSensitive bool) ([]*models.Artifact, error) {
	if pattern == "" {
		return nil, apperr.BadRequest("grep pattern is required")
	}
	op := "~"
	if !caseSensitive {
		op = "~*"
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+artifactColumns+` FROM artifacts
		WHERE disk_id = $1
		AND (asset_meta->>'mime' LIKE 'text/%'
			OR asset_meta->>'mime' = 'application/json'
			OR asset_meta->>'mime' LIKE 'application/x-%')
		AND COALESCE(asset_meta->>'content', '') <> ''
		AND asset_meta->>'content' `+op+` $2
		ORDER BY path, filename
	`, diskID, pattern)
	if err != nil {
		return nil, apperr.Retryable(err, "grep artifacts")
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

// UpsertArtifact inserts or updates the artifact keyed on
// (disk, path, filename). Updates preserve id and created_at, bump
// updated_at, and overwrite meta rather than merging it.
func (s *Store) UpsertArtifact(ctx context.Context, diskID uuid.UUID, path, filename string, asset models.AssetMeta, meta map[string]any) (*models.Artifact, error) {
	if filename == "" {
		return nil, apperr.BadRequest("artifact filename is required")
	}
	if path == "" {
		path = "/"
	}
	assetJSON, err := marshalJSON(asset)
	if err != nil {
		return nil, err
	}
	metaJSON, err := marshalJSON(meta)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	row := s.q.QueryRowContext(ctx, `
		INSERT INTO artifacts (id, disk_id, path, filename, asset_meta, meta, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (disk_id, path, filename) DO UPDATE SET
			asset_meta = EXCLUDED.asset_meta,
			meta = EXCLUDED.meta,
			updated_at = EXCLUDED.updated_at
		RETURNING `+artifactColumns+`
	`, uuid.New(), diskID, path, filename, assetJSON, metaJSON, now)
	return scanArtifact(row)
}

// DeleteArtifact removes the addressed artifact. Absent artifacts
// surface NOT_FOUND for callers that care; idempotent otherwise.
func (s *Store) DeleteArtifact(ctx context.Context, diskID uuid.UUID, path, filename string) error {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM artifacts WHERE disk_id = $1 AND path = $2 AND filename = $3
	`, diskID, path, filename)
	if err != nil {
		return apperr.Retryable(err, "delete artifact")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("artifact %s%s on disk %s", path, filename, diskID)
	}
	return nil
}

// globToLike translates a glob pattern to a SQL LIKE pattern.
func globToLike(pattern string) string {
	var b strings.Builder
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '*':
			// `**` and `*` both map to `%`; collapse doubled stars.
			if i+1 < len(runes) && runes[i+1] == '*' {
				i++
			}
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(runes[i])
		default:
			b.WriteRune(runes[i])
		}
	}
	return b.String()
}

type artifactScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row artifactScanner) (*models.Artifact, error) {
	var (
		art       models.Artifact
		assetJSON []byte
		metaJSON  []byte
	)
	err := row.Scan(&art.ID, &art.DiskID, &art.Path, &art.Filename, &assetJSON, &metaJSON, &art.CreatedAt, &art.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, apperr.Retryable(err, "scan artifact")
	}
	if err := scanJSON(assetJSON, &art.AssetMeta); err != nil {
		return nil, err
	}
	if err := scanJSON(metaJSON, &art.Meta); err != nil {
		return nil, err
	}
	return &art, nil
}

func scanArtifacts(rows *sql.Rows) ([]*models.Artifact, error) {
	var out []*models.Artifact
	for rows.Next() {
		art, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, art)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Retryable(err, "scan artifacts")
	}
	return out, nil
}
