package store

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/acontexthq/acontext/internal/apperr"
)

// metricLockKey derives a stable advisory-lock key from the bucket
// identity so concurrent creators of the same bucket serialize.
func metricLockKey(projectID uuid.UUID, tag string, date time.Time) int64 {
	h := fnv.New64a()
	h.Write([]byte(projectID.String()))
	h.Write([]byte{0})
	h.Write([]byte(tag))
	h.Write([]byte{0})
	h.Write([]byte(date.UTC().Format("2006-01-02")))
	return int64(h.Sum64())
}

// CaptureIncrement atomically adds delta to today's bucket for
// (project, tag), creating the bucket under a transaction-scoped
// advisory lock. The lock serializes only bucket creation; hot
// updates run as plain server-side increments.
func (s *Store) CaptureIncrement(ctx context.Context, projectID uuid.UUID, tag string, delta int64) error {
	date := time.Now().UTC().Truncate(24 * time.Hour)
	return s.InTx(ctx, func(tx *Store) error {
		res, err := tx.q.ExecContext(ctx, `
			UPDATE metrics SET increment = increment + $1
			WHERE project_id = $2 AND tag = $3 AND date = $4
		`, delta, projectID, tag, date)
		if err != nil {
			return apperr.Retryable(err, "increment metric %s", tag)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}

		// Bucket missing: serialize creation on an advisory lock, then
		// check-or-insert and apply the delta.
		if _, err := tx.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, metricLockKey(projectID, tag, date)); err != nil {
			return apperr.Retryable(err, "metric advisory lock %s", tag)
		}
		if _, err := tx.q.ExecContext(ctx, `
			INSERT INTO metrics (id, project_id, tag, date, increment)
			VALUES ($1, $2, $3, $4, 0)
			ON CONFLICT (project_id, tag, date) DO NOTHING
		`, uuid.New(), projectID, tag, date); err != nil {
			return apperr.Retryable(err, "create metric bucket %s", tag)
		}
		if _, err := tx.q.ExecContext(ctx, `
			UPDATE metrics SET increment = increment + $1
			WHERE project_id = $2 AND tag = $3 AND date = $4
		`, delta, projectID, tag, date); err != nil {
			return apperr.Retryable(err, "increment metric %s", tag)
		}
		return nil
	})
}

// GetMetricValue reads today's bucket value, 0 when absent.
func (s *Store) GetMetricValue(ctx context.Context, projectID uuid.UUID, tag string) (int64, error) {
	date := time.Now().UTC().Truncate(24 * time.Hour)
	var value int64
	err := s.q.QueryRowContext(ctx, `
		SELECT increment FROM metrics
		WHERE project_id = $1 AND tag = $2 AND date = $3
	`, projectID, tag, date).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Retryable(err, "get metric %s", tag)
	}
	return value, nil
}
