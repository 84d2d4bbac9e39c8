package fingerprint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/reviewbot/internal/storage"
	"github.com/jmoiron/sqlx"
)

// SQL is a Store backed by the review_fingerprints table
type SQL struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQL creates a Store over db. The schema must already be migrated.
func NewSQL(db *sqlx.DB) *SQL {
	return &SQL{db: db, now: time.Now}
}

func (s *SQL) IsUnchanged(ctx context.Context, requestID int64, updatedAt time.Time, trigger string) (bool, error) {
	rec, ok, err := s.Get(ctx, requestID)
	if err != nil || !ok {
		return false, err
	}
	return unchanged(rec, updatedAt, trigger), nil
}

func (s *SQL) Record(ctx context.Context, requestID int64, updatedAt time.Time, trigger string) error {
	query := s.db.Rebind(`
		INSERT INTO ` + storage.FingerprintTable + ` (request_id, last_reviewed_updated_at, last_trigger_comment, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (request_id) DO UPDATE SET
			last_reviewed_updated_at = excluded.last_reviewed_updated_at,
			last_trigger_comment = excluded.last_trigger_comment,
			recorded_at = excluded.recorded_at
	`)

	_, err := s.db.ExecContext(ctx, query, requestID, storage.Timestamp(updatedAt), trigger, storage.Timestamp(s.now()))
	if err != nil {
		return fmt.Errorf("failed to record fingerprint for %d: %w", requestID, err)
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, requestID int64) (Record, bool, error) {
	query := s.db.Rebind(`
		SELECT request_id, last_reviewed_updated_at, last_trigger_comment, recorded_at
		FROM ` + storage.FingerprintTable + `
		WHERE request_id = ?
	`)

	var rec Record
	err := s.db.GetContext(ctx, &rec, query, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to get fingerprint for %d: %w", requestID, err)
	}

	rec.LastReviewedUpdatedAt = storage.Timestamp(rec.LastReviewedUpdatedAt)
	rec.RecordedAt = storage.Timestamp(rec.RecordedAt)
	return rec, true, nil
}
