// Package fingerprint remembers the last reviewed state of each change-request
// so that unchanged requests are not reviewed twice.
package fingerprint

import (
	"context"
	"time"

	"github.com/cuongbtq/reviewbot/internal/storage"
)

// Record is the last reviewed state of one change-request
type Record struct {
	RequestID             int64     `db:"request_id" json:"request_id"`
	LastReviewedUpdatedAt time.Time `db:"last_reviewed_updated_at" json:"last_reviewed_updated_at"`
	LastTriggerComment    string    `db:"last_trigger_comment" json:"last_trigger_comment"`
	RecordedAt            time.Time `db:"recorded_at" json:"recorded_at"`
}

// Store holds one Record per change-request id
type Store interface {
	// IsUnchanged reports whether a record exists whose update time is not
	// older than updatedAt and whose trigger text equals trigger.
	IsUnchanged(ctx context.Context, requestID int64, updatedAt time.Time, trigger string) (bool, error)
	// Record upserts the reviewed state of a change-request.
	Record(ctx context.Context, requestID int64, updatedAt time.Time, trigger string) error
	// Get returns the stored record, ok is false when there is none.
	Get(ctx context.Context, requestID int64) (rec Record, ok bool, err error)
}

func unchanged(rec Record, updatedAt time.Time, trigger string) bool {
	return !storage.Timestamp(updatedAt).After(rec.LastReviewedUpdatedAt) && rec.LastTriggerComment == trigger
}
