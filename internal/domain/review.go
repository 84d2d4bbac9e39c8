package domain

import (
	"strconv"
	"time"
)

// ReviewStatus is the outcome of a single review generation
type ReviewStatus string

const (
	ReviewStatusCompleted ReviewStatus = "COMPLETED"
	ReviewStatusFailed    ReviewStatus = "FAILED"
)

// WorkItem is a change-request that has been selected for review.
// It is a snapshot taken at scan time and is never mutated afterwards.
type WorkItem struct {
	ID             int64     `json:"id"`
	Title          string    `json:"title"`
	SourceRef      string    `json:"source_ref"`
	TargetRef      string    `json:"target_ref"`
	Author         string    `json:"author"`
	Repository     string    `json:"repository,omitempty"`
	CloneURL       string    `json:"clone_url,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
	TriggerComment string    `json:"trigger_comment"`
}

// Key returns the queue identity of the item, empty when the id is unset
func (w WorkItem) Key() string {
	if w.ID <= 0 {
		return ""
	}
	return strconv.FormatInt(w.ID, 10)
}

// ReviewResult is the generator output for one WorkItem, waiting for delivery
type ReviewResult struct {
	WorkItem      WorkItem     `json:"work_item"`
	ReviewText    string       `json:"review_text"`
	Status        ReviewStatus `json:"status"`
	Error         string       `json:"error,omitempty"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt time.Time    `json:"next_attempt_at,omitempty"`
	ProducedAt    time.Time    `json:"produced_at"`
}

// Key returns the queue identity of the result (the originating request id)
func (r ReviewResult) Key() string {
	return r.WorkItem.Key()
}

// Due reports whether a delivery attempt may be made at now
func (r ReviewResult) Due(now time.Time) bool {
	return r.NextAttemptAt.IsZero() || !r.NextAttemptAt.After(now)
}
