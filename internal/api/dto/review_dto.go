package dto

import "time"

type ListItemsRequest struct {
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListItemsResponse struct {
	Queue      string `json:"queue"`
	Items      []any  `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

type QueueSummary struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

type QueuesResponse struct {
	Queues []QueueSummary `json:"queues"`
}

type FingerprintDTO struct {
	RequestID             int64     `json:"request_id"`
	LastReviewedUpdatedAt time.Time `json:"last_reviewed_updated_at"`
	LastTriggerComment    string    `json:"last_trigger_comment"`
	RecordedAt            time.Time `json:"recorded_at"`
}

type ListDeadLettersRequest struct {
	Limit int `form:"limit"`
}

type DeadLetterDTO struct {
	RequestID int64     `json:"request_id"`
	Stage     string    `json:"stage"`
	Reason    string    `json:"reason"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

type SearchRequest struct {
	Query      string `form:"q" binding:"required"`
	Repository string `form:"repo"`
	Limit      int    `form:"limit"`
}

type SearchResponse struct {
	Repository string   `json:"repository"`
	Snippets   []string `json:"snippets"`
}
