// Package deadletter stores review results that could not be delivered.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/reviewbot/internal/storage"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Letter is one undeliverable item
type Letter struct {
	ID        string          `json:"id" db:"-"`
	RequestID int64           `json:"request_id" db:"request_id"`
	Stage     string          `json:"stage" db:"stage"`
	Reason    string          `json:"reason" db:"reason"`
	Payload   json.RawMessage `json:"payload" db:"-"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// New builds a Letter with a fresh id, marshaling payload as JSON
func New(requestID int64, stage, reason string, payload any) (Letter, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Letter{}, fmt.Errorf("marshal dead letter payload: %w", err)
	}
	return Letter{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Stage:     stage,
		Reason:    reason,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// LogSink only records the letter in the log
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Put(_ context.Context, letter Letter) error {
	s.logger.Error("Dead letter",
		slog.String("id", letter.ID),
		slog.Int64("request_id", letter.RequestID),
		slog.String("stage", letter.Stage),
		slog.String("reason", letter.Reason),
	)
	return nil
}

// SQLSink appends letters to the review_dead_letters table
type SQLSink struct {
	db *sqlx.DB
}

func NewSQLSink(db *sqlx.DB) *SQLSink {
	return &SQLSink{db: db}
}

func (s *SQLSink) Put(ctx context.Context, letter Letter) error {
	query := s.db.Rebind(`
		INSERT INTO ` + storage.DeadLetterTable + ` (request_id, stage, reason, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		letter.RequestID, letter.Stage, letter.Reason, string(letter.Payload), storage.Timestamp(letter.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to store dead letter for %d: %w", letter.RequestID, err)
	}
	return nil
}

// List returns the most recent letters, newest first
func (s *SQLSink) List(ctx context.Context, limit int) ([]Letter, error) {
	query := s.db.Rebind(`
		SELECT request_id, stage, reason, payload, created_at
		FROM ` + storage.DeadLetterTable + `
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`)

	rows, err := s.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []Letter
	for rows.Next() {
		var (
			l       Letter
			payload string
		)
		if err := rows.Scan(&l.RequestID, &l.Stage, &l.Reason, &payload, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		l.Payload = json.RawMessage(payload)
		letters = append(letters, l)
	}
	return letters, rows.Err()
}

// Publisher is the subset of the RabbitMQ client used by RabbitSink
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// RabbitSink publishes letters as JSON to the configured exchange
type RabbitSink struct {
	publisher Publisher
}

func NewRabbitSink(publisher Publisher) *RabbitSink {
	return &RabbitSink{publisher: publisher}
}

func (s *RabbitSink) Put(ctx context.Context, letter Letter) error {
	body, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := s.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish dead letter for %d: %w", letter.RequestID, err)
	}
	return nil
}
