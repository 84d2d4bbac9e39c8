package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuongbtq/reviewbot/internal/storage"
	"github.com/jmoiron/sqlx"
)

// Cursor is the scanner position. Page only advances when the previous
// invocation did not reach the last page, so it also counts consecutive
// invocations without a last page.
type Cursor struct {
	Page int `json:"page" db:"page"`
}

// CursorStore persists a Cursor per scanner name
type CursorStore interface {
	Load(ctx context.Context, scanner string) (Cursor, error)
	Save(ctx context.Context, scanner string, cur Cursor) error
}

// MemoryCursorStore keeps cursors for the lifetime of the process
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]Cursor
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]Cursor)}
}

func (s *MemoryCursorStore) Load(_ context.Context, scanner string) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[scanner], nil
}

func (s *MemoryCursorStore) Save(_ context.Context, scanner string, cur Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[scanner] = cur
	return nil
}

// SQLCursorStore keeps cursors in the review_scan_cursors table
type SQLCursorStore struct {
	db *sqlx.DB
}

func NewSQLCursorStore(db *sqlx.DB) *SQLCursorStore {
	return &SQLCursorStore{db: db}
}

func (s *SQLCursorStore) Load(ctx context.Context, scanner string) (Cursor, error) {
	query := s.db.Rebind(`SELECT page FROM ` + storage.CursorTable + ` WHERE scanner = ?`)

	var cur Cursor
	err := s.db.GetContext(ctx, &cur, query, scanner)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("failed to load cursor %s: %w", scanner, err)
	}
	return cur, nil
}

func (s *SQLCursorStore) Save(ctx context.Context, scanner string, cur Cursor) error {
	query := s.db.Rebind(`
		INSERT INTO ` + storage.CursorTable + ` (scanner, page, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (scanner) DO UPDATE SET
			page = excluded.page,
			updated_at = excluded.updated_at
	`)
	if _, err := s.db.ExecContext(ctx, query, scanner, cur.Page, storage.Timestamp(time.Now())); err != nil {
		return fmt.Errorf("failed to save cursor %s: %w", scanner, err)
	}
	return nil
}
