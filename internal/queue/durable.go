package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/reviewbot/internal/storage"
	"github.com/jmoiron/sqlx"
)

// DurableConfig holds the dependencies of a Durable queue
type DurableConfig[T any] struct {
	DB       *sqlx.DB
	Name     string
	Identity IdentityFunc[T]
	Codec    Codec[T]
	Logger   *slog.Logger
	Now      func() time.Time
}

// Durable is a WorkQueue persisted in the review_queue_entries table.
// Several named queues share the table.
//
// Dequeue is two-phase: the head entry is claimed by flipping its processing
// flag, decoded, then deleted. A crash between claim and delete leaves the
// entry claimed until Recover runs.
type Durable[T any] struct {
	db       *sqlx.DB
	name     string
	identity IdentityFunc[T]
	codec    Codec[T]
	logger   *slog.Logger
	now      func() time.Time

	// serializes claim/delete within this process
	mu sync.Mutex
}

type entryRow struct {
	ID        int64     `db:"id"`
	ItemID    string    `db:"item_id"`
	Payload   string    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

// NewDurable creates a queue view over the shared queue table
func NewDurable[T any](cfg DurableConfig[T]) (*Durable[T], error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("durable queue requires a database")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("durable queue requires a name")
	}
	if cfg.Identity == nil {
		return nil, fmt.Errorf("durable queue %q requires an identity function", cfg.Name)
	}
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec[T]{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Durable[T]{
		db:       cfg.DB,
		name:     cfg.Name,
		identity: cfg.Identity,
		codec:    cfg.Codec,
		logger:   cfg.Logger.With(slog.String("queue", cfg.Name)),
		now:      cfg.Now,
	}, nil
}

// Name returns the logical queue name
func (q *Durable[T]) Name() string {
	return q.name
}

func (q *Durable[T]) Enqueue(ctx context.Context, item T) (bool, error) {
	id := q.identity(item)
	if id == "" {
		return false, ErrInvalidIdentity
	}

	payload, err := q.codec.Encode(item)
	if err != nil {
		return false, fmt.Errorf("failed to encode queue item %s: %w", id, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	exists, err := q.Exists(ctx, id)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	// the partial unique index settles races with other processes
	query := q.db.Rebind(`
		INSERT INTO ` + storage.QueueTable + ` (queue_name, item_id, payload, created_at, processing)
		VALUES (?, ?, ?, ?, FALSE)
		ON CONFLICT DO NOTHING
	`)
	res, err := q.db.ExecContext(ctx, query, q.name, id, string(payload), storage.Timestamp(q.now()))
	if err != nil {
		return false, fmt.Errorf("failed to enqueue item %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read enqueue result: %w", err)
	}

	if n == 1 {
		q.logger.Debug("Item enqueued", slog.String("item_id", id))
	}
	return n == 1, nil
}

func (q *Durable[T]) EnqueueAll(ctx context.Context, items []T) (int, error) {
	return enqueueAll[T](ctx, q, items)
}

func (q *Durable[T]) Dequeue(ctx context.Context) (T, bool, error) {
	var zero T

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return zero, false, err
		}

		row, ok, err := q.head(ctx)
		if err != nil || !ok {
			return zero, false, err
		}

		claimed, err := q.claim(ctx, row.ID)
		if err != nil {
			return zero, false, err
		}
		if !claimed {
			// another process took it first
			continue
		}

		item, decodeErr := q.codec.Decode([]byte(row.Payload))

		if _, err := q.db.ExecContext(ctx, q.db.Rebind(`DELETE FROM `+storage.QueueTable+` WHERE id = ?`), row.ID); err != nil {
			// left claimed; Recover deals with it on the next start
			q.logger.Error("Failed to delete claimed entry",
				slog.String("item_id", row.ItemID),
				slog.Int64("entry_id", row.ID),
				slog.Any("error", err),
			)
		}

		if decodeErr != nil {
			q.logger.Warn("Dropped undecodable queue entry",
				slog.String("item_id", row.ItemID),
				slog.Any("error", decodeErr),
			)
			return zero, false, fmt.Errorf("%w: item %s: %v", ErrCorruptPayload, row.ItemID, decodeErr)
		}

		q.logger.Debug("Item dequeued", slog.String("item_id", row.ItemID))
		return item, true, nil
	}
}

func (q *Durable[T]) head(ctx context.Context) (entryRow, bool, error) {
	query := q.db.Rebind(`
		SELECT id, item_id, payload, created_at
		FROM ` + storage.QueueTable + `
		WHERE queue_name = ? AND processing = FALSE
		ORDER BY created_at, id
		LIMIT 1
	`)

	var row entryRow
	err := q.db.GetContext(ctx, &row, query, q.name)
	if errors.Is(err, sql.ErrNoRows) {
		return row, false, nil
	}
	if err != nil {
		return row, false, fmt.Errorf("failed to read queue head: %w", err)
	}
	return row, true, nil
}

// claim flips the processing flag of one waiting entry using optimistic locking
func (q *Durable[T]) claim(ctx context.Context, entryID int64) (bool, error) {
	query := q.db.Rebind(`
		UPDATE ` + storage.QueueTable + `
		SET processing = TRUE
		WHERE id = ? AND processing = FALSE
	`)

	res, err := q.db.ExecContext(ctx, query, entryID)
	if err != nil {
		return false, fmt.Errorf("failed to claim queue entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return n == 1, nil
}

func (q *Durable[T]) Peek(ctx context.Context) (T, bool, error) {
	var zero T

	row, ok, err := q.head(ctx)
	if err != nil || !ok {
		return zero, false, err
	}

	item, err := q.codec.Decode([]byte(row.Payload))
	if err != nil {
		return zero, false, fmt.Errorf("%w: item %s: %v", ErrCorruptPayload, row.ItemID, err)
	}
	return item, true, nil
}

// Exists reports whether any entry, waiting or claimed, carries id
func (q *Durable[T]) Exists(ctx context.Context, id string) (bool, error) {
	query := q.db.Rebind(`SELECT COUNT(*) FROM ` + storage.QueueTable + ` WHERE queue_name = ? AND item_id = ?`)

	var count int
	if err := q.db.GetContext(ctx, &count, query, q.name, id); err != nil {
		return false, fmt.Errorf("failed to check queue entry %s: %w", id, err)
	}
	return count > 0, nil
}

func (q *Durable[T]) FindByID(ctx context.Context, id string) (T, bool, error) {
	var zero T

	query := q.db.Rebind(`
		SELECT id, item_id, payload, created_at
		FROM ` + storage.QueueTable + `
		WHERE queue_name = ? AND item_id = ?
		ORDER BY processing, created_at, id
		LIMIT 1
	`)

	var row entryRow
	err := q.db.GetContext(ctx, &row, query, q.name, id)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("failed to find queue entry %s: %w", id, err)
	}

	item, err := q.codec.Decode([]byte(row.Payload))
	if err != nil {
		return zero, false, fmt.Errorf("%w: item %s: %v", ErrCorruptPayload, id, err)
	}
	return item, true, nil
}

// List returns waiting entries in dequeue order. Undecodable entries are skipped.
func (q *Durable[T]) List(ctx context.Context) ([]T, error) {
	query := q.db.Rebind(`
		SELECT id, item_id, payload, created_at
		FROM ` + storage.QueueTable + `
		WHERE queue_name = ? AND processing = FALSE
		ORDER BY created_at, id
	`)

	var rows []entryRow
	if err := q.db.SelectContext(ctx, &rows, query, q.name); err != nil {
		return nil, fmt.Errorf("failed to list queue entries: %w", err)
	}

	items := make([]T, 0, len(rows))
	for _, row := range rows {
		item, err := q.codec.Decode([]byte(row.Payload))
		if err != nil {
			q.logger.Warn("Skipping undecodable queue entry",
				slog.String("item_id", row.ItemID),
				slog.Any("error", err),
			)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Size returns the number of waiting entries
func (q *Durable[T]) Size(ctx context.Context) (int, error) {
	query := q.db.Rebind(`SELECT COUNT(*) FROM ` + storage.QueueTable + ` WHERE queue_name = ? AND processing = FALSE`)

	var count int
	if err := q.db.GetContext(ctx, &count, query, q.name); err != nil {
		return 0, fmt.Errorf("failed to count queue entries: %w", err)
	}
	return count, nil
}

// Recover resolves entries left claimed by a previous process and returns how
// many were handled. It must run before the queue is consumed.
//
// With RecoveryRequeue each claimed row is replaced by a fresh waiting row that
// keeps the original created_at, so it returns to its old place in line and no
// row ever has its flag cleared. With RecoveryDiscard claimed rows are deleted.
func (q *Durable[T]) Recover(ctx context.Context, policy RecoveryPolicy) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var rows []entryRow
	query := tx.Rebind(`
		SELECT id, item_id, payload, created_at
		FROM ` + storage.QueueTable + `
		WHERE queue_name = ? AND processing = TRUE
		ORDER BY created_at, id
	`)
	if err := tx.SelectContext(ctx, &rows, query, q.name); err != nil {
		return 0, fmt.Errorf("failed to load claimed entries: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	switch policy {
	case RecoveryRequeue:
		insert := tx.Rebind(`
			INSERT INTO ` + storage.QueueTable + ` (queue_name, item_id, payload, created_at, processing)
			VALUES (?, ?, ?, ?, FALSE)
			ON CONFLICT DO NOTHING
		`)
		for _, row := range rows {
			if _, err := tx.ExecContext(ctx, insert, q.name, row.ItemID, row.Payload, storage.Timestamp(row.CreatedAt)); err != nil {
				return 0, fmt.Errorf("failed to requeue entry %s: %w", row.ItemID, err)
			}
		}
	case RecoveryDiscard:
	default:
		return 0, fmt.Errorf("unknown recovery policy %q", policy)
	}

	del := tx.Rebind(`DELETE FROM ` + storage.QueueTable + ` WHERE queue_name = ? AND processing = TRUE`)
	if _, err := tx.ExecContext(ctx, del, q.name); err != nil {
		return 0, fmt.Errorf("failed to clear claimed entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit recovery: %w", err)
	}

	q.logger.Info("Recovered claimed queue entries",
		slog.String("policy", string(policy)),
		slog.Int("count", len(rows)),
	)
	return len(rows), nil
}
