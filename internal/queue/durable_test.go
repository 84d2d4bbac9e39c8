package queue

import (
	"context"
	"testing"
	"time"

	"github.com/cuongbtq/reviewbot/internal/storage"
	"github.com/cuongbtq/reviewbot/internal/testsupport"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDurable(t *testing.T, db *sqlx.DB, name string) *Durable[job] {
	t.Helper()
	q, err := NewDurable(DurableConfig[job]{
		DB:       db,
		Name:     name,
		Identity: jobKey,
		Logger:   testsupport.DiscardLogger(),
	})
	require.NoError(t, err)
	return q
}

// insertClaimed simulates an entry left behind by a process that crashed
// between claim and delete.
func insertClaimed(t *testing.T, db *sqlx.DB, queueName, itemID, payload string, createdAt time.Time) {
	t.Helper()
	_, err := db.Exec(db.Rebind(`
		INSERT INTO `+storage.QueueTable+` (queue_name, item_id, payload, created_at, processing)
		VALUES (?, ?, ?, ?, TRUE)
	`), queueName, itemID, payload, storage.Timestamp(createdAt))
	require.NoError(t, err)
}

func TestNewDurable_Validation(t *testing.T) {
	db := testsupport.NewSQLiteDB(t)

	tests := []struct {
		name      string
		config    DurableConfig[job]
		errString string
	}{
		{name: "missing db", config: DurableConfig[job]{Name: "jobs", Identity: jobKey}, errString: "requires a database"},
		{name: "missing name", config: DurableConfig[job]{DB: db, Identity: jobKey}, errString: "requires a name"},
		{name: "missing identity", config: DurableConfig[job]{DB: db, Name: "jobs"}, errString: "requires an identity function"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := NewDurable(tt.config)
			require.Error(t, err)
			assert.Nil(t, q)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestDurable_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	db := testsupport.NewSQLiteDB(t)

	first := newDurable(t, db, "jobs")
	_, err := first.EnqueueAll(ctx, []job{{ID: 1, Note: "a"}, {ID: 2, Note: "b"}})
	require.NoError(t, err)

	second := newDurable(t, db, "jobs")
	item, ok, err := second.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job{ID: 1, Note: "a"}, item)

	size, err := first.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestDurable_NamedQueuesAreIndependent(t *testing.T) {
	ctx := context.Background()
	db := testsupport.NewSQLiteDB(t)

	intake := newDurable(t, db, "intake")
	results := newDurable(t, db, "results")

	_, err := intake.Enqueue(ctx, job{ID: 42})
	require.NoError(t, err)

	inserted, err := results.Enqueue(ctx, job{ID: 42})
	require.NoError(t, err)
	assert.True(t, inserted)

	_, ok, err := intake.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	exists, err := results.Exists(ctx, "42")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDurable_ClaimedEntryBlocksEnqueue(t *testing.T) {
	ctx := context.Background()
	db := testsupport.NewSQLiteDB(t)
	q := newDurable(t, db, "jobs")

	insertClaimed(t, db, "jobs", "5", `{"id":5}`, time.Now())

	exists, err := q.Exists(ctx, "5")
	require.NoError(t, err)
	assert.True(t, exists)

	inserted, err := q.Enqueue(ctx, job{ID: 5})
	require.NoError(t, err)
	assert.False(t, inserted)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size, "claimed entries are not waiting")
}

func TestDurable_Recover(t *testing.T) {
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		policy    RecoveryPolicy
		wantOrder []int
	}{
		{name: "requeue restores original position", policy: RecoveryRequeue, wantOrder: []int{1, 2, 3}},
		{name: "discard drops claimed entries", policy: RecoveryDiscard, wantOrder: []int{2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			db := testsupport.NewSQLiteDB(t)

			clock := base.Add(time.Minute)
			q, err := NewDurable(DurableConfig[job]{
				DB:       db,
				Name:     "jobs",
				Identity: jobKey,
				Logger:   testsupport.DiscardLogger(),
				Now: func() time.Time {
					clock = clock.Add(time.Second)
					return clock
				},
			})
			require.NoError(t, err)

			insertClaimed(t, db, "jobs", "1", `{"id":1}`, base)
			_, err = q.EnqueueAll(ctx, []job{{ID: 2}, {ID: 3}})
			require.NoError(t, err)

			n, err := q.Recover(ctx, tt.policy)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			var order []int
			for {
				item, ok, err := q.Dequeue(ctx)
				require.NoError(t, err)
				if !ok {
					break
				}
				order = append(order, item.ID)
			}
			assert.Equal(t, tt.wantOrder, order)

			var leftover int
			require.NoError(t, db.Get(&leftover, `SELECT COUNT(*) FROM `+storage.QueueTable))
			assert.Zero(t, leftover)
		})
	}
}

func TestDurable_RecoverNothingToDo(t *testing.T) {
	q := newDurable(t, testsupport.NewSQLiteDB(t), "jobs")

	n, err := q.Recover(context.Background(), RecoveryRequeue)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDurable_RecoverUnknownPolicy(t *testing.T) {
	db := testsupport.NewSQLiteDB(t)
	q := newDurable(t, db, "jobs")
	insertClaimed(t, db, "jobs", "1", `{"id":1}`, time.Now())

	_, err := q.Recover(context.Background(), RecoveryPolicy("replay"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown recovery policy")
}

func TestDurable_CorruptPayload(t *testing.T) {
	ctx := context.Background()
	db := testsupport.NewSQLiteDB(t)
	q := newDurable(t, db, "jobs")

	_, err := db.Exec(db.Rebind(`
		INSERT INTO `+storage.QueueTable+` (queue_name, item_id, payload, created_at, processing)
		VALUES (?, ?, ?, ?, FALSE)
	`), "jobs", "13", "{not json", storage.Timestamp(time.Now().Add(-time.Hour)))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job{ID: 14})
	require.NoError(t, err)

	items, err := q.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []job{{ID: 14}}, items)

	_, ok, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrCorruptPayload)
	assert.False(t, ok)

	item, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 14, item.ID)
}

func TestDurable_DequeueHonoursCancellation(t *testing.T) {
	q := newDurable(t, testsupport.NewSQLiteDB(t), "jobs")
	_, err := q.Enqueue(context.Background(), job{ID: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
}
