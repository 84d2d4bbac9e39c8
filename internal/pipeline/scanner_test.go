package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cuongbtq/reviewbot/internal/domain"
	"github.com/cuongbtq/reviewbot/internal/fingerprint"
	"github.com/cuongbtq/reviewbot/internal/queue"
	"github.com/cuongbtq/reviewbot/internal/testsupport"
	"github.com/cuongbtq/reviewbot/internal/vcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scanTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func request(id int64) vcs.ChangeRequest {
	return vcs.ChangeRequest{
		ID:         id,
		Title:      fmt.Sprintf("Change %d", id),
		SourceRef:  fmt.Sprintf("feature/%d", id),
		TargetRef:  "main",
		Author:     "alice",
		Repository: "acme/widgets",
		UpdatedAt:  scanTime,
	}
}

type scannerFixture struct {
	source       *fakeSource
	queue        *queue.Volatile[domain.WorkItem]
	fingerprints *fingerprint.Memory
	cursors      *MemoryCursorStore
	scanner      *Scanner
}

func newScannerFixture(t *testing.T, mutate func(*ScannerConfig)) *scannerFixture {
	t.Helper()
	f := &scannerFixture{
		source:       newFakeSource(),
		queue:        queue.NewVolatile(domain.WorkItem.Key),
		fingerprints: fingerprint.NewMemory(),
		cursors:      NewMemoryCursorStore(),
	}
	cfg := ScannerConfig{
		Source:         f.source,
		Queue:          f.queue,
		Fingerprints:   f.fingerprints,
		Cursors:        f.cursors,
		TriggerPattern: "@bot",
		PageSize:       10,
		Logger:         testsupport.DiscardLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewScanner(cfg)
	require.NoError(t, err)
	f.scanner = s
	return f
}

func TestNewScanner_Validation(t *testing.T) {
	tests := []struct {
		name      string
		cfg       ScannerConfig
		errString string
	}{
		{name: "no collaborators", cfg: ScannerConfig{TriggerPattern: "@bot"}, errString: "requires a source"},
		{
			name: "no pattern",
			cfg: ScannerConfig{
				Source:       newFakeSource(),
				Queue:        queue.NewVolatile(domain.WorkItem.Key),
				Fingerprints: fingerprint.NewMemory(),
			},
			errString: "trigger pattern",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewScanner(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestScanner_CursorWrapsAround(t *testing.T) {
	f := newScannerFixture(t, nil)
	for i := int64(1); i <= 25; i++ {
		f.source.add(request(i), nil)
	}
	ctx := context.Background()

	cur, report := f.scanner.Scan(ctx, Cursor{})
	assert.Equal(t, Cursor{Page: 1}, cur)
	assert.Equal(t, 10, report.Fetched)
	assert.False(t, report.Reset)

	cur, _ = f.scanner.Scan(ctx, cur)
	assert.Equal(t, Cursor{Page: 2}, cur)

	cur, report = f.scanner.Scan(ctx, cur)
	assert.Equal(t, Cursor{}, cur)
	assert.Equal(t, 5, report.Fetched)
	assert.True(t, report.Reset)

	assert.Equal(t, []int{0, 10, 20}, f.source.fetchOffsets())
}

func TestScanner_ResetsAfterPageLimit(t *testing.T) {
	f := newScannerFixture(t, func(cfg *ScannerConfig) {
		cfg.PageSize = 2
		cfg.MaxPagesBeforeReset = 3
	})
	f.source.endless = true
	ctx := context.Background()

	cur := Cursor{}
	var pages []int
	for i := 0; i < 7; i++ {
		var report ScanReport
		cur, report = f.scanner.Scan(ctx, cur)
		pages = append(pages, report.Page)
	}

	assert.Equal(t, []int{0, 1, 2, 0, 1, 2, 0}, pages)
}

func TestScanner_ResetCases(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fakeSource)
	}{
		{name: "fetch error", setup: func(f *fakeSource) { f.fetchErr = errBoom }},
		{name: "empty page", setup: func(f *fakeSource) {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newScannerFixture(t, nil)
			tt.setup(f.source)

			cur, report := f.scanner.Scan(context.Background(), Cursor{Page: 4})
			assert.Equal(t, Cursor{}, cur)
			assert.True(t, report.Reset)
			assert.Equal(t, 4, report.Page)
		})
	}
}

func TestScanner_EnqueuesOnlyTriggeredRequests(t *testing.T) {
	f := newScannerFixture(t, nil)
	f.source.add(request(1), map[int64]string{10: "looks fine"})
	f.source.add(request(2), map[int64]string{21: "also @Bot check tests", 20: "please @bot review"})
	f.source.add(request(3), nil)
	ctx := context.Background()

	_, report := f.scanner.Scan(ctx, Cursor{})
	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, 1, report.Enqueued)

	items, err := f.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(2), items[0].ID)
	assert.Equal(t, "please @bot review, also @Bot check tests", items[0].TriggerComment)
	assert.Equal(t, "Change 2", items[0].Title)
	assert.Equal(t, "feature/2", items[0].SourceRef)
	assert.Equal(t, "main", items[0].TargetRef)
	assert.True(t, scanTime.Equal(items[0].UpdatedAt))
}

func TestScanner_SkipsQueuedAndUnchanged(t *testing.T) {
	f := newScannerFixture(t, nil)
	trigger := map[int64]string{1: "@bot review"}
	f.source.add(request(1), trigger)
	f.source.add(request(2), trigger)
	f.source.add(request(3), trigger)
	ctx := context.Background()

	// #1 is already waiting for review
	_, err := f.queue.Enqueue(ctx, domain.WorkItem{ID: 1, Title: "stale snapshot"})
	require.NoError(t, err)
	// #2 was reviewed in exactly this state
	require.NoError(t, f.fingerprints.Record(ctx, 2, scanTime, "@bot review"))
	// #3 was reviewed before its last update
	require.NoError(t, f.fingerprints.Record(ctx, 3, scanTime.Add(-time.Hour), "@bot review"))

	_, report := f.scanner.Scan(ctx, Cursor{})
	assert.Equal(t, 3, report.Matched)
	assert.Equal(t, 1, report.Enqueued)
	assert.Equal(t, 2, report.Skipped)

	items, err := f.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "stale snapshot", items[0].Title, "queued entry is not replaced")
	assert.Equal(t, int64(3), items[1].ID)
}

func TestScanner_SearchErrorSkipsOnlyThatRequest(t *testing.T) {
	f := newScannerFixture(t, nil)
	f.source.add(request(1), map[int64]string{1: "@bot"})
	f.source.add(request(2), map[int64]string{2: "@bot"})
	f.source.searchErr[1] = errBoom

	cur, report := f.scanner.Scan(context.Background(), Cursor{})
	assert.Equal(t, Cursor{}, cur, "single page is the last page")
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 1, report.Enqueued)

	ok, err := f.queue.Exists(context.Background(), "2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScanner_RescanIsIdempotent(t *testing.T) {
	f := newScannerFixture(t, nil)
	f.source.add(request(7), map[int64]string{1: "@bot"})
	ctx := context.Background()

	_, first := f.scanner.Scan(ctx, Cursor{})
	_, second := f.scanner.Scan(ctx, Cursor{})
	assert.Equal(t, 1, first.Enqueued)
	assert.Equal(t, 0, second.Enqueued)

	size, err := f.queue.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestScanner_CancelledScanKeepsCursor(t *testing.T) {
	f := newScannerFixture(t, nil)
	for i := int64(1); i <= 15; i++ {
		f.source.add(request(i), map[int64]string{1: "@bot"})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cur, report := f.scanner.Scan(ctx, Cursor{Page: 0})
	assert.Equal(t, Cursor{Page: 0}, cur)
	assert.Equal(t, 0, report.Enqueued)
}

func TestScanner_TickPersistsCursor(t *testing.T) {
	db := testsupport.NewSQLiteDB(t)
	cursors := NewSQLCursorStore(db)
	f := newScannerFixture(t, func(cfg *ScannerConfig) {
		cfg.PageSize = 2
		cfg.Cursors = cursors
	})
	for i := int64(1); i <= 5; i++ {
		f.source.add(request(i), nil)
	}
	ctx := context.Background()

	require.NoError(t, f.scanner.Tick(ctx))
	require.NoError(t, f.scanner.Tick(ctx))

	cur, err := cursors.Load(ctx, DefaultScannerName)
	require.NoError(t, err)
	assert.Equal(t, Cursor{Page: 2}, cur)

	require.NoError(t, f.scanner.Tick(ctx))
	cur, err = cursors.Load(ctx, DefaultScannerName)
	require.NoError(t, err)
	assert.Equal(t, Cursor{}, cur)

	assert.Equal(t, []int{0, 2, 4}, f.source.fetchOffsets())
}

func TestScanner_TickLock(t *testing.T) {
	tests := []struct {
		name        string
		lock        *fakeLock
		wantErr     bool
		wantFetches int
		wantUnlocks int
	}{
		{name: "lock taken", lock: &fakeLock{available: true}, wantFetches: 1, wantUnlocks: 1},
		{name: "lock held elsewhere", lock: &fakeLock{available: false}, wantFetches: 0, wantUnlocks: 0},
		{name: "lock error", lock: &fakeLock{err: errBoom}, wantErr: true, wantFetches: 0, wantUnlocks: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newScannerFixture(t, func(cfg *ScannerConfig) { cfg.Lock = tt.lock })

			err := f.scanner.Tick(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, f.source.fetchOffsets(), tt.wantFetches)
			assert.Equal(t, tt.wantUnlocks, tt.lock.unlocks)
		})
	}
}

func TestCursorStores(t *testing.T) {
	stores := map[string]CursorStore{
		"memory": NewMemoryCursorStore(),
		"sql":    NewSQLCursorStore(testsupport.NewSQLiteDB(t)),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			cur, err := store.Load(ctx, "intake")
			require.NoError(t, err)
			assert.Equal(t, Cursor{}, cur)

			require.NoError(t, store.Save(ctx, "intake", Cursor{Page: 3}))
			require.NoError(t, store.Save(ctx, "other", Cursor{Page: 1}))
			require.NoError(t, store.Save(ctx, "intake", Cursor{Page: 4}))

			cur, err = store.Load(ctx, "intake")
			require.NoError(t, err)
			assert.Equal(t, Cursor{Page: 4}, cur)

			cur, err = store.Load(ctx, "other")
			require.NoError(t, err)
			assert.Equal(t, Cursor{Page: 1}, cur)
		})
	}
}
