package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/reviewbot/internal/domain"
	"github.com/cuongbtq/reviewbot/internal/fingerprint"
	"github.com/cuongbtq/reviewbot/internal/queue"
	"github.com/cuongbtq/reviewbot/internal/vcs"
)

const (
	DefaultScannerName         = "intake"
	DefaultPageSize            = 10
	DefaultMaxPagesBeforeReset = 10
)

// ScannerConfig holds the collaborators and settings of a Scanner
type ScannerConfig struct {
	Name                string
	Source              Source
	Queue               queue.WorkQueue[domain.WorkItem]
	Fingerprints        fingerprint.Store
	Cursors             CursorStore
	TriggerPattern      string
	PageSize            int
	MaxPagesBeforeReset int
	// Lock, when set, must be acquired for a tick to run
	Lock   Locker
	Logger *slog.Logger
}

// ScanReport summarises one Scan invocation
type ScanReport struct {
	Page     int
	Fetched  int
	Matched  int
	Enqueued int
	Skipped  int
	Errors   int
	Reset    bool
}

// Scanner walks open change-requests page by page and enqueues the ones
// with a new trigger comment
type Scanner struct {
	name         string
	source       Source
	queue        queue.WorkQueue[domain.WorkItem]
	fingerprints fingerprint.Store
	cursors      CursorStore
	pattern      string
	pageSize     int
	maxPages     int
	lock         Locker
	logger       *slog.Logger
}

// NewScanner validates cfg and creates a Scanner
func NewScanner(cfg ScannerConfig) (*Scanner, error) {
	if cfg.Source == nil || cfg.Queue == nil || cfg.Fingerprints == nil {
		return nil, fmt.Errorf("scanner requires a source, a queue and a fingerprint store")
	}
	if cfg.TriggerPattern == "" {
		return nil, fmt.Errorf("scanner requires a trigger pattern")
	}
	if cfg.Name == "" {
		cfg.Name = DefaultScannerName
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxPagesBeforeReset <= 0 {
		cfg.MaxPagesBeforeReset = DefaultMaxPagesBeforeReset
	}
	if cfg.Cursors == nil {
		cfg.Cursors = NewMemoryCursorStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scanner{
		name:         cfg.Name,
		source:       cfg.Source,
		queue:        cfg.Queue,
		fingerprints: cfg.Fingerprints,
		cursors:      cfg.Cursors,
		pattern:      cfg.TriggerPattern,
		pageSize:     cfg.PageSize,
		maxPages:     cfg.MaxPagesBeforeReset,
		lock:         cfg.Lock,
		logger:       cfg.Logger.With(slog.String("stage", "scan")),
	}, nil
}

// Tick loads the cursor, scans one page and saves the next cursor.
// When a lock is configured and held elsewhere the tick is skipped.
func (s *Scanner) Tick(ctx context.Context) error {
	if s.lock != nil {
		locked, err := s.lock.TryLock()
		if err != nil {
			return fmt.Errorf("failed to take scanner lock: %w", err)
		}
		if !locked {
			s.logger.Debug("Scanner lock held by another process, skipping tick")
			return nil
		}
		defer func() {
			if err := s.lock.Unlock(); err != nil {
				s.logger.Warn("Failed to release scanner lock", slog.String("error", err.Error()))
			}
		}()
	}

	cur, err := s.cursors.Load(ctx, s.name)
	if err != nil {
		s.logger.Warn("Failed to load cursor, starting from the first page",
			slog.String("error", err.Error()),
		)
		cur = Cursor{}
	}

	next, report := s.Scan(ctx, cur)

	if err := s.cursors.Save(ctx, s.name, next); err != nil {
		return err
	}

	s.logger.Info("Scan finished",
		slog.Int("page", report.Page),
		slog.Int("fetched", report.Fetched),
		slog.Int("matched", report.Matched),
		slog.Int("enqueued", report.Enqueued),
		slog.Int("skipped", report.Skipped),
		slog.Int("errors", report.Errors),
		slog.Int("next_page", next.Page),
	)
	return nil
}

// Scan processes the page at cur and returns the cursor for the next invocation
func (s *Scanner) Scan(ctx context.Context, cur Cursor) (Cursor, ScanReport) {
	if cur.Page < 0 {
		cur = Cursor{}
	}
	report := ScanReport{Page: cur.Page}

	page, err := s.source.FetchPage(ctx, cur.Page*s.pageSize, s.pageSize)
	if err != nil {
		s.logger.Error("Failed to fetch change requests",
			slog.Int("page", cur.Page),
			slog.String("error", fmt.Errorf("%w: %v", domain.ErrFetch, err).Error()),
		)
		report.Errors++
		report.Reset = true
		return Cursor{}, report
	}

	report.Fetched = len(page.Items)
	if len(page.Items) == 0 {
		report.Reset = true
		return Cursor{}, report
	}

	for _, cr := range page.Items {
		if ctx.Err() != nil {
			// leave the cursor where it was so the page is scanned again
			return cur, report
		}
		s.consider(ctx, cr, &report)
	}

	if page.IsLastPage {
		report.Reset = true
		return Cursor{}, report
	}

	next := Cursor{Page: cur.Page + 1}
	if next.Page >= s.maxPages {
		s.logger.Info("Page limit reached without a last page, restarting from the first page",
			slog.Int("max_pages", s.maxPages),
		)
		report.Reset = true
		return Cursor{}, report
	}
	return next, report
}

func (s *Scanner) consider(ctx context.Context, cr vcs.ChangeRequest, report *ScanReport) {
	log := s.logger.With(slog.Int64("request_id", cr.ID))

	matches, err := s.source.SearchComments(ctx, cr.ID, s.pattern)
	if err != nil {
		log.Warn("Failed to search comments",
			slog.String("error", fmt.Errorf("%w: %v", domain.ErrSearch, err).Error()),
		)
		report.Errors++
		return
	}
	if len(matches) == 0 {
		return
	}
	report.Matched++

	item := domain.WorkItem{
		ID:             cr.ID,
		Title:          cr.Title,
		SourceRef:      cr.SourceRef,
		TargetRef:      cr.TargetRef,
		Author:         cr.Author,
		Repository:     cr.Repository,
		CloneURL:       cr.CloneURL,
		UpdatedAt:      cr.UpdatedAt,
		TriggerComment: vcs.TriggerText(matches),
	}
	if item.Key() == "" {
		log.Warn("Change request has no usable id, skipping")
		report.Errors++
		return
	}

	queued, err := s.queue.Exists(ctx, item.Key())
	if err != nil {
		log.Warn("Failed to check review queue", slog.String("error", err.Error()))
		report.Errors++
		return
	}
	if queued {
		report.Skipped++
		return
	}

	unchanged, err := s.fingerprints.IsUnchanged(ctx, item.ID, item.UpdatedAt, item.TriggerComment)
	if err != nil {
		log.Warn("Failed to check fingerprint", slog.String("error", err.Error()))
		report.Errors++
		return
	}
	if unchanged {
		report.Skipped++
		return
	}

	inserted, err := s.queue.Enqueue(ctx, item)
	if err != nil {
		log.Error("Failed to enqueue change request", slog.String("error", err.Error()))
		report.Errors++
		return
	}
	if !inserted {
		report.Skipped++
		return
	}

	report.Enqueued++
	log.Info("Change request queued for review",
		slog.String("title", item.Title),
		slog.String("author", item.Author),
	)
}
