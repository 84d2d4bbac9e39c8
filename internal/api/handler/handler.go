package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/reviewbot/internal/deadletter"
	"github.com/cuongbtq/reviewbot/internal/fingerprint"
	"github.com/cuongbtq/reviewbot/internal/queue"
)

// QueueView is the read-only side of a work queue, independent of its item type
type QueueView interface {
	Size(ctx context.Context) (int, error)
	Items(ctx context.Context) ([]any, error)
	Find(ctx context.Context, id string) (any, bool, error)
}

type queueView[T any] struct {
	q queue.WorkQueue[T]
}

// NewQueueView exposes q to the handlers
func NewQueueView[T any](q queue.WorkQueue[T]) QueueView {
	return queueView[T]{q: q}
}

func (v queueView[T]) Size(ctx context.Context) (int, error) {
	return v.q.Size(ctx)
}

func (v queueView[T]) Items(ctx context.Context) ([]any, error) {
	items, err := v.q.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out, nil
}

func (v queueView[T]) Find(ctx context.Context, id string) (any, bool, error) {
	item, ok, err := v.q.FindByID(ctx, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	return item, true, nil
}

// DeadLetterLister lists stored dead letters, newest first
type DeadLetterLister interface {
	List(ctx context.Context, limit int) ([]deadletter.Letter, error)
}

// Pinger reports whether the backing database is reachable
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// Searcher finds code snippets related to a query
type Searcher interface {
	Search(ctx context.Context, repo, query string, k int) ([]string, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Service      string
	Queues       map[string]QueueView
	Fingerprints fingerprint.Store
	DeadLetters  DeadLetterLister // optional
	Database     Pinger           // optional
	Searcher     Searcher         // optional
	// Repository is searched when a request names none
	Repository   string
}

// ReviewHandler serves read-only views of the review pipeline state
type ReviewHandler struct {
	logger       *slog.Logger
	queues       map[string]QueueView
	fingerprints fingerprint.Store
	deadLetters  DeadLetterLister
	database     Pinger
	searcher     Searcher
	repository   string
}

// NewReviewHandler creates a new ReviewHandler instance
func NewReviewHandler(deps *Dependencies) *ReviewHandler {
	return &ReviewHandler{
		logger:       deps.Logger,
		queues:       deps.Queues,
		fingerprints: deps.Fingerprints,
		deadLetters:  deps.DeadLetters,
		database:     deps.Database,
		searcher:     deps.Searcher,
		repository:   deps.Repository,
	}
}
