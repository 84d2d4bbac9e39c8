package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/reviewbot/internal/deadletter"
	"github.com/cuongbtq/reviewbot/internal/domain"
	"github.com/cuongbtq/reviewbot/internal/queue"
)

// DefaultFailureNotice is posted for results whose generation failed
const DefaultFailureNotice = "The automated review could not be generated for this change. It will be retried when the change is updated or a new review is requested."

const (
	DefaultMaxAttempts     = 5
	DefaultDeliveryBackoff = 30 * time.Second
	deliveryStage          = "delivery"
)

// DeliveryFailurePolicy decides what happens to a result that could not be posted
type DeliveryFailurePolicy string

const (
	DeliveryDrop       DeliveryFailurePolicy = "drop"
	DeliveryRetry      DeliveryFailurePolicy = "retry"
	DeliveryDeadLetter DeliveryFailurePolicy = "dead_letter"
)

// errRejected stands in for a provider that refused the comment without an error
var errRejected = errors.New("provider did not accept the comment")

// DispatcherConfig holds the collaborators and settings of a Dispatcher
type DispatcherConfig struct {
	Results       queue.WorkQueue[domain.ReviewResult]
	Poster        Poster
	FailurePolicy DeliveryFailurePolicy
	// MaxAttempts is the total number of delivery attempts under the retry policy
	MaxAttempts   int
	Backoff       time.Duration
	DeadLetters   DeadLetterSink
	FailureNotice string
	Logger        *slog.Logger
	Now           func() time.Time
}

// Dispatcher posts review results back to their change-requests
type Dispatcher struct {
	results     queue.WorkQueue[domain.ReviewResult]
	poster      Poster
	policy      DeliveryFailurePolicy
	maxAttempts int
	backoff     time.Duration
	deadLetters DeadLetterSink
	notice      string
	logger      *slog.Logger
	now         func() time.Time
}

// NewDispatcher validates cfg and creates a Dispatcher
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Results == nil || cfg.Poster == nil {
		return nil, fmt.Errorf("dispatcher requires a result queue and a poster")
	}

	switch cfg.FailurePolicy {
	case "":
		cfg.FailurePolicy = DeliveryDrop
	case DeliveryDrop, DeliveryRetry, DeliveryDeadLetter:
	default:
		return nil, fmt.Errorf("unknown delivery failure policy %q", cfg.FailurePolicy)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultDeliveryBackoff
	}
	if cfg.FailureNotice == "" {
		cfg.FailureNotice = DefaultFailureNotice
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Dispatcher{
		results:     cfg.Results,
		poster:      cfg.Poster,
		policy:      cfg.FailurePolicy,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		deadLetters: cfg.DeadLetters,
		notice:      cfg.FailureNotice,
		logger:      cfg.Logger.With(slog.String("stage", "dispatch")),
		now:         cfg.Now,
	}, nil
}

// DispatchOne takes at most one result off the queue and posts it.
// dispatched is true when a delivery was attempted. A failed delivery is
// handled by the failure policy and reported as an error wrapping
// domain.ErrDelivery.
func (d *Dispatcher) DispatchOne(ctx context.Context) (dispatched bool, err error) {
	result, ok, err := d.results.Dequeue(ctx)
	if errors.Is(err, queue.ErrCorruptPayload) {
		d.logger.Error("Dropped unreadable result entry", slog.String("error", err.Error()))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to dequeue review result: %w", err)
	}
	if !ok {
		return false, nil
	}

	log := d.logger.With(slog.Int64("request_id", result.WorkItem.ID))

	if !result.Due(d.now()) {
		if _, err := d.results.Enqueue(ctx, result); err != nil {
			return false, fmt.Errorf("failed to put back result for %d: %w", result.WorkItem.ID, err)
		}
		log.Debug("Result not due yet", slog.Time("next_attempt_at", result.NextAttemptAt))
		return false, nil
	}

	text := result.ReviewText
	if result.Status == domain.ReviewStatusFailed {
		text = d.notice
	}

	posted, err := d.poster.PostComment(ctx, result.WorkItem.ID, text)
	if err == nil && posted {
		log.Info("Review delivered",
			slog.String("status", string(result.Status)),
			slog.Int("attempt", result.Attempts+1),
		)
		return true, nil
	}

	cause := err
	if cause == nil {
		cause = errRejected
	}
	d.fail(ctx, result, cause, log)
	return true, fmt.Errorf("%w: request %d: %v", domain.ErrDelivery, result.WorkItem.ID, cause)
}

func (d *Dispatcher) fail(ctx context.Context, result domain.ReviewResult, cause error, log *slog.Logger) {
	result.Attempts++

	switch d.policy {
	case DeliveryRetry:
		if result.Attempts >= d.maxAttempts {
			log.Warn("Delivery attempts exhausted", slog.Int("attempts", result.Attempts))
			d.deadLetter(ctx, result, cause, log)
			return
		}
		result.NextAttemptAt = d.now().Add(d.backoff << (result.Attempts - 1))
		inserted, err := d.results.Enqueue(ctx, result)
		if err != nil {
			log.Error("Failed to requeue result for retry", slog.String("error", err.Error()))
			return
		}
		if !inserted {
			log.Info("Newer result already queued, dropping failed delivery")
			return
		}
		log.Warn("Delivery failed, will retry",
			slog.Int("attempts", result.Attempts),
			slog.Time("next_attempt_at", result.NextAttemptAt),
			slog.String("error", cause.Error()),
		)

	case DeliveryDeadLetter:
		d.deadLetter(ctx, result, cause, log)

	default:
		log.Warn("Delivery failed, result dropped", slog.String("error", cause.Error()))
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, result domain.ReviewResult, cause error, log *slog.Logger) {
	if d.deadLetters == nil {
		log.Warn("No dead letter sink configured, result dropped", slog.String("error", cause.Error()))
		return
	}

	letter, err := deadletter.New(result.WorkItem.ID, deliveryStage, cause.Error(), result)
	if err != nil {
		log.Error("Failed to build dead letter", slog.String("error", err.Error()))
		return
	}
	if err := d.deadLetters.Put(ctx, letter); err != nil {
		log.Error("Failed to store dead letter", slog.String("error", err.Error()))
		return
	}
	log.Warn("Result moved to dead letters", slog.String("dead_letter_id", letter.ID))
}
