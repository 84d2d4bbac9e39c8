package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/cuongbtq/reviewbot/internal/domain"
	"github.com/cuongbtq/reviewbot/internal/fingerprint"
	"github.com/cuongbtq/reviewbot/internal/queue"
)

// DefaultPromptTemplate is used when no prompt template is configured
const DefaultPromptTemplate = `You are reviewing a code change. Check the following code for bugs, weaknesses and deviations from best practices.

Title of the change: {{.Title}}

The changes:
` + "```" + `
{{.Diff}}
` + "```" + `
{{if .Context}}
Related code from the repository:
{{.Context}}
{{end}}
Please answer with:
1. Overall assessment
2. Main problems or questions
3. Style and best practice recommendations
4. Security remarks, if any

Pay particular attention to the author's comments, they are important:
{{.TriggerComment}}
`

// DefaultContextResults is the number of snippets requested from the searcher
const DefaultContextResults = 10

// GenerationFailurePolicy decides what happens to a failed generation
type GenerationFailurePolicy string

const (
	// GenerationDeliver sends a Failed result so the author gets a failure notice
	GenerationDeliver GenerationFailurePolicy = "deliver"
	// GenerationSuppress drops the result; the request is picked up by a later scan
	GenerationSuppress GenerationFailurePolicy = "suppress"
)

// PromptData is the value the prompt template is executed with
type PromptData struct {
	Title          string
	Author         string
	SourceRef      string
	TargetRef      string
	Repository     string
	Diff           string
	TriggerComment string
	Context        string
}

// ReviewerConfig holds the collaborators and settings of a Reviewer
type ReviewerConfig struct {
	Intake       queue.WorkQueue[domain.WorkItem]
	Results      queue.WorkQueue[domain.ReviewResult]
	Fingerprints fingerprint.Store
	Generator    Generator
	// Diffs and Searcher are optional; without them the prompt has no diff or context
	Diffs             DiffProvider
	Searcher          Searcher
	PromptTemplate    string
	ContextResults    int
	GenerationTimeout time.Duration
	// MaxPerTick bounds one Drain call, 0 means until the queue is empty
	MaxPerTick    int
	FailurePolicy GenerationFailurePolicy
	Logger        *slog.Logger
	Now           func() time.Time
}

// Reviewer drains the intake queue into the result queue
type Reviewer struct {
	intake         queue.WorkQueue[domain.WorkItem]
	results        queue.WorkQueue[domain.ReviewResult]
	fingerprints   fingerprint.Store
	generator      Generator
	diffs          DiffProvider
	searcher       Searcher
	prompt         *template.Template
	contextResults int
	timeout        time.Duration
	maxPerTick     int
	policy         GenerationFailurePolicy
	logger         *slog.Logger
	now            func() time.Time
}

// NewReviewer validates cfg, parses the prompt template and creates a Reviewer
func NewReviewer(cfg ReviewerConfig) (*Reviewer, error) {
	if cfg.Intake == nil || cfg.Results == nil || cfg.Fingerprints == nil || cfg.Generator == nil {
		return nil, fmt.Errorf("reviewer requires intake and result queues, a fingerprint store and a generator")
	}

	text := cfg.PromptTemplate
	if strings.TrimSpace(text) == "" {
		text = DefaultPromptTemplate
	}
	tmpl, err := template.New("prompt").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("invalid prompt template: %w", err)
	}

	switch cfg.FailurePolicy {
	case "":
		cfg.FailurePolicy = GenerationDeliver
	case GenerationDeliver, GenerationSuppress:
	default:
		return nil, fmt.Errorf("unknown generation failure policy %q", cfg.FailurePolicy)
	}
	if cfg.ContextResults <= 0 {
		cfg.ContextResults = DefaultContextResults
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Reviewer{
		intake:         cfg.Intake,
		results:        cfg.Results,
		fingerprints:   cfg.Fingerprints,
		generator:      cfg.Generator,
		diffs:          cfg.Diffs,
		searcher:       cfg.Searcher,
		prompt:         tmpl,
		contextResults: cfg.ContextResults,
		timeout:        cfg.GenerationTimeout,
		maxPerTick:     cfg.MaxPerTick,
		policy:         cfg.FailurePolicy,
		logger:         cfg.Logger.With(slog.String("stage", "review")),
		now:            cfg.Now,
	}, nil
}

// Drain reviews queued items until the intake queue is empty, the per-tick
// limit is reached or ctx is done. It returns the number of items reviewed.
func (r *Reviewer) Drain(ctx context.Context) (int, error) {
	processed := 0
	for r.maxPerTick <= 0 || processed < r.maxPerTick {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		item, ok, err := r.intake.Dequeue(ctx)
		if errors.Is(err, queue.ErrCorruptPayload) {
			r.logger.Error("Dropped unreadable intake entry", slog.String("error", err.Error()))
			continue
		}
		if err != nil {
			return processed, fmt.Errorf("failed to dequeue work item: %w", err)
		}
		if !ok {
			break
		}

		result := r.Review(ctx, item)
		if result.Status == domain.ReviewStatusFailed && ctx.Err() != nil {
			// interrupted by shutdown, not a generation failure
			r.requeue(ctx, item)
			return processed, ctx.Err()
		}
		processed++
		// a produced result is queued even while stopping
		r.hand(context.WithoutCancel(ctx), item, result)
	}

	if processed > 0 {
		r.logger.Info("Review drain finished", slog.Int("processed", processed))
	}
	return processed, nil
}

// requeue returns an interrupted item to the intake queue so the next run
// reviews it again
func (r *Reviewer) requeue(ctx context.Context, item domain.WorkItem) {
	log := r.logger.With(slog.Int64("request_id", item.ID))

	inserted, err := r.intake.Enqueue(context.WithoutCancel(ctx), item)
	if err != nil {
		log.Error("Failed to return interrupted work item to intake", slog.String("error", err.Error()))
		return
	}
	if inserted {
		log.Info("Returned interrupted work item to intake")
	}
}

// hand passes result on to the result queue and records the fingerprint
// once the result is queued
func (r *Reviewer) hand(ctx context.Context, item domain.WorkItem, result domain.ReviewResult) {
	log := r.logger.With(slog.Int64("request_id", item.ID))

	if result.Status == domain.ReviewStatusFailed && r.policy == GenerationSuppress {
		log.Warn("Review generation failed, result suppressed",
			slog.String("error", result.Error),
		)
		return
	}

	inserted, err := r.results.Enqueue(ctx, result)
	if err != nil {
		log.Error("Failed to enqueue review result", slog.String("error", err.Error()))
		return
	}
	if !inserted {
		// fingerprint stays old so a later scan picks the request up again
		log.Warn("A result for this request is already waiting for delivery")
		return
	}

	if err := r.fingerprints.Record(ctx, item.ID, item.UpdatedAt, item.TriggerComment); err != nil {
		log.Error("Failed to record fingerprint", slog.String("error", err.Error()))
	}
}

// Review produces the result for a single item. It never returns an error:
// diff and context failures degrade the prompt, generation failures
// produce a Failed result.
func (r *Reviewer) Review(ctx context.Context, item domain.WorkItem) domain.ReviewResult {
	log := r.logger.With(slog.Int64("request_id", item.ID))
	started := r.now()

	diff := r.diff(ctx, item, log)
	snippets := r.context(ctx, item, diff, log)

	result := domain.ReviewResult{
		WorkItem: item,
		Status:   domain.ReviewStatusCompleted,
	}

	text, err := r.generate(ctx, item, diff, snippets)
	if err != nil {
		log.Error("Review generation failed", slog.String("error", err.Error()))
		result.Status = domain.ReviewStatusFailed
		result.Error = err.Error()
	} else {
		result.ReviewText = text
	}

	result.ProducedAt = r.now()
	log.Info("Review produced",
		slog.String("status", string(result.Status)),
		slog.Duration("duration", result.ProducedAt.Sub(started)),
	)
	return result
}

func (r *Reviewer) diff(ctx context.Context, item domain.WorkItem, log *slog.Logger) string {
	if r.diffs == nil {
		return ""
	}
	repoRef := item.CloneURL
	if repoRef == "" {
		repoRef = item.Repository
	}

	diff, err := r.diffs.GetDiff(ctx, repoRef, item.TargetRef, item.SourceRef)
	if err != nil {
		log.Warn("Failed to get diff, reviewing without it",
			slog.String("base", item.TargetRef),
			slog.String("head", item.SourceRef),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return diff
}

func (r *Reviewer) context(ctx context.Context, item domain.WorkItem, diff string, log *slog.Logger) []string {
	if r.searcher == nil || strings.TrimSpace(diff) == "" {
		return nil
	}

	snippets, err := r.searcher.Search(ctx, item.Repository, diff, r.contextResults)
	if err != nil {
		log.Warn("Semantic search failed, reviewing without context", slog.String("error", err.Error()))
		return nil
	}
	return snippets
}

func (r *Reviewer) generate(ctx context.Context, item domain.WorkItem, diff string, snippets []string) (string, error) {
	var prompt strings.Builder
	err := r.prompt.Execute(&prompt, PromptData{
		Title:          item.Title,
		Author:         item.Author,
		SourceRef:      item.SourceRef,
		TargetRef:      item.TargetRef,
		Repository:     item.Repository,
		Diff:           diff,
		TriggerComment: item.TriggerComment,
		Context:        strings.Join(snippets, "\n\n"),
	})
	if err != nil {
		return "", fmt.Errorf("%w: render prompt: %v", domain.ErrGeneration, err)
	}

	genCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	text, err := r.generator.Generate(genCtx, prompt.String())
	if err == nil && strings.TrimSpace(text) == "" {
		err = domain.ErrEmptyReview
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrGeneration, err)
	}
	return text, nil
}
