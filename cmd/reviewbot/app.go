package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/reviewbot/internal/api/handler"
	"github.com/cuongbtq/reviewbot/internal/config"
	"github.com/cuongbtq/reviewbot/internal/deadletter"
	"github.com/cuongbtq/reviewbot/internal/domain"
	"github.com/cuongbtq/reviewbot/internal/fingerprint"
	"github.com/cuongbtq/reviewbot/internal/generator"
	"github.com/cuongbtq/reviewbot/internal/gitdiff"
	"github.com/cuongbtq/reviewbot/internal/pipeline"
	"github.com/cuongbtq/reviewbot/internal/queue"
	"github.com/cuongbtq/reviewbot/internal/search"
	"github.com/cuongbtq/reviewbot/internal/storage"
	"github.com/cuongbtq/reviewbot/internal/vcs"
	"github.com/cuongbtq/reviewbot/shared/database"
	"github.com/cuongbtq/reviewbot/shared/rabbitmq"
	"github.com/gofrs/flock"
)

const (
	intakeQueueName = "intake"
	resultQueueName = "results"
)

// app holds every component built from the configuration
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db     *database.Client
	rabbit *rabbitmq.Client

	intake        queue.WorkQueue[domain.WorkItem]
	results       queue.WorkQueue[domain.ReviewResult]
	fingerprints  fingerprint.Store
	cursors       pipeline.CursorStore
	deadLetters   pipeline.DeadLetterSink
	storedLetters *deadletter.SQLSink
	searcher      pipeline.Searcher

	scanner    *pipeline.Scanner
	reviewer   *pipeline.Reviewer
	dispatcher *pipeline.Dispatcher
}

// openDatabase connects to the configured database and applies the schema
func openDatabase(cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	client, err := database.NewClient(&database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := storage.Migrate(context.Background(), client.GetDB()); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// newApp wires the stores, adapters and stages. The returned app owns the
// database and RabbitMQ connections; call close when done.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.db, err = openDatabase(&cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Database connection established", slog.String("driver", a.db.Driver()))

	if err := a.initStores(ctx); err != nil {
		return nil, err
	}
	if err := a.initDeadLetters(ctx); err != nil {
		return nil, err
	}

	src, err := newSource(ctx, &cfg.Source, logger)
	if err != nil {
		return nil, err
	}
	gen, err := newGenerator(&cfg.Generator)
	if err != nil {
		return nil, err
	}
	diffs, err := newDiffProvider(cfg, src, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Search.Enabled {
		a.searcher = search.NewPGAI(a.db.GetDB(), cfg.Search.EmbeddingModel, logger)
	}

	p := &cfg.Pipeline
	scannerCfg := pipeline.ScannerConfig{
		Source:              src,
		Queue:               a.intake,
		Fingerprints:        a.fingerprints,
		Cursors:             a.cursors,
		TriggerPattern:      p.TriggerPattern,
		PageSize:            p.PageSize,
		MaxPagesBeforeReset: p.MaxPagesBeforeReset,
		Logger:              logger,
	}
	if p.LockFile != "" {
		scannerCfg.Lock = flock.New(p.LockFile)
	}
	a.scanner, err = pipeline.NewScanner(scannerCfg)
	if err != nil {
		return nil, err
	}

	a.reviewer, err = pipeline.NewReviewer(pipeline.ReviewerConfig{
		Intake:            a.intake,
		Results:           a.results,
		Fingerprints:      a.fingerprints,
		Generator:         gen,
		Diffs:             diffs,
		Searcher:          a.searcher,
		PromptTemplate:    p.PromptTemplate,
		ContextResults:    cfg.Search.Limit,
		GenerationTimeout: cfg.Generator.Timeout,
		MaxPerTick:        p.MaxReviewsPerTick,
		FailurePolicy:     pipeline.GenerationFailurePolicy(p.GenerationFailurePolicy),
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	a.dispatcher, err = pipeline.NewDispatcher(pipeline.DispatcherConfig{
		Results:       a.results,
		Poster:        src,
		FailurePolicy: pipeline.DeliveryFailurePolicy(p.Delivery.FailurePolicy),
		MaxAttempts:   p.Delivery.MaxAttempts,
		Backoff:       p.Delivery.Backoff,
		DeadLetters:   a.deadLetters,
		FailureNotice: p.FailureNotice,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	return a, nil
}

// initStores builds the queues and the fingerprint and cursor stores.
// The volatile backend keeps all of them in memory so a restart forgets
// queued work and review history together.
func (a *app) initStores(ctx context.Context) error {
	if a.cfg.Pipeline.QueueBackend == "volatile" {
		a.intake = queue.NewVolatile(domain.WorkItem.Key)
		a.results = queue.NewVolatile(domain.ReviewResult.Key)
		a.fingerprints = fingerprint.NewMemory()
		a.cursors = pipeline.NewMemoryCursorStore()
		return nil
	}

	db := a.db.GetDB()
	intake, err := queue.NewDurable(queue.DurableConfig[domain.WorkItem]{
		DB:       db,
		Name:     intakeQueueName,
		Identity: domain.WorkItem.Key,
		Codec:    queue.JSONCodec[domain.WorkItem]{},
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	results, err := queue.NewDurable(queue.DurableConfig[domain.ReviewResult]{
		DB:       db,
		Name:     resultQueueName,
		Identity: domain.ReviewResult.Key,
		Codec:    queue.JSONCodec[domain.ReviewResult]{},
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}

	policy := queue.RecoveryPolicy(a.cfg.Pipeline.RecoveryPolicy)
	if err := a.recover(ctx, intakeQueueName, intake.Recover, policy); err != nil {
		return err
	}
	if err := a.recover(ctx, resultQueueName, results.Recover, policy); err != nil {
		return err
	}

	a.intake = intake
	a.results = results
	a.fingerprints = fingerprint.NewSQL(db)
	a.cursors = pipeline.NewSQLCursorStore(db)
	return nil
}

func (a *app) recover(ctx context.Context, name string, fn func(context.Context, queue.RecoveryPolicy) (int, error), policy queue.RecoveryPolicy) error {
	n, err := fn(ctx, policy)
	if err != nil {
		return fmt.Errorf("failed to recover %s queue: %w", name, err)
	}
	if n > 0 {
		a.logger.Warn("Recovered claimed queue entries",
			slog.String("queue", name),
			slog.Int("count", n),
			slog.String("policy", string(policy)),
		)
	}
	return nil
}

func (a *app) initDeadLetters(ctx context.Context) error {
	switch a.cfg.Pipeline.DeadLetterSink {
	case "database":
		a.storedLetters = deadletter.NewSQLSink(a.db.GetDB())
		a.deadLetters = a.storedLetters
	case "rabbitmq":
		client, err := newRabbitMQ(ctx, &a.cfg.RabbitMQ, a.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		a.rabbit = client
		a.deadLetters = deadletter.NewRabbitSink(client)
	default:
		a.deadLetters = deadletter.NewLogSink(a.logger)
	}
	return nil
}

// dependencies exposes the app to the inspection API
func (a *app) dependencies() *handler.Dependencies {
	deps := &handler.Dependencies{
		Logger:  a.logger,
		Service: a.cfg.App.Name,
		Queues: map[string]handler.QueueView{
			intakeQueueName: handler.NewQueueView(a.intake),
			resultQueueName: handler.NewQueueView(a.results),
		},
		Fingerprints: a.fingerprints,
		Database:     a.db,
		Repository:   repositoryRef(&a.cfg.Source),
	}
	if a.storedLetters != nil {
		deps.DeadLetters = a.storedLetters
	}
	if a.searcher != nil {
		deps.Searcher = a.searcher
	}
	return deps
}

func (a *app) close() {
	if a.rabbit != nil {
		a.rabbit.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func newSource(ctx context.Context, cfg *config.SourceConfig, logger *slog.Logger) (pipeline.Source, error) {
	switch cfg.Provider {
	case "gitea":
		return vcs.NewGitea(vcs.GiteaConfig{
			BaseURL:    cfg.Gitea.BaseURL,
			Token:      cfg.Gitea.Token,
			Owner:      cfg.Gitea.Owner,
			Repository: cfg.Gitea.Repository,
			Timeout:    cfg.Gitea.Timeout,
		}, logger)
	case "bitbucket":
		return vcs.NewBitbucket(vcs.BitbucketConfig{
			BaseURL:    cfg.Bitbucket.BaseURL,
			Token:      cfg.Bitbucket.Token,
			Project:    cfg.Bitbucket.Project,
			Repository: cfg.Bitbucket.Repository,
			Timeout:    cfg.Bitbucket.Timeout,
		}, logger)
	default:
		return vcs.NewGitHub(ctx, vcs.GitHubConfig{
			Token:      cfg.GitHub.Token,
			Owner:      cfg.GitHub.Owner,
			Repository: cfg.GitHub.Repository,
			BaseURL:    cfg.GitHub.BaseURL,
		}, logger)
	}
}

func repositoryRef(cfg *config.SourceConfig) string {
	switch cfg.Provider {
	case "gitea":
		return cfg.Gitea.Owner + "/" + cfg.Gitea.Repository
	case "bitbucket":
		return cfg.Bitbucket.Project + "/" + cfg.Bitbucket.Repository
	}
	return cfg.GitHub.Owner + "/" + cfg.GitHub.Repository
}

func newGenerator(cfg *config.GeneratorConfig) (pipeline.Generator, error) {
	switch cfg.Provider {
	case "gemini":
		return generator.NewGemini(generator.GeminiConfig{
			APIKey:     cfg.Gemini.Token,
			Model:      cfg.Gemini.Model,
			BaseURL:    cfg.Gemini.BaseURL,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
			RetryDelay: cfg.RetryDelay,
		})
	default:
		return generator.NewOllama(generator.OllamaConfig{
			BaseURL:     cfg.Ollama.BaseURL,
			Model:       cfg.Ollama.Model,
			Temperature: cfg.Ollama.Temperature,
			MaxTokens:   cfg.Ollama.MaxTokens,
			Timeout:     cfg.Timeout,
			MaxRetries:  cfg.MaxRetries,
			RetryDelay:  cfg.RetryDelay,
		})
	}
}

// newDiffProvider returns nil for the none provider. A source that cannot
// serve diffs itself falls back to git clones of the same host.
func newDiffProvider(cfg *config.Config, src pipeline.Source, logger *slog.Logger) (pipeline.DiffProvider, error) {
	gitCfg := gitdiff.Config{
		WorkDir:      cfg.Diff.WorkDir,
		CloneBaseURL: cfg.Diff.CloneBaseURL,
		MaxDiffBytes: cfg.Diff.MaxBytes,
	}

	switch cfg.Diff.Provider {
	case "none":
		return nil, nil
	case "source":
		if diffs, ok := src.(pipeline.DiffProvider); ok {
			return diffs, nil
		}
		if gitCfg.CloneBaseURL == "" && cfg.Source.Provider == "gitea" {
			gitCfg.CloneBaseURL = strings.TrimRight(cfg.Source.Gitea.BaseURL, "/")
		}
		logger.Info("Source does not serve diffs, using git clones",
			slog.String("provider", cfg.Source.Provider),
			slog.String("clone_base_url", gitCfg.CloneBaseURL),
		)
	}

	return gitdiff.New(gitCfg, logger)
}

func newRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(ctx, &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}
