// Package worker runs the pipeline stages on their own tickers until stopped.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stage is one periodically executed unit of work
type Stage struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single run, zero means no limit besides shutdown
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Config holds worker configuration
type Config struct {
	Logger *slog.Logger
	Stages []Stage
	// RunImmediately runs every stage once on start instead of waiting a full interval
	RunImmediately bool
}

// Worker drives each stage from its own goroutine. Runs of the same stage
// never overlap; ticks that fire during a run are dropped.
type Worker struct {
	logger         *slog.Logger
	workerID       string
	stages         []Stage
	runImmediately bool
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	stopChan       chan struct{}
	stopOnce       sync.Once
	startOnce      sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	for _, stage := range cfg.Stages {
		if stage.Name == "" || stage.Run == nil {
			return nil, fmt.Errorf("stage needs a name and a run function")
		}
		if stage.Interval <= 0 {
			return nil, fmt.Errorf("stage %s: interval must be positive", stage.Name)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workerID := uuid.NewString()

	return &Worker{
		logger:         logger.With(slog.String("worker_id", workerID)),
		workerID:       workerID,
		stages:         cfg.Stages,
		runImmediately: cfg.RunImmediately,
		stopChan:       make(chan struct{}),
	}, nil
}

// ID returns the unique id of this worker instance
func (w *Worker) ID() string {
	return w.workerID
}

// Start launches one loop per stage and returns immediately
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		w.cancel = cancel

		w.logger.Info("Starting worker", slog.Int("stages", len(w.stages)))
		w.spawnStageLoops(runCtx)
	})
}

// Stop cancels in-flight runs and waits for every loop to return
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
		w.cancelRuns()
		w.wg.Wait()
		w.logger.Info("Worker stopped")
	})
}

// Shutdown stops scheduling new runs and lets in-flight runs finish. Runs
// still going when ctx is done are canceled; Shutdown then waits for them
// to return and reports ctx's error.
func (w *Worker) Shutdown(ctx context.Context) error {
	var err error
	w.stopOnce.Do(func() {
		w.logger.Info("Shutting down worker...")
		close(w.stopChan)

		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			w.logger.Warn("Shutdown grace period exceeded, canceling in-flight runs")
			w.cancelRuns()
			<-done
		}
		w.cancelRuns()
		w.logger.Info("Worker stopped")
	})
	return err
}

func (w *Worker) cancelRuns() {
	if w.cancel != nil {
		w.cancel()
	}
}
