package worker

import (
	"context"
	"log/slog"
	"time"
)

// spawnStageLoops spawns one goroutine per configured stage
func (w *Worker) spawnStageLoops(ctx context.Context) {
	for _, stage := range w.stages {
		w.wg.Add(1)
		go w.stageLoop(ctx, stage)
	}

	w.logger.Info("Stage loops spawned", slog.Int("count", len(w.stages)))
}

// stageLoop runs stage on every tick until the worker stops
func (w *Worker) stageLoop(ctx context.Context, stage Stage) {
	defer w.wg.Done()

	logger := w.logger.With(slog.String("stage", stage.Name))
	logger.Info("Stage loop started", slog.Duration("interval", stage.Interval))

	ticker := time.NewTicker(stage.Interval)
	defer ticker.Stop()

	if w.runImmediately {
		w.runStage(ctx, stage, logger)
	}

	for {
		select {
		case <-w.stopChan:
			logger.Info("Stage loop stopping - stopChan closed")
			return

		case <-ctx.Done():
			logger.Info("Stage loop stopping - context canceled")
			return

		case <-ticker.C:
			w.runStage(ctx, stage, logger)
		}
	}
}
