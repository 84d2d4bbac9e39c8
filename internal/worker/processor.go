package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// runStage executes one run of stage. Errors and panics are logged and
// never stop the loop.
func (w *Worker) runStage(ctx context.Context, stage Stage, logger *slog.Logger) {
	if ctx.Err() != nil {
		return
	}
	select {
	case <-w.stopChan:
		return
	default:
	}

	runCtx := ctx
	if stage.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, stage.Timeout)
		defer cancel()
	}

	if err := safeRun(runCtx, stage.Run); err != nil {
		if ctx.Err() != nil {
			logger.Debug("Stage run interrupted by shutdown", slog.String("error", err.Error()))
			return
		}
		logger.Error("Stage run failed", slog.String("error", err.Error()))
	}
}

// safeRun calls fn and turns a panic into an error
func safeRun(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}
