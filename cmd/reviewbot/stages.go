package main

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/reviewbot/internal/worker"
)

// stages returns the enabled scan, review and dispatch stages in pipeline order
func (a *app) stages() []worker.Stage {
	p := &a.cfg.Pipeline
	all := []worker.Stage{
		{Name: "scan", Interval: p.ScanInterval, Run: a.scanner.Tick},
		{Name: "review", Interval: p.ReviewInterval, Run: a.review},
		{Name: "dispatch", Interval: p.DispatchInterval, Run: a.dispatch},
	}

	enabled := make([]worker.Stage, 0, len(all))
	for _, stage := range all {
		if !p.StageEnabled(stage.Name) {
			a.logger.Info("Stage disabled", slog.String("stage", stage.Name))
			continue
		}
		enabled = append(enabled, stage)
	}
	return enabled
}

func (a *app) review(ctx context.Context) error {
	_, err := a.reviewer.Drain(ctx)
	return err
}

func (a *app) dispatch(ctx context.Context) error {
	_, err := a.dispatcher.DispatchOne(ctx)
	return err
}
