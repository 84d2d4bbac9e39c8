package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newOnceCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run one scan, one review drain and one dispatch, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, appLogger, err := ctx.ensure()
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(runCtx, cfg, appLogger.Logger)
			if err != nil {
				return err
			}
			defer a.close()

			for _, stage := range a.stages() {
				if err := stage.Run(runCtx); err != nil {
					// one failed stage does not stop the others
					appLogger.Error("Stage run failed",
						slog.String("stage", stage.Name),
						slog.String("error", err.Error()),
					)
				}
				if runCtx.Err() != nil {
					return runCtx.Err()
				}
			}
			return nil
		},
	}
}
