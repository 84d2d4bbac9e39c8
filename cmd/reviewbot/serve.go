package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/reviewbot/internal/api/router"
	"github.com/cuongbtq/reviewbot/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var noAPI bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scan, review and dispatch stages until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, appLogger, err := ctx.ensure()
			if err != nil {
				return err
			}
			logger := appLogger.Logger

			logger.Info("Starting reviewbot",
				slog.String("app", cfg.App.Name),
				slog.String("version", cfg.App.Version),
				slog.String("environment", cfg.App.Environment),
			)

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(runCtx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			w, err := worker.NewWorker(&worker.Config{
				Logger:         logger,
				Stages:         a.stages(),
				RunImmediately: true,
			})
			if err != nil {
				return fmt.Errorf("failed to create worker: %w", err)
			}

			var srv *http.Server
			serverErr := make(chan error, 1)
			if cfg.Server.Enabled && !noAPI {
				if cfg.App.Environment == "production" {
					gin.SetMode(gin.ReleaseMode)
				}
				srv = &http.Server{
					Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
					Handler:      router.SetupRouter(a.dependencies()),
					ReadTimeout:  cfg.Server.ReadTimeout,
					WriteTimeout: cfg.Server.WriteTimeout,
					IdleTimeout:  cfg.Server.IdleTimeout,
				}

				logger.Info("Starting HTTP server", slog.String("address", srv.Addr))
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						serverErr <- err
					}
				}()
			}

			// signals end the wait below, not the stage runs
			w.Start(context.WithoutCancel(runCtx))
			logger.Info("Reviewbot is running", slog.String("worker_id", w.ID()))

			var runErr error
			select {
			case <-runCtx.Done():
				logger.Info("Received signal, shutting down gracefully")
			case err := <-serverErr:
				logger.Error("HTTP server failed", slog.String("error", err.Error()))
				runErr = err
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()

			if srv != nil {
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Error("Server forced to shutdown", slog.String("error", err.Error()))
				}
			}

			// stages get until the shutdown timeout to finish their current run
			if err := w.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Worker shutdown timeout exceeded, in-flight runs canceled")
			} else {
				logger.Info("Worker stopped gracefully")
			}

			logger.Info("Reviewbot shutdown complete")
			return runErr
		},
	}

	cmd.Flags().BoolVar(&noAPI, "no-api", false, "Do not start the inspection HTTP server")
	return cmd
}
