package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the pipeline tables in the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, appLogger, err := ctx.ensure()
			if err != nil {
				return err
			}

			client, err := openDatabase(&cfg.Database, appLogger.Logger)
			if err != nil {
				return err
			}
			defer client.Close()

			appLogger.Info("Schema is up to date", slog.String("driver", client.Driver()))
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
