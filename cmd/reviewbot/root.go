package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/reviewbot/internal/config"
	"github.com/cuongbtq/reviewbot/shared/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const (
	configPathEnv     = "REVIEWBOT_CONFIG_PATH"
	defaultConfigPath = "configs/reviewbot/config.yaml"
)

type commandContext struct {
	configFlag *string

	once   sync.Once
	config *config.Config
	logger *logger.Logger
	err    error
}

func newRootCommand() *cobra.Command {
	var configFlag string
	ctx := &commandContext{configFlag: &configFlag}

	rootCmd := &cobra.Command{
		Use:           "reviewbot",
		Short:         "Automated change-request review bot",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.HasParent() || cmd.Name() == "help" {
				return nil
			}
			_, _, err := ctx.ensure()
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (default $"+configPathEnv+" or "+defaultConfigPath+")")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newOnceCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newInspectCommand(ctx))

	return rootCmd
}

// ensure loads the configuration and builds the logger once per process
func (c *commandContext) ensure() (*config.Config, *logger.Logger, error) {
	c.once.Do(func() {
		// Load .env file if it exists
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found, using environment variables or flags")
		}

		cfg, err := config.Load(c.configPath())
		if err != nil {
			c.err = fmt.Errorf("failed to load config: %w", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			c.err = fmt.Errorf("invalid config: %w", err)
			return
		}

		appLogger, err := initLogger(&cfg.Logging)
		if err != nil {
			c.err = fmt.Errorf("failed to initialize logger: %w", err)
			return
		}

		c.config = cfg
		c.logger = appLogger
	})
	return c.config, c.logger, c.err
}

func (c *commandContext) configPath() string {
	if c.configFlag != nil {
		if path := strings.TrimSpace(*c.configFlag); path != "" {
			return path
		}
	}
	if path := os.Getenv(configPathEnv); path != "" {
		return path
	}
	return defaultConfigPath
}

func (c *commandContext) close() {
	if c.logger != nil {
		_ = c.logger.Close()
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}
