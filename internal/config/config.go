package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Logging   LoggingConfig   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Server    ServerConfig    `yaml:"server"`
	Source    SourceConfig    `yaml:"source"`
	Generator GeneratorConfig `yaml:"generator"`
	Diff      DiffConfig      `yaml:"diff"`
	Search    SearchConfig    `yaml:"search"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// DatabaseConfig holds SQL connection configuration.
// Path is only used by the sqlite driver.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ServerConfig holds the inspection HTTP server configuration
type ServerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SourceConfig selects and configures the code-hosting provider
type SourceConfig struct {
	Provider  string          `yaml:"provider"`
	GitHub    GitHubConfig    `yaml:"github"`
	Gitea     GiteaConfig     `yaml:"gitea"`
	Bitbucket BitbucketConfig `yaml:"bitbucket"`
}

type GitHubConfig struct {
	Token      string `yaml:"token"`
	Owner      string `yaml:"owner"`
	Repository string `yaml:"repository"`
	BaseURL    string `yaml:"base_url"`
}

type GiteaConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Token      string        `yaml:"token"`
	Owner      string        `yaml:"owner"`
	Repository string        `yaml:"repository"`
	Timeout    time.Duration `yaml:"timeout"`
}

type BitbucketConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Token      string        `yaml:"token"`
	Project    string        `yaml:"project"`
	Repository string        `yaml:"repository"`
	Timeout    time.Duration `yaml:"timeout"`
}

// GeneratorConfig selects and configures the review text generator
type GeneratorConfig struct {
	Provider   string        `yaml:"provider"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Ollama     OllamaConfig  `yaml:"ollama"`
	Gemini     GeminiConfig  `yaml:"gemini"`
}

type OllamaConfig struct {
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

type GeminiConfig struct {
	Token   string `yaml:"token"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// DiffConfig selects where diffs come from: the source API or a local git clone
type DiffConfig struct {
	Provider     string `yaml:"provider"`
	WorkDir      string `yaml:"work_dir"`
	CloneBaseURL string `yaml:"clone_base_url"`
	MaxBytes     int    `yaml:"max_bytes"`
}

// SearchConfig configures semantic code search over the database
type SearchConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Limit          int    `yaml:"limit"`
	EmbeddingModel string `yaml:"embedding_model"`
}

// PipelineConfig holds the scan, review and delivery settings
type PipelineConfig struct {
	TriggerPattern          string         `yaml:"trigger_pattern"`
	PageSize                int            `yaml:"page_size"`
	MaxPagesBeforeReset     int            `yaml:"max_pages_before_reset"`
	ScanEnabled             *bool          `yaml:"scan_enabled"`
	ReviewEnabled           *bool          `yaml:"review_enabled"`
	DispatchEnabled         *bool          `yaml:"dispatch_enabled"`
	ScanInterval            time.Duration  `yaml:"scan_interval"`
	ReviewInterval          time.Duration  `yaml:"review_interval"`
	DispatchInterval        time.Duration  `yaml:"dispatch_interval"`
	MaxReviewsPerTick       int            `yaml:"max_reviews_per_tick"`
	QueueBackend            string         `yaml:"queue_backend"`
	RecoveryPolicy          string         `yaml:"recovery_policy"`
	LockFile                string         `yaml:"lock_file"`
	PromptTemplate          string         `yaml:"prompt_template"`
	FailureNotice           string         `yaml:"failure_notice"`
	GenerationFailurePolicy string         `yaml:"generation_failure_policy"`
	Delivery                DeliveryConfig `yaml:"delivery"`
	DeadLetterSink          string         `yaml:"dead_letter_sink"`
}

// StageEnabled reports whether the named stage (scan, review or dispatch)
// runs. Stages are enabled unless switched off.
func (p *PipelineConfig) StageEnabled(name string) bool {
	var flag *bool
	switch name {
	case "scan":
		flag = p.ScanEnabled
	case "review":
		flag = p.ReviewEnabled
	case "dispatch":
		flag = p.DispatchEnabled
	default:
		return false
	}
	return flag == nil || *flag
}

// DeliveryConfig holds the delivery failure policy
type DeliveryConfig struct {
	FailurePolicy string        `yaml:"failure_policy"`
	MaxAttempts   int           `yaml:"max_attempts"`
	Backoff       time.Duration `yaml:"backoff"`
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and applies defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills every unset field that has a sensible default
func (c *Config) ApplyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "reviewbot"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "data/reviewbot.db"
	}
	if c.Database.Driver == "postgres" {
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = "disable"
		}
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Source.Provider == "" {
		c.Source.Provider = "github"
	}

	if c.Generator.Provider == "" {
		c.Generator.Provider = "ollama"
	}
	if c.Generator.Timeout == 0 {
		c.Generator.Timeout = 5 * time.Minute
	}
	if c.Generator.Ollama.BaseURL == "" {
		c.Generator.Ollama.BaseURL = "http://localhost:11434"
	}

	if c.Diff.Provider == "" {
		c.Diff.Provider = "source"
	}
	if c.Search.Limit == 0 {
		c.Search.Limit = 10
	}

	p := &c.Pipeline
	if p.TriggerPattern == "" {
		p.TriggerPattern = "@review-bot"
	}
	if p.PageSize == 0 {
		p.PageSize = 10
	}
	if p.MaxPagesBeforeReset == 0 {
		p.MaxPagesBeforeReset = 10
	}
	if p.ScanInterval == 0 {
		p.ScanInterval = 30 * time.Second
	}
	if p.ReviewInterval == 0 {
		p.ReviewInterval = 10 * time.Second
	}
	if p.DispatchInterval == 0 {
		p.DispatchInterval = 5 * time.Second
	}
	if p.QueueBackend == "" {
		p.QueueBackend = "durable"
	}
	if p.RecoveryPolicy == "" {
		p.RecoveryPolicy = "requeue"
	}
	if p.GenerationFailurePolicy == "" {
		p.GenerationFailurePolicy = "deliver"
	}
	if p.Delivery.FailurePolicy == "" {
		p.Delivery.FailurePolicy = "drop"
	}
	if p.Delivery.MaxAttempts == 0 {
		p.Delivery.MaxAttempts = 5
	}
	if p.Delivery.Backoff == 0 {
		p.Delivery.Backoff = 30 * time.Second
	}
	if p.DeadLetterSink == "" {
		p.DeadLetterSink = "log"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if c.Server.Enabled && (c.Server.Port < MinPort || c.Server.Port > MaxPort) {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Enabled {
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	}

	switch c.Source.Provider {
	case "github":
		if c.Source.GitHub.Owner == "" || c.Source.GitHub.Repository == "" {
			return fmt.Errorf("source.github owner and repository are required")
		}
	case "gitea":
		if c.Source.Gitea.BaseURL == "" {
			return fmt.Errorf("source.gitea base_url is required")
		}
		if c.Source.Gitea.Owner == "" || c.Source.Gitea.Repository == "" {
			return fmt.Errorf("source.gitea owner and repository are required")
		}
	case "bitbucket":
		if c.Source.Bitbucket.BaseURL == "" {
			return fmt.Errorf("source.bitbucket base_url is required")
		}
		if c.Source.Bitbucket.Project == "" || c.Source.Bitbucket.Repository == "" {
			return fmt.Errorf("source.bitbucket project and repository are required")
		}
	default:
		return fmt.Errorf("unknown source provider %q (must be github, gitea or bitbucket)", c.Source.Provider)
	}

	switch c.Generator.Provider {
	case "ollama":
		if c.Generator.Ollama.Model == "" {
			return fmt.Errorf("generator.ollama model is required")
		}
	case "gemini":
		if c.Generator.Gemini.Token == "" {
			return fmt.Errorf("generator.gemini token is required")
		}
	default:
		return fmt.Errorf("unknown generator provider %q (must be ollama or gemini)", c.Generator.Provider)
	}

	switch c.Diff.Provider {
	case "source", "git", "none":
	default:
		return fmt.Errorf("unknown diff provider %q (must be source, git or none)", c.Diff.Provider)
	}

	if c.Search.Enabled && c.Database.Driver != "postgres" {
		return fmt.Errorf("search requires the postgres database driver")
	}

	return c.validatePipeline()
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	default:
		return fmt.Errorf("unknown database driver %q (must be postgres or sqlite)", c.Database.Driver)
	}
	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

func (c *Config) validatePipeline() error {
	p := c.Pipeline

	if strings.TrimSpace(p.TriggerPattern) == "" {
		return fmt.Errorf("pipeline trigger_pattern is required")
	}
	if p.PageSize <= 0 {
		return fmt.Errorf("pipeline page_size must be greater than 0")
	}
	if p.MaxPagesBeforeReset <= 0 {
		return fmt.Errorf("pipeline max_pages_before_reset must be greater than 0")
	}
	if p.ScanInterval <= 0 || p.ReviewInterval <= 0 || p.DispatchInterval <= 0 {
		return fmt.Errorf("pipeline intervals must be greater than 0")
	}
	if !p.StageEnabled("scan") && !p.StageEnabled("review") && !p.StageEnabled("dispatch") {
		return fmt.Errorf("at least one pipeline stage must be enabled")
	}
	if p.MaxReviewsPerTick < 0 {
		return fmt.Errorf("pipeline max_reviews_per_tick must not be negative")
	}

	switch p.QueueBackend {
	case "volatile", "durable":
	default:
		return fmt.Errorf("unknown queue backend %q (must be volatile or durable)", p.QueueBackend)
	}

	switch p.RecoveryPolicy {
	case "requeue", "discard":
	default:
		return fmt.Errorf("unknown recovery policy %q (must be requeue or discard)", p.RecoveryPolicy)
	}

	switch p.GenerationFailurePolicy {
	case "deliver", "suppress":
	default:
		return fmt.Errorf("unknown generation failure policy %q (must be deliver or suppress)", p.GenerationFailurePolicy)
	}

	switch p.Delivery.FailurePolicy {
	case "drop", "retry", "dead_letter":
	default:
		return fmt.Errorf("unknown delivery failure policy %q (must be drop, retry or dead_letter)", p.Delivery.FailurePolicy)
	}
	if p.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline delivery max_attempts must be greater than 0")
	}

	switch p.DeadLetterSink {
	case "log", "database":
	case "rabbitmq":
		if !c.RabbitMQ.Enabled {
			return fmt.Errorf("dead_letter_sink rabbitmq requires rabbitmq to be enabled")
		}
	default:
		return fmt.Errorf("unknown dead letter sink %q (must be log, database or rabbitmq)", p.DeadLetterSink)
	}

	return nil
}
