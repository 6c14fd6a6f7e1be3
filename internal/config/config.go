// Package config loads application configuration from file and
// environment, and bootstraps the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Objects    ObjectsConfig    `yaml:"objects" mapstructure:"objects"`
	Lock       LockConfig       `yaml:"lock" mapstructure:"lock"`
	Models     ModelsConfig     `yaml:"models" mapstructure:"models"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	OCR        OCRConfig        `yaml:"ocr" mapstructure:"ocr"`
	Prompts    PromptsConfig    `yaml:"prompts" mapstructure:"prompts"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the audit database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ObjectsConfig configures the document object store.
type ObjectsConfig struct {
	Root string `yaml:"root" mapstructure:"root"`
}

// LockConfig configures the admission lock manager.
type LockConfig struct {
	Table         string `yaml:"table" mapstructure:"table"`
	RetentionDays int    `yaml:"retention_days" mapstructure:"retention_days"`
	FailClosed    bool   `yaml:"fail_closed" mapstructure:"fail_closed"`
}

// ModelsConfig configures model access and the cascade order.
type ModelsConfig struct {
	Provider      string  `yaml:"provider" mapstructure:"provider"`
	APIKey        string  `yaml:"api_key" mapstructure:"api_key"`
	Endpoint      string  `yaml:"endpoint" mapstructure:"endpoint"`
	PrimaryModel  string  `yaml:"primary_model" mapstructure:"primary_model"`
	FallbackModel string  `yaml:"fallback_model" mapstructure:"fallback_model"`
	MaxTokens     int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	TopP          float64 `yaml:"top_p" mapstructure:"top_p"`
}

// RetryConfig configures throttle retries around model calls.
type RetryConfig struct {
	MaxAttempts   int `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelaySecs int `yaml:"base_delay_secs" mapstructure:"base_delay_secs"`
	MaxDelaySecs  int `yaml:"max_delay_secs" mapstructure:"max_delay_secs"`
}

// BaseDelay returns the configured base delay as a duration.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelaySecs) * time.Second
}

// MaxDelay returns the configured delay cap as a duration.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySecs) * time.Second
}

// OCRConfig configures the text-recovery techniques.
type OCRConfig struct {
	PdfToTextPath   string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	OpticalEndpoint string `yaml:"optical_endpoint" mapstructure:"optical_endpoint"`
	OpticalAPIKey   string `yaml:"optical_api_key" mapstructure:"optical_api_key"`
}

// PromptsConfig configures where instructions and schemas live.
type PromptsConfig struct {
	Root string `yaml:"root" mapstructure:"root"`
}

// QueueConfig configures the task outbox.
type QueueConfig struct {
	Table string `yaml:"table" mapstructure:"table"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	ItemsPerSecond float64 `yaml:"items_per_second" mapstructure:"items_per_second"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures the alert checker.
type MonitoringConfig struct {
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	ManualReviewRate    float64 `yaml:"manual_review_rate" mapstructure:"manual_review_rate"`
	QueueBacklog        int64   `yaml:"queue_backlog" mapstructure:"queue_backlog"`
	TokenBudget         int64   `yaml:"token_budget" mapstructure:"token_budget"`
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DOCPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "docpipe.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("objects.root", "objects")
	v.SetDefault("lock.table", "processing_locks")
	v.SetDefault("lock.retention_days", 30)
	v.SetDefault("lock.fail_closed", false)
	v.SetDefault("models.provider", "anthropic")
	// Keys without a meaningful default still need registering so
	// environment-only values survive Unmarshal.
	v.SetDefault("models.api_key", "")
	v.SetDefault("models.endpoint", "")
	v.SetDefault("models.primary_model", "claude-haiku-4-5-20251001")
	v.SetDefault("models.fallback_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("models.max_tokens", 9000)
	v.SetDefault("models.top_p", 0.2)
	v.SetDefault("retry.max_attempts", 8)
	v.SetDefault("retry.base_delay_secs", 2)
	v.SetDefault("retry.max_delay_secs", 120)
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("ocr.optical_endpoint", "")
	v.SetDefault("ocr.optical_api_key", "")
	v.SetDefault("prompts.root", ".")
	v.SetDefault("queue.table", "outbox_tasks")
	v.SetDefault("batch.items_per_second", 2.0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.manual_review_rate", 0.25)
	v.SetDefault("monitoring.queue_backlog", 0)
	v.SetDefault("monitoring.token_budget", 0)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
