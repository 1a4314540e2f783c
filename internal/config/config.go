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
	Predict    PredictConfig    `yaml:"predict" mapstructure:"predict"`
	Classify   ClassifyConfig   `yaml:"classify" mapstructure:"classify"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// PredictConfig configures the nationality prediction client.
type PredictConfig struct {
	BaseURL          string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Workers          int     `yaml:"workers" mapstructure:"workers"`
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	RatePerSec       float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// Timeout returns the per-request timeout.
func (c PredictConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// InitialBackoff returns the first retry delay.
func (c PredictConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffMS) * time.Millisecond
}

// ClassifyConfig configures the confidence threshold.
type ClassifyConfig struct {
	Threshold float64 `yaml:"threshold" mapstructure:"threshold"`
}

// SyncConfig configures the periodic CRM sync job.
type SyncConfig struct {
	IntervalSecs    int    `yaml:"interval_secs" mapstructure:"interval_secs"`
	BatchSize       int    `yaml:"batch_size" mapstructure:"batch_size"`
	MaxAttempts     int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	Object          string `yaml:"object" mapstructure:"object"`
	ExternalIDField string `yaml:"external_id_field" mapstructure:"external_id_field"`
}

// Interval returns the scheduler tick interval.
func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

// SalesforceConfig holds Salesforce JWT auth settings.
type SalesforceConfig struct {
	ClientID   string  `yaml:"client_id" mapstructure:"client_id"`
	Username   string  `yaml:"username" mapstructure:"username"`
	KeyPath    string  `yaml:"key_path" mapstructure:"key_path"`
	LoginURL   string  `yaml:"login_url" mapstructure:"login_url"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
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
	v.SetEnvPrefix("LEADFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "leadflow.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("predict.base_url", "https://api.nationalize.io")
	v.SetDefault("predict.timeout_secs", 10)
	v.SetDefault("predict.workers", 5)
	v.SetDefault("predict.max_attempts", 3)
	v.SetDefault("predict.initial_backoff_ms", 500)
	v.SetDefault("predict.rate_per_sec", 5)
	v.SetDefault("classify.threshold", 0.5)
	v.SetDefault("sync.interval_secs", 300)
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.object", "Lead")
	v.SetDefault("sync.external_id_field", "Identity__c")
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.rate_per_sec", 5)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
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
