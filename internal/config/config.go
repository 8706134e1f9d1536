package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/forecast-tuner/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Advisor    AdvisorConfig    `yaml:"advisor" mapstructure:"advisor"`
	Optimizer  OptimizerConfig  `yaml:"optimizer" mapstructure:"optimizer"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	Model       string `yaml:"model" mapstructure:"model"`
	MaxTokens   int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	CacheTTL    string `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// Advisor providers.
const (
	ProviderNone      = "none"
	ProviderAnthropic = "anthropic"
	ProviderHTTP      = "http"
)

// AdvisorConfig selects and limits the refinement advisor.
type AdvisorConfig struct {
	Provider        string  `yaml:"provider" mapstructure:"provider"`
	URL             string  `yaml:"url" mapstructure:"url"`
	APIKey          string  `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs     int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSecond   float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst           int     `yaml:"burst" mapstructure:"burst"`
	BreakerFailures int     `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerResetSec int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	HistoryPoints   int     `yaml:"history_points" mapstructure:"history_points"`
	BusinessContext string  `yaml:"business_context" mapstructure:"business_context"`
}

// OptimizerConfig holds the tunable validation and acceptance thresholds.
type OptimizerConfig struct {
	ImprovementTolerance float64 `yaml:"improvement_tolerance" mapstructure:"improvement_tolerance"`
	HighConfidence       float64 `yaml:"high_confidence" mapstructure:"high_confidence"`
	ConfidenceFloor      float64 `yaml:"confidence_floor" mapstructure:"confidence_floor"`
	ValidationRatio      float64 `yaml:"validation_ratio" mapstructure:"validation_ratio"`
	Folds                int     `yaml:"folds" mapstructure:"folds"`
	SufficientLength     int     `yaml:"sufficient_length" mapstructure:"sufficient_length"`
	CacheExpiryHours     int     `yaml:"cache_expiry_hours" mapstructure:"cache_expiry_hours"`
}

// CacheExpiry returns the cache validity window.
func (o OptimizerConfig) CacheExpiry() time.Duration {
	return time.Duration(o.CacheExpiryHours) * time.Hour
}

// BatchConfig configures batch runs.
type BatchConfig struct {
	DatasetID  string `yaml:"dataset_id" mapstructure:"dataset_id"`
	ModelsPath string `yaml:"models_path" mapstructure:"models_path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig holds batch alert thresholds. A zero threshold disables
// its alert; alerts are only logged when WebhookURL is empty.
type MonitoringConfig struct {
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	RejectionRateThreshold float64 `yaml:"rejection_rate_threshold" mapstructure:"rejection_rate_threshold"`
	CostThresholdUSD       float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config file and environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: read .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FORECAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "forecast.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("batch.dataset_id", "default")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.cache_ttl", "5m")
	v.SetDefault("anthropic.timeout_secs", 60)
	v.SetDefault("anthropic.max_retries", 0)
	v.SetDefault("advisor.provider", ProviderNone)
	v.SetDefault("advisor.timeout_secs", 60)
	v.SetDefault("advisor.rate_per_second", 1.0)
	v.SetDefault("advisor.burst", 1)
	v.SetDefault("advisor.breaker_failures", 3)
	v.SetDefault("advisor.breaker_reset_secs", 60)
	v.SetDefault("advisor.history_points", 36)
	v.SetDefault("optimizer.improvement_tolerance", 2.0)
	v.SetDefault("optimizer.high_confidence", 75.0)
	v.SetDefault("optimizer.confidence_floor", 60.0)
	v.SetDefault("optimizer.validation_ratio", 0.2)
	v.SetDefault("optimizer.folds", 3)
	v.SetDefault("optimizer.sufficient_length", 24)
	v.SetDefault("optimizer.cache_expiry_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.rejection_rate_threshold", 0.0)
	v.SetDefault("monitoring.cost_threshold_usd", 0.0)
	v.SetDefault("pricing.http.per_request", 0.0)

	// Keys without a default are bound explicitly so Unmarshal sees env.
	for _, key := range []string{"anthropic.key", "advisor.url", "advisor.api_key", "advisor.business_context", "batch.models_path", "store.min_conns", "monitoring.webhook_url"} {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind %s", key)
		}
	}

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
	if len(cfg.Pricing.Anthropic) == 0 {
		cfg.Pricing.Anthropic = cost.DefaultRates().Anthropic
	}

	return &cfg, nil
}

// Validate checks the settings a command depends on.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	default:
		errs = append(errs, "store.driver must be memory, sqlite or postgres")
	}

	switch c.Advisor.Provider {
	case ProviderNone, "":
	case ProviderAnthropic:
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
	case ProviderHTTP:
		if c.Advisor.URL == "" {
			errs = append(errs, "advisor.url is required")
		}
	default:
		errs = append(errs, "advisor.provider must be none, anthropic or http")
	}

	o := c.Optimizer
	if o.ValidationRatio <= 0 || o.ValidationRatio >= 1 {
		errs = append(errs, "optimizer.validation_ratio must be between 0 and 1")
	}
	if o.ImprovementTolerance < 0 {
		errs = append(errs, "optimizer.improvement_tolerance must be >= 0")
	}
	if o.HighConfidence <= 0 || o.HighConfidence > 100 {
		errs = append(errs, "optimizer.high_confidence must be in (0, 100]")
	}
	if o.CacheExpiryHours <= 0 {
		errs = append(errs, "optimizer.cache_expiry_hours must be > 0")
	}

	m := c.Monitoring
	if m.FailureRateThreshold < 0 || m.FailureRateThreshold > 1 {
		errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
	}
	if m.RejectionRateThreshold < 0 || m.RejectionRateThreshold > 1 {
		errs = append(errs, "monitoring.rejection_rate_threshold must be between 0 and 1")
	}

	if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
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
