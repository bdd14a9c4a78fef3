package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	AlphaVantage AlphaVantageConfig `yaml:"alphavantage" mapstructure:"alphavantage"`
	NewsAPI      NewsAPIConfig      `yaml:"newsapi" mapstructure:"newsapi"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	RateLimit    RateLimitConfig    `yaml:"ratelimit" mapstructure:"ratelimit"`
	Pipeline     PipelineConfig     `yaml:"pipeline" mapstructure:"pipeline"`
	Retry        RetryConfig        `yaml:"retry" mapstructure:"retry"`
	Pricing      PricingConfig      `yaml:"pricing" mapstructure:"pricing"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AlphaVantageConfig holds Alpha Vantage API settings.
type AlphaVantageConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	MaxBars int    `yaml:"max_bars" mapstructure:"max_bars"`
}

// NewsAPIConfig holds NewsAPI settings.
type NewsAPIConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Language    string `yaml:"language" mapstructure:"language"`
	LookbackDay int    `yaml:"lookback_days" mapstructure:"lookback_days"`
	MaxArticles int    `yaml:"max_articles" mapstructure:"max_articles"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// RateLimitConfig configures the provider gate: request budgets and
// response cache TTLs.
type RateLimitConfig struct {
	StructuredPerMin   float64 `yaml:"structured_per_min" mapstructure:"structured_per_min"`
	StructuredBurst    int     `yaml:"structured_burst" mapstructure:"structured_burst"`
	UnstructuredPerDay float64 `yaml:"unstructured_per_day" mapstructure:"unstructured_per_day"`
	UnstructuredBurst  int     `yaml:"unstructured_burst" mapstructure:"unstructured_burst"`
	CacheTTLSecs       int     `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
	MaxWaitSecs        int     `yaml:"max_wait_secs" mapstructure:"max_wait_secs"`
}

// PipelineConfig configures ingestion behavior.
type PipelineConfig struct {
	EnrichConcurrency int `yaml:"enrich_concurrency" mapstructure:"enrich_concurrency"`
	FreshnessTTLSecs  int `yaml:"freshness_ttl_secs" mapstructure:"freshness_ttl_secs"`
	MaxBodyChars      int `yaml:"max_body_chars" mapstructure:"max_body_chars"`
}

// RetryConfig configures provider call retries.
type RetryConfig struct {
	MaxAttempts     int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialDelayMS  int     `yaml:"initial_delay_ms" mapstructure:"initial_delay_ms"`
	MaxDelayMS      int     `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	BackoffMultiple float64 `yaml:"backoff_multiple" mapstructure:"backoff_multiple"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("INTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "company_intel.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("alphavantage.base_url", "https://www.alphavantage.co")
	v.SetDefault("alphavantage.max_bars", 30)
	v.SetDefault("newsapi.base_url", "https://newsapi.org")
	v.SetDefault("newsapi.language", "en")
	v.SetDefault("newsapi.lookback_days", 7)
	v.SetDefault("newsapi.max_articles", 100)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("ratelimit.structured_per_min", 5)
	v.SetDefault("ratelimit.structured_burst", 5)
	v.SetDefault("ratelimit.unstructured_per_day", 100)
	v.SetDefault("ratelimit.unstructured_burst", 10)
	v.SetDefault("ratelimit.cache_ttl_secs", 300)
	v.SetDefault("ratelimit.max_wait_secs", 30)
	v.SetDefault("pipeline.enrich_concurrency", 4)
	v.SetDefault("pipeline.freshness_ttl_secs", 300)
	v.SetDefault("pipeline.max_body_chars", 4000)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay_ms", 500)
	v.SetDefault("retry.max_delay_ms", 10000)
	v.SetDefault("retry.backoff_multiple", 2.0)

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

// Validate checks that the fields required for the given mode are set.
// Modes: "ingest" needs all three provider keys, "serve" additionally
// needs a usable port, "read" only needs the store.
func (c *Config) Validate(mode string) error {
	var missing []string

	requireStore := func() {
		if c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url is required")
		}
		if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
			missing = append(missing, "store.driver must be sqlite or postgres")
		}
	}
	requireProviders := func() {
		if c.AlphaVantage.Key == "" {
			missing = append(missing, "alphavantage.key is required")
		}
		if c.NewsAPI.Key == "" {
			missing = append(missing, "newsapi.key is required")
		}
		if c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key is required")
		}
	}

	switch mode {
	case "read":
		requireStore()
	case "ingest":
		requireStore()
		requireProviders()
		if c.Pipeline.EnrichConcurrency < 1 || c.Pipeline.EnrichConcurrency > 32 {
			missing = append(missing, "pipeline.enrich_concurrency must be between 1 and 32")
		}
	case "serve":
		requireStore()
		requireProviders()
		if c.Server.Port <= 0 {
			missing = append(missing, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(missing) > 0 {
		return eris.Errorf("config: %s", strings.Join(missing, "; "))
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
