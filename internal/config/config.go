package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/dig"

	"github.com/davidbz/quillgate/internal/domain"
	"github.com/davidbz/quillgate/internal/provider/anthropic"
	"github.com/davidbz/quillgate/internal/provider/compat"
	"github.com/davidbz/quillgate/internal/provider/echo"
	"github.com/davidbz/quillgate/internal/provider/gemini"
	"github.com/davidbz/quillgate/internal/provider/openai"
)

// Config represents the gateway configuration.
type Config struct {
	Server    ServerConfig
	CORS      CORSConfig
	Gateway   GatewayConfig
	Fallback  FallbackConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Retry     RetryConfig
	Usage     UsageConfig

	OpenAI    openai.Config
	Anthropic anthropic.Config
	Gemini    gemini.Config
	Compat    compat.Config
	Echo      echo.Config

	PricingFile string `env:"PRICING_FILE"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int `env:"SERVER_PORT"             envDefault:"8080"`
	ReadTimeout     int `env:"SERVER_READ_TIMEOUT"     envDefault:"30"`
	WriteTimeout    int `env:"SERVER_WRITE_TIMEOUT"    envDefault:"60"`
	ShutdownTimeout int `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"15"`
}

// CORSConfig contains CORS policy settings.
type CORSConfig struct {
	AllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS"   envSeparator:"," envDefault:"*"`
	AllowedMethods   []string `env:"CORS_ALLOWED_METHODS"   envSeparator:"," envDefault:"GET,POST,OPTIONS"`
	AllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS"   envSeparator:"," envDefault:"Content-Type,Authorization,X-Workspace-ID,X-User-ID"`
	AllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS"                  envDefault:"true"`
	MaxAge           int      `env:"CORS_MAX_AGE"                            envDefault:"86400"`
}

// GatewayConfig contains routing defaults.
type GatewayConfig struct {
	DefaultProvider string        `env:"GATEWAY_DEFAULT_PROVIDER" envDefault:"openai"`
	DefaultModel    string        `env:"GATEWAY_DEFAULT_MODEL"    envDefault:"gpt-4o-mini"`
	RequestTimeout  time.Duration `env:"GATEWAY_REQUEST_TIMEOUT"  envDefault:"30s"`
}

// FallbackConfig controls the one-shot fallback after a retryable failure.
type FallbackConfig struct {
	Enabled   bool     `env:"FALLBACK_ENABLED"   envDefault:"true"`
	Providers []string `env:"FALLBACK_PROVIDERS" envDefault:"anthropic,gemini,openai" envSeparator:","`
}

// RateLimitConfig contains admission ceilings. Zero disables a ceiling.
type RateLimitConfig struct {
	RequestsPerMinute int           `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" envDefault:"60"`
	TokensPerMinute   int           `env:"RATE_LIMIT_TOKENS_PER_MINUTE"   envDefault:"100000"`
	CostPerDay        float64       `env:"RATE_LIMIT_COST_PER_DAY"        envDefault:"10"`
	Burst             int           `env:"RATE_LIMIT_BURST"               envDefault:"10"`
	PruneInterval     time.Duration `env:"USAGE_PRUNE_INTERVAL"           envDefault:"30s"`
}

// CacheConfig contains response cache settings.
type CacheConfig struct {
	Enabled       bool          `env:"CACHE_ENABLED"        envDefault:"true"`
	TTLMinutes    int           `env:"CACHE_TTL_MINUTES"    envDefault:"60"`
	MaxEntries    int           `env:"CACHE_MAX_ENTRIES"    envDefault:"1000"`
	SweepInterval time.Duration `env:"CACHE_SWEEP_INTERVAL" envDefault:"1m"`
}

// RetryConfig is the backoff advertised to clients after a failure.
type RetryConfig struct {
	InitialBackoff time.Duration `env:"RETRY_INITIAL_BACKOFF" envDefault:"1s"`
	MaxBackoff     time.Duration `env:"RETRY_MAX_BACKOFF"     envDefault:"30s"`
	Multiplier     float64       `env:"RETRY_MULTIPLIER"      envDefault:"2"`
}

// UsageConfig selects and configures the durable usage store.
type UsageConfig struct {
	Store             string        `env:"USAGE_STORE"               envDefault:"sqlite"`
	SQLitePath        string        `env:"USAGE_SQLITE_PATH"         envDefault:"quillgate-usage.db"`
	PostgresDSN       string        `env:"USAGE_POSTGRES_DSN"`
	RedisURL          string        `env:"USAGE_REDIS_URL"`
	RedisRetention    time.Duration `env:"USAGE_REDIS_RETENTION"     envDefault:"48h"`
	WriterQueueSize   int           `env:"USAGE_WRITER_QUEUE_SIZE"   envDefault:"1024"`
	WriterMaxAttempts int           `env:"USAGE_WRITER_MAX_ATTEMPTS" envDefault:"3"`
}

// DepConfig is used for dependency injection with dig.
type DepConfig struct {
	dig.Out

	Server    *ServerConfig
	CORS      *CORSConfig
	Usage     *UsageConfig
	OpenAI    *openai.Config
	Anthropic *anthropic.Config
	Gemini    *gemini.Config
	Compat    *compat.Config
	Echo      *echo.Config

	Gateway domain.GatewayConfig
	Cache   domain.CacheConfig
	Ledger  domain.LedgerConfig
	Retry   domain.RetryPolicy
}

// Load loads environment files and parses configuration.
func Load() *Config {
	for _, file := range []string{".env"} {
		_ = godotenv.Load(file)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		panic(err)
	}

	return &cfg
}

// ParseDependenciesConfig returns sub-configs for dependency injection,
// converting env-shaped settings into the domain's types.
func ParseDependenciesConfig(cfg *Config) DepConfig {
	return DepConfig{
		Server:    &cfg.Server,
		CORS:      &cfg.CORS,
		Usage:     &cfg.Usage,
		OpenAI:    &cfg.OpenAI,
		Anthropic: &cfg.Anthropic,
		Gemini:    &cfg.Gemini,
		Compat:    &cfg.Compat,
		Echo:      &cfg.Echo,

		Gateway: domain.GatewayConfig{
			DefaultProvider:   cfg.Gateway.DefaultProvider,
			DefaultModel:      cfg.Gateway.DefaultModel,
			RequestTimeout:    cfg.Gateway.RequestTimeout,
			FallbackEnabled:   cfg.Fallback.Enabled,
			FallbackProviders: cfg.Fallback.Providers,
		},
		Cache: domain.CacheConfig{
			Enabled:       cfg.Cache.Enabled,
			TTLMinutes:    cfg.Cache.TTLMinutes,
			MaxEntries:    cfg.Cache.MaxEntries,
			SweepInterval: cfg.Cache.SweepInterval,
		},
		Ledger: domain.LedgerConfig{
			Limits: domain.RateLimitConfig{
				MaxRequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
				MaxTokensPerMinute:   cfg.RateLimit.TokensPerMinute,
				MaxCostPerDay:        cfg.RateLimit.CostPerDay,
				Burst:                cfg.RateLimit.Burst,
			},
			PruneInterval:     cfg.RateLimit.PruneInterval,
			WriterQueueSize:   cfg.Usage.WriterQueueSize,
			WriterMaxAttempts: cfg.Usage.WriterMaxAttempts,
		},
		Retry: domain.RetryPolicy{
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
			Multiplier:     cfg.Retry.Multiplier,
		},
	}
}
