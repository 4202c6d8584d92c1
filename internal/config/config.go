package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	LLM        LLM        `mapstructure:"llm"`
	Engine     Engine     `mapstructure:"engine"`
	RateLimit  RateLimit  `mapstructure:"rate_limit"`
	Binance    Binance    `mapstructure:"binance"`
	Accounts   []Account  `mapstructure:"accounts"`
	Strategies Strategies `mapstructure:"strategies"`
	Logger     Logger     `mapstructure:"logger"`
	Server     Server     `mapstructure:"server"`
	Database   Database   `mapstructure:"database"`
	Redis      Redis      `mapstructure:"redis"`
	Tracing    Tracing    `mapstructure:"tracing"`
}

// LLM holds the configuration for the LLM provider and its resilience layer.
type LLM struct {
	BaseURL          string        `mapstructure:"base_url"`
	ApiKey           string        `mapstructure:"api_key"`
	Models           []string      `mapstructure:"models"` // first entry is the primary model
	Temperature      float64       `mapstructure:"temperature"`
	MaxTokens        int           `mapstructure:"max_tokens"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// Engine holds the configuration for the decision engine.
type Engine struct {
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
	CacheSweepInterval   time.Duration `mapstructure:"cache_sweep_interval"`
	PersistTimeout       time.Duration `mapstructure:"persist_timeout"`
	MaxStaleness         time.Duration `mapstructure:"max_staleness"`
	ContextHashPrecision float64       `mapstructure:"context_hash_precision"`
}

// RateLimit holds per-account and global request budgets.
type RateLimit struct {
	AccountPerMinute float64 `mapstructure:"account_per_minute"`
	AccountBurst     int     `mapstructure:"account_burst"`
	GlobalPerMinute  float64 `mapstructure:"global_per_minute"`
	GlobalBurst      int     `mapstructure:"global_burst"`
}

// Binance holds the configuration for the Binance futures API.
type Binance struct {
	Testnet        bool    `mapstructure:"testnet"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	KlineLimit     int     `mapstructure:"kline_limit"`
}

// Account configures one trading account. Paper accounts are served from memory.
type Account struct {
	ID        string  `mapstructure:"id"`
	ApiKey    string  `mapstructure:"apiKey"`
	SecretKey string  `mapstructure:"secretKey"`
	Paper     bool    `mapstructure:"paper"`
	Balance   float64 `mapstructure:"balance"`
	Strategy  string  `mapstructure:"strategy"`

	// Positions seed a paper account's open positions.
	Positions []PaperPosition `mapstructure:"positions"`
}

// PaperPosition is an open position of a paper account.
type PaperPosition struct {
	Symbol     string  `mapstructure:"symbol"`
	Side       string  `mapstructure:"side"`
	Quantity   float64 `mapstructure:"quantity"`
	EntryPrice float64 `mapstructure:"entry_price"`
	Leverage   int     `mapstructure:"leverage"`
}

// Strategies holds strategy preset configuration.
type Strategies struct {
	File    string `mapstructure:"file"`
	Default string `mapstructure:"default"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Server holds the configuration for the web server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Redis holds the optional shared cache configuration. An empty URL disables it.
type Redis struct {
	URL string `mapstructure:"url"`
}

// Tracing toggles OpenTelemetry tracing.
type Tracing struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	// A missing .env file is fine; real environment variables still apply.
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	SetDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		return
	}

	if err = v.Unmarshal(&config); err != nil {
		return
	}

	err = config.Validate()
	return
}

// SetDefaults registers default values for every tunable.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "") // usually LLM_API_KEY
	v.SetDefault("llm.models", []string{"gpt-4o", "gpt-4o-mini"})
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.request_timeout", 60*time.Second)
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.backoff_base", 500*time.Millisecond)
	v.SetDefault("llm.backoff_max", 8*time.Second)
	v.SetDefault("llm.breaker_threshold", 5)
	v.SetDefault("llm.breaker_cooldown", 60*time.Second)

	v.SetDefault("engine.cache_ttl", 3*time.Minute)
	v.SetDefault("engine.cache_sweep_interval", time.Minute)
	v.SetDefault("engine.persist_timeout", 2*time.Second)
	v.SetDefault("engine.max_staleness", 2*time.Minute)
	v.SetDefault("engine.context_hash_precision", 0.005)

	v.SetDefault("rate_limit.account_per_minute", 6)
	v.SetDefault("rate_limit.account_burst", 2)
	v.SetDefault("rate_limit.global_per_minute", 60)
	v.SetDefault("rate_limit.global_burst", 10)

	v.SetDefault("binance.rate_limit", 20)      // requests per second
	v.SetDefault("binance.rate_limit_burst", 5) // burst size
	v.SetDefault("binance.kline_limit", 100)

	v.SetDefault("strategies.file", "")
	v.SetDefault("strategies.default", "balanced")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.dsn", "decisions.db")
	v.SetDefault("redis.url", "")
	v.SetDefault("tracing.enabled", false)
}

// Validate checks the values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if len(c.LLM.Models) == 0 {
		return errors.New("llm.models must list at least one model")
	}
	if c.LLM.MaxAttempts < 1 {
		return fmt.Errorf("llm.max_attempts must be >= 1, got %d", c.LLM.MaxAttempts)
	}
	if c.LLM.BreakerThreshold < 1 {
		return fmt.Errorf("llm.breaker_threshold must be >= 1, got %d", c.LLM.BreakerThreshold)
	}
	if c.RateLimit.AccountPerMinute <= 0 || c.RateLimit.GlobalPerMinute <= 0 {
		return errors.New("rate_limit per-minute budgets must be positive")
	}
	if c.Engine.ContextHashPrecision <= 0 || c.Engine.ContextHashPrecision >= 1 {
		return fmt.Errorf("engine.context_hash_precision must be in (0,1), got %f", c.Engine.ContextHashPrecision)
	}
	seen := make(map[string]struct{}, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.ID == "" {
			return errors.New("accounts: every account needs an id")
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("accounts: duplicate account id %q", a.ID)
		}
		seen[a.ID] = struct{}{}
		if !a.Paper && (a.ApiKey == "" || a.SecretKey == "") {
			return fmt.Errorf("accounts: live account %q needs apiKey and secretKey", a.ID)
		}
	}
	return nil
}
