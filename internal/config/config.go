package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment  string             `mapstructure:"environment"`
	LogLevel     string             `mapstructure:"log_level"`
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Binance      ExchangeConfig     `mapstructure:"binance"`
	Bybit        ExchangeConfig     `mapstructure:"bybit"`
	RefPrice     RefPriceConfig     `mapstructure:"refprice"`
	Collector    CollectorConfig    `mapstructure:"collector"`
	TradeMonitor TradeMonitorConfig `mapstructure:"trade_monitor"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ExchangeConfig holds per-venue access parameters. WeightBudget is the
// exchange-imposed request-weight cap per rolling minute; BatchSize and
// BatchPause are the collector's pacing knobs for that venue.
type ExchangeConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	SpotBaseURL    string        `mapstructure:"spot_base_url"`
	WeightBudget   int           `mapstructure:"weight_budget"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchPause     time.Duration `mapstructure:"batch_pause"`
	MaxConcurrency int64         `mapstructure:"max_concurrency"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

type RefPriceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	WeightBudget   int           `mapstructure:"weight_budget"`
	MaxBatchSize   int           `mapstructure:"max_batch_size"`
	ChunkPause     time.Duration `mapstructure:"chunk_pause"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type CollectorConfig struct {
	CycleInterval time.Duration `mapstructure:"cycle_interval"`
	CycleTimeout  time.Duration `mapstructure:"cycle_timeout"`
	ErrorCooldown time.Duration `mapstructure:"error_cooldown"`
}

type TradeMonitorConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MinVolumeUSD     float64       `mapstructure:"min_volume_usd"`
	MinTradeValueUSD float64       `mapstructure:"min_trade_value_usd"`
	BatchSize        int           `mapstructure:"batch_size"`
	BatchPause       time.Duration `mapstructure:"batch_pause"`
	MaxConcurrency   int64         `mapstructure:"max_concurrency"`
	TradesFetchLimit int           `mapstructure:"trades_fetch_limit"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	// Enable environment variable support
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv("refprice.api_key", "COINMARKETCAP_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind COINMARKETCAP_API_KEY environment variable: %w", err)
	}

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// validate rejects configurations that would only fail mid-cycle. It runs
// once at startup; nothing here is re-checked afterwards.
func (c *Config) validate() error {
	if c.Environment != "development" && c.RefPrice.APIKey == "" {
		return errors.New("COINMARKETCAP_API_KEY is required in non-development environments")
	}

	for name, ex := range map[string]ExchangeConfig{"binance": c.Binance, "bybit": c.Bybit} {
		if ex.WeightBudget <= 0 {
			return fmt.Errorf("%s weight budget must be positive, got %d", name, ex.WeightBudget)
		}
		if ex.BatchSize <= 0 {
			return fmt.Errorf("%s batch size must be positive, got %d", name, ex.BatchSize)
		}
		if ex.MaxConcurrency <= 0 {
			return fmt.Errorf("%s max concurrency must be positive, got %d", name, ex.MaxConcurrency)
		}
	}

	if c.RefPrice.MaxBatchSize <= 0 {
		return fmt.Errorf("refprice max batch size must be positive, got %d", c.RefPrice.MaxBatchSize)
	}
	if c.RefPrice.CacheTTL <= 0 {
		return fmt.Errorf("refprice cache TTL must be positive, got %s", c.RefPrice.CacheTTL)
	}

	if c.TradeMonitor.Enabled {
		if c.TradeMonitor.MinVolumeUSD <= 0 {
			return fmt.Errorf("trade monitor volume floor must be positive, got %f", c.TradeMonitor.MinVolumeUSD)
		}
		if c.TradeMonitor.MinTradeValueUSD <= 0 {
			return fmt.Errorf("trade monitor min trade value must be positive, got %f", c.TradeMonitor.MinTradeValueUSD)
		}
	}

	return nil
}

func setDefaults() {
	// Environment
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	// Server
	viper.SetDefault("server.port", 8080)

	// Database
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "marketharvest")
	viper.SetDefault("database.sslmode", "disable")

	// Redis
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Binance
	viper.SetDefault("binance.base_url", "https://fapi.binance.com")
	viper.SetDefault("binance.spot_base_url", "https://api.binance.com")
	viper.SetDefault("binance.weight_budget", 1200)
	viper.SetDefault("binance.batch_size", 50)
	viper.SetDefault("binance.batch_pause", "1s")
	viper.SetDefault("binance.max_concurrency", 20)
	viper.SetDefault("binance.request_timeout", "30s")
	viper.SetDefault("binance.max_retries", 3)

	// Bybit
	viper.SetDefault("bybit.base_url", "https://api.bybit.com")
	viper.SetDefault("bybit.spot_base_url", "https://api.bybit.com")
	viper.SetDefault("bybit.weight_budget", 120)
	viper.SetDefault("bybit.batch_size", 30)
	viper.SetDefault("bybit.batch_pause", "2s")
	viper.SetDefault("bybit.max_concurrency", 10)
	viper.SetDefault("bybit.request_timeout", "30s")
	viper.SetDefault("bybit.max_retries", 3)

	// Reference price provider
	viper.SetDefault("refprice.base_url", "https://pro-api.coinmarketcap.com")
	viper.SetDefault("refprice.api_key", "")
	viper.SetDefault("refprice.weight_budget", 30)
	viper.SetDefault("refprice.max_batch_size", 200)
	viper.SetDefault("refprice.chunk_pause", "2s")
	viper.SetDefault("refprice.cache_ttl", "10m")
	viper.SetDefault("refprice.request_timeout", "30s")

	// Collector
	viper.SetDefault("collector.cycle_interval", "5m")
	viper.SetDefault("collector.cycle_timeout", "20m")
	viper.SetDefault("collector.error_cooldown", "60s")

	// Large-trade monitor
	viper.SetDefault("trade_monitor.enabled", true)
	viper.SetDefault("trade_monitor.min_volume_usd", 1000000)
	viper.SetDefault("trade_monitor.min_trade_value_usd", 49000)
	viper.SetDefault("trade_monitor.batch_size", 30)
	viper.SetDefault("trade_monitor.batch_pause", "3s")
	viper.SetDefault("trade_monitor.max_concurrency", 3)
	viper.SetDefault("trade_monitor.trades_fetch_limit", 1000)
}
