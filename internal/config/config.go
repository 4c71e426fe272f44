package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Venue       Venue       `mapstructure:"venue"`
	Trading     Trading     `mapstructure:"trading"`
	Reconcile   Reconcile   `mapstructure:"reconcile"`
	Maintenance Maintenance `mapstructure:"maintenance"`
	Store       Store       `mapstructure:"store"`
	Database    Database    `mapstructure:"database"`
	Notify      Notify      `mapstructure:"notify"`
	Logger      Logger      `mapstructure:"logger"`
}

// Venue holds the configuration for the exchange API.
type Venue struct {
	ApiKey         string  `mapstructure:"apiKey"`
	SecretKey      string  `mapstructure:"secretKey"`
	Testnet        bool    `mapstructure:"testnet"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Trading holds the cost-basis and exit-price parameters.
type Trading struct {
	// QuoteAsset is the quote side of every tracked symbol, e.g. USDT for
	// BTCUSDT; the base asset of a symbol is derived by stripping it.
	QuoteAsset     string  `mapstructure:"quote_asset"`
	FeeRate        float64 `mapstructure:"fee_rate"`
	StopLossPct    float64 `mapstructure:"stop_loss_pct"`
	TakeProfit1Pct float64 `mapstructure:"take_profit_1_pct"`
	TakeProfit2Pct float64 `mapstructure:"take_profit_2_pct"`
	// Epsilon is the dust threshold below which a position counts as closed.
	Epsilon string `mapstructure:"epsilon"`
}

// Reconcile holds the configuration for the reconciliation loop.
type Reconcile struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	// BalanceTolerance is the relative tolerance used to match a free
	// balance drop against a vanished order's quantity. The ~1% default is
	// a heuristic, so it stays a knob rather than a constant.
	BalanceTolerance float64 `mapstructure:"balance_tolerance"`
}

// Maintenance holds the configuration for store compaction and eviction.
type Maintenance struct {
	LotKeep            int   `mapstructure:"lot_keep"`
	SizeThresholdBytes int64 `mapstructure:"size_threshold_bytes"`
	EvictAfterDays     int   `mapstructure:"evict_after_days"`
	EvictEveryHours    int   `mapstructure:"evict_every_hours"`
}

// Store holds the configuration for the state document.
type Store struct {
	Path string `mapstructure:"path"`
}

// Database holds the configuration for the audit database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Notify holds the configuration for operator notifications.
type Notify struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("venue.rate_limit", 20)      // requests per second
	viper.SetDefault("venue.rate_limit_burst", 5) // burst size
	viper.SetDefault("trading.quote_asset", "USDT")
	viper.SetDefault("trading.epsilon", "0.00000001")
	viper.SetDefault("reconcile.interval_seconds", 30)
	viper.SetDefault("reconcile.balance_tolerance", 0.01)
	viper.SetDefault("maintenance.lot_keep", 10)
	viper.SetDefault("maintenance.size_threshold_bytes", 50*1024)
	viper.SetDefault("maintenance.evict_after_days", 30)
	viper.SetDefault("maintenance.evict_every_hours", 24)
	viper.SetDefault("store.path", "./data/positions.json")

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
