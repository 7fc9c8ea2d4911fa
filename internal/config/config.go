// Package config provides configuration management for the trading engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"intraday-trader/internal/clock"
)

// Config holds all application configuration.
type Config struct {
	Trading       TradingConfig      `mapstructure:"trading"`
	Risk          RiskConfig         `mapstructure:"risk"`
	Feed          FeedConfig         `mapstructure:"feed"`
	Broker        BrokerConfig       `mapstructure:"broker"`
	Store         StoreConfig        `mapstructure:"store"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Metrics       MetricsConfig      `mapstructure:"metrics"`
	Strategies    []StrategyConfig   `mapstructure:"strategies" validate:"dive"`
	Instruments   []InstrumentConfig `mapstructure:"instruments" validate:"dive"`
	Credentials   Credentials        `mapstructure:"-"` // Loaded separately
}

// TradingConfig holds trading-related configuration.
type TradingConfig struct {
	Mode      string  `mapstructure:"mode" validate:"oneof=live paper"`
	Capital   float64 `mapstructure:"capital" validate:"gt=0"`
	Timezone  string  `mapstructure:"timezone"`
	Exchange  string  `mapstructure:"exchange" validate:"oneof=NSE BSE"`
	Product   string  `mapstructure:"product" validate:"oneof=MIS CNC"`
	SquareOff bool    `mapstructure:"square_off"` // liquidate at the session square-off time
}

// RiskConfig holds pre-trade and PnL limits.
type RiskConfig struct {
	RiskPerTrade        float64       `mapstructure:"risk_per_trade" validate:"gt=0,lte=1"`
	MaxExposureFraction float64       `mapstructure:"max_exposure_fraction" validate:"gt=0,lte=5"`
	MaxDailyLoss        float64       `mapstructure:"max_daily_loss" validate:"gt=0"`
	MaxConcurrentTrades int           `mapstructure:"max_concurrent_trades" validate:"min=1"`
	CircuitBufferPct    float64       `mapstructure:"circuit_buffer_pct" validate:"gte=0,lt=100"`
	FatFingerPct        float64       `mapstructure:"fat_finger_pct" validate:"gt=0,lt=100"`
	VWAPWindow          time.Duration `mapstructure:"vwap_window" validate:"gt=0"`
	CostModel           string        `mapstructure:"cost_model" validate:"oneof=flat itemized"`
	FlatCostRate        float64       `mapstructure:"flat_cost_rate" validate:"gte=0,lt=1"`
	EvaluateInterval    time.Duration `mapstructure:"evaluate_interval" validate:"gt=0"`
	DefaultFreezeQty    int           `mapstructure:"default_freeze_qty" validate:"min=1"`
}

// FeedConfig holds market-data connection settings.
type FeedConfig struct {
	Source        string        `mapstructure:"source" validate:"oneof=kite replay"`
	Staleness     time.Duration `mapstructure:"staleness" validate:"gt=0"`
	BackoffBase   time.Duration `mapstructure:"backoff_base" validate:"gt=0"`
	BackoffMax    time.Duration `mapstructure:"backoff_max" validate:"gt=0"`
	ConfirmWindow time.Duration `mapstructure:"confirm_window" validate:"gte=0"`
	ReplayFile    string        `mapstructure:"replay_file"`
	FlushInterval time.Duration `mapstructure:"flush_interval" validate:"gt=0"`
}

// BrokerConfig holds order routing settings.
type BrokerConfig struct {
	RateLimit         float64       `mapstructure:"rate_limit" validate:"gt=0"`
	Burst             int           `mapstructure:"burst" validate:"min=1"`
	Workers           int           `mapstructure:"workers" validate:"min=1"`
	CallTimeout       time.Duration `mapstructure:"call_timeout" validate:"gt=0"`
	ReconcileDelay    time.Duration `mapstructure:"reconcile_delay" validate:"gt=0"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" validate:"gte=0"` // 0 disables the periodic sweep
	LookupAttempts    int           `mapstructure:"lookup_attempts" validate:"min=1"`
	SessionPath       string        `mapstructure:"session_path"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level    string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Console  bool   `mapstructure:"console"`
	File     bool   `mapstructure:"file"`
	FilePath string `mapstructure:"file_path"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Level    string         `mapstructure:"level" validate:"oneof=all trades_only errors_only"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url" validate:"required_if=Enabled true"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token" validate:"required_if=Enabled true"`
	ChatID   string `mapstructure:"chat_id" validate:"required_if=Enabled true"`
}

// MetricsConfig holds the Prometheus endpoint settings. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// StrategyConfig declares one strategy instance.
type StrategyConfig struct {
	ID          string             `mapstructure:"id" validate:"required"`
	Kind        string             `mapstructure:"kind" validate:"required"`
	Instruments []string           `mapstructure:"instruments" validate:"min=1,dive,required"`
	Interval    time.Duration      `mapstructure:"interval" validate:"gt=0"`
	Params      map[string]float64 `mapstructure:"params"`
}

// InstrumentConfig seeds reference data and overrides broker values.
type InstrumentConfig struct {
	Symbol       string  `mapstructure:"symbol" validate:"required"`
	Token        uint32  `mapstructure:"token"`
	LotSize      int     `mapstructure:"lot_size" validate:"gte=0"`
	TickSize     float64 `mapstructure:"tick_size" validate:"gte=0"`
	FreezeQty    int     `mapstructure:"freeze_qty" validate:"gte=0"`
	UpperCircuit float64 `mapstructure:"upper_circuit" validate:"gte=0"`
	LowerCircuit float64 `mapstructure:"lower_circuit" validate:"gte=0"`
}

// Credentials holds API credentials.
type Credentials struct {
	Zerodha ZerodhaCredentials `mapstructure:"zerodha"`
}

// ZerodhaCredentials holds Zerodha API credentials.
type ZerodhaCredentials struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	AccessToken string `mapstructure:"access_token"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/intraday-trader"
	}
	return filepath.Join(home, ".config", "intraday-trader")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// .env is optional; real environment variables win over it.
	if err := godotenv.Load(filepath.Join(configDir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.capital", 100000.0)
	v.SetDefault("trading.timezone", "Asia/Kolkata")
	v.SetDefault("trading.exchange", "NSE")
	v.SetDefault("trading.product", "MIS")
	v.SetDefault("trading.square_off", true)

	v.SetDefault("risk.risk_per_trade", 0.01)
	v.SetDefault("risk.max_exposure_fraction", 0.2)
	v.SetDefault("risk.max_daily_loss", 2000.0)
	v.SetDefault("risk.max_concurrent_trades", 3)
	v.SetDefault("risk.circuit_buffer_pct", 2.0)
	v.SetDefault("risk.fat_finger_pct", 5.0)
	v.SetDefault("risk.vwap_window", "5m")
	v.SetDefault("risk.cost_model", "flat")
	v.SetDefault("risk.flat_cost_rate", 0.00035)
	v.SetDefault("risk.evaluate_interval", "5s")
	v.SetDefault("risk.default_freeze_qty", 1800)

	v.SetDefault("feed.source", "kite")
	v.SetDefault("feed.staleness", "10s")
	v.SetDefault("feed.backoff_base", "1s")
	v.SetDefault("feed.backoff_max", "30s")
	v.SetDefault("feed.confirm_window", "30s")
	v.SetDefault("feed.replay_file", "")
	v.SetDefault("feed.flush_interval", "1s")

	v.SetDefault("broker.rate_limit", 10.0)
	v.SetDefault("broker.burst", 10)
	v.SetDefault("broker.workers", 4)
	v.SetDefault("broker.call_timeout", "5s")
	v.SetDefault("broker.reconcile_delay", "3s")
	v.SetDefault("broker.reconcile_interval", "30s")
	v.SetDefault("broker.lookup_attempts", 4)
	v.SetDefault("broker.session_path", filepath.Join(configDir, "session.json"))

	v.SetDefault("store.path", filepath.Join(configDir, "trader.db"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(configDir, "logs", "trader.log"))

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.level", "all")
	v.SetDefault("notifications.webhook.enabled", false)
	v.SetDefault("notifications.webhook.url", "")
	v.SetDefault("notifications.telegram.enabled", false)
	v.SetDefault("notifications.telegram.bot_token", "")
	v.SetDefault("notifications.telegram.chat_id", "")

	v.SetDefault("metrics.listen", "")
}

func loadConfigFile(configDir string, target *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		// First run: leave a template behind and continue on defaults.
		if err := createTemplateConfig(configDir); err != nil {
			return err
		}
	}

	return v.Unmarshal(target)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ZERODHA_API_KEY"); v != "" {
		cfg.Credentials.Zerodha.APIKey = v
	}
	if v := os.Getenv("ZERODHA_API_SECRET"); v != "" {
		cfg.Credentials.Zerodha.APISecret = v
	}
	if v := os.Getenv("ZERODHA_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.Zerodha.AccessToken = v
	}
	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Trading.Mode = v
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q (value %v)", strings.ToLower(fe.Namespace()), fe.Tag(), fe.Value())
		}
		return err
	}

	if c.Feed.BackoffMax < c.Feed.BackoffBase {
		return fmt.Errorf("feed.backoff_max (%s) must be >= feed.backoff_base (%s)", c.Feed.BackoffMax, c.Feed.BackoffBase)
	}
	if c.Feed.Source == "replay" && c.Feed.ReplayFile == "" {
		return fmt.Errorf("feed.replay_file is required when feed.source is 'replay'")
	}
	if c.Trading.Mode == "live" {
		if c.Feed.Source != "kite" {
			return fmt.Errorf("live trading requires feed.source = 'kite'")
		}
		if c.Credentials.Zerodha.APIKey == "" {
			return fmt.Errorf("live trading requires zerodha api_key")
		}
	}

	seen := make(map[string]bool, len(c.Strategies))
	for _, s := range c.Strategies {
		if seen[s.ID] {
			return fmt.Errorf("duplicate strategy id: %s", s.ID)
		}
		seen[s.ID] = true
	}

	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == "paper"
}

// Location returns the configured market timezone.
func (c *Config) Location() (*time.Location, error) {
	return clock.LoadLocation(c.Trading.Timezone)
}

// Symbols returns every instrument referenced by a strategy, in first-seen order.
func (c *Config) Symbols() []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range c.Strategies {
		for _, sym := range s.Instruments {
			if !seen[sym] {
				seen[sym] = true
				out = append(out, sym)
			}
		}
	}
	return out
}

// Intervals returns the distinct candle intervals strategies subscribe to.
func (c *Config) Intervals() []time.Duration {
	var out []time.Duration
	seen := make(map[time.Duration]bool)
	for _, s := range c.Strategies {
		if !seen[s.Interval] {
			seen[s.Interval] = true
			out = append(out, s.Interval)
		}
	}
	return out
}
