// Package config loads and validates the application configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	Watchlist []string        `mapstructure:"watchlist"`
	Signal    SignalConfig    `mapstructure:"signal"`
	Position  PositionConfig  `mapstructure:"position"`
	Grade     GradeConfig     `mapstructure:"grade"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Health    HealthConfig    `mapstructure:"health"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// SignalConfig tunes the order-flow imbalance detector.
type SignalConfig struct {
	ImbalanceUp       float64       `mapstructure:"imbalance_up"`
	ImbalanceDown     float64       `mapstructure:"imbalance_down"`
	MaxSpread         float64       `mapstructure:"max_spread"`
	MomentumThreshold float64       `mapstructure:"momentum_threshold"`
	Hold              time.Duration `mapstructure:"hold"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

// PositionConfig tunes the position tracker and its fill dispatcher.
type PositionConfig struct {
	MinMove       float64       `mapstructure:"min_move"`
	MaxSilence    time.Duration `mapstructure:"max_silence"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	FillQueueSize int           `mapstructure:"fill_queue_size"`
}

// GradeConfig tunes candidate scoring and the standing radar.
type GradeConfig struct {
	RSIPeriod         int           `mapstructure:"rsi_period"`
	MAWindow          int           `mapstructure:"ma_window"`
	RSIMaxLong        float64       `mapstructure:"rsi_max_long"`
	RSIMinShort       float64       `mapstructure:"rsi_min_short"`
	MinTrendPct       float64       `mapstructure:"min_trend_pct"`
	MinRSIBuffer      float64       `mapstructure:"min_rsi_buffer"`
	RealertInterval   time.Duration `mapstructure:"realert_interval"`
	RadarPollInterval time.Duration `mapstructure:"radar_poll_interval"`
}

// LifecycleConfig tunes the daily batch state machine.
type LifecycleConfig struct {
	Notional         float64       `mapstructure:"notional"`
	OpenTradeCount   int           `mapstructure:"open_trade_count"`
	TakeProfitPct    float64       `mapstructure:"take_profit_pct"`
	StopLossPct      float64       `mapstructure:"stop_loss_pct"`
	MaxHold          time.Duration `mapstructure:"max_hold"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MarketOpen       string        `mapstructure:"market_open"`
	WindowOpenOffset time.Duration `mapstructure:"window_open_offset"`
	WindowLength     time.Duration `mapstructure:"window_length"`
	LookbackMinutes  int           `mapstructure:"lookback_minutes"`
	Backoff          time.Duration `mapstructure:"backoff"`
	Timezone         string        `mapstructure:"timezone"`
}

// TelegramConfig holds Telegram notification configuration.
// The bot token is taken from the TELEGRAM_BOT_TOKEN environment variable.
type TelegramConfig struct {
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds journal configuration.
type StorageConfig struct {
	DBPath     string `mapstructure:"db_path"`
	MaxSignals int    `mapstructure:"max_signals"`
}

// HealthConfig holds the liveness endpoint configuration.
type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	setDefaults(v)

	v.SetEnvPrefix("STOCKPULSE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("watchlist", []string{"AAPL", "MSFT", "NVDA", "AMD", "TSLA"})

	// Signal detector defaults
	v.SetDefault("signal.imbalance_up", 3.0)
	v.SetDefault("signal.imbalance_down", 0.33)
	v.SetDefault("signal.max_spread", 0.05)
	v.SetDefault("signal.momentum_threshold", 0.001)
	v.SetDefault("signal.hold", "30s")
	v.SetDefault("signal.cooldown", "5m")
	v.SetDefault("signal.poll_interval", "2s")

	// Position tracker defaults
	v.SetDefault("position.min_move", 0.05)
	v.SetDefault("position.max_silence", "60s")
	v.SetDefault("position.poll_interval", "3s")
	v.SetDefault("position.fill_queue_size", 64)

	// Grade engine defaults
	v.SetDefault("grade.rsi_period", 14)
	v.SetDefault("grade.ma_window", 20)
	v.SetDefault("grade.rsi_max_long", 62.0)
	v.SetDefault("grade.rsi_min_short", 38.0)
	v.SetDefault("grade.min_trend_pct", 0.2)
	v.SetDefault("grade.min_rsi_buffer", 4.0)
	v.SetDefault("grade.realert_interval", "15m")
	v.SetDefault("grade.radar_poll_interval", "60s")

	// Lifecycle defaults
	v.SetDefault("lifecycle.notional", 1000.0)
	v.SetDefault("lifecycle.open_trade_count", 3)
	v.SetDefault("lifecycle.take_profit_pct", 1.5)
	v.SetDefault("lifecycle.stop_loss_pct", 1.0)
	v.SetDefault("lifecycle.max_hold", "2h")
	v.SetDefault("lifecycle.poll_interval", "30s")
	v.SetDefault("lifecycle.market_open", "09:30")
	v.SetDefault("lifecycle.window_open_offset", "1m")
	v.SetDefault("lifecycle.window_length", "5m")
	v.SetDefault("lifecycle.lookback_minutes", 90)
	v.SetDefault("lifecycle.backoff", "10s")
	v.SetDefault("lifecycle.timezone", "America/New_York")

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/stockpulse.db")
	v.SetDefault("storage.max_signals", 5000)

	// Health defaults
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.addr", ":8086")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid.
func (c *Config) Validate() error {
	if len(c.Watchlist) == 0 {
		return fmt.Errorf("watchlist must contain at least one symbol")
	}

	if c.Signal.ImbalanceUp <= 1.0 {
		return fmt.Errorf("signal.imbalance_up must be greater than 1.0")
	}
	if c.Signal.ImbalanceDown <= 0 || c.Signal.ImbalanceDown >= 1.0 {
		return fmt.Errorf("signal.imbalance_down must be between 0 and 1.0")
	}
	if c.Signal.MaxSpread <= 0 {
		return fmt.Errorf("signal.max_spread must be positive")
	}
	if c.Signal.Hold <= 0 {
		return fmt.Errorf("signal.hold must be positive")
	}
	if c.Signal.Cooldown < c.Signal.Hold {
		return fmt.Errorf("signal.cooldown must be at least signal.hold")
	}
	if c.Signal.PollInterval < 500*time.Millisecond {
		return fmt.Errorf("signal.poll_interval must be at least 500ms")
	}

	if c.Position.MinMove <= 0 {
		return fmt.Errorf("position.min_move must be positive")
	}
	if c.Position.MaxSilence <= 0 {
		return fmt.Errorf("position.max_silence must be positive")
	}
	if c.Position.PollInterval <= 0 {
		return fmt.Errorf("position.poll_interval must be positive")
	}
	if c.Position.FillQueueSize < 1 {
		return fmt.Errorf("position.fill_queue_size must be at least 1")
	}

	if c.Grade.RSIPeriod < 2 {
		return fmt.Errorf("grade.rsi_period must be at least 2")
	}
	if c.Grade.MAWindow < 2 {
		return fmt.Errorf("grade.ma_window must be at least 2")
	}
	if c.Grade.RSIMaxLong <= 0 || c.Grade.RSIMaxLong >= 100 {
		return fmt.Errorf("grade.rsi_max_long must be between 0 and 100")
	}
	if c.Grade.RSIMinShort <= 0 || c.Grade.RSIMinShort >= 100 {
		return fmt.Errorf("grade.rsi_min_short must be between 0 and 100")
	}
	if c.Grade.RSIMinShort >= c.Grade.RSIMaxLong {
		return fmt.Errorf("grade.rsi_min_short must be below grade.rsi_max_long")
	}
	if c.Grade.RealertInterval < time.Minute {
		return fmt.Errorf("grade.realert_interval must be at least 1 minute")
	}

	if c.Lifecycle.Notional <= 0 {
		return fmt.Errorf("lifecycle.notional must be positive")
	}
	if c.Lifecycle.OpenTradeCount < 1 {
		return fmt.Errorf("lifecycle.open_trade_count must be at least 1")
	}
	if c.Lifecycle.TakeProfitPct <= 0 {
		return fmt.Errorf("lifecycle.take_profit_pct must be positive")
	}
	if c.Lifecycle.StopLossPct <= 0 {
		return fmt.Errorf("lifecycle.stop_loss_pct must be positive")
	}
	if c.Lifecycle.MaxHold < time.Minute {
		return fmt.Errorf("lifecycle.max_hold must be at least 1 minute")
	}
	if c.Lifecycle.WindowLength <= 0 {
		return fmt.Errorf("lifecycle.window_length must be positive")
	}
	if c.Lifecycle.LookbackMinutes < c.Grade.MAWindow+2 {
		return fmt.Errorf("lifecycle.lookback_minutes must cover at least grade.ma_window+2 bars")
	}
	if _, err := time.Parse("15:04", c.Lifecycle.MarketOpen); err != nil {
		return fmt.Errorf("lifecycle.market_open must be HH:MM: %w", err)
	}
	if _, err := time.LoadLocation(c.Lifecycle.Timezone); err != nil {
		return fmt.Errorf("lifecycle.timezone is invalid: %w", err)
	}

	if c.Telegram.Enabled {
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.Storage.MaxSignals < 1 {
		return fmt.Errorf("storage.max_signals must be at least 1")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
