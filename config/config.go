// Package config loads bot configuration from a JSON file with
// environment variable overrides. Environment variables take precedence
// over file values so deployments can keep credentials out of the file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	BotConfig          BotConfig          `json:"bot"`
	BrokerConfig       BrokerConfig       `json:"broker"`
	EngineConfig       EngineConfig       `json:"engine"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	VaultConfig        VaultConfig        `json:"vault"`
	NotificationConfig NotificationConfig `json:"notification"`
	APIConfig          APIConfig          `json:"api"`
	LoggingConfig      LoggingConfig      `json:"logging"`
}

// BotConfig identifies one bot instance and the instrument it trades.
// BotID feeds the magic-number hash, so two instances trading the same
// account must use distinct IDs.
type BotConfig struct {
	BotID           string        `json:"bot_id"`
	Symbol          string        `json:"symbol"`
	InstrumentClass string        `json:"instrument_class"` // forex, metals, indices, crypto
	PositionSize    float64       `json:"position_size"`    // total size split across the 3 slots
	PollInterval    time.Duration `json:"poll_interval"`
	TickTimeout     time.Duration `json:"tick_timeout"`
}

// BrokerConfig holds the broker gateway transport settings. APIKey and
// SecretKey are left empty when Vault is enabled.
type BrokerConfig struct {
	BaseURL        string        `json:"base_url"`
	StreamURL      string        `json:"stream_url"`
	APIKey         string        `json:"api_key"`
	SecretKey      string        `json:"secret_key"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// EngineConfig holds the lifecycle engine guard settings. The defaults
// are deliberately conservative: loosening them re-opens the premature
// stop-out failure mode the guards exist for.
type EngineConfig struct {
	MinGroupAge           time.Duration `json:"min_group_age"`
	MinPositionAge        time.Duration `json:"min_position_age"`
	MinModifyInterval     time.Duration `json:"min_modify_interval"`
	MinStopEntryFraction  float64       `json:"min_stop_entry_fraction"`  // min |stop-entry| as fraction of entry
	MinStopMarketFraction float64       `json:"min_stop_market_fraction"` // min |stop-market| as fraction of price
	SlotFractions         [3]float64    `json:"slot_fractions"`           // size split per slot, sums to 1
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for the group-counter sequence.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds the optional HashiCorp Vault credential source.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// APIConfig holds the read-only status server settings.
type APIConfig struct {
	Enabled         bool   `json:"enabled"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AllowedOrigins  string `json:"allowed_origins"`
	ShutdownTimeout int    `json:"shutdown_timeout"` // seconds
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

// Load reads config.json (if present) and applies environment overrides.
func Load() (*Config, error) {
	return LoadFile("config.json")
}

// LoadFile reads the named config file and applies environment overrides.
func LoadFile(filename string) (*Config, error) {
	cfg, err := loadFromFile(filename)
	if err != nil {
		// No config file is fine; everything can come from env/defaults.
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that cannot have sensible defaults.
func (c *Config) Validate() error {
	if c.BotConfig.BotID == "" {
		return fmt.Errorf("bot.bot_id is required")
	}
	if c.BotConfig.Symbol == "" {
		return fmt.Errorf("bot.symbol is required")
	}
	var sum float64
	for _, f := range c.EngineConfig.SlotFractions {
		if f < 0 {
			return fmt.Errorf("engine.slot_fractions must be non-negative")
		}
		sum += f
	}
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("engine.slot_fractions must sum to 1, got %.4f", sum)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	// Bot config
	cfg.BotConfig.BotID = getEnvOrDefault("BOT_ID", cfg.BotConfig.BotID)
	cfg.BotConfig.Symbol = getEnvOrDefault("BOT_SYMBOL", cfg.BotConfig.Symbol)
	cfg.BotConfig.InstrumentClass = getEnvOrDefault("BOT_INSTRUMENT_CLASS", cfg.BotConfig.InstrumentClass)

	// Broker config
	cfg.BrokerConfig.BaseURL = getEnvOrDefault("BROKER_BASE_URL", cfg.BrokerConfig.BaseURL)
	cfg.BrokerConfig.StreamURL = getEnvOrDefault("BROKER_STREAM_URL", cfg.BrokerConfig.StreamURL)
	cfg.BrokerConfig.APIKey = getEnvOrDefault("BROKER_API_KEY", cfg.BrokerConfig.APIKey)
	cfg.BrokerConfig.SecretKey = getEnvOrDefault("BROKER_SECRET_KEY", cfg.BrokerConfig.SecretKey)

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis config
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true"
	}
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Vault config
	if v := os.Getenv("VAULT_ENABLED"); v != "" {
		cfg.VaultConfig.Enabled = v == "true"
	}
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	// Notification config
	if v := os.Getenv("NOTIFICATIONS_ENABLED"); v != "" {
		cfg.NotificationConfig.Enabled = v == "true"
	}
	if v := os.Getenv("TELEGRAM_ENABLED"); v != "" {
		cfg.NotificationConfig.Telegram.Enabled = v == "true"
	}
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)

	// API config
	if v := os.Getenv("API_ENABLED"); v != "" {
		cfg.APIConfig.Enabled = v == "true"
	}
	cfg.APIConfig.Host = getEnvOrDefault("API_HOST", cfg.APIConfig.Host)
	cfg.APIConfig.Port = getEnvIntOrDefault("API_PORT", cfg.APIConfig.Port)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		cfg.LoggingConfig.Pretty = v == "true"
	}
}

func applyDefaults(cfg *Config) {
	if cfg.BotConfig.InstrumentClass == "" {
		cfg.BotConfig.InstrumentClass = "forex"
	}
	if cfg.BotConfig.PositionSize <= 0 {
		cfg.BotConfig.PositionSize = 0.03
	}
	if cfg.BotConfig.PollInterval <= 0 {
		cfg.BotConfig.PollInterval = 5 * time.Second
	}
	if cfg.BotConfig.TickTimeout <= 0 {
		cfg.BotConfig.TickTimeout = 30 * time.Second
	}

	if cfg.BrokerConfig.RequestTimeout <= 0 {
		cfg.BrokerConfig.RequestTimeout = 10 * time.Second
	}

	if cfg.EngineConfig.MinGroupAge <= 0 {
		cfg.EngineConfig.MinGroupAge = 60 * time.Second
	}
	if cfg.EngineConfig.MinPositionAge <= 0 {
		cfg.EngineConfig.MinPositionAge = 30 * time.Second
	}
	if cfg.EngineConfig.MinModifyInterval <= 0 {
		cfg.EngineConfig.MinModifyInterval = 10 * time.Second
	}
	if cfg.EngineConfig.MinStopEntryFraction <= 0 {
		cfg.EngineConfig.MinStopEntryFraction = 0.001
	}
	if cfg.EngineConfig.MinStopMarketFraction <= 0 {
		cfg.EngineConfig.MinStopMarketFraction = 0.002
	}
	if cfg.EngineConfig.SlotFractions == [3]float64{} {
		cfg.EngineConfig.SlotFractions = [3]float64{1.0 / 3, 1.0 / 3, 1.0 / 3}
	}

	if cfg.DatabaseConfig.Host == "" {
		cfg.DatabaseConfig.Host = "localhost"
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}

	if cfg.VaultConfig.Address == "" {
		cfg.VaultConfig.Address = "http://localhost:8200"
	}
	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "triad-bot/broker-keys"
	}

	if cfg.APIConfig.Host == "" {
		cfg.APIConfig.Host = "0.0.0.0"
	}
	if cfg.APIConfig.Port == 0 {
		cfg.APIConfig.Port = 8080
	}
	if cfg.APIConfig.AllowedOrigins == "" {
		cfg.APIConfig.AllowedOrigins = "*"
	}
	if cfg.APIConfig.ShutdownTimeout == 0 {
		cfg.APIConfig.ShutdownTimeout = 10
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes a commented starting-point configuration.
func GenerateSampleConfig(filename string) error {
	config := Config{
		BotConfig: BotConfig{
			BotID:           "triad-eurusd-1",
			Symbol:          "EURUSD",
			InstrumentClass: "forex",
			PositionSize:    0.03,
			PollInterval:    5 * time.Second,
			TickTimeout:     30 * time.Second,
		},
		BrokerConfig: BrokerConfig{
			BaseURL:        "https://broker.example.com",
			StreamURL:      "wss://broker.example.com/stream",
			RequestTimeout: 10 * time.Second,
		},
		EngineConfig: EngineConfig{
			MinGroupAge:           60 * time.Second,
			MinPositionAge:        30 * time.Second,
			MinModifyInterval:     10 * time.Second,
			MinStopEntryFraction:  0.001,
			MinStopMarketFraction: 0.002,
			SlotFractions:         [3]float64{1.0 / 3, 1.0 / 3, 1.0 / 3},
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "triad",
			Database: "triad_bot",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Enabled:  true,
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		LoggingConfig: LoggingConfig{
			Level: "info",
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
