package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	BinanceConfig      BinanceConfig      `json:"binance" toml:"binance"`
	TradingConfig      TradingConfig      `json:"trading" toml:"trading"`
	RiskConfig         RiskConfig         `json:"risk" toml:"risk"`
	MonitorConfig      MonitorConfig      `json:"monitor" toml:"monitor"`
	PersistenceConfig  PersistenceConfig  `json:"persistence" toml:"persistence"`
	RedisConfig        RedisConfig        `json:"redis" toml:"redis"`
	DatabaseConfig     DatabaseConfig     `json:"database" toml:"database"`
	ServerConfig       ServerConfig       `json:"server" toml:"server"`
	NotificationConfig NotificationConfig `json:"notification" toml:"notification"`
	LoggingConfig      LoggingConfig      `json:"logging" toml:"logging"`
	VaultConfig        VaultConfig        `json:"vault" toml:"vault"`
}

type BinanceConfig struct {
	APIKey       string   `json:"api_key" toml:"api_key"`
	SecretKey    string   `json:"secret_key" toml:"secret_key"`
	BaseURL      string   `json:"base_url" toml:"base_url"` // overrides testnet when set
	TestNet      bool     `json:"testnet" toml:"testnet"`
	PaperTrading bool     `json:"paper_trading" toml:"paper_trading"` // simulate fills against live prices
	PaperBalance float64  `json:"paper_balance" toml:"paper_balance"`
	Timeout      Duration `json:"timeout" toml:"timeout"`
	MaxRetries   int      `json:"max_retries" toml:"max_retries"`
}

// TradingConfig holds entry settings for the traded symbol
type TradingConfig struct {
	Symbol           string  `json:"symbol" toml:"symbol"`
	QuoteAsset       string  `json:"quote_asset" toml:"quote_asset"`
	Leverage         int     `json:"leverage" toml:"leverage"`
	MinNotional      float64 `json:"min_notional" toml:"min_notional"`
	MinNotionalScale float64 `json:"min_notional_scale" toml:"min_notional_scale"`
	MaxEntryAttempts int     `json:"max_entry_attempts" toml:"max_entry_attempts"`
}

// RiskConfig holds protection parameters. Fractions except where noted.
type RiskConfig struct {
	StopLossPct           float64 `json:"stop_loss_pct" toml:"stop_loss_pct"`                     // 0.02 = 2%
	TrailingActivationPct float64 `json:"trailing_activation_pct" toml:"trailing_activation_pct"` // 0.005 = 0.5%
	TrailingCallbackRate  float64 `json:"trailing_callback_rate" toml:"trailing_callback_rate"`   // percent, 1.0 = 1%
	RiskPerTradePct       float64 `json:"risk_per_trade_pct" toml:"risk_per_trade_pct"`           // percent of balance
}

type MonitorConfig struct {
	PollInterval       Duration `json:"poll_interval" toml:"poll_interval"`
	PriceRetryBackoff  Duration `json:"price_retry_backoff" toml:"price_retry_backoff"`
	JoinTimeout        Duration `json:"join_timeout" toml:"join_timeout"`
	CloseTimeout       Duration `json:"close_timeout" toml:"close_timeout"`
	ReconcileOnStartup bool     `json:"reconcile_on_startup" toml:"reconcile_on_startup"`
}

type PersistenceConfig struct {
	SnapshotPath string   `json:"snapshot_path" toml:"snapshot_path"`
	RedisMirror  bool     `json:"redis_mirror" toml:"redis_mirror"`
	RedisKey     string   `json:"redis_key" toml:"redis_key"`
	RedisTTL     Duration `json:"redis_ttl" toml:"redis_ttl"`
}

// RedisConfig holds Redis settings for the snapshot mirror and instance lock
type RedisConfig struct {
	Enabled    bool     `json:"enabled" toml:"enabled"`
	Address    string   `json:"address" toml:"address"`
	Password   string   `json:"password" toml:"password"`
	DB         int      `json:"db" toml:"db"`
	PoolSize   int      `json:"pool_size" toml:"pool_size"`
	TLSEnabled bool     `json:"tls_enabled" toml:"tls_enabled"`
	LockKey    string   `json:"lock_key" toml:"lock_key"`
	LockTTL    Duration `json:"lock_ttl" toml:"lock_ttl"`
}

// DatabaseConfig holds the optional Postgres audit trail settings
type DatabaseConfig struct {
	Enabled       bool   `json:"enabled" toml:"enabled"`
	URL           string `json:"url" toml:"url"`
	MaxConns      int    `json:"max_conns" toml:"max_conns"`
	RunMigrations bool   `json:"run_migrations" toml:"run_migrations"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Enabled         bool     `json:"enabled" toml:"enabled"`
	Host            string   `json:"host" toml:"host"`
	Port            int      `json:"port" toml:"port"`
	AllowedOrigins  string   `json:"allowed_origins" toml:"allowed_origins"` // comma separated
	ReadTimeout     Duration `json:"read_timeout" toml:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout" toml:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" toml:"shutdown_timeout"`
	AuthEnabled     bool     `json:"auth_enabled" toml:"auth_enabled"`
	JWTSecret       string   `json:"jwt_secret" toml:"jwt_secret"`
	APITokenHash    string   `json:"api_token_hash" toml:"api_token_hash"` // bcrypt hash for X-API-Token
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled" toml:"enabled"`
	Telegram TelegramConfig `json:"telegram" toml:"telegram"`
	Discord  DiscordConfig  `json:"discord" toml:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled" toml:"enabled"`
	BotToken string `json:"bot_token" toml:"bot_token"`
	ChatID   string `json:"chat_id" toml:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled" toml:"enabled"`
	WebhookURL string `json:"webhook_url" toml:"webhook_url"`
}

type LoggingConfig struct {
	Level       string `json:"level" toml:"level"`               // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output" toml:"output"`             // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format" toml:"json_format"`   // Output as JSON
	IncludeFile bool   `json:"include_file" toml:"include_file"` // Include file and line number
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled" toml:"enabled"`
	Address    string `json:"address" toml:"address"`
	Token      string `json:"token" toml:"token"`
	MountPath  string `json:"mount_path" toml:"mount_path"`   // KV v2 mount
	SecretPath string `json:"secret_path" toml:"secret_path"` // holds api_key and secret_key
	TLSEnabled bool   `json:"tls_enabled" toml:"tls_enabled"`
	CACert     string `json:"ca_cert" toml:"ca_cert"`
}

// Defaults returns the built-in configuration
func Defaults() Config {
	return Config{
		BinanceConfig: BinanceConfig{
			TestNet:      true,
			PaperBalance: 1000,
			Timeout:      Duration(15 * time.Second),
			MaxRetries:   3,
		},
		TradingConfig: TradingConfig{
			Symbol:           "BTC/USDT",
			QuoteAsset:       "USDT",
			Leverage:         5,
			MinNotional:      100,
			MinNotionalScale: 1.1,
			MaxEntryAttempts: 3,
		},
		RiskConfig: RiskConfig{
			StopLossPct:           0.02,
			TrailingActivationPct: 0.005,
			TrailingCallbackRate:  1.0,
			RiskPerTradePct:       1.5,
		},
		MonitorConfig: MonitorConfig{
			PollInterval:       Duration(time.Second),
			PriceRetryBackoff:  Duration(2 * time.Second),
			JoinTimeout:        Duration(5 * time.Second),
			CloseTimeout:       Duration(15 * time.Second),
			ReconcileOnStartup: true,
		},
		PersistenceConfig: PersistenceConfig{
			SnapshotPath: "logs/monitors.json",
			RedisKey:     "riskmon:monitors",
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
			LockKey:  "riskmon",
			LockTTL:  Duration(30 * time.Second),
		},
		DatabaseConfig: DatabaseConfig{
			MaxConns:      5,
			RunMigrations: true,
		},
		ServerConfig: ServerConfig{
			Enabled:         true,
			Host:            "0.0.0.0",
			Port:            8080,
			AllowedOrigins:  "*",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		VaultConfig: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "riskmon/binance",
		},
	}
}

// Load builds the configuration: defaults, then the file at path (JSON, or
// TOML when the name ends in .toml), then .env and environment overrides.
// A missing file is not an error. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := loadFromFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	// .env is optional
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func loadFromFile(filename string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(filename), ".toml") {
		if _, err := toml.DecodeFile(filename, cfg); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return err
			}
			return fmt.Errorf("error parsing config file: %w", err)
		}
		return nil
	}

	file, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	if err := json.Unmarshal(file, cfg); err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}
	return nil
}

// Validate checks the settings the risk core depends on
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidConfig}, args...)...))
	}

	if strings.TrimSpace(c.TradingConfig.Symbol) == "" {
		fail("trading.symbol is required")
	}
	if c.TradingConfig.Leverage < 1 {
		fail("trading.leverage must be >= 1, got %d", c.TradingConfig.Leverage)
	}
	if c.TradingConfig.MinNotional < 0 {
		fail("trading.min_notional must not be negative")
	}
	if c.TradingConfig.MinNotionalScale <= 1 {
		fail("trading.min_notional_scale must be > 1, got %v", c.TradingConfig.MinNotionalScale)
	}
	if c.TradingConfig.MaxEntryAttempts < 1 {
		fail("trading.max_entry_attempts must be >= 1")
	}

	r := c.RiskConfig
	if !(r.StopLossPct > 0 && r.StopLossPct < 1) {
		fail("risk.stop_loss_pct must be in (0, 1), got %v", r.StopLossPct)
	}
	if !(r.TrailingActivationPct > 0) {
		fail("risk.trailing_activation_pct must be positive, got %v", r.TrailingActivationPct)
	}
	if !(r.TrailingCallbackRate > 0 && r.TrailingCallbackRate < 100) {
		fail("risk.trailing_callback_rate must be in (0, 100), got %v", r.TrailingCallbackRate)
	}
	if !(r.RiskPerTradePct > 0) {
		fail("risk.risk_per_trade_pct must be positive, got %v", r.RiskPerTradePct)
	}

	if c.MonitorConfig.PollInterval.Duration() <= 0 {
		fail("monitor.poll_interval must be positive")
	}
	if c.PersistenceConfig.SnapshotPath == "" {
		fail("persistence.snapshot_path is required")
	}
	if !c.BinanceConfig.PaperTrading && (c.BinanceConfig.APIKey == "" || c.BinanceConfig.SecretKey == "") && !c.VaultConfig.Enabled {
		fail("binance api_key and secret_key are required unless paper_trading or vault is enabled")
	}
	if c.ServerConfig.AuthEnabled && c.ServerConfig.JWTSecret == "" && c.ServerConfig.APITokenHash == "" {
		fail("server.auth_enabled needs jwt_secret or api_token_hash")
	}
	if c.DatabaseConfig.Enabled && c.DatabaseConfig.URL == "" {
		fail("database.url is required when the database is enabled")
	}
	if c.PersistenceConfig.RedisMirror && !c.RedisConfig.Enabled {
		fail("persistence.redis_mirror requires redis.enabled")
	}

	return errors.Join(errs...)
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	cfg := Defaults()
	cfg.BinanceConfig.APIKey = "your_api_key_here"
	cfg.BinanceConfig.SecretKey = "your_secret_key_here"
	cfg.BinanceConfig.PaperTrading = true
	cfg.NotificationConfig = NotificationConfig{
		Telegram: TelegramConfig{BotToken: "", ChatID: ""},
		Discord:  DiscordConfig{WebhookURL: ""},
	}

	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	if strings.EqualFold(filepath.Ext(filename), ".toml") {
		f, err := os.Create(filename)
		if err != nil {
			return err
		}
		if err := toml.NewEncoder(f).Encode(cfg); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
