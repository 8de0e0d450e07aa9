package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Broker   Broker    `mapstructure:"broker"`
	Accounts []Account `mapstructure:"accounts"`
	Trading  Trading   `mapstructure:"trading"`
	Signals  Signals   `mapstructure:"signals"`
	Webhook  Webhook   `mapstructure:"webhook"`
	Storage  Storage   `mapstructure:"storage"`
	Logger   Logger    `mapstructure:"logger"`
	Server   Server    `mapstructure:"server"`
}

// Broker holds the configuration for the Noren (Shoonya) REST API.
type Broker struct {
	Endpoint    string        `mapstructure:"endpoint"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Account is one set of broker credentials. The JSON tags match the
// SHOONYA_USER* environment blobs.
type Account struct {
	Name       string `mapstructure:"name" json:"name"`
	UserID     string `mapstructure:"userid" json:"userid"`
	Password   string `mapstructure:"password" json:"password"`
	TOTPKey    string `mapstructure:"totp_key" json:"totp_key"`
	VendorCode string `mapstructure:"vendor_code" json:"vendor_code"`
	APISecret  string `mapstructure:"api_secret" json:"api_secret"`
	IMEI       string `mapstructure:"imei" json:"imei"`
}

// Valid reports whether the account carries enough to attempt a login.
func (a Account) Valid() bool {
	return a.UserID != "" && a.Password != "" && a.TOTPKey != ""
}

// Label is the name used in logs and responses.
func (a Account) Label() string {
	if a.Name != "" {
		return a.Name
	}
	return a.UserID
}

// Trading holds the order policy knobs.
type Trading struct {
	Exchange                     string             `mapstructure:"exchange"`
	BracketPct                   float64            `mapstructure:"bracket_pct"`
	InterStockDelay              time.Duration      `mapstructure:"inter_stock_delay"`
	CandleWindowMinutes          int                `mapstructure:"candle_window_minutes"`
	CandleEscalatedWindowMinutes int                `mapstructure:"candle_escalated_window_minutes"`
	OptionChainCount             int                `mapstructure:"option_chain_count"`
	StrikeSteps                  map[string]float64 `mapstructure:"strike_steps"`
}

// Signals maps alert name prefixes to trade directions.
type Signals struct {
	CallPrefixes []string `mapstructure:"call_prefixes"`
	PutPrefixes  []string `mapstructure:"put_prefixes"`
}

// Webhook holds the deadline and request limits for inbound alerts.
type Webhook struct {
	Deadline       time.Duration `mapstructure:"deadline"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	StorageReserve time.Duration `mapstructure:"storage_reserve"`
	WarningRatio   float64       `mapstructure:"warning_ratio"`
	Source         string        `mapstructure:"source"`
}

// Storage holds the tier chain and the per-backend settings.
type Storage struct {
	SafetyMargin      time.Duration `mapstructure:"safety_margin"`
	EmergencyCapacity int           `mapstructure:"emergency_capacity"`
	Tiers             []Tier        `mapstructure:"tiers"`
	Firebase          Firebase      `mapstructure:"firebase"`
	Supabase          Supabase      `mapstructure:"supabase"`
	SQLite            SQLite        `mapstructure:"sqlite"`
}

// Tier is one entry of the ordered fallback chain.
type Tier struct {
	Kind         string        `mapstructure:"kind"`
	InitTimeout  time.Duration `mapstructure:"init_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Firebase holds the Realtime Database settings.
type Firebase struct {
	DatabaseURL    string `mapstructure:"database_url"`
	ServiceAccount string `mapstructure:"service_account"`
	Root           string `mapstructure:"root"`
}

// Supabase holds the PostgREST settings.
type Supabase struct {
	URL        string `mapstructure:"url"`
	ServiceKey string `mapstructure:"service_key"`
	Table      string `mapstructure:"table"`
}

// SQLite holds the local database settings.
type SQLite struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string  `mapstructure:"level"`
	Format string  `mapstructure:"format"`
	File   LogFile `mapstructure:"file"`
}

// LogFile enables a rotating log file next to stderr output.
type LogFile struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Server holds the configuration for the web server.
type Server struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ReadCacheTTL    time.Duration `mapstructure:"read_cache_ttl"`
}

// Tier kinds understood by the storage package.
const (
	TierFirebase = "firebase"
	TierSupabase = "supabase"
	TierSQLite   = "sqlite"
)

// accountEnvVars are the legacy single-account JSON variables.
var accountEnvVars = []string{"SHOONYA_USER", "SHOONYA_USER_1", "SHOONYA_USER_2"}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	// A missing .env is normal in production.
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	bindLegacyEnv(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to decode config: %w", err)
	}

	envAccounts, err := accountsFromEnv()
	if err != nil {
		return config, err
	}
	config.Accounts = append(config.Accounts, envAccounts...)

	err = config.Validate()
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.endpoint", "https://api.shoonya.com/NorenWClientTP")
	v.SetDefault("broker.min_interval", 50*time.Millisecond) // <= 20 req/s
	v.SetDefault("broker.max_retries", 2)
	v.SetDefault("broker.timeout", 5*time.Second)

	v.SetDefault("trading.exchange", "NFO")
	v.SetDefault("trading.bracket_pct", 0.10)
	v.SetDefault("trading.inter_stock_delay", 500*time.Millisecond)
	v.SetDefault("trading.candle_window_minutes", 1)
	v.SetDefault("trading.candle_escalated_window_minutes", 1000)
	v.SetDefault("trading.option_chain_count", 1)
	v.SetDefault("trading.strike_steps", map[string]float64{
		"NIFTY":      50,
		"FINNIFTY":   50,
		"BANKNIFTY":  100,
		"MIDCPNIFTY": 25,
	})

	v.SetDefault("signals.call_prefixes", []string{"CE-23.1", "CE-23.3"})
	v.SetDefault("signals.put_prefixes", []string{"PE-23.2", "PE-23.4"})

	v.SetDefault("webhook.deadline", 10*time.Second)
	v.SetDefault("webhook.max_body_bytes", 10*1024)
	v.SetDefault("webhook.storage_reserve", 4*time.Second)
	v.SetDefault("webhook.warning_ratio", 0.8)
	v.SetDefault("webhook.source", "chartink")

	v.SetDefault("storage.safety_margin", time.Second)
	v.SetDefault("storage.emergency_capacity", 100)
	v.SetDefault("storage.tiers", []map[string]any{
		{"kind": TierFirebase, "init_timeout": "3s", "write_timeout": "4s"},
		{"kind": TierSupabase, "init_timeout": "3s", "write_timeout": "4s"},
		{"kind": TierSQLite, "init_timeout": "1s", "write_timeout": "2s"},
	})
	v.SetDefault("storage.firebase.database_url", "")
	v.SetDefault("storage.firebase.service_account", "")
	v.SetDefault("storage.firebase.root", "chartink")
	v.SetDefault("storage.supabase.url", "")
	v.SetDefault("storage.supabase.service_key", "")
	v.SetDefault("storage.supabase.table", "chartink_webhooks")
	v.SetDefault("storage.sqlite.dsn", "alerts.db")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.file.path", "")
	v.SetDefault("logger.file.max_size_mb", 50)
	v.SetDefault("logger.file.max_backups", 5)
	v.SetDefault("logger.file.max_age_days", 14)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.read_cache_ttl", 30*time.Second)
}

// bindLegacyEnv keeps the variable names used by the hosted deployment working.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("storage.firebase.service_account", "STORAGE_FIREBASE_SERVICE_ACCOUNT", "FIREBASE_SERVICE_ACCOUNT")
	_ = v.BindEnv("storage.firebase.database_url", "STORAGE_FIREBASE_DATABASE_URL", "FIREBASE_DATABASE_URL")
	_ = v.BindEnv("storage.supabase.url", "STORAGE_SUPABASE_URL", "SUPABASE_URL")
	_ = v.BindEnv("storage.supabase.service_key", "STORAGE_SUPABASE_SERVICE_KEY", "SUPABASE_SERVICE_KEY")
}

func accountsFromEnv() ([]Account, error) {
	var accounts []Account
	for _, name := range accountEnvVars {
		raw := strings.TrimSpace(os.Getenv(name))
		if raw == "" {
			continue
		}
		var acc Account
		if err := json.Unmarshal([]byte(raw), &acc); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		if acc.Name == "" {
			acc.Name = strings.ToLower(name)
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Webhook.Deadline <= 0 {
		errs = append(errs, errors.New("webhook.deadline must be positive"))
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("webhook.max_body_bytes must be positive"))
	}
	if c.Webhook.StorageReserve >= c.Webhook.Deadline {
		errs = append(errs, errors.New("webhook.storage_reserve must be shorter than webhook.deadline"))
	}
	if c.Trading.BracketPct <= 0 || c.Trading.BracketPct >= 1 {
		errs = append(errs, fmt.Errorf("trading.bracket_pct must be in (0, 1), got %v", c.Trading.BracketPct))
	}
	if c.Broker.MinInterval < 0 {
		errs = append(errs, errors.New("broker.min_interval must not be negative"))
	}
	if c.Storage.EmergencyCapacity <= 0 {
		errs = append(errs, errors.New("storage.emergency_capacity must be positive"))
	}
	for i, t := range c.Storage.Tiers {
		switch t.Kind {
		case TierFirebase, TierSupabase, TierSQLite:
		default:
			errs = append(errs, fmt.Errorf("storage.tiers[%d]: unknown kind %q", i, t.Kind))
		}
		if t.InitTimeout <= 0 || t.WriteTimeout <= 0 {
			errs = append(errs, fmt.Errorf("storage.tiers[%d]: timeouts must be positive", i))
		}
	}
	return errors.Join(errs...)
}
