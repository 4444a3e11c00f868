// Package config defines the top-level configuration for the option book
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by OPTIONBOOK_* environment variables.
type Config struct {
	Pair     PairConfig    `toml:"pair"`
	Custody  CustodyConfig `toml:"custody"`
	Fees     FeesConfig    `toml:"fees"`
	Ledger   LedgerConfig  `toml:"ledger"`
	Storage  StorageConfig `toml:"storage"`
	Redis    RedisConfig   `toml:"redis"`
	S3       S3Config      `toml:"s3"`
	Archive  ArchiveConfig `toml:"archive"`
	Server   ServerConfig  `toml:"server"`
	Notify   NotifyConfig  `toml:"notify"`
	Mode     string        `toml:"mode"`
	LogLevel string        `toml:"log_level"`
}

// AssetConfig describes one side of the pair.
type AssetConfig struct {
	Address  string `toml:"address"`
	Symbol   string `toml:"symbol"`
	Decimals int32  `toml:"decimals"`
}

// PairConfig names the two assets the engine trades.
type PairConfig struct {
	Underlying AssetConfig `toml:"underlying"`
	Strike     AssetConfig `toml:"strike"`
}

// Name is the pair label used for archive paths and redis namespaces,
// e.g. "WETH-USDC".
func (p PairConfig) Name() string {
	u, s := p.Underlying.Symbol, p.Strike.Symbol
	if u == "" {
		u = shortAddress(p.Underlying.Address)
	}
	if s == "" {
		s = shortAddress(p.Strike.Address)
	}
	return u + "-" + s
}

func shortAddress(a string) string {
	a = strings.TrimPrefix(strings.ToLower(a), "0x")
	if len(a) > 8 {
		a = a[:8]
	}
	return a
}

// CustodyConfig identifies the custody principal. The operator key wins over
// a bare address; without a key the engine can still serve and archive but
// the address must be given.
type CustodyConfig struct {
	Address          string   `toml:"address"`
	PrivateKey       string   `toml:"private_key"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
	AuditInterval    duration `toml:"audit_interval"`
}

// HasKey reports whether an operator key source is configured.
func (c CustodyConfig) HasKey() bool {
	return c.PrivateKey != "" || c.EncryptedKeyPath != ""
}

// FeesConfig selects and seeds the fee policy. Rates are decimal fractions
// keyed by asset address; every listed asset is supported.
type FeesConfig struct {
	Backend   string            `toml:"backend"` // "static" or "redis"
	Owner     string            `toml:"owner"`
	Recipient string            `toml:"recipient"`
	Rates     map[string]string `toml:"rates"`
	// SeedRedis writes Rates and Recipient into redis on startup. Leave it
	// off once the policy is administered through the API.
	SeedRedis bool `toml:"seed_redis"`
}

// GenesisMint credits an account when the in-memory ledger starts.
type GenesisMint struct {
	Asset  string `toml:"asset"`
	To     string `toml:"to"`
	Amount string `toml:"amount"` // whole units of the asset
}

// LedgerConfig selects the asset ledger.
type LedgerConfig struct {
	Backend string        `toml:"backend"` // "memory" or "postgres"
	Genesis []GenesisMint `toml:"genesis"`
}

// StorageConfig holds PostgreSQL connection parameters. When disabled the
// registry lives in memory only.
type StorageConfig struct {
	Enabled         bool     `toml:"enabled"`
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	ConnMaxLifetime duration `toml:"conn_max_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"` // defaults to "optionbook:<pair>"
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// ArchiveConfig controls the export of terminal records.
type ArchiveConfig struct {
	Interval  duration `toml:"interval"`
	Retention duration `toml:"retention"` // records younger than this stay unarchived
	BatchSize int      `toml:"batch_size"`
	LockTTL   duration `toml:"lock_ttl"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port             int      `toml:"port"`
	CORSOrigins      []string `toml:"cors_origins"`
	AdminAPIKey      string   `toml:"admin_api_key"`
	RateLimit        int      `toml:"rate_limit"` // requests per window, 0 disables
	RateLimitWindow  duration `toml:"rate_limit_window"`
	SignatureMaxSkew duration `toml:"signature_max_skew"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Pair: PairConfig{
			Underlying: AssetConfig{Symbol: "WETH", Decimals: 18},
			Strike:     AssetConfig{Symbol: "USDC", Decimals: 18},
		},
		Custody: CustodyConfig{
			AuditInterval: duration{time.Minute},
		},
		Fees: FeesConfig{
			Backend: "static",
			Rates:   map[string]string{},
		},
		Ledger: LedgerConfig{
			Backend: "memory",
		},
		Storage: StorageConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "postgres",
			User:            "postgres",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    2,
			ConnMaxLifetime: duration{30 * time.Minute},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "optionbook-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Interval:  duration{time.Hour},
			Retention: duration{7 * 24 * time.Hour},
			BatchSize: 500,
			LockTTL:   duration{5 * time.Minute},
		},
		Server: ServerConfig{
			Port:             8000,
			CORSOrigins:      []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:        120,
			RateLimitWindow:  duration{time.Minute},
			SignatureMaxSkew: duration{5 * time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"order_filled", "option_exercised", "option_expired", "option_closed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Pair
	u, s := c.Pair.Underlying.Address, c.Pair.Strike.Address
	if !common.IsHexAddress(u) {
		errs = append(errs, fmt.Sprintf("pair: underlying.address %q is not an address", u))
	}
	if !common.IsHexAddress(s) {
		errs = append(errs, fmt.Sprintf("pair: strike.address %q is not an address", s))
	}
	if common.IsHexAddress(u) && common.IsHexAddress(s) && common.HexToAddress(u) == common.HexToAddress(s) {
		errs = append(errs, "pair: underlying and strike must differ")
	}
	for _, a := range []AssetConfig{c.Pair.Underlying, c.Pair.Strike} {
		if a.Decimals < 0 || a.Decimals > 36 {
			errs = append(errs, fmt.Sprintf("pair: decimals for %s must be 0-36, got %d", a.Symbol, a.Decimals))
		}
	}

	// Custody
	if !c.Custody.HasKey() && !common.IsHexAddress(c.Custody.Address) {
		errs = append(errs, "custody: set private_key, encrypted_key_path or address")
	}
	if c.Custody.EncryptedKeyPath != "" && c.Custody.KeyPassword == "" {
		errs = append(errs, "custody: key_password is required when encrypted_key_path is set")
	}

	// Fees
	switch c.Fees.Backend {
	case "static":
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, "fees: backend redis requires redis.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("fees: unknown backend %q (valid: static, redis)", c.Fees.Backend))
	}
	if c.Fees.Owner != "" && !common.IsHexAddress(c.Fees.Owner) {
		errs = append(errs, fmt.Sprintf("fees: owner %q is not an address", c.Fees.Owner))
	}
	if c.Fees.Recipient != "" && !common.IsHexAddress(c.Fees.Recipient) {
		errs = append(errs, fmt.Sprintf("fees: recipient %q is not an address", c.Fees.Recipient))
	}
	for asset, rate := range c.Fees.Rates {
		if !common.IsHexAddress(asset) {
			errs = append(errs, fmt.Sprintf("fees: rate key %q is not an address", asset))
		}
		r, err := decimal.NewFromString(rate)
		if err != nil || r.IsNegative() || r.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			errs = append(errs, fmt.Sprintf("fees: rate %q for %s must be a decimal in [0, 1)", rate, asset))
		}
	}

	// Ledger
	switch c.Ledger.Backend {
	case "memory":
		// Restored records would reference escrow the fresh ledger no
		// longer holds.
		if c.Storage.Enabled {
			errs = append(errs, "ledger: backend memory cannot be combined with storage.enabled (use backend postgres)")
		}
	case "postgres":
		if !c.Storage.Enabled {
			errs = append(errs, "ledger: backend postgres requires storage.enabled")
		}
		if len(c.Ledger.Genesis) > 0 {
			errs = append(errs, "ledger: genesis mints apply to the memory backend only")
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: memory, postgres)", c.Ledger.Backend))
	}
	for i, g := range c.Ledger.Genesis {
		if !common.IsHexAddress(g.Asset) || !common.IsHexAddress(g.To) {
			errs = append(errs, fmt.Sprintf("ledger: genesis[%d] needs asset and to addresses", i))
		}
		if d, err := decimal.NewFromString(g.Amount); err != nil || !d.IsPositive() {
			errs = append(errs, fmt.Sprintf("ledger: genesis[%d] amount %q must be positive", i, g.Amount))
		}
	}

	// Storage
	if c.Storage.Enabled {
		if strings.TrimSpace(c.Storage.DSN) == "" {
			if c.Storage.Host == "" {
				errs = append(errs, "storage: host must not be empty (or set storage.dsn)")
			}
			if c.Storage.Port <= 0 || c.Storage.Port > 65535 {
				errs = append(errs, fmt.Sprintf("storage: port must be 1-65535, got %d", c.Storage.Port))
			}
			if c.Storage.Database == "" {
				errs = append(errs, "storage: database must not be empty")
			}
		}
		if c.Storage.PoolMaxConns < 1 {
			errs = append(errs, "storage: pool_max_conns must be >= 1")
		}
		if c.Storage.PoolMinConns < 0 || c.Storage.PoolMinConns > c.Storage.PoolMaxConns {
			errs = append(errs, "storage: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Archive mode needs somewhere to read from, write to and lock in.
	if mode == "archive" || mode == "full" {
		if c.S3.Enabled {
			if c.S3.Bucket == "" {
				errs = append(errs, "s3: bucket must not be empty")
			}
			if c.S3.Region == "" {
				errs = append(errs, "s3: region must not be empty")
			}
			if !c.Storage.Enabled {
				errs = append(errs, "archive: requires storage.enabled")
			}
		} else if mode == "archive" {
			errs = append(errs, "archive: mode archive requires s3.enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.Retention.Duration < 0 {
			errs = append(errs, "archive: retention must be >= 0")
		}
	}

	// Server
	if mode == "server" || mode == "full" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateLimitWindow.Duration <= 0 {
			errs = append(errs, "server: rate_limit_window must be > 0 when rate_limit is set")
		}
		if c.Server.SignatureMaxSkew.Duration <= 0 {
			errs = append(errs, "server: signature_max_skew must be > 0")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
