package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies OPTIONBOOK_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known OPTIONBOOK_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Pair ──
	setStr(&cfg.Pair.Underlying.Address, "OPTIONBOOK_PAIR_UNDERLYING_ADDRESS")
	setStr(&cfg.Pair.Underlying.Symbol, "OPTIONBOOK_PAIR_UNDERLYING_SYMBOL")
	setInt32(&cfg.Pair.Underlying.Decimals, "OPTIONBOOK_PAIR_UNDERLYING_DECIMALS")
	setStr(&cfg.Pair.Strike.Address, "OPTIONBOOK_PAIR_STRIKE_ADDRESS")
	setStr(&cfg.Pair.Strike.Symbol, "OPTIONBOOK_PAIR_STRIKE_SYMBOL")
	setInt32(&cfg.Pair.Strike.Decimals, "OPTIONBOOK_PAIR_STRIKE_DECIMALS")

	// ── Custody ──
	setStr(&cfg.Custody.Address, "OPTIONBOOK_CUSTODY_ADDRESS")
	setStr(&cfg.Custody.PrivateKey, "OPTIONBOOK_CUSTODY_PRIVATE_KEY")
	setStr(&cfg.Custody.EncryptedKeyPath, "OPTIONBOOK_CUSTODY_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Custody.KeyPassword, "OPTIONBOOK_CUSTODY_KEY_PASSWORD")
	setDuration(&cfg.Custody.AuditInterval, "OPTIONBOOK_CUSTODY_AUDIT_INTERVAL")

	// ── Fees ──
	setStr(&cfg.Fees.Backend, "OPTIONBOOK_FEES_BACKEND")
	setStr(&cfg.Fees.Owner, "OPTIONBOOK_FEES_OWNER")
	setStr(&cfg.Fees.Recipient, "OPTIONBOOK_FEES_RECIPIENT")
	setBool(&cfg.Fees.SeedRedis, "OPTIONBOOK_FEES_SEED_REDIS")

	// ── Ledger ──
	setStr(&cfg.Ledger.Backend, "OPTIONBOOK_LEDGER_BACKEND")

	// ── Storage ──
	setBool(&cfg.Storage.Enabled, "OPTIONBOOK_STORAGE_ENABLED")
	setStr(&cfg.Storage.DSN, "OPTIONBOOK_STORAGE_DSN")
	setStr(&cfg.Storage.DSN, "DATABASE_URL") // platform convention
	setStr(&cfg.Storage.Host, "OPTIONBOOK_STORAGE_HOST")
	setInt(&cfg.Storage.Port, "OPTIONBOOK_STORAGE_PORT")
	setStr(&cfg.Storage.Database, "OPTIONBOOK_STORAGE_DATABASE")
	setStr(&cfg.Storage.User, "OPTIONBOOK_STORAGE_USER")
	setStr(&cfg.Storage.Password, "OPTIONBOOK_STORAGE_PASSWORD")
	setStr(&cfg.Storage.SSLMode, "OPTIONBOOK_STORAGE_SSL_MODE")
	setInt(&cfg.Storage.PoolMaxConns, "OPTIONBOOK_STORAGE_POOL_MAX_CONNS")
	setInt(&cfg.Storage.PoolMinConns, "OPTIONBOOK_STORAGE_POOL_MIN_CONNS")
	setBool(&cfg.Storage.RunMigrations, "OPTIONBOOK_STORAGE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "OPTIONBOOK_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "OPTIONBOOK_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "OPTIONBOOK_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "OPTIONBOOK_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "OPTIONBOOK_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "OPTIONBOOK_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "OPTIONBOOK_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "OPTIONBOOK_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "OPTIONBOOK_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "OPTIONBOOK_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "OPTIONBOOK_S3_REGION")
	setStr(&cfg.S3.Bucket, "OPTIONBOOK_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "OPTIONBOOK_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "OPTIONBOOK_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "OPTIONBOOK_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "OPTIONBOOK_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "OPTIONBOOK_S3_PREFIX")

	// ── Archive ──
	setDuration(&cfg.Archive.Interval, "OPTIONBOOK_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.Retention, "OPTIONBOOK_ARCHIVE_RETENTION")
	setInt(&cfg.Archive.BatchSize, "OPTIONBOOK_ARCHIVE_BATCH_SIZE")
	setDuration(&cfg.Archive.LockTTL, "OPTIONBOOK_ARCHIVE_LOCK_TTL")

	// ── Server ──
	setInt(&cfg.Server.Port, "OPTIONBOOK_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "OPTIONBOOK_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.AdminAPIKey, "OPTIONBOOK_SERVER_ADMIN_API_KEY")
	setInt(&cfg.Server.RateLimit, "OPTIONBOOK_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "OPTIONBOOK_SERVER_RATE_LIMIT_WINDOW")
	setDuration(&cfg.Server.SignatureMaxSkew, "OPTIONBOOK_SERVER_SIGNATURE_MAX_SKEW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "OPTIONBOOK_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "OPTIONBOOK_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "OPTIONBOOK_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "OPTIONBOOK_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "OPTIONBOOK_MODE")
	setStr(&cfg.LogLevel, "OPTIONBOOK_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
