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
// built-in defaults, applies CROSSFILL_* environment variable overrides, and
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

// applyEnvOverrides reads well-known CROSSFILL_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "CROSSFILL_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "CROSSFILL_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "CROSSFILL_WALLET_KEY_PASSWORD")

	// ── Chain ──
	setStr(&cfg.Chain.Name, "CROSSFILL_CHAIN_NAME")
	setStr(&cfg.Chain.Version, "CROSSFILL_CHAIN_VERSION")
	setInt64(&cfg.Chain.ChainID, "CROSSFILL_CHAIN_ID")

	// ── Engine ──
	setStr(&cfg.Engine.Owner, "CROSSFILL_ENGINE_OWNER")
	setBool(&cfg.Engine.PauseOnStart, "CROSSFILL_ENGINE_PAUSE_ON_START")

	// ── Escrow ──
	setStr(&cfg.Escrow.NativeAsset, "CROSSFILL_ESCROW_NATIVE_ASSET")
	setDuration(&cfg.Escrow.RescueDelay, "CROSSFILL_ESCROW_RESCUE_DELAY")
	setStringSlice(&cfg.Escrow.Resolvers, "CROSSFILL_ESCROW_RESOLVERS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "CROSSFILL_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "CROSSFILL_DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "CROSSFILL_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "CROSSFILL_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "CROSSFILL_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "CROSSFILL_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "CROSSFILL_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "CROSSFILL_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "CROSSFILL_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "CROSSFILL_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "CROSSFILL_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "CROSSFILL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CROSSFILL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CROSSFILL_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CROSSFILL_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "CROSSFILL_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "CROSSFILL_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "CROSSFILL_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CROSSFILL_S3_REGION")
	setStr(&cfg.S3.Bucket, "CROSSFILL_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CROSSFILL_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CROSSFILL_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "CROSSFILL_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "CROSSFILL_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "CROSSFILL_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "CROSSFILL_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "CROSSFILL_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "CROSSFILL_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "CROSSFILL_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "CROSSFILL_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "CROSSFILL_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "CROSSFILL_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "CROSSFILL_SERVER_RATE_LIMIT_WINDOW")

	// ── Top-level ──
	setStr(&cfg.Mode, "CROSSFILL_MODE")
	setStr(&cfg.LogLevel, "CROSSFILL_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
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
