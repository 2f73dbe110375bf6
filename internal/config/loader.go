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
// built-in defaults, applies ATLAS_* environment variable overrides, and
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

// applyEnvOverrides reads well-known ATLAS_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "ATLAS_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "ATLAS_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "ATLAS_WALLET_KEY_PASSWORD")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "ATLAS_CHAIN_RPC_URL")
	setInt(&cfg.Chain.ChainID, "ATLAS_CHAIN_CHAIN_ID")
	setStr(&cfg.Chain.ArtifactsDir, "ATLAS_CHAIN_ARTIFACTS_DIR")
	setStr(&cfg.Chain.CompileCommand, "ATLAS_CHAIN_COMPILE_COMMAND")
	setStr(&cfg.Chain.SettlementToken, "ATLAS_CHAIN_SETTLEMENT_TOKEN")
	setInt64(&cfg.Chain.CollateralRatioBps, "ATLAS_CHAIN_COLLATERAL_RATIO_BPS")
	setInt(&cfg.Chain.FeeBps, "ATLAS_CHAIN_FEE_BPS")
	setFloat64(&cfg.Chain.FaucetMintUSD, "ATLAS_CHAIN_FAUCET_MINT_USD")

	// ── Pyth ──
	setStr(&cfg.Pyth.HermesURL, "ATLAS_PYTH_HERMES_URL")
	setStr(&cfg.Pyth.BenchmarkURL, "ATLAS_PYTH_BENCHMARK_URL")
	setInt(&cfg.Pyth.RateLimit, "ATLAS_PYTH_RATE_LIMIT")
	setDuration(&cfg.Pyth.RateWindow, "ATLAS_PYTH_RATE_WINDOW")

	// ── Facilitator ──
	setStr(&cfg.Facilitator.BaseURL, "ATLAS_FACILITATOR_BASE_URL")
	setStr(&cfg.Facilitator.ApiKey, "ATLAS_FACILITATOR_API_KEY")
	setStr(&cfg.Facilitator.ApiSecret, "ATLAS_FACILITATOR_API_SECRET")
	setStr(&cfg.Facilitator.Payee, "ATLAS_FACILITATOR_PAYEE")
	setStr(&cfg.Facilitator.TokenAddress, "ATLAS_FACILITATOR_TOKEN_ADDRESS")
	setBool(&cfg.Facilitator.PaymentEnabled, "ATLAS_FACILITATOR_PAYMENT_ENABLED")
	setFloat64(&cfg.Facilitator.PaymentAmountUSD, "ATLAS_FACILITATOR_PAYMENT_AMOUNT_USD")

	// ── Governor ──
	setFloat64(&cfg.Governor.PerRequestCapUSD, "ATLAS_GOVERNOR_PER_REQUEST_CAP_USD")
	setFloat64(&cfg.Governor.DailyCapUSD, "ATLAS_GOVERNOR_DAILY_CAP_USD")
	setDuration(&cfg.Governor.RateWindow, "ATLAS_GOVERNOR_RATE_WINDOW")
	setInt(&cfg.Governor.RateMax, "ATLAS_GOVERNOR_RATE_MAX")

	// ── Pipeline ──
	setFloat64(&cfg.Pipeline.AgentBudgetUSD, "ATLAS_PIPELINE_AGENT_BUDGET_USD")

	// ── Oracle ──
	setDuration(&cfg.Oracle.Freshness, "ATLAS_ORACLE_FRESHNESS")
	setDuration(&cfg.Oracle.SweepInterval, "ATLAS_ORACLE_SWEEP_INTERVAL")
	setDuration(&cfg.Oracle.CacheTTL, "ATLAS_ORACLE_CACHE_TTL")

	// ── Agents ──
	setInt(&cfg.Agents.FailureBound, "ATLAS_AGENTS_FAILURE_BOUND")
	setDuration(&cfg.Agents.MarketMaker.Interval, "ATLAS_AGENTS_MARKET_MAKER_INTERVAL")
	setFloat64(&cfg.Agents.MarketMaker.LiquidityFloorUSD, "ATLAS_AGENTS_MARKET_MAKER_LIQUIDITY_FLOOR_USD")
	setFloat64(&cfg.Agents.MarketMaker.MaxDepositUSD, "ATLAS_AGENTS_MARKET_MAKER_MAX_DEPOSIT_USD")
	setDuration(&cfg.Agents.Arbitrageur.Interval, "ATLAS_AGENTS_ARBITRAGEUR_INTERVAL")
	setFloat64(&cfg.Agents.Arbitrageur.DeviationThreshold, "ATLAS_AGENTS_ARBITRAGEUR_DEVIATION_THRESHOLD")
	setFloat64(&cfg.Agents.Arbitrageur.MaxTradeUSD, "ATLAS_AGENTS_ARBITRAGEUR_MAX_TRADE_USD")
	setFloat64(&cfg.Agents.Arbitrageur.SlippageTolerance, "ATLAS_AGENTS_ARBITRAGEUR_SLIPPAGE_TOLERANCE")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ATLAS_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ATLAS_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ATLAS_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ATLAS_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ATLAS_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ATLAS_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ATLAS_REDIS_TLS_ENABLED")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "ATLAS_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "ATLAS_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ATLAS_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ATLAS_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ATLAS_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ATLAS_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ATLAS_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ATLAS_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ATLAS_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ATLAS_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ATLAS_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ATLAS_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ATLAS_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ATLAS_S3_REGION")
	setStr(&cfg.S3.Bucket, "ATLAS_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ATLAS_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ATLAS_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ATLAS_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ATLAS_S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.ArchiveInterval, "ATLAS_S3_ARCHIVE_INTERVAL")
	setDuration(&cfg.S3.ArchiveAfter, "ATLAS_S3_ARCHIVE_AFTER")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ATLAS_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ATLAS_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ATLAS_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ATLAS_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMin, "ATLAS_SERVER_RATE_LIMIT_PER_MIN")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ATLAS_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ATLAS_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ATLAS_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ATLAS_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ATLAS_MODE")
	setStr(&cfg.LogLevel, "ATLAS_LOG_LEVEL")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
