// Package config defines the top-level configuration for the Atlas backend
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ATLAS_* environment variables.
type Config struct {
	Wallet      WalletConfig      `toml:"wallet"`
	Chain       ChainConfig       `toml:"chain"`
	Pyth        PythConfig        `toml:"pyth"`
	Facilitator FacilitatorConfig `toml:"facilitator"`
	Governor    GovernorConfig    `toml:"governor"`
	Pipeline    PipelineConfig    `toml:"pipeline"`
	Oracle      OracleConfig      `toml:"oracle"`
	Agents      AgentsConfig      `toml:"agents"`
	Redis       RedisConfig       `toml:"redis"`
	Postgres    PostgresConfig    `toml:"postgres"`
	S3          S3Config          `toml:"s3"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// WalletConfig holds the operator wallet credentials. Exactly one of
// private_key or encrypted_key_path should be set; leaving both empty runs
// the platform in read-only mode (no deployments, no agents, no payments).
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig holds the EVM endpoint and deployment parameters.
type ChainConfig struct {
	RPCURL             string  `toml:"rpc_url"`
	ChainID            int     `toml:"chain_id"`
	ArtifactsDir       string  `toml:"artifacts_dir"`
	CompileCommand     string  `toml:"compile_command"`
	SettlementToken    string  `toml:"settlement_token"`
	CollateralRatioBps int64   `toml:"collateral_ratio_bps"`
	FeeBps             int     `toml:"fee_bps"`
	FaucetMintUSD      float64 `toml:"faucet_mint_usd"`
}

// PythConfig holds the Pyth price-feed endpoints and the outbound request
// budget enforced when the redis rate limiter is wired.
type PythConfig struct {
	HermesURL    string   `toml:"hermes_url"`
	BenchmarkURL string   `toml:"benchmark_url"`
	RateLimit    int      `toml:"rate_limit"`
	RateWindow   duration `toml:"rate_window"`
}

// FacilitatorConfig holds the payment facilitator endpoint, HMAC credentials,
// and the provisioning fee parameters.
type FacilitatorConfig struct {
	BaseURL          string  `toml:"base_url"`
	ApiKey           string  `toml:"api_key"`
	ApiSecret        string  `toml:"api_secret"`
	Payee            string  `toml:"payee"`
	TokenAddress     string  `toml:"token_address"`
	PaymentEnabled   bool    `toml:"payment_enabled"`
	PaymentAmountUSD float64 `toml:"payment_amount_usd"`
}

// GovernorConfig holds the spend governor's caps.
type GovernorConfig struct {
	PerRequestCapUSD float64  `toml:"per_request_cap_usd"`
	DailyCapUSD      float64  `toml:"daily_cap_usd"`
	RateWindow       duration `toml:"rate_window"`
	RateMax          int      `toml:"rate_max"`
}

// PipelineConfig holds provisioning-pipeline parameters that are not chain
// or payment settings.
type PipelineConfig struct {
	AgentBudgetUSD float64 `toml:"agent_budget_usd"`
}

// OracleConfig holds the oracle sweep parameters.
type OracleConfig struct {
	Freshness     duration `toml:"freshness"`
	SweepInterval duration `toml:"sweep_interval"`
	CacheTTL      duration `toml:"cache_ttl"`
}

// AgentsConfig holds trading-agent tuning.
type AgentsConfig struct {
	FailureBound int               `toml:"failure_bound"`
	MarketMaker  MarketMakerConfig `toml:"market_maker"`
	Arbitrageur  ArbitrageurConfig `toml:"arbitrageur"`
}

// MarketMakerConfig holds market-maker agent parameters.
type MarketMakerConfig struct {
	Interval          duration `toml:"interval"`
	LiquidityFloorUSD float64  `toml:"liquidity_floor_usd"`
	MaxDepositUSD     float64  `toml:"max_deposit_usd"`
}

// ArbitrageurConfig holds arbitrageur agent parameters.
type ArbitrageurConfig struct {
	Interval           duration `toml:"interval"`
	DeviationThreshold float64  `toml:"deviation_threshold"`
	MaxTradeUSD        float64  `toml:"max_trade_usd"`
	SlippageTolerance  float64  `toml:"slippage_tolerance"`
}

// RedisConfig holds Redis connection parameters. Redis is optional; when
// disabled the price cache and API rate limiter are simply not wired.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// PostgresConfig holds PostgreSQL connection parameters for the audit trail.
// Optional; when disabled audit logging is a no-op.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters for the archiver.
// Optional; when disabled terminal jobs and agent activity are never archived.
type S3Config struct {
	Enabled         bool     `toml:"enabled"`
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	UseSSL          bool     `toml:"use_ssl"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	ArchiveInterval duration `toml:"archive_interval"`
	ArchiveAfter    duration `toml:"archive_after"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimitPerMin int      `toml:"rate_limit_per_min"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
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

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:             "http://localhost:8545",
			ChainID:            31337,
			ArtifactsDir:       "artifacts",
			SettlementToken:    "",
			CollateralRatioBps: 15_000,
			FeeBps:             30,
			FaucetMintUSD:      10_000,
		},
		Pyth: PythConfig{
			HermesURL:    "https://hermes.pyth.network",
			BenchmarkURL: "https://benchmarks.pyth.network",
			RateLimit:    10,
			RateWindow:   duration{time.Second},
		},
		Facilitator: FacilitatorConfig{
			BaseURL:          "http://localhost:8402",
			PaymentEnabled:   false,
			PaymentAmountUSD: 1.0,
		},
		Governor: GovernorConfig{
			PerRequestCapUSD: 5.0,
			DailyCapUSD:      100.0,
			RateWindow:       duration{time.Hour},
			RateMax:          10,
		},
		Pipeline: PipelineConfig{
			AgentBudgetUSD: 500.0,
		},
		Oracle: OracleConfig{
			Freshness:     duration{1 * time.Minute},
			SweepInterval: duration{30 * time.Second},
			CacheTTL:      duration{15 * time.Second},
		},
		Agents: AgentsConfig{
			FailureBound: 5,
			MarketMaker: MarketMakerConfig{
				Interval:          duration{20 * time.Second},
				LiquidityFloorUSD: 200.0,
				MaxDepositUSD:     100.0,
			},
			Arbitrageur: ArbitrageurConfig{
				Interval:           duration{15 * time.Second},
				DeviationThreshold: 0.01,
				MaxTradeUSD:        50.0,
				SlippageTolerance:  0.005,
			},
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "atlas",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Enabled:         false,
			Endpoint:        "http://localhost:9000",
			Region:          "us-east-1",
			Bucket:          "atlas-data",
			ForcePathStyle:  true,
			ArchiveInterval: duration{6 * time.Hour},
			ArchiveAfter:    duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMin: 300,
		},
		Notify: NotifyConfig{
			Events: []string{"job_failed", "agent_error", "spend_rejected"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":   true, // API server + oracle sweep + agents
	"server": true, // API server only, no background work
	"sweep":  true, // oracle sweep only, no API server
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, server, sweep)", c.Mode))
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if c.Chain.CollateralRatioBps < 10_000 {
		errs = append(errs, fmt.Sprintf("chain: collateral_ratio_bps must be >= 10000 (100%%), got %d", c.Chain.CollateralRatioBps))
	}
	if c.Chain.FeeBps < 0 || c.Chain.FeeBps > 10_000 {
		errs = append(errs, fmt.Sprintf("chain: fee_bps must be 0-10000, got %d", c.Chain.FeeBps))
	}

	if c.Pyth.HermesURL == "" {
		errs = append(errs, "pyth: hermes_url must not be empty")
	}

	if c.Facilitator.PaymentEnabled {
		if c.Facilitator.BaseURL == "" {
			errs = append(errs, "facilitator: base_url is required when payment is enabled")
		}
		if c.Facilitator.Payee == "" {
			errs = append(errs, "facilitator: payee is required when payment is enabled")
		}
		if c.Facilitator.TokenAddress == "" {
			errs = append(errs, "facilitator: token_address is required when payment is enabled")
		}
		if c.Facilitator.PaymentAmountUSD <= 0 {
			errs = append(errs, "facilitator: payment_amount_usd must be > 0 when payment is enabled")
		}
	}

	if c.Governor.PerRequestCapUSD <= 0 {
		errs = append(errs, "governor: per_request_cap_usd must be > 0")
	}
	if c.Governor.DailyCapUSD <= 0 {
		errs = append(errs, "governor: daily_cap_usd must be > 0")
	}
	if c.Governor.RateMax < 1 {
		errs = append(errs, "governor: rate_max must be >= 1")
	}
	if c.Governor.RateWindow.Duration <= 0 {
		errs = append(errs, "governor: rate_window must be > 0")
	}

	if c.Pipeline.AgentBudgetUSD < 0 {
		errs = append(errs, "pipeline: agent_budget_usd must be >= 0")
	}

	if c.Oracle.Freshness.Duration <= 0 {
		errs = append(errs, "oracle: freshness must be > 0")
	}

	if c.Agents.FailureBound < 1 {
		errs = append(errs, "agents: failure_bound must be >= 1")
	}
	if c.Agents.MarketMaker.Interval.Duration <= 0 {
		errs = append(errs, "agents: market_maker.interval must be > 0")
	}
	if c.Agents.Arbitrageur.Interval.Duration <= 0 {
		errs = append(errs, "agents: arbitrageur.interval must be > 0")
	}
	if c.Agents.Arbitrageur.DeviationThreshold <= 0 {
		errs = append(errs, "agents: arbitrageur.deviation_threshold must be > 0")
	}
	if c.Agents.Arbitrageur.SlippageTolerance < 0 || c.Agents.Arbitrageur.SlippageTolerance >= 1 {
		errs = append(errs, "agents: arbitrageur.slippage_tolerance must be in [0, 1)")
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
