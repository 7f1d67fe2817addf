// Package config loads operator-supplied settings for the trading assistant
// from the environment, following the same .env + os.Getenv idiom the
// original single-strategy bot used.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds every tunable the core trading plane needs. Nothing here
// decides what to trade; these are limits, credentials, and endpoints.
type Config struct {
	// Venue 1 ("Kalshi"): RSA-PSS signed REST + WS.
	KalshiAPIKeyID    string
	KalshiPrivKeyPath string
	KalshiEnv         string // "prod" or "demo"

	// Venue 2 (optional second venue): Ed25519 signed REST + WS.
	Venue2Enabled     bool
	Venue2APIKeyID    string
	Venue2PrivKeyPath string
	Venue2Env         string

	DryRun bool

	// Journal store.
	DatabasePath    string
	SessionLogDir   string
	BackupDir       string
	BackupRetention int
	BackupMaxAgeMin int

	// Execution engine policy.
	MaxSlippageCents         int
	MinEdgePct               float64
	MakerFillTimeout         int // seconds
	TakerFillTimeout         int // seconds
	PortfolioCapUSD          float64
	MaxPositionUSD           float64
	RecommendationTTLMinutes int

	// Rate limiter (requests/sec, burst capacity == rate for both venues:
	// refill rate equals capacity per second).
	Venue1ReadRate  float64
	Venue1WriteRate float64
	Venue2ReadRate  float64
	Venue2WriteRate float64

	// Session server.
	SessionServerPort  int
	WrapUpTimeoutSec   int
	ShutdownTimeoutSec int
	ExtractionTimeoutSec int
	AgentModel         string
	AgentWorkingDir    string
}

func (c *Config) KalshiBaseURL() string {
	if c.KalshiEnv == "prod" {
		return "https://api.elections.kalshi.com/trade-api/v2"
	}
	return "https://demo-api.kalshi.co/trade-api/v2"
}

func (c *Config) KalshiWSBaseURL() string {
	if c.KalshiEnv == "prod" {
		return "wss://api.elections.kalshi.com/trade-api/ws/v2"
	}
	return "wss://demo-api.kalshi.co/trade-api/ws/v2"
}

func (c *Config) Venue2BaseURL() string {
	if c.Venue2Env == "prod" {
		return "https://clob.venue2.example.com"
	}
	return "https://demo-clob.venue2.example.com"
}

func (c *Config) Venue2WSBaseURL() string {
	if c.Venue2Env == "prod" {
		return "wss://ws.venue2.example.com/v1/order"
	}
	return "wss://demo-ws.venue2.example.com/v1/order"
}

// Load reads configuration from the process environment, falling back to a
// .env file in the working directory if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		KalshiAPIKeyID:    os.Getenv("KALSHI_API_KEY_ID"),
		KalshiPrivKeyPath: getEnvDefault("KALSHI_PRIV_KEY_PATH", "./kalshi_private_key.pem"),
		KalshiEnv:         getEnvDefault("KALSHI_ENV", "prod"),

		Venue2Enabled:     getEnvBool("VENUE2_ENABLED", false),
		Venue2APIKeyID:    os.Getenv("VENUE2_API_KEY_ID"),
		Venue2PrivKeyPath: getEnvDefault("VENUE2_PRIV_KEY_PATH", "./venue2_private_key.pem"),
		Venue2Env:         getEnvDefault("VENUE2_ENV", "prod"),

		DryRun: getEnvBool("DRY_RUN", true),

		DatabasePath:    getEnvDefault("DATABASE_PATH", "./data/journal.db"),
		SessionLogDir:   getEnvDefault("SESSION_LOG_DIR", "./data/session_logs"),
		BackupDir:       getEnvDefault("BACKUP_DIR", "./data/backups"),
		BackupRetention: getEnvInt("BACKUP_RETENTION", 14),
		BackupMaxAgeMin: getEnvInt("BACKUP_MAX_AGE_MIN", 60*12),

		MaxSlippageCents:         getEnvInt("MAX_SLIPPAGE_CENTS", 3),
		MinEdgePct:               getEnvFloat("MIN_EDGE_PCT", 2.0),
		MakerFillTimeout:         getEnvInt("MAKER_FILL_TIMEOUT_SEC", 60),
		TakerFillTimeout:         getEnvInt("TAKER_FILL_TIMEOUT_SEC", 30),
		PortfolioCapUSD:          getEnvFloat("PORTFOLIO_CAP_USD", 1000.0),
		MaxPositionUSD:           getEnvFloat("MAX_POSITION_USD", 500.0),
		RecommendationTTLMinutes: getEnvInt("RECOMMENDATION_TTL_MINUTES", 10),

		Venue1ReadRate:  getEnvFloat("VENUE1_READ_RATE", 30.0),
		Venue1WriteRate: getEnvFloat("VENUE1_WRITE_RATE", 30.0),
		Venue2ReadRate:  getEnvFloat("VENUE2_READ_RATE", 15.0),
		Venue2WriteRate: getEnvFloat("VENUE2_WRITE_RATE", 50.0),

		SessionServerPort:  getEnvInt("SESSION_SERVER_PORT", 8765),
		WrapUpTimeoutSec:   getEnvInt("WRAP_UP_TIMEOUT_SEC", 20),
		ShutdownTimeoutSec: getEnvInt("SHUTDOWN_TIMEOUT_SEC", 15),
		ExtractionTimeoutSec: getEnvInt("EXTRACTION_TIMEOUT_SEC", 20),
		AgentModel:         getEnvDefault("AGENT_MODEL", "claude-sonnet-4-5"),
		AgentWorkingDir:    getEnvDefault("AGENT_WORKING_DIR", "."),
	}

	if cfg.KalshiAPIKeyID == "" {
		return nil, fmt.Errorf("KALSHI_API_KEY_ID is required")
	}
	if cfg.KalshiEnv != "prod" && cfg.KalshiEnv != "demo" {
		return nil, fmt.Errorf("KALSHI_ENV must be 'prod' or 'demo', got %q", cfg.KalshiEnv)
	}
	if cfg.Venue2Enabled && cfg.Venue2APIKeyID == "" {
		return nil, fmt.Errorf("VENUE2_API_KEY_ID is required when VENUE2_ENABLED=true")
	}

	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
