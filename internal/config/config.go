package config

import (
	"os"
	"strconv"
)

// Config holds configuration loaded from environment variables.
type Config struct {
	ListenAddr              string
	RedisAddr               string
	GracefulShutdownTimeout int

	// Provisioning gateway.
	UpstreamProvisionURL string
	ProvisionSecret      string
	InternalToken        string
	UpstreamTimeout      int // seconds

	// Rate limiting.
	RateLimitDisabled      bool
	RateLimitWindowSeconds int
	RateLimitIPLimit       int
	RateLimitUserLimit     int
	RateLimitMaxKeys       int
	TrustProxyHeaders      bool

	// Topup.
	MinDepositUSD         float64
	RequiredConfirmations int
	CreditsPerUSD         int64
	SessionTTLSeconds     int
	ClaimWaitTimeoutSecs  int
	ChainName             string
	TokenSymbol           string
	ChainRPCURL           string
	TokenContractAddress  string
	LedgerURL             string
	LedgerToken           string

	// Admin surface.
	JWTSecret string
	JWTIssuer string
}

// Load reads environment variables and returns a Config with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:           os.Getenv("LISTEN_ADDR"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		UpstreamProvisionURL: os.Getenv("UPSTREAM_PROVISION_URL"),
		ProvisionSecret:      os.Getenv("PROVISION_SECRET"),
		InternalToken:        os.Getenv("INTERNAL_TOKEN"),
		ChainName:            os.Getenv("CHAIN_NAME"),
		TokenSymbol:          os.Getenv("TOKEN_SYMBOL"),
		ChainRPCURL:          os.Getenv("CHAIN_RPC_URL"),
		TokenContractAddress: os.Getenv("TOKEN_CONTRACT_ADDRESS"),
		LedgerURL:            os.Getenv("LEDGER_URL"),
		LedgerToken:          os.Getenv("LEDGER_TOKEN"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		JWTIssuer:            os.Getenv("JWT_ISS"),
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.ChainName == "" {
		cfg.ChainName = "base"
	}
	if cfg.TokenSymbol == "" {
		cfg.TokenSymbol = "USDC"
	}
	cfg.RateLimitDisabled = envBool("RATE_LIMIT_DISABLED", false)
	cfg.RateLimitWindowSeconds = envInt("RATE_LIMIT_WINDOW_SECONDS", 60)
	cfg.RateLimitIPLimit = envInt("RATE_LIMIT_IP_LIMIT", 20)
	cfg.RateLimitUserLimit = envInt("RATE_LIMIT_USER_LIMIT", 10)
	cfg.RateLimitMaxKeys = envInt("RATE_LIMIT_MAX_KEYS", 10000)
	cfg.TrustProxyHeaders = envBool("TRUST_PROXY_HEADERS", false)
	cfg.UpstreamTimeout = envInt("UPSTREAM_TIMEOUT_SECONDS", 30)
	cfg.MinDepositUSD = envFloat("MIN_DEPOSIT_USD", 1)
	cfg.RequiredConfirmations = envInt("REQUIRED_CONFIRMATIONS", 1)
	cfg.CreditsPerUSD = int64(envInt("CREDITS_PER_USD", 100))
	cfg.SessionTTLSeconds = envInt("TOPUP_SESSION_TTL_SECONDS", 3600)
	cfg.ClaimWaitTimeoutSecs = envInt("CLAIM_WAIT_TIMEOUT_SECONDS", 60)
	cfg.GracefulShutdownTimeout = envInt("GRACEFUL_SHUTDOWN_TIMEOUT", 15)
	return cfg
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(name string, def float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
