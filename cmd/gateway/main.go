package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sociclaw/credits-gateway/internal/chain"
	"github.com/sociclaw/credits-gateway/internal/config"
	"github.com/sociclaw/credits-gateway/internal/handler"
	"github.com/sociclaw/credits-gateway/internal/ledger"
	"github.com/sociclaw/credits-gateway/internal/metrics"
	"github.com/sociclaw/credits-gateway/internal/middleware"
	"github.com/sociclaw/credits-gateway/internal/repository"
	"github.com/sociclaw/credits-gateway/internal/service"
)

func main() {
	cfg := config.Load()

	zerolog.TimeFieldFormat = time.RFC3339Nano

	// storage
	var (
		rateStore    repository.RateStore
		sessionStore repository.SessionStore
		redisClient  *redis.Client
	)
	if cfg.RedisAddr != "" {
		client, err := repository.NewRedisClient(cfg.RedisAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		redisClient = client
		rateStore = repository.NewRedisRateStore(client)
		sessionStore = repository.NewRedisSessionStore(client, time.Duration(cfg.SessionTTLSeconds)*time.Second)
	} else {
		rateStore = repository.NewMemoryRateStore(cfg.RateLimitMaxKeys)
		sessionStore = repository.NewMemorySessionStore()
	}

	// services
	limiter := service.NewRateLimiter(rateStore, cfg.RateLimitDisabled)
	if cfg.RateLimitDisabled {
		log.Warn().Msg("rate limiting is disabled")
	}
	provisioner := service.NewProvisioner(cfg.UpstreamProvisionURL, cfg.ProvisionSecret,
		time.Duration(cfg.UpstreamTimeout)*time.Second)
	if !provisioner.Configured() {
		log.Warn().Msg("provisioning upstream not configured, /provision will return 500")
	}

	// The topup surface degrades like the provisioner: a missing chain RPC
	// is a warning at startup and a 500 at claim time, not a crash.
	var verifier chain.Verifier
	if cfg.ChainRPCURL != "" {
		ev, err := chain.NewEthVerifier(context.Background(), cfg.ChainRPCURL, cfg.TokenContractAddress, cfg.TokenSymbol, cfg.ChainName)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize chain verifier")
		}
		defer ev.Close()
		verifier = ev
	} else {
		log.Warn().Msg("chain RPC not configured, /topup/claim will return 500")
		verifier = chain.NewDisabledVerifier()
	}

	creditLedger := ledger.NewHTTPLedger(cfg.LedgerURL, cfg.LedgerToken,
		time.Duration(cfg.UpstreamTimeout)*time.Second)

	metricsRegistry := metrics.NewRegistry()

	topupMgr := service.NewTopupManager(sessionStore, verifier, creditLedger, metricsRegistry, service.TopupConfig{
		MinDepositUSD:         cfg.MinDepositUSD,
		RequiredConfirmations: cfg.RequiredConfirmations,
		CreditsPerUSD:         cfg.CreditsPerUSD,
		SessionTTL:            time.Duration(cfg.SessionTTLSeconds) * time.Second,
		ClaimWaitTimeout:      time.Duration(cfg.ClaimWaitTimeoutSecs) * time.Second,
		ChainName:             cfg.ChainName,
		TokenSymbol:           cfg.TokenSymbol,
	})

	// handlers
	limits := handler.Limits{
		Window:            time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
		IPLimit:           cfg.RateLimitIPLimit,
		UserLimit:         cfg.RateLimitUserLimit,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	}
	provision := handler.NewProvisionHandler(provisioner, limiter, metricsRegistry, cfg.InternalToken, limits)
	topup := handler.NewTopupHandler(topupMgr, limiter, metricsRegistry, limits)
	admin := handler.NewAdminHandler(topupMgr)
	health := &handler.HealthHandler{Redis: redisClient}

	mux := http.NewServeMux()
	mux.Handle("/provision", provision)
	mux.HandleFunc("/topup/start", topup.Start)
	mux.HandleFunc("/topup/claim", topup.Claim)
	mux.HandleFunc("/topup/status", topup.Status)
	mux.Handle("/metrics", metricsRegistry.Handler())
	mux.HandleFunc("/health", health.Liveness)
	mux.HandleFunc("/ready", health.Readiness)
	mux.HandleFunc("/status", health.Status)

	// Protect the admin surface with JWT if enabled
	if cfg.JWTSecret != "" {
		jwtMiddleware := middleware.NewJWTMiddleware([]byte(cfg.JWTSecret), cfg.JWTIssuer)
		mux.Handle("/admin/sessions", jwtMiddleware(admin))
		log.Info().Msg("JWT admin authentication enabled")
	} else {
		mux.Handle("/admin/sessions", admin)
	}

	// middleware chain
	h := middleware.RequestID(mux)
	h = middleware.Logging(h)
	h = middleware.NoStore(h)
	h = middleware.RequestSizeLimit(middleware.MaxRequestSize)(h)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: h}

	go func() {
		log.Info().Msgf("listening %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.GracefulShutdownTimeout)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server shutdown failed")
	}
	log.Info().Msg("server exited")
}
