package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"github.com/gatewarden/gatewarden/internal/api"
	"github.com/gatewarden/gatewarden/internal/audit"
	"github.com/gatewarden/gatewarden/internal/authcode"
	"github.com/gatewarden/gatewarden/internal/authorize"
	"github.com/gatewarden/gatewarden/internal/clients"
	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/crypto"
	"github.com/gatewarden/gatewarden/internal/grants"
	"github.com/gatewarden/gatewarden/internal/permissions"
	"github.com/gatewarden/gatewarden/internal/store"
	"github.com/gatewarden/gatewarden/internal/store/postgres"
	"github.com/gatewarden/gatewarden/internal/tokens"
	"github.com/gatewarden/gatewarden/pkg/logger"
)

func main() {
	// In production these files do not exist; system env vars rule.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Setup("production").Error("config_load_failed", "error", err)
		os.Exit(1)
	}

	log := logger.Setup(cfg.Env)
	log.Info("application_startup", "env", cfg.Env)

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			TracesSampleRate: 1.0,
			Environment:      cfg.Env,
		})
		if err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
			log.Info("sentry_initialized")
		}
	} else {
		log.Warn("sentry_dsn_missing", "details", "skipping_init")
	}

	ctx := context.Background()

	// Store: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		dataStore store.Store
		pinger    api.Pinger
	)
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("database_connect_failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		dataStore = postgres.New(pool)
		pinger = pool
		log.Info("database_connected")
	} else {
		log.Warn("database_url_missing", "details", "using_in_memory_store")
		dataStore = store.NewMemoryStore()
	}

	// Signing key.
	if cfg.SigningKeyPEM == "" {
		if cfg.Env == "production" {
			log.Error("signing_key_missing", "details", "fatal_in_production")
			os.Exit(1)
		}
		log.Warn("signing_key_missing", "details", "generating_ephemeral_dev_key")
		pem, err := crypto.GenerateRSAPrivateKeyPEM()
		if err != nil {
			log.Error("dev_key_generation_failed", "error", err)
			os.Exit(1)
		}
		cfg.SigningKeyPEM = pem
	}

	privateKey, err := crypto.ParseRSAPrivateKeyPEM(cfg.SigningKeyPEM)
	if err != nil {
		log.Error("signing_key_parse_failed", "error", err)
		os.Exit(1)
	}
	signer, err := crypto.NewSigner(crypto.MaxLeeway, crypto.SigningKey{
		ID:       cfg.SigningKeyID,
		Alg:      "RS256",
		Material: privateKey,
	})
	if err != nil {
		log.Error("signer_init_failed", "error", err)
		os.Exit(1)
	}

	// Services.
	hasher := crypto.NewPasswordHasher(cfg)
	fetcher := crypto.NewJWKSFetcher(cfg.JWKSCacheTTL)
	auditLog := audit.NewSlogLogger(log)

	tokenEndpoint := strings.TrimRight(cfg.Issuer, "/") + "/token"
	registry := clients.NewRegistry(dataStore, hasher, fetcher, tokenEndpoint, cfg.SigningAlgorithms)
	codes := authcode.NewService(dataStore, registry, cfg.CodeTTL)
	tokenService := tokens.NewService(dataStore, signer, auditLog, tokens.Options{
		Issuer:       cfg.Issuer,
		AccessTTL:    cfg.AccessTokenTTL,
		RefreshTTL:   cfg.RefreshTokenTTL,
		Format:       cfg.AccessTokenFormat,
		Rotation:     cfg.RefreshRotation,
		ReplayWindow: cfg.ReplayWindow,
	})
	evaluator := permissions.NewEvaluator(dataStore, 0, 0)
	orchestrator := authorize.NewOrchestrator(registry, codes, nil, dataStore)
	dispatcher := grants.NewDispatcher(registry, codes, tokenService, hasher, dataStore, auditLog, cfg.PasswordGrantEnabled)

	oauthHandler := api.NewOAuthHandler(
		orchestrator,
		dispatcher,
		tokenService,
		registry,
		signer,
		nil,
		int(cfg.JWKSCacheTTL.Seconds()),
	)
	permissionHandler := api.NewPermissionHandler(evaluator)

	server := api.NewServer(oauthHandler, permissionHandler, tokenService, evaluator, pinger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)

	go func() {
		log.Info("server_listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("server_startup_failed", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		log.Info("shutdown_signal_received", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("graceful_shutdown_failed", "error", err)
			if err := srv.Close(); err != nil {
				log.Error("server_force_close_failed", "error", err)
			}
		}

		log.Info("server_shutdown_complete")
	}
}
