package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rycode-ai/authcore/internal/api"
	"github.com/rycode-ai/authcore/internal/audit"
	"github.com/rycode-ai/authcore/internal/breaker"
	"github.com/rycode-ai/authcore/internal/config"
	"github.com/rycode-ai/authcore/internal/cost"
	"github.com/rycode-ai/authcore/internal/credential"
	"github.com/rycode-ai/authcore/internal/lock"
	"github.com/rycode-ai/authcore/internal/manager"
	"github.com/rycode-ai/authcore/internal/provider"
	"github.com/rycode-ai/authcore/internal/ratelimit"
	"github.com/rycode-ai/authcore/internal/validate"
	"github.com/rycode-ai/authcore/internal/vault"
)

func main() {
	cfg, err := config.Load(os.Getenv("AUTHCORE_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting authcore server",
		zap.String("http_port", cfg.HTTPPort),
		zap.Duration("rate_window", cfg.RateLimit.Window),
		zap.Int("rate_max_attempts", cfg.RateLimit.MaxAttempts),
		zap.Int("breaker_threshold", cfg.Breaker.FailureThreshold),
	)

	// Credential vault: Postgres when configured, encrypted file otherwise.
	var credVault vault.Vault
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		credVault = vault.NewPostgres(db)
		logger.Info("postgres vault connected")
	} else {
		if cfg.VaultPassphrase == "" {
			logger.Fatal("AUTHCORE_VAULT_PASSPHRASE is required for the file vault")
		}
		fv, err := vault.NewFile(cfg.VaultPath, cfg.VaultPassphrase)
		if err != nil {
			logger.Fatal("failed to open file vault", zap.Error(err))
		}
		credVault = fv
		logger.Info("file vault opened", zap.String("path", cfg.VaultPath))
	}

	// Audit sink: ClickHouse, JSONL file, or zap fallback.
	var sink audit.Sink
	switch {
	case cfg.ClickHouseDSN != "":
		chSink, err := audit.NewClickHouseSink(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log sink", zap.Error(err))
			sink = audit.NewZapSink(logger)
		} else {
			sink = chSink
			logger.Info("clickhouse audit sink connected")
		}
	case cfg.AuditFilePath != "":
		fileSink, err := audit.NewFileSink(cfg.AuditFilePath, logger)
		if err != nil {
			logger.Warn("audit file sink failed, falling back to log sink", zap.Error(err))
			sink = audit.NewZapSink(logger)
		} else {
			sink = fileSink
			logger.Info("audit file sink opened", zap.String("path", cfg.AuditFilePath))
		}
	default:
		sink = audit.NewZapSink(logger)
		logger.Info("no audit sink configured, using log sink")
	}
	defer sink.Close()

	blocklist, err := cfg.LoadBlocklist()
	if err != nil {
		logger.Fatal("failed to load compromised-key blocklist", zap.Error(err))
	}
	if len(blocklist) > 0 {
		logger.Info("compromised-key blocklist loaded", zap.Int("hashes", len(blocklist)))
	}

	locks := lock.New(cfg.LockTimeout)
	limiter := ratelimit.New(ratelimit.Config{
		Window:      cfg.RateLimit.Window,
		MaxAttempts: cfg.RateLimit.MaxAttempts,
	})
	defer limiter.Close()

	auditLog := audit.New(cfg.AuditRingCap, sink, logger)
	tracker := cost.NewTracker(cfg.CostHistoryPath, logger)

	mgr := manager.New(manager.ResilienceContext{
		Locks:   locks,
		Limiter: limiter,
		Breakers: breaker.NewRegistry(breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         cfg.Breaker.Cooldown,
			BackoffFactor:    cfg.Breaker.BackoffFactor,
			MaxCooldown:      cfg.Breaker.MaxCooldown,
		}, logger),
		Audit:       auditLog,
		Credentials: credential.NewStore(credVault, locks, logger),
		Cost:        tracker,
		Validator:   validate.New(blocklist),
		Verifiers:   provider.NewDefaultVerifierRegistry(cfg.VerifyTimeout),
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(&api.Dependencies{
			Manager: mgr,
			Audit:   auditLog,
			Cost:    tracker,
			Logger:  logger,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("authcore server stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
