package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/betpond/settlement/internal/api"
	"github.com/betpond/settlement/internal/cache"
	"github.com/betpond/settlement/internal/chain"
	"github.com/betpond/settlement/internal/config"
	"github.com/betpond/settlement/internal/db"
	"github.com/betpond/settlement/internal/notify"
	"github.com/betpond/settlement/internal/observability"
	"github.com/betpond/settlement/internal/queue"
	"github.com/betpond/settlement/internal/repository"
	"github.com/betpond/settlement/internal/service"
	"github.com/betpond/settlement/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Run bootstraps the HTTP server, queue manager, and background workers,
// blocking until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	store := repository.NewStore(pool)
	balances := cache.NewBalanceCache(redisClient, cfg.BalanceCacheTTL)
	notifier := notify.NewLogNotifier(logger)

	manager := queue.NewManager(queue.NewPgStore(store.Queries()),
		queue.WithMaxWorkers(cfg.MaxWorkers),
		queue.WithPollInterval(cfg.QueuePollInterval),
		queue.WithBaseBackoff(cfg.QueueBaseBackoff),
		queue.WithMaxBackoff(cfg.QueueMaxBackoff),
	)

	transferClient := chain.NewMockClient()
	keystore := chain.NewMockKeystore()

	settlementSvc := service.NewSettlementService(store, transferClient, keystore, notifier, balances).
		WithConfirmWindow(cfg.ConfirmTimeout, cfg.ConfirmPollInterval)
	if err := settlementSvc.Register(manager); err != nil {
		return fmt.Errorf("register settlement handlers: %w", err)
	}
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start queue manager: %w", err)
	}
	defer manager.Stop()

	orchestrator := service.NewOrchestrator(store, manager, cfg.TreasuryWalletID, cfg.ChainID, cfg.SettlementMaxAttempts)
	walletSvc := service.NewWalletService(store, balances)

	recoverySvc := service.NewRecoveryService(store, manager, cfg.RecoveryThreshold, cfg.SettlementMaxAttempts)
	recoveryWorker := worker.NewRecoveryWorker(recoverySvc).WithInterval(cfg.RecoveryInterval)
	stopRecovery := recoveryWorker.Run(ctx)

	auditSvc := service.NewChainAuditService(store, notifier)
	auditWorker := worker.NewAuditWorker(auditSvc).WithInterval(cfg.ChainAuditInterval)
	stopAudit := auditWorker.Run(ctx)

	router := api.NewRouter(pool, redisClient, walletSvc, orchestrator, cfg.PublicRateLimitRPS)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping background workers")
	stopRecovery()
	stopAudit()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
