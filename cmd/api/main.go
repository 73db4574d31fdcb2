package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/example/payments-core/internal/aml"
	"github.com/example/payments-core/internal/api"
	"github.com/example/payments-core/internal/auth"
	"github.com/example/payments-core/internal/authorization"
	"github.com/example/payments-core/internal/config"
	"github.com/example/payments-core/internal/events"
	"github.com/example/payments-core/internal/ledger"
	"github.com/example/payments-core/internal/logging"
	"github.com/example/payments-core/internal/security"
	"github.com/example/payments-core/internal/settlement"
	"github.com/example/payments-core/internal/transaction"
	"github.com/example/payments-core/internal/wallet"
	"github.com/example/payments-core/pkg/audit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, slog.LevelInfo, "payments-api")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ledgerStore ledger.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to create postgres pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := ledger.Migrate(ctx, pool); err != nil {
			logger.Error("failed to apply ledger schema", "error", err)
			os.Exit(1)
		}
		ledgerStore = ledger.NewPostgresStore(pool)
	} else {
		logger.Warn("no database configured, using in-memory ledger store")
		ledgerStore = ledger.NewMemoryStore()
	}

	registry := ledger.NewRegistry(ledgerStore)
	led := ledger.NewService(ledgerStore, logger)
	if _, err := registry.Bootstrap(ctx, "USD"); err != nil {
		logger.Error("failed to bootstrap system accounts", "error", err)
		os.Exit(1)
	}

	var (
		rateLimiter *security.RedisTokenBucket
		walletCache *wallet.Cache
	)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()

		rateLimiter = &security.RedisTokenBucket{
			Redis:      redisClient,
			Prefix:     "payments_api",
			Capacity:   cfg.RateLimitCapacity,
			RefillRate: cfg.RateLimitRefill,
		}
		walletCache = wallet.NewCache(redisClient, time.Minute)
	}

	wallets := wallet.NewService(wallet.NewMemoryStore(), registry, walletCache, logger)
	outbox := events.NewMemoryOutbox()
	txs := transaction.NewService(transaction.NewMemoryStore(), transaction.NewMemoryEventStore(), led, wallets, outbox, logger)

	engine := aml.NewEngine(txs, aml.NewMemoryAlertStore(), aml.NewMemorySarStore(), outbox, logger)
	for _, rule := range defaultRules() {
		engine.AddRule(rule)
	}

	pipeline := authorization.NewPipeline(authorization.NewMemoryStore(), wallets, led, txs, engine, outbox, logger, authorization.DefaultTTL)
	processor := settlement.NewProcessor(settlement.NewMemoryStore(), txs, led, outbox, logger)

	trail := audit.NewChainLogger()
	screener := aml.NewScreener(audit.NewChainLogger(), 0)

	drainer := events.NewDrainer(outbox, 64)
	engine.Bind(drainer)
	go drainer.Run(ctx, cfg.OutboxInterval)
	go runMaintenance(ctx, cfg.SweepInterval, logger, pipeline, processor, engine)

	router := api.NewRouter(api.Dependencies{
		Logger:         logger,
		Verifier:       auth.NewVerifier([]byte(cfg.TokenSecret), cfg.TokenIssuer),
		Transactions:   txs,
		Authorizations: pipeline,
		Wallets:        wallets,
		Ledger:         led,
		Settlements:    processor,
		Compliance:     engine,
		Screener:       screener,
		Trail:          trail,
		RateLimiter:    rateLimiter,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("payments api listening", "addr", cfg.HTTPAddr, "environment", cfg.Environment)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// runMaintenance drives the periodic jobs: expiring stale authorizations,
// running due settlement schedules, and drafting overdue SARs.
func runMaintenance(ctx context.Context, interval time.Duration, logger *slog.Logger, pipeline *authorization.Pipeline, processor *settlement.Processor, engine *aml.Engine) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := pipeline.SweepExpired(ctx); err != nil {
				logger.Error("authorization sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("expired authorizations released", "count", n)
			}
			if n, err := processor.RunDue(ctx); err != nil {
				logger.Error("settlement run failed", "error", err)
			} else if n > 0 {
				logger.Info("settlement batches processed", "count", n)
			}
			if sars, err := engine.DraftOverdueSars(ctx); err != nil {
				logger.Error("sar drafting failed", "error", err)
			} else if len(sars) > 0 {
				logger.Info("overdue sars drafted", "count", len(sars))
			}
		}
	}
}

func defaultRules() []*aml.Rule {
	return []*aml.Rule{
		{
			ID:       "rule-large-amount",
			Name:     "large transaction review",
			Type:     aml.RuleAmountThreshold,
			Action:   aml.ActionReview,
			Severity: aml.SeverityHigh,
			Weight:   3,
			Params:   aml.RuleParams{Threshold: decimal.NewFromInt(10000)},
			Enabled:  true,
		},
		{
			ID:       "rule-velocity",
			Name:     "rapid transaction velocity",
			Type:     aml.RuleVelocity,
			Action:   aml.ActionAlert,
			Severity: aml.SeverityMedium,
			Weight:   2,
			Params:   aml.RuleParams{MaxCount: 10, WindowHours: 1},
			Enabled:  true,
		},
		{
			ID:       "rule-structuring",
			Name:     "just-below-threshold structuring",
			Type:     aml.RuleStructuring,
			Action:   aml.ActionAlert,
			Severity: aml.SeverityHigh,
			Weight:   3,
			Params:   aml.RuleParams{Threshold: decimal.NewFromInt(10000), WindowHours: 24, MinOccurrences: 3},
			Enabled:  true,
		},
	}
}
