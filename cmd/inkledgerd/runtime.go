package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/inkledger/internal/config"
	"github.com/MarkoPoloResearchLab/inkledger/internal/fulfillment"
	"github.com/MarkoPoloResearchLab/inkledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/inkledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/inkledger/internal/oplog"
	"github.com/MarkoPoloResearchLab/inkledger/internal/payments"
	"github.com/MarkoPoloResearchLab/inkledger/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/inkledger/internal/reconcile"
	"github.com/MarkoPoloResearchLab/inkledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/inkledger/internal/store/migrations"
	"github.com/MarkoPoloResearchLab/inkledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/inkledger/internal/transform"
	"github.com/MarkoPoloResearchLab/inkledger/internal/transform/mock"
	"github.com/MarkoPoloResearchLab/inkledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	goredis "github.com/redis/go-redis/v9"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const mockProviderLatency = 750 * time.Millisecond

// storage is an opened ledger store together with its shutdown hook.
type storage struct {
	store   ledger.Store
	cleanup func()
}

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	registry := metrics.New()
	opened, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer opened.cleanup()

	service, err := newLedgerService(opened.store, cfg, logger, registry)
	if err != nil {
		return err
	}
	seeded, err := service.Catalog().SeedPackages(ctx, ledger.DefaultPackages())
	if err != nil {
		return fmt.Errorf("seed packages: %w", err)
	}
	if seeded > 0 {
		logger.Info("seeded credit packages", zap.Int("count", seeded))
	}

	orchestrator, err := fulfillment.New(service, newTransformer(cfg),
		fulfillment.WithTimeout(cfg.ProviderTimeout),
		fulfillment.WithLogger(logger),
		fulfillment.WithRecorder(registry),
	)
	if err != nil {
		return fmt.Errorf("fulfillment init: %w", err)
	}

	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	deps := httpapi.Dependencies{
		Ledger:         service,
		Fulfiller:      orchestrator,
		Metrics:        registry,
		Validator:      validator,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
	}
	if cfg.CheckoutEnabled() {
		checkout, err := payments.NewStripeCheckout(cfg.StripeSecretKey, cfg.FrontendURL)
		if err != nil {
			return fmt.Errorf("checkout init: %w", err)
		}
		deps.Checkout = checkout
	}
	if cfg.WebhookEnabled() {
		verifier, err := payments.NewVerifier(cfg.StripeWebhookSecret)
		if err != nil {
			return fmt.Errorf("webhook init: %w", err)
		}
		deps.Webhooks = verifier
	}
	if cfg.RateLimitEnabled() {
		redisClient := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = redisClient.Close() }()
		if pingErr := redisClient.Ping(ctx).Err(); pingErr != nil {
			logger.Warn("redis unreachable; rate limiting fails open until it recovers", zap.String("addr", cfg.RedisAddr), zap.Error(pingErr))
		}
		limiter, err := ratelimit.New(redisClient, cfg.RateLimitRequests, cfg.RateLimitWindow)
		if err != nil {
			return fmt.Errorf("rate limiter init: %w", err)
		}
		deps.Limiter = limiter
	}

	reconciler, err := reconcile.New(service, service.GrantRecorder(),
		reconcile.WithSchedule(cfg.ReconcileSchedule),
		reconcile.WithBatchSize(cfg.ReconcileBatch),
		reconcile.WithLogger(logger),
		reconcile.WithRecorder(registry),
	)
	if err != nil {
		return fmt.Errorf("reconcile init: %w", err)
	}
	if err := reconciler.Start(ctx); err != nil {
		return fmt.Errorf("reconcile start: %w", err)
	}
	defer reconciler.Stop()

	router, err := httpapi.NewRouter(deps)
	if err != nil {
		return fmt.Errorf("router init: %w", err)
	}
	return httpapi.Serve(ctx, cfg.ListenAddr, router, cfg.ShutdownTimeout, logger)
}

func runMigrate(ctx context.Context, cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	opened, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer opened.cleanup()
	service, err := newLedgerService(opened.store, cfg, logger, nil)
	if err != nil {
		return err
	}
	seeded, err := service.Catalog().SeedPackages(ctx, ledger.DefaultPackages())
	if err != nil {
		return fmt.Errorf("seed packages: %w", err)
	}
	fmt.Fprintf(os.Stdout, "schema ready, %d packages seeded\n", seeded)
	return nil
}

func runReconcileOnce(ctx context.Context, cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	opened, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer opened.cleanup()
	service, err := newLedgerService(opened.store, cfg, logger, nil)
	if err != nil {
		return err
	}
	reconciler, err := reconcile.New(service, service.GrantRecorder(), reconcile.WithBatchSize(cfg.ReconcileBatch), reconcile.WithLogger(logger))
	if err != nil {
		return err
	}
	return reconciler.RunOnce(ctx)
}

func runSetPriceRef(ctx context.Context, cfg config.Config, packageID ledger.PackageID, priceRef string) error {
	opened, err := openStorage(ctx, cfg, zap.NewNop())
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer opened.cleanup()
	service, err := newLedgerService(opened.store, cfg, zap.NewNop(), nil)
	if err != nil {
		return err
	}
	return service.Catalog().SetPriceRef(ctx, packageID, priceRef)
}

func newLedgerService(store ledger.Store, cfg config.Config, logger *zap.Logger, recorder oplog.OperationRecorder) (*ledger.Service, error) {
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := ledger.NewService(store, clock,
		ledger.WithOperationLogger(oplog.New(logger, recorder)),
		ledger.WithReservationTTL(cfg.ReservationTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("ledger service init: %w", err)
	}
	return service, nil
}

func newTransformer(cfg config.Config) transform.Transformer {
	if cfg.MockProvider {
		return mock.New(mock.WithLatency(mockProviderLatency))
	}
	return transform.NewClient(cfg.ProviderBaseURL,
		transform.WithAPIKey(cfg.ProviderAPIKey),
		transform.WithRateLimit(rate.Limit(cfg.ProviderRatePerSecond), cfg.ProviderBurst),
	)
}

// openStorage opens the configured backend and makes sure the schema exists.
func openStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage, error) {
	if cfg.StoreBackend == config.BackendPgx {
		return openPgxStorage(ctx, cfg.DatabaseURL, logger)
	}
	return openGormStorage(ctx, cfg, logger)
}

func openPgxStorage(ctx context.Context, databaseURL string, logger *zap.Logger) (storage, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return storage{}, err
	}
	sqlDB := stdlib.OpenDBFromPool(pool)
	if err := migrations.Apply(ctx, sqlDB, logger); err != nil {
		_ = sqlDB.Close()
		pool.Close()
		return storage{}, err
	}
	cleanup := func() {
		_ = sqlDB.Close()
		pool.Close()
	}
	return storage{store: pgstore.New(pool), cleanup: cleanup}, nil
}

func openGormStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	case config.DriverSQLite:
		var sqlitePath string
		sqlitePath, err = resolveSQLitePath(cfg.DatabaseURL)
		if err == nil {
			db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
		}
	default:
		err = fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
	if err != nil {
		return storage{}, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return storage{}, err
	}
	if cfg.DatabaseDriver == config.DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
		err = db.AutoMigrate(gormstore.Models()...)
	} else {
		err = migrations.Apply(ctx, sqlDB, logger)
	}
	if err != nil {
		_ = sqlDB.Close()
		return storage{}, fmt.Errorf("prepare schema: %w", err)
	}
	return storage{store: gormstore.New(db), cleanup: func() { _ = sqlDB.Close() }}, nil
}

func resolveSQLitePath(databaseURL string) (string, error) {
	path := strings.TrimSpace(databaseURL)
	if strings.HasPrefix(path, "sqlite://") {
		parsed, err := url.Parse(path)
		if err != nil {
			return "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path = parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "inkledger.db"
		}
	}
	if path == ":memory:" {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0o755); err != nil {
		return "", err
	}
	return filepath.Clean(path), nil
}
