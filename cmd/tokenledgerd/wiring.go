package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/catalog"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/config"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/logging"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/metering"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/payments"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	driverPostgres     = "postgres"
	driverSQLite       = "sqlite"
	driverMemory       = "memory"
	defaultDatabaseURL = "sqlite:///tmp/tokenledger.db"
)

// ledgerBackingStore is what every store implementation provides.
type ledgerBackingStore interface {
	ledger.Store
	payments.CustomerStore
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
}

type openedStore struct {
	ledgerBackingStore
	driver  string
	backend string
	closeFn func()
}

func (store *openedStore) Close() {
	if store.closeFn != nil {
		store.closeFn()
	}
}

func runServer(ctx context.Context, cfg *config.Config, autoMigrate bool, logger *zap.Logger) error {
	store, err := openStore(ctx, cfg.DatabaseURL, cfg.LedgerBackend)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer store.Close()
	if autoMigrate || store.driver != driverPostgres {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	pingCtx, cancelPing := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancelPing()
	if err := store.Ping(pingCtx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}

	tiers := catalog.Default()
	if strings.TrimSpace(cfg.CatalogPath) != "" {
		if tiers, err = catalog.LoadFile(cfg.CatalogPath); err != nil {
			return err
		}
	}

	collector := metrics.New()
	ledgerService, err := ledger.NewService(store, func() time.Time { return time.Now().UTC() },
		ledger.WithOperationLogger(logging.NewOperationLogger(logger), collector),
		ledger.WithStoreTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	debitPolicy, _ := cfg.DebitPolicy()
	compensation, _ := cfg.Compensation()
	meter, err := metering.New(ledgerService,
		metering.WithFailurePolicy(debitPolicy),
		metering.WithCompensationPolicy(compensation),
		metering.WithLogger(logger.Named("metering")),
	)
	if err != nil {
		return fmt.Errorf("meter init: %w", err)
	}

	limiter, closeLimiter, err := buildLimiter(cfg, collector, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	checkout, err := payments.NewCheckout(tiers, store, payments.NewStripeProcessor(cfg.StripeSecretKey, cfg.StripeTimeout), logger.Named("checkout"), payments.WithStoreTimeout(cfg.StoreTimeout))
	if err != nil {
		return fmt.Errorf("checkout init: %w", err)
	}
	reconciler, err := payments.NewReconciler(ledgerService, cfg.StripeWebhookSecret,
		payments.WithLogger(logger.Named("webhook")),
		payments.WithTolerance(cfg.WebhookTolerance),
		payments.WithWebhookRecorder(collector),
	)
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}

	router, err := httpapi.NewRouter(httpapi.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		SigningKey:     []byte(cfg.SessionSigningKey),
		Issuer:         cfg.SessionIssuer,
		CookieName:     cfg.SessionCookieName,
	}, httpapi.Dependencies{
		Ledger:   ledgerService,
		Meter:    meter,
		Checkout: checkout,
		Webhooks: reconciler,
		Limiter:  limiter,
		Metrics:  collector,
		Logger:   logger.Named("http"),
	})
	if err != nil {
		return fmt.Errorf("router init: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer, err := grpcserver.NewServer(grpcserver.AuthConfig{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
	}, meter, ledgerService, limiter, logger.Named("grpc"))
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("grpc init: %w", err)
	}

	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
		grpcErrCh <- grpcServer.Serve(listener)
	}()
	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- httpapi.Serve(ctx, cfg.ListenAddr, router, logger, cfg.ShutdownTimeout)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		if err := <-httpErrCh; err != nil {
			return err
		}
		if serveErr := <-grpcErrCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-grpcErrCh:
		if serveErr == nil || errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	case err := <-httpErrCh:
		grpcServer.GracefulStop()
		return err
	}
}

func buildLimiter(cfg *config.Config, recorder ratelimit.Recorder, logger *zap.Logger) (*ratelimit.Limiter, func(), error) {
	var (
		store   ratelimit.Store
		closeFn = func() {}
	)
	switch cfg.RateLimitStore {
	case config.RateLimitStoreRedis:
		redisStore := ratelimit.NewRedisStore(redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}))
		store = redisStore
		closeFn = func() { _ = redisStore.Close() }
	case config.RateLimitStoreAllowAll:
		logger.Warn("rate limiting disabled: allow-all store")
		store = ratelimit.AllowAllStore{}
	default:
		store = ratelimit.NewMemoryStore()
	}
	limits, err := cfg.RateLimits()
	if err != nil {
		return nil, nil, err
	}
	failurePolicy, err := cfg.RateLimitPolicy()
	if err != nil {
		return nil, nil, err
	}
	limiter, err := ratelimit.New(store,
		ratelimit.WithLimits(limits),
		ratelimit.WithFailurePolicy(failurePolicy),
		ratelimit.WithTimeout(cfg.RateLimitTimeout),
		ratelimit.WithLogger(logger.Named("ratelimit")),
		ratelimit.WithRecorder(recorder),
	)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("rate limiter init: %w", err)
	}
	return limiter, closeFn, nil
}

func openStore(ctx context.Context, dsn string, backend string) (*openedStore, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, err
	}
	switch {
	case driver == driverMemory:
		return &openedStore{ledgerBackingStore: memstore.New(), driver: driver, backend: driverMemory}, nil
	case driver == driverPostgres && backend != config.LedgerBackendGorm:
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return &openedStore{ledgerBackingStore: pgstore.New(pool), driver: driver, backend: config.LedgerBackendProcedures, closeFn: pool.Close}, nil
	}

	var dialector gorm.Dialector
	switch driver {
	case driverPostgres:
		dialector = postgres.Open(dsn)
	case driverSQLite:
		dialector = sqlite.Open(sqlitePath)
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == driverSQLite {
		// sqlite has a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	return &openedStore{
		ledgerBackingStore: gormstore.New(db),
		driver:             driver,
		backend:            config.LedgerBackendGorm,
		closeFn:            func() { _ = sqlDB.Close() },
	}, nil
}

func resolveDriver(dsn string) (string, string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == driverMemory || dsn == "memory://" {
		return driverMemory, "", nil
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "tokenledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
