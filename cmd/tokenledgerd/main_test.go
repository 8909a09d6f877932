package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/config"
	"github.com/spf13/viper"
)

func TestResolveDriver(test *testing.T) {
	test.Parallel()
	tempDir := test.TempDir()
	testCases := []struct {
		name       string
		dsn        string
		wantDriver string
		wantPath   string
	}{
		{name: "postgres", dsn: "postgres://user@localhost/ledger", wantDriver: driverPostgres},
		{name: "postgresql", dsn: "postgresql://user@localhost/ledger", wantDriver: driverPostgres},
		{name: "memory", dsn: "memory", wantDriver: driverMemory},
		{name: "sqlite url", dsn: "sqlite://" + filepath.Join(tempDir, "a.db"), wantDriver: driverSQLite, wantPath: filepath.Join(tempDir, "a.db")},
		{name: "sqlite in memory", dsn: ":memory:", wantDriver: driverSQLite, wantPath: ":memory:"},
	}
	for _, testCase := range testCases {
		driver, path, err := resolveDriver(testCase.dsn)
		if err != nil {
			test.Fatalf("%s: %v", testCase.name, err)
		}
		if driver != testCase.wantDriver || path != testCase.wantPath {
			test.Fatalf("%s: got %q %q", testCase.name, driver, path)
		}
	}
}

func TestServeConfigFromFlagsAndEnv(test *testing.T) {
	test.Setenv("TOKENLEDGER_JWT_SIGNING_KEY", "env-key")
	test.Setenv("TOKENLEDGER_STRIPE_SECRET_KEY", "sk_test")
	test.Setenv("TOKENLEDGER_STRIPE_WEBHOOK_SECRET", "whsec_test")

	root := newRootCommand()
	serve, _, err := root.Find([]string{"serve"})
	if err != nil {
		test.Fatalf("find serve: %v", err)
	}
	if err := serve.ParseFlags([]string{"--listen-addr", ":9999", "--rate-limit", "auth=3/10m", "--database-url", "memory"}); err != nil {
		test.Fatalf("parse flags: %v", err)
	}
	cfg := &config.Config{}
	if err := loadConfig(serve, viper.New(), cfg); err != nil {
		test.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != ":9999" || cfg.SessionSigningKey != "env-key" || cfg.DatabaseURL != "memory" {
		test.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.RateLimitOverrides["auth"] != "3/10m" {
		test.Fatalf("expected auth override, got %v", cfg.RateLimitOverrides)
	}
}

func TestMemoryStoreOpensAndMigrates(test *testing.T) {
	test.Parallel()
	store, err := openStore(context.Background(), "memory", config.LedgerBackendProcedures)
	if err != nil {
		test.Fatalf("open: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(context.Background()); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	if err := store.Ping(context.Background()); err != nil {
		test.Fatalf("ping: %v", err)
	}
}

func TestSQLiteStoreOpensAndMigrates(test *testing.T) {
	test.Parallel()
	store, err := openStore(context.Background(), "sqlite://"+filepath.Join(test.TempDir(), "ledger.db"), config.LedgerBackendProcedures)
	if err != nil {
		test.Fatalf("open: %v", err)
	}
	defer store.Close()
	if store.backend != config.LedgerBackendGorm {
		test.Fatalf("expected gorm backend for sqlite, got %q", store.backend)
	}
	if err := store.Migrate(context.Background()); err != nil {
		test.Fatalf("migrate: %v", err)
	}
}
