package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/config"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	envPrefix = "TOKENLEDGER"

	flagConfigFile          = "config"
	flagListenAddr          = "listen-addr"
	flagGRPCListenAddr      = "grpc-listen-addr"
	flagDatabaseURL         = "database-url"
	flagLedgerBackend       = "ledger-backend"
	flagStoreTimeout        = "store-timeout"
	flagShutdownTimeout     = "shutdown-timeout"
	flagRateLimitStore      = "rate-limit-store"
	flagRedisAddr           = "redis-addr"
	flagRedisPassword       = "redis-password"
	flagRedisDB             = "redis-db"
	flagRateLimitTimeout    = "rate-limit-timeout"
	flagRateLimitPolicy     = "rate-limit-failure-policy"
	flagRateLimit           = "rate-limit"
	flagDebitPolicy         = "debit-failure-policy"
	flagCompensationPolicy  = "compensation-policy"
	flagAllowedOrigins      = "allowed-origins"
	flagJWTSigningKey       = "jwt-signing-key"
	flagJWTIssuer           = "jwt-issuer"
	flagSessionCookie       = "session-cookie"
	flagStripeSecretKey     = "stripe-secret-key"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagStripeTimeout       = "stripe-timeout"
	flagWebhookTolerance    = "webhook-tolerance"
	flagCatalogPath         = "catalog"
	flagLogLevel            = "log-level"
	flagLogDevelopment      = "log-development"
	flagAutoMigrate         = "auto-migrate"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tokenledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	settings := viper.New()
	cmd := &cobra.Command{
		Use:           "tokenledgerd",
		Short:         "Token ledger and metered billing server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String(flagConfigFile, "", "optional config file (yaml, json or toml)")
	cmd.PersistentFlags().String(flagDatabaseURL, "", "postgres://, sqlite:// or memory")
	cmd.PersistentFlags().String(flagLedgerBackend, config.LedgerBackendProcedures, "postgres store: procedures (pgx) or gorm")
	cmd.PersistentFlags().String(flagLogLevel, "info", "log level")
	cmd.PersistentFlags().Bool(flagLogDevelopment, false, "human-readable development logging")

	cmd.AddCommand(newServeCommand(settings), newMigrateCommand(settings))
	return cmd
}

func newServeCommand(settings *viper.Viper) *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the metering gRPC server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, settings, cfg); err != nil {
				return err
			}
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Development: cfg.LogDevelopment})
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			return runServer(ctx, cfg, settings.GetBool(flagAutoMigrate), logger)
		},
	}

	flags := cmd.Flags()
	flags.String(flagListenAddr, ":8080", "HTTP listen address")
	flags.String(flagGRPCListenAddr, ":7000", "gRPC listen address")
	flags.Duration(flagStoreTimeout, 0, "timeout for each ledger store call")
	flags.Duration(flagShutdownTimeout, 0, "graceful shutdown timeout")
	flags.String(flagRateLimitStore, "", "rate limit store: redis, memory or allow_all")
	flags.String(flagRedisAddr, "", "redis address for the rate limiter")
	flags.String(flagRedisPassword, "", "redis password")
	flags.Int(flagRedisDB, 0, "redis database")
	flags.Duration(flagRateLimitTimeout, 0, "timeout for each rate limit check")
	flags.String(flagRateLimitPolicy, "", "rate limiter failure policy: fail_open or fail_closed")
	flags.StringToString(flagRateLimit, map[string]string{}, "per-class limit overrides, e.g. auth=5/15m")
	flags.String(flagDebitPolicy, "", "usage debit failure policy: fail_closed or fail_open")
	flags.String(flagCompensationPolicy, "", "failed action compensation: none or refund")
	flags.String(flagAllowedOrigins, "", "comma-separated CORS origins")
	flags.String(flagJWTSigningKey, "", "HS256 signing key for bearer tokens")
	flags.String(flagJWTIssuer, "", "required token issuer")
	flags.String(flagSessionCookie, "", "session cookie carrying the token")
	flags.String(flagStripeSecretKey, "", "Stripe secret API key")
	flags.String(flagStripeWebhookSecret, "", "Stripe webhook signing secret")
	flags.Duration(flagStripeTimeout, 0, "Stripe HTTP client timeout")
	flags.Duration(flagWebhookTolerance, 0, "accepted webhook timestamp skew")
	flags.String(flagCatalogPath, "", "price catalog YAML file")
	flags.Bool(flagAutoMigrate, false, "migrate the schema before serving")
	return cmd
}

func newMigrateCommand(settings *viper.Viper) *cobra.Command {
	cfg := &config.Config{}
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the ledger schema",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, settings, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Development: cfg.LogDevelopment})
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			if strings.TrimSpace(cfg.DatabaseURL) == "" {
				cfg.DatabaseURL = defaultDatabaseURL
			}
			return runMigrate(cmd.Context(), cfg, logger)
		},
	}
}

// loadConfig layers flags over environment over the optional config file.
func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *config.Config) error {
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := settings.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}
	if path := strings.TrimSpace(settings.GetString(flagConfigFile)); path != "" {
		settings.SetConfigFile(path)
		if err := settings.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.ListenAddr = settings.GetString(flagListenAddr)
	cfg.GRPCListenAddr = settings.GetString(flagGRPCListenAddr)
	cfg.DatabaseURL = settings.GetString(flagDatabaseURL)
	cfg.LedgerBackend = settings.GetString(flagLedgerBackend)
	cfg.StoreTimeout = settings.GetDuration(flagStoreTimeout)
	cfg.ShutdownTimeout = settings.GetDuration(flagShutdownTimeout)
	cfg.RateLimitStore = settings.GetString(flagRateLimitStore)
	cfg.RedisAddr = settings.GetString(flagRedisAddr)
	cfg.RedisPassword = settings.GetString(flagRedisPassword)
	cfg.RedisDB = settings.GetInt(flagRedisDB)
	cfg.RateLimitTimeout = settings.GetDuration(flagRateLimitTimeout)
	cfg.RateLimitFailurePolicy = settings.GetString(flagRateLimitPolicy)
	cfg.RateLimitOverrides = settings.GetStringMapString(flagRateLimit)
	cfg.DebitFailurePolicy = settings.GetString(flagDebitPolicy)
	cfg.CompensationPolicy = settings.GetString(flagCompensationPolicy)
	cfg.AllowedOrigins = config.ParseAllowedOrigins(settings.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = settings.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = settings.GetString(flagJWTIssuer)
	cfg.SessionCookieName = settings.GetString(flagSessionCookie)
	cfg.StripeSecretKey = settings.GetString(flagStripeSecretKey)
	cfg.StripeWebhookSecret = settings.GetString(flagStripeWebhookSecret)
	cfg.StripeTimeout = settings.GetDuration(flagStripeTimeout)
	cfg.WebhookTolerance = settings.GetDuration(flagWebhookTolerance)
	cfg.CatalogPath = settings.GetString(flagCatalogPath)
	cfg.LogLevel = settings.GetString(flagLogLevel)
	cfg.LogDevelopment = settings.GetBool(flagLogDevelopment)
	return nil
}

func runMigrate(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := openStore(ctx, cfg.DatabaseURL, cfg.LedgerBackend)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("schema migrated", zap.String("driver", store.driver), zap.String("backend", store.backend))
	return nil
}
