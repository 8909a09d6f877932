// Package httpapi exposes the billing core over HTTP with gin.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/metering"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/payments"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultCookieName      = "app_session"
	defaultWebhookMaxBytes = 64 << 10
	defaultShutdownTimeout = 5 * time.Second
	headerRequestID        = "X-Request-ID"
	contextKeyPrincipal    = "principal"
)

// ErrInvalidConfig is returned when required dependencies are missing.
var ErrInvalidConfig = errors.New("invalid http config")

// LedgerReader serves balance and history reads.
type LedgerReader interface {
	Balance(ctx context.Context, userID ledger.UserID) (int64, error)
	ListTransactions(ctx context.Context, userID ledger.UserID, before time.Time, limit int) ([]ledger.Transaction, error)
}

// UsageCharger debits metered usage.
type UsageCharger interface {
	Charge(ctx context.Context, request metering.Request) (metering.Result, error)
}

// IntentCreator creates payment intents for catalog tiers.
type IntentCreator interface {
	CreateIntent(ctx context.Context, userID ledger.UserID, email string, tierID string, idempotencyKey string) (payments.IntentResult, error)
}

// WebhookHandler verifies and applies processor webhooks.
type WebhookHandler interface {
	Handle(ctx context.Context, payload []byte, signatureHeader string) (payments.Outcome, error)
}

// RateLimiter decides whether identity may proceed in class.
type RateLimiter interface {
	Allow(ctx context.Context, identity string, class ratelimit.Class) (ratelimit.Decision, error)
}

// Config holds transport settings.
type Config struct {
	AllowedOrigins  []string
	SigningKey      []byte
	Issuer          string
	CookieName      string
	WebhookMaxBytes int64
}

// Dependencies are the components behind the routes. Metrics is optional.
type Dependencies struct {
	Ledger   LedgerReader
	Meter    UsageCharger
	Checkout IntentCreator
	Webhooks WebhookHandler
	Limiter  RateLimiter
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

func (dependencies Dependencies) validate() error {
	switch {
	case dependencies.Ledger == nil:
		return fmt.Errorf("%w: ledger is nil", ErrInvalidConfig)
	case dependencies.Meter == nil:
		return fmt.Errorf("%w: meter is nil", ErrInvalidConfig)
	case dependencies.Checkout == nil:
		return fmt.Errorf("%w: checkout is nil", ErrInvalidConfig)
	case dependencies.Webhooks == nil:
		return fmt.Errorf("%w: webhook handler is nil", ErrInvalidConfig)
	case dependencies.Limiter == nil:
		return fmt.Errorf("%w: rate limiter is nil", ErrInvalidConfig)
	}
	return nil
}

// NewRouter builds the gin engine with every route wired.
func NewRouter(cfg Config, dependencies Dependencies) (*gin.Engine, error) {
	if err := dependencies.validate(); err != nil {
		return nil, err
	}
	if len(cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("%w: jwt signing key is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.CookieName) == "" {
		cfg.CookieName = defaultCookieName
	}
	if cfg.WebhookMaxBytes <= 0 {
		cfg.WebhookMaxBytes = defaultWebhookMaxBytes
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := &httpHandler{
		cfg:        cfg,
		ledger:     dependencies.Ledger,
		meter:      dependencies.Meter,
		checkout:   dependencies.Checkout,
		webhooks:   dependencies.Webhooks,
		limiter:    dependencies.Limiter,
		logger:     logger,
		authorizer: newAuthorizer(cfg, dependencies.Limiter, logger),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	if dependencies.Metrics != nil {
		router.Use(metricsMiddleware(dependencies.Metrics))
	}
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization", "Idempotency-Key"},
			ExposeHeaders:    []string{"Retry-After", headerRequestID},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if dependencies.Metrics != nil {
		router.GET("/metrics", gin.WrapH(dependencies.Metrics.Handler()))
	}
	router.POST("/api/payments/webhook", handler.handleWebhook)

	api := router.Group("/api")
	api.Use(handler.authorizer.middleware())
	api.POST("/usage", handler.rateLimit(ratelimit.ClassAPI), handler.handleUsage)
	api.POST("/payments/intents", handler.rateLimit(ratelimit.ClassPayment), handler.handleCreateIntent)
	api.GET("/balance", handler.rateLimit(ratelimit.ClassAPI), handler.handleBalance)
	api.GET("/transactions", handler.rateLimit(ratelimit.ClassAPI), handler.handleTransactions)

	return router, nil
}

// Serve runs handler on addr until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger, shutdownTimeout time.Duration) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		requestID := strings.TrimSpace(ctx.GetHeader(headerRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx.Header(headerRequestID, requestID)
		ctx.Next()
	}
}

func metricsMiddleware(recorder *metrics.Metrics) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		recorder.ObserveHTTP(ctx.Request.Method, route, ctx.Writer.Status(), time.Since(started))
	}
}
