package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/catalog"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/metering"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/payments"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	codeInvalidPayload     = "invalid_payload"
	codePayloadTooLarge    = "payload_too_large"
	codeInvalidRequest     = "invalid_request"
	codeInvalidTier        = "invalid_tier"
	codeInsufficientTokens = "insufficient_tokens"
	codeForbidden          = "forbidden"
	codeTooManyRequests    = "too_many_requests"
	codeSignature          = "signature_verification_failed"
	codeProcessor          = "payment_processor_error"
	codeUnavailable        = "service_unavailable"
	codeInternal           = "internal_error"

	messageInsufficientTokens = "Insufficient tokens"
	messageInternal           = "internal error"
	headerSignature           = "Stripe-Signature"
	headerIdempotencyKey      = "Idempotency-Key"
)

type httpHandler struct {
	cfg        Config
	ledger     LedgerReader
	meter      UsageCharger
	checkout   IntentCreator
	webhooks   WebhookHandler
	limiter    RateLimiter
	logger     *zap.Logger
	authorizer *authorizer
}

type usageRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type usageResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	Balance       int64  `json:"balance"`
	TransactionID string `json:"transaction_id,omitempty"`
	Unbilled      bool   `json:"unbilled,omitempty"`
}

type intentRequest struct {
	Tier string `json:"tier"`
}

type transactionPayload struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Amount       int64           `json:"amount"`
	SignedAmount int64           `json:"signed_amount"`
	Description  string          `json:"description"`
	Status       string          `json:"status"`
	ExternalRef  string          `json:"external_ref,omitempty"`
	Metadata     json.RawMessage `json:"metadata"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (handler *httpHandler) rateLimit(class ratelimit.Class) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		principal, ok := principalFrom(ctx)
		if !ok {
			abortWithError(ctx, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		decision, err := handler.limiter.Allow(ctx.Request.Context(), principal.UserID, class)
		if err != nil {
			handler.logger.Error("rate limit check failed", zap.String("class", string(class)), zap.Error(err))
			abortWithError(ctx, http.StatusInternalServerError, codeInternal, messageInternal)
			return
		}
		ctx.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			respondRateLimited(ctx, decision)
			return
		}
		ctx.Next()
	}
}

func (handler *httpHandler) handleUsage(ctx *gin.Context) {
	principal, _ := principalFrom(ctx)
	var request usageRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			abortWithError(ctx, http.StatusBadRequest, codeInvalidRequest, typeErr.Field+" must be "+describeJSONType(typeErr.Type))
			return
		}
		abortWithError(ctx, http.StatusBadRequest, codeInvalidPayload, "expected JSON body")
		return
	}
	if strings.TrimSpace(request.UserID) != "" && strings.TrimSpace(request.UserID) != principal.UserID {
		abortWithError(ctx, http.StatusForbidden, codeForbidden, "user_id does not match the authenticated user")
		return
	}
	result, err := handler.meter.Charge(ctx.Request.Context(), metering.Request{
		UserID:      request.UserID,
		Amount:      request.Amount,
		Description: request.Description,
	})
	switch {
	case err == nil:
	case errors.Is(err, metering.ErrInvalidRequest):
		abortWithError(ctx, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	case errors.Is(err, metering.ErrInsufficientBalance):
		abortWithError(ctx, http.StatusBadRequest, codeInsufficientTokens, messageInsufficientTokens)
		return
	default:
		handler.respondInternal(ctx, "usage debit failed", err)
		return
	}
	ctx.JSON(http.StatusOK, usageResponse{
		Success:       true,
		Message:       "Tokens deducted",
		Balance:       result.Balance,
		TransactionID: result.TransactionID,
		Unbilled:      result.Unbilled,
	})
}

func (handler *httpHandler) handleCreateIntent(ctx *gin.Context) {
	principal, _ := principalFrom(ctx)
	var request intentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		abortWithError(ctx, http.StatusBadRequest, codeInvalidPayload, "expected JSON body")
		return
	}
	userID, err := ledger.NewUserID(principal.UserID)
	if err != nil {
		abortWithError(ctx, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	result, err := handler.checkout.CreateIntent(ctx.Request.Context(), userID, principal.Email, request.Tier, ctx.GetHeader(headerIdempotencyKey))
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, result)
	case errors.Is(err, catalog.ErrUnknownTier):
		abortWithError(ctx, http.StatusBadRequest, codeInvalidTier, "unknown tier")
	case errors.Is(err, payments.ErrProcessor):
		handler.logger.Error("payment intent creation failed", zap.String("user_id", principal.UserID), zap.Error(err))
		abortWithError(ctx, http.StatusBadGateway, codeProcessor, "payment processor unavailable")
	default:
		handler.respondInternal(ctx, "payment intent creation failed", err)
	}
}

func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, handler.cfg.WebhookMaxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			handler.logger.Warn("webhook body exceeds limit", zap.Int64("limit_bytes", tooLarge.Limit))
			abortWithError(ctx, http.StatusRequestEntityTooLarge, codePayloadTooLarge, "webhook body too large")
			return
		}
		abortWithError(ctx, http.StatusBadRequest, codeInvalidPayload, "unreadable body")
		return
	}
	outcome, err := handler.webhooks.Handle(ctx.Request.Context(), payload, ctx.GetHeader(headerSignature))
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{"received": true, "state": outcome.Decisive()})
	case errors.Is(err, payments.ErrSignatureVerification):
		abortWithError(ctx, http.StatusBadRequest, codeSignature, "invalid signature")
	default:
		// Non-2xx makes the processor redeliver.
		handler.respondInternal(ctx, "webhook processing failed", err)
	}
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	principal, _ := principalFrom(ctx)
	userID, err := ledger.NewUserID(principal.UserID)
	if err != nil {
		abortWithError(ctx, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	balance, err := handler.ledger.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondInternal(ctx, "balance lookup failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "token_balance": balance})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	principal, _ := principalFrom(ctx)
	userID, err := ledger.NewUserID(principal.UserID)
	if err != nil {
		abortWithError(ctx, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(ctx.Query("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			abortWithError(ctx, http.StatusBadRequest, codeInvalidRequest, "limit must be an integer")
			return
		}
	}
	before, err := parseBefore(ctx.Query("before"))
	if err != nil {
		abortWithError(ctx, http.StatusBadRequest, codeInvalidRequest, "before must be RFC3339 or unix seconds")
		return
	}
	transactions, err := handler.ledger.ListTransactions(ctx.Request.Context(), userID, before, limit)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidListLimit) {
			abortWithError(ctx, http.StatusBadRequest, codeInvalidRequest, "limit must not be negative")
			return
		}
		handler.respondInternal(ctx, "transaction history failed", err)
		return
	}
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, transactionPayload{
			ID:           transaction.ID,
			Type:         transaction.Type.String(),
			Amount:       transaction.Amount,
			SignedAmount: transaction.SignedAmount(),
			Description:  transaction.Description,
			Status:       transaction.Status.String(),
			ExternalRef:  transaction.ExternalRef,
			Metadata:     json.RawMessage(transaction.Metadata),
			CreatedAt:    transaction.CreatedAt,
		})
	}
	response := gin.H{"transactions": payloads}
	if len(transactions) > 0 {
		response["next_before"] = transactions[len(transactions)-1].CreatedAt
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) respondInternal(ctx *gin.Context, message string, err error) {
	handler.logger.Error(message, zap.String("path", ctx.FullPath()), zap.Error(err))
	if ledger.IsTimeout(err) {
		abortWithError(ctx, http.StatusServiceUnavailable, codeUnavailable, "service unavailable")
		return
	}
	abortWithError(ctx, http.StatusInternalServerError, codeInternal, messageInternal)
}

func parseBefore(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func describeJSONType(target reflect.Type) string {
	if target == nil {
		return "valid"
	}
	switch target.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "an integer"
	case reflect.String:
		return "a string"
	default:
		return "a " + target.Kind().String()
	}
}

func respondRateLimited(ctx *gin.Context, decision ratelimit.Decision) {
	retrySeconds := int(math.Ceil(decision.RetryAfter.Seconds()))
	if retrySeconds < 1 {
		retrySeconds = 1
	}
	ctx.Header("Retry-After", strconv.Itoa(retrySeconds))
	abortWithError(ctx, http.StatusTooManyRequests, codeTooManyRequests, "too many requests")
}

func abortWithError(ctx *gin.Context, status int, code string, message string) {
	ctx.AbortWithStatusJSON(status, errorResponse(code, message))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": message, "code": code}
}
