package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/catalog"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/metering"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/payments"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	testSigningKey    = "test-signing-key"
	testWebhookSecret = "whsec_test"
	testUserID        = "user-1"
)

type fakeProcessor struct {
	mu      sync.Mutex
	intents []payments.IntentRequest
}

func (processor *fakeProcessor) CreateCustomer(_ context.Context, request payments.CustomerRequest) (string, error) {
	return "cus_" + request.UserID, nil
}

func (processor *fakeProcessor) CreatePaymentIntent(_ context.Context, request payments.IntentRequest) (payments.Intent, error) {
	processor.mu.Lock()
	defer processor.mu.Unlock()
	processor.intents = append(processor.intents, request)
	id := fmt.Sprintf("pi_%d", len(processor.intents))
	return payments.Intent{ID: id, ClientSecret: id + "_secret"}, nil
}

func (processor *fakeProcessor) calls() int {
	processor.mu.Lock()
	defer processor.mu.Unlock()
	return len(processor.intents)
}

type brokenCharger struct{}

func (brokenCharger) Charge(context.Context, metering.Request) (metering.Result, error) {
	return metering.Result{}, ledger.WrapError("debit", "store", "failure", fmt.Errorf("%w: connection refused", ledger.ErrPersistence))
}

type testServer struct {
	router    *gin.Engine
	service   *ledger.Service
	processor *fakeProcessor
	metrics   *metrics.Metrics
}

type serverOption func(*Dependencies)

func newTestServer(test *testing.T, limits ratelimit.Limits, options ...serverOption) testServer {
	test.Helper()
	store := memstore.New()
	service, err := ledger.NewService(store, time.Now)
	if err != nil {
		test.Fatalf("ledger: %v", err)
	}
	meter, err := metering.New(service)
	if err != nil {
		test.Fatalf("meter: %v", err)
	}
	processor := &fakeProcessor{}
	checkout, err := payments.NewCheckout(catalog.Default(), store, processor, nil)
	if err != nil {
		test.Fatalf("checkout: %v", err)
	}
	reconciler, err := payments.NewReconciler(service, testWebhookSecret)
	if err != nil {
		test.Fatalf("reconciler: %v", err)
	}
	limiterOptions := []ratelimit.Option{}
	if limits != nil {
		limiterOptions = append(limiterOptions, ratelimit.WithLimits(limits))
	}
	limiter, err := ratelimit.New(ratelimit.NewMemoryStore(), limiterOptions...)
	if err != nil {
		test.Fatalf("limiter: %v", err)
	}
	collector := metrics.New()
	dependencies := Dependencies{
		Ledger:   service,
		Meter:    meter,
		Checkout: checkout,
		Webhooks: reconciler,
		Limiter:  limiter,
		Metrics:  collector,
	}
	for _, option := range options {
		option(&dependencies)
	}
	router, err := NewRouter(Config{SigningKey: []byte(testSigningKey)}, dependencies)
	if err != nil {
		test.Fatalf("router: %v", err)
	}
	return testServer{router: router, service: service, processor: processor, metrics: collector}
}

func tokenFor(test *testing.T, subject string) string {
	test.Helper()
	claims := sessionClaims{
		Email: subject + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}
	return signed
}

func (server testServer) do(test *testing.T, method string, path string, token string, body any) *httptest.ResponseRecorder {
	test.Helper()
	var reader *bytes.Reader
	switch typed := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(typed)
	default:
		raw, err := json.Marshal(typed)
		if err != nil {
			test.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	request.RemoteAddr = "203.0.113.7:4321"
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	server.router.ServeHTTP(recorder, request)
	return recorder
}

func (server testServer) seed(test *testing.T, amount int64) {
	test.Helper()
	userID, _ := ledger.NewUserID(testUserID)
	tokens, _ := ledger.NewTokenAmount(amount)
	description, _ := ledger.NewDescription("seed")
	ref, _ := ledger.NewExternalRef("seed")
	if _, err := server.service.Credit(context.Background(), userID, tokens, description, ref, ledger.MetadataJSON{}); err != nil {
		test.Fatalf("seed: %v", err)
	}
}

func decode(test *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	test.Helper()
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		test.Fatalf("decode %q: %v", recorder.Body.String(), err)
	}
	return body
}

func TestUsageEndpoint(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name       string
		seed       int64
		body       map[string]any
		wantStatus int
		wantCode   string
		wantError  string
	}{
		{
			name:       "debit succeeds",
			seed:       50,
			body:       map[string]any{"user_id": testUserID, "amount": 10, "description": "chat"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "insufficient tokens",
			seed:       5,
			body:       map[string]any{"user_id": testUserID, "amount": 10, "description": "chat"},
			wantStatus: http.StatusBadRequest,
			wantCode:   codeInsufficientTokens,
			wantError:  messageInsufficientTokens,
		},
		{
			name:       "non-positive amount",
			seed:       5,
			body:       map[string]any{"user_id": testUserID, "amount": 0, "description": "chat"},
			wantStatus: http.StatusBadRequest,
			wantCode:   codeInvalidRequest,
			wantError:  "amount",
		},
		{
			name:       "non-integer amount",
			seed:       5,
			body:       map[string]any{"user_id": testUserID, "amount": "ten", "description": "chat"},
			wantStatus: http.StatusBadRequest,
			wantCode:   codeInvalidRequest,
			wantError:  "amount must be an integer",
		},
		{
			name:       "fractional amount",
			seed:       5,
			body:       map[string]any{"user_id": testUserID, "amount": 10.5, "description": "chat"},
			wantStatus: http.StatusBadRequest,
			wantCode:   codeInvalidRequest,
			wantError:  "amount must be an integer",
		},
		{
			name:       "missing description",
			seed:       5,
			body:       map[string]any{"user_id": testUserID, "amount": 1},
			wantStatus: http.StatusBadRequest,
			wantCode:   codeInvalidRequest,
			wantError:  "description",
		},
		{
			name:       "other user",
			seed:       50,
			body:       map[string]any{"user_id": "user-2", "amount": 1, "description": "chat"},
			wantStatus: http.StatusForbidden,
			wantCode:   codeForbidden,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			server := newTestServer(test, nil)
			server.seed(test, testCase.seed)
			recorder := server.do(test, http.MethodPost, "/api/usage", tokenFor(test, testUserID), testCase.body)
			if recorder.Code != testCase.wantStatus {
				test.Fatalf("expected %d, got %d: %s", testCase.wantStatus, recorder.Code, recorder.Body.String())
			}
			body := decode(test, recorder)
			if testCase.wantStatus == http.StatusOK {
				if body["success"] != true || body["balance"] != float64(40) || body["transaction_id"] == "" {
					test.Fatalf("unexpected body %v", body)
				}
				return
			}
			if body["code"] != testCase.wantCode {
				test.Fatalf("expected code %q, got %v", testCase.wantCode, body)
			}
			if message, _ := body["error"].(string); !strings.Contains(message, testCase.wantError) {
				test.Fatalf("expected error containing %q, got %q", testCase.wantError, message)
			}
		})
	}
}

func TestUsagePersistenceFailureIsGeneric(test *testing.T) {
	test.Parallel()
	server := newTestServer(test, nil, func(dependencies *Dependencies) {
		dependencies.Meter = brokenCharger{}
	})
	recorder := server.do(test, http.MethodPost, "/api/usage", tokenFor(test, testUserID), map[string]any{"user_id": testUserID, "amount": 1, "description": "chat"})
	if recorder.Code != http.StatusInternalServerError {
		test.Fatalf("expected 500, got %d", recorder.Code)
	}
	if strings.Contains(recorder.Body.String(), "connection refused") {
		test.Fatalf("internal detail leaked: %s", recorder.Body.String())
	}
}

func TestAuthentication(test *testing.T) {
	test.Parallel()
	server := newTestServer(test, nil)
	testCases := []struct {
		name  string
		token string
	}{
		{name: "missing token", token: ""},
		{name: "garbage token", token: "not-a-jwt"},
		{name: "wrong key", token: func() string {
			signed, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: testUserID}).SignedString([]byte("other"))
			return signed
		}()},
		{name: "missing subject", token: tokenFor(test, "")},
	}
	for _, testCase := range testCases {
		recorder := server.do(test, http.MethodGet, "/api/balance", testCase.token, nil)
		if recorder.Code != http.StatusUnauthorized {
			test.Fatalf("%s: expected 401, got %d", testCase.name, recorder.Code)
		}
	}
}

func TestCookieAuthentication(test *testing.T) {
	test.Parallel()
	server := newTestServer(test, nil)
	request := httptest.NewRequest(http.MethodGet, "/api/balance", nil)
	request.AddCookie(&http.Cookie{Name: defaultCookieName, Value: tokenFor(test, testUserID)})
	recorder := httptest.NewRecorder()
	server.router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestFailedAuthenticationIsRateLimited(test *testing.T) {
	test.Parallel()
	limits := ratelimit.DefaultLimits()
	limits[ratelimit.ClassAuth] = ratelimit.Limit{Requests: 2, Window: time.Minute}
	server := newTestServer(test, limits)
	for attempt := 0; attempt < 2; attempt++ {
		if recorder := server.do(test, http.MethodGet, "/api/balance", "bogus", nil); recorder.Code != http.StatusUnauthorized {
			test.Fatalf("attempt %d: expected 401, got %d", attempt, recorder.Code)
		}
	}
	recorder := server.do(test, http.MethodGet, "/api/balance", "bogus", nil)
	if recorder.Code != http.StatusTooManyRequests {
		test.Fatalf("expected 429, got %d", recorder.Code)
	}
	if recorder.Header().Get("Retry-After") == "" {
		test.Fatalf("expected Retry-After header")
	}
	if recorder := server.do(test, http.MethodGet, "/api/balance", tokenFor(test, testUserID), nil); recorder.Code != http.StatusOK {
		test.Fatalf("valid token must not be blocked by failed-auth budget, got %d", recorder.Code)
	}
}

func TestAPIClassRateLimit(test *testing.T) {
	test.Parallel()
	limits := ratelimit.DefaultLimits()
	limits[ratelimit.ClassAPI] = ratelimit.Limit{Requests: 2, Window: time.Minute}
	server := newTestServer(test, limits)
	token := tokenFor(test, testUserID)
	for attempt := 0; attempt < 2; attempt++ {
		if recorder := server.do(test, http.MethodGet, "/api/balance", token, nil); recorder.Code != http.StatusOK {
			test.Fatalf("attempt %d: expected 200, got %d", attempt, recorder.Code)
		}
	}
	recorder := server.do(test, http.MethodGet, "/api/balance", token, nil)
	if recorder.Code != http.StatusTooManyRequests {
		test.Fatalf("expected 429, got %d", recorder.Code)
	}
	if body := decode(test, recorder); body["code"] != codeTooManyRequests {
		test.Fatalf("unexpected body %v", body)
	}
	if recorder := server.do(test, http.MethodGet, "/api/balance", tokenFor(test, "user-2"), nil); recorder.Code != http.StatusOK {
		test.Fatalf("other identity must have its own window, got %d", recorder.Code)
	}
}

func TestCreateIntent(test *testing.T) {
	test.Parallel()
	server := newTestServer(test, nil)
	token := tokenFor(test, testUserID)

	rejected := server.do(test, http.MethodPost, "/api/payments/intents", token, map[string]any{"tier": "platinum"})
	if rejected.Code != http.StatusBadRequest || decode(test, rejected)["code"] != codeInvalidTier {
		test.Fatalf("expected invalid_tier, got %d %s", rejected.Code, rejected.Body.String())
	}
	if server.processor.calls() != 0 {
		test.Fatalf("processor called for unknown tier")
	}

	accepted := server.do(test, http.MethodPost, "/api/payments/intents", token, map[string]any{"tier": "starter"})
	if accepted.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d %s", accepted.Code, accepted.Body.String())
	}
	var result payments.IntentResult
	if err := json.Unmarshal(accepted.Body.Bytes(), &result); err != nil {
		test.Fatalf("decode: %v", err)
	}
	if result.ClientSecret == "" || result.Tokens != 100 || result.Amount != 500 || result.Tier != "starter" {
		test.Fatalf("unexpected intent %+v", result)
	}
}

func signedEvent(test *testing.T, paymentID string, userID string, tokens string) ([]byte, string) {
	test.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          "evt_" + paymentID,
		"object":      "event",
		"type":        "payment_intent.succeeded",
		"api_version": "2025-03-31.basil",
		"created":     time.Now().Unix(),
		"data": map[string]any{"object": map[string]any{
			"id":       paymentID,
			"object":   "payment_intent",
			"amount":   500,
			"currency": "usd",
			"status":   "succeeded",
			"metadata": map[string]string{"user_id": userID, "tokens": tokens, "tier": "starter"},
		}},
	})
	if err != nil {
		test.Fatalf("marshal: %v", err)
	}
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testWebhookSecret})
	return payload, signed.Header
}

func postWebhook(server testServer, payload []byte, signature string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", bytes.NewReader(payload))
	if signature != "" {
		request.Header.Set(headerSignature, signature)
	}
	recorder := httptest.NewRecorder()
	server.router.ServeHTTP(recorder, request)
	return recorder
}

func TestWebhookCreditsOnceAndRejectsForgeries(test *testing.T) {
	test.Parallel()
	server := newTestServer(test, nil)
	payload, signature := signedEvent(test, "pi_1", testUserID, "100")

	for delivery := 0; delivery < 3; delivery++ {
		if recorder := postWebhook(server, payload, signature); recorder.Code != http.StatusOK {
			test.Fatalf("delivery %d: expected 200, got %d %s", delivery, recorder.Code, recorder.Body.String())
		}
	}
	forged := bytes.Replace(payload, []byte(`"100"`), []byte(`"900"`), 1)
	if recorder := postWebhook(server, forged, signature); recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400 for tampered body, got %d", recorder.Code)
	}
	if recorder := postWebhook(server, payload, ""); recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400 for missing signature, got %d", recorder.Code)
	}

	balance := server.do(test, http.MethodGet, "/api/balance", tokenFor(test, testUserID), nil)
	if body := decode(test, balance); body["token_balance"] != float64(100) || body["user_id"] != testUserID {
		test.Fatalf("unexpected balance %v", body)
	}
}

type failingWebhooks struct{}

func (failingWebhooks) Handle(context.Context, []byte, string) (payments.Outcome, error) {
	return payments.Outcome{}, errors.Join(ledger.ErrPersistence, errors.New("disk full"))
}

func TestWebhookPersistenceFailureReturns500(test *testing.T) {
	test.Parallel()
	server := newTestServer(test, nil, func(dependencies *Dependencies) {
		dependencies.Webhooks = failingWebhooks{}
	})
	if recorder := postWebhook(server, []byte(`{}`), "t=1,v1=abc"); recorder.Code != http.StatusInternalServerError {
		test.Fatalf("expected 500, got %d", recorder.Code)
	}
}

func TestWebhookOversizedBodyIsRejectedBeforeVerification(test *testing.T) {
	test.Parallel()
	server := newTestServer(test, nil)
	payload := bytes.Repeat([]byte("a"), defaultWebhookMaxBytes+1)
	recorder := postWebhook(server, payload, "t=1,v1=abc")
	if recorder.Code != http.StatusRequestEntityTooLarge {
		test.Fatalf("expected 413, got %d %s", recorder.Code, recorder.Body.String())
	}
	if body := decode(test, recorder); body["code"] != codePayloadTooLarge {
		test.Fatalf("unexpected body %v", body)
	}
}

func TestTransactionsHistory(test *testing.T) {
	test.Parallel()
	server := newTestServer(test, nil)
	server.seed(test, 50)
	token := tokenFor(test, testUserID)
	if recorder := server.do(test, http.MethodPost, "/api/usage", token, map[string]any{"user_id": testUserID, "amount": 10, "description": "chat"}); recorder.Code != http.StatusOK {
		test.Fatalf("usage failed: %d", recorder.Code)
	}

	recorder := server.do(test, http.MethodGet, "/api/transactions?limit=10", token, nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	var body struct {
		Transactions []transactionPayload `json:"transactions"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		test.Fatalf("decode: %v", err)
	}
	if len(body.Transactions) != 2 {
		test.Fatalf("expected 2 transactions, got %d", len(body.Transactions))
	}
	var sum int64
	for _, transaction := range body.Transactions {
		sum += transaction.SignedAmount
	}
	if sum != 40 {
		test.Fatalf("expected signed sum 40, got %d", sum)
	}

	for _, query := range []string{"limit=abc", "limit=-1", "before=yesterday"} {
		if recorder := server.do(test, http.MethodGet, "/api/transactions?"+query, token, nil); recorder.Code != http.StatusBadRequest {
			test.Fatalf("%s: expected 400, got %d", query, recorder.Code)
		}
	}
}

func TestHealthAndMetrics(test *testing.T) {
	test.Parallel()
	server := newTestServer(test, nil)
	if recorder := server.do(test, http.MethodGet, "/healthz", "", nil); recorder.Code != http.StatusOK {
		test.Fatalf("expected healthz 200, got %d", recorder.Code)
	}
	recorder := server.do(test, http.MethodGet, "/metrics", "", nil)
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), "tokenledger_http_requests_total") {
		test.Fatalf("unexpected metrics response %d", recorder.Code)
	}
	if recorder.Header().Get(headerRequestID) == "" {
		test.Fatalf("expected request id header")
	}
}

func TestNewRouterValidatesDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewRouter(Config{SigningKey: []byte("k")}, Dependencies{}); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected invalid config, got %v", err)
	}
}
