// Package payments turns payment processor events into exactly-once ledger credits and creates
// payment intents for catalog tiers.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

var (
	// ErrSignatureVerification is returned when the webhook signature does not match the body.
	ErrSignatureVerification = errors.New("webhook signature verification failed")
	// ErrInvalidConfig is returned for missing reconciler dependencies.
	ErrInvalidConfig = errors.New("invalid payments config")
)

// State is one step of the per-event state machine.
type State string

const (
	StateReceived            State = "RECEIVED"
	StateSignatureVerified   State = "SIGNATURE_VERIFIED"
	StateSignatureRejected   State = "SIGNATURE_REJECTED"
	StateCreditApplied       State = "CREDIT_APPLIED"
	StateDuplicateIgnored    State = "DUPLICATE_IGNORED"
	StateMetadataInvalid     State = "METADATA_INVALID"
	StatePaymentFailedLogged State = "PAYMENT_FAILED_LOGGED"
	StateIgnored             State = "IGNORED"
	StateCreditFailed        State = "CREDIT_FAILED"
	StateAcknowledged        State = "ACKNOWLEDGED"
	StateAcknowledgedError   State = "ACKNOWLEDGED_WITH_ERROR"
)

const (
	metadataUserID   = "user_id"
	metadataTokens   = "tokens"
	metadataTier     = "tier"
	metadataPriceRef = "price_ref"

	defaultTolerance = webhook.DefaultTolerance
)

// Crediter is the ledger capability the reconciler needs.
type Crediter interface {
	Credit(ctx context.Context, userID ledger.UserID, amount ledger.TokenAmount, description ledger.Description, externalRef ledger.ExternalRef, metadata ledger.MetadataJSON) (ledger.CreditResult, error)
}

// WebhookRecorder observes terminal webhook states, for metrics.
type WebhookRecorder interface {
	RecordWebhook(state string)
}

// Outcome describes how one delivery was handled.
type Outcome struct {
	EventID   string
	EventType string
	PaymentID string
	UserID    string
	Tokens    int64
	Balance   int64
	// States lists every state visited, in order.
	States []State
}

// Final returns the last state visited.
func (outcome Outcome) Final() State {
	if len(outcome.States) == 0 {
		return ""
	}
	return outcome.States[len(outcome.States)-1]
}

// Decisive returns the state that determined the result, ignoring the acknowledgement step.
func (outcome Outcome) Decisive() State {
	for index := len(outcome.States) - 1; index >= 0; index-- {
		switch outcome.States[index] {
		case StateAcknowledged, StateAcknowledgedError:
			continue
		default:
			return outcome.States[index]
		}
	}
	return ""
}

func (outcome *Outcome) enter(state State) {
	outcome.States = append(outcome.States, state)
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithLogger sets the reconciler logger.
func WithLogger(logger *zap.Logger) ReconcilerOption {
	return func(reconciler *Reconciler) {
		if logger != nil {
			reconciler.logger = logger
		}
	}
}

// WithTolerance sets the maximum accepted signature age.
func WithTolerance(tolerance time.Duration) ReconcilerOption {
	return func(reconciler *Reconciler) {
		if tolerance > 0 {
			reconciler.tolerance = tolerance
		}
	}
}

// WithWebhookRecorder wires a metrics observer.
func WithWebhookRecorder(recorder WebhookRecorder) ReconcilerOption {
	return func(reconciler *Reconciler) {
		reconciler.recorder = recorder
	}
}

// Reconciler verifies webhook deliveries and credits the ledger exactly once per payment.
type Reconciler struct {
	ledger    Crediter
	secret    string
	tolerance time.Duration
	logger    *zap.Logger
	recorder  WebhookRecorder
}

// NewReconciler wires a Reconciler for the endpoint signing secret.
func NewReconciler(crediter Crediter, signingSecret string, options ...ReconcilerOption) (*Reconciler, error) {
	if crediter == nil {
		return nil, fmt.Errorf("%w: ledger is nil", ErrInvalidConfig)
	}
	if strings.TrimSpace(signingSecret) == "" {
		return nil, fmt.Errorf("%w: webhook signing secret is empty", ErrInvalidConfig)
	}
	reconciler := &Reconciler{
		ledger:    crediter,
		secret:    signingSecret,
		tolerance: defaultTolerance,
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(reconciler)
		}
	}
	return reconciler, nil
}

// Handle processes one delivery. It returns ErrSignatureVerification for forged or stale
// deliveries and a ledger persistence error when the credit could not be stored; every other
// path, including duplicates and unusable metadata, is acknowledged with a nil error.
func (reconciler *Reconciler) Handle(ctx context.Context, payload []byte, signatureHeader string) (Outcome, error) {
	outcome := Outcome{}
	outcome.enter(StateReceived)

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, reconciler.secret, webhook.ConstructEventOptions{
		Tolerance:                reconciler.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		outcome.enter(StateSignatureRejected)
		outcome.enter(StateAcknowledgedError)
		reconciler.logger.Error("webhook signature rejected", zap.Error(err))
		reconciler.record(outcome)
		return outcome, fmt.Errorf("%w: %v", ErrSignatureVerification, err)
	}
	outcome.enter(StateSignatureVerified)
	outcome.EventID = event.ID
	outcome.EventType = string(event.Type)

	var handleErr error
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		handleErr = reconciler.handleSucceeded(ctx, event, &outcome)
	case stripe.EventTypePaymentIntentPaymentFailed:
		reconciler.handleFailed(event, &outcome)
	default:
		outcome.enter(StateIgnored)
		reconciler.logger.Debug("webhook event ignored",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
	}
	if handleErr != nil {
		outcome.enter(StateAcknowledgedError)
	} else {
		outcome.enter(StateAcknowledged)
	}
	reconciler.record(outcome)
	return outcome, handleErr
}

func (reconciler *Reconciler) handleSucceeded(ctx context.Context, event stripe.Event, outcome *Outcome) error {
	intent, err := decodePaymentIntent(event)
	if err != nil {
		outcome.enter(StateMetadataInvalid)
		reconciler.logger.Error("payment event payload invalid",
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		return nil
	}
	outcome.PaymentID = intent.ID

	request, err := parseCreditRequest(intent)
	if err != nil {
		outcome.enter(StateMetadataInvalid)
		reconciler.logger.Error("payment metadata invalid",
			zap.String("event_id", event.ID),
			zap.String("payment_id", intent.ID),
			zap.Error(err),
		)
		return nil
	}
	outcome.UserID = request.userID.String()
	outcome.Tokens = request.tokens.Int64()

	result, err := reconciler.ledger.Credit(ctx, request.userID, request.tokens, request.description, request.externalRef, request.metadata)
	if err != nil {
		outcome.enter(StateCreditFailed)
		reconciler.logger.Error("payment credit failed",
			zap.String("event_id", event.ID),
			zap.String("payment_id", intent.ID),
			zap.String("user_id", request.userID.String()),
			zap.Int64("tokens", request.tokens.Int64()),
			zap.Error(err),
		)
		return err
	}
	outcome.Balance = result.Balance
	if result.Duplicate {
		outcome.enter(StateDuplicateIgnored)
		reconciler.logger.Info("payment already credited",
			zap.String("event_id", event.ID),
			zap.String("payment_id", intent.ID),
			zap.String("user_id", request.userID.String()),
		)
		return nil
	}
	outcome.enter(StateCreditApplied)
	reconciler.logger.Info("payment credited",
		zap.String("event_id", event.ID),
		zap.String("payment_id", intent.ID),
		zap.String("user_id", request.userID.String()),
		zap.Int64("tokens", request.tokens.Int64()),
		zap.Int64("balance", result.Balance),
	)
	return nil
}

func (reconciler *Reconciler) handleFailed(event stripe.Event, outcome *Outcome) {
	outcome.enter(StatePaymentFailedLogged)
	fields := []zap.Field{
		zap.String("event_id", event.ID),
	}
	if intent, err := decodePaymentIntent(event); err == nil {
		outcome.PaymentID = intent.ID
		outcome.UserID = intent.Metadata[metadataUserID]
		fields = append(fields,
			zap.String("payment_id", intent.ID),
			zap.String("user_id", intent.Metadata[metadataUserID]),
		)
		if intent.LastPaymentError != nil {
			fields = append(fields, zap.String("decline_code", string(intent.LastPaymentError.DeclineCode)))
		}
	}
	reconciler.logger.Warn("payment failed", fields...)
}

func (reconciler *Reconciler) record(outcome Outcome) {
	if reconciler.recorder == nil {
		return
	}
	reconciler.recorder.RecordWebhook(string(outcome.Decisive()))
}

type creditRequest struct {
	userID      ledger.UserID
	tokens      ledger.TokenAmount
	description ledger.Description
	externalRef ledger.ExternalRef
	metadata    ledger.MetadataJSON
}

func decodePaymentIntent(event stripe.Event) (stripe.PaymentIntent, error) {
	var intent stripe.PaymentIntent
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return intent, errors.New("event data is empty")
	}
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return intent, fmt.Errorf("decode payment intent: %w", err)
	}
	if strings.TrimSpace(intent.ID) == "" {
		return intent, errors.New("payment intent id is empty")
	}
	return intent, nil
}

func parseCreditRequest(intent stripe.PaymentIntent) (creditRequest, error) {
	userID, err := ledger.NewUserID(intent.Metadata[metadataUserID])
	if err != nil {
		return creditRequest{}, fmt.Errorf("metadata %s: %w", metadataUserID, err)
	}
	rawTokens := strings.TrimSpace(intent.Metadata[metadataTokens])
	parsedTokens, err := strconv.ParseInt(rawTokens, 10, 64)
	if err != nil {
		return creditRequest{}, fmt.Errorf("metadata %s: %q is not an integer", metadataTokens, rawTokens)
	}
	tokens, err := ledger.NewTokenAmount(parsedTokens)
	if err != nil {
		return creditRequest{}, fmt.Errorf("metadata %s: %w", metadataTokens, err)
	}
	externalRef, err := ledger.NewExternalRef(intent.ID)
	if err != nil {
		return creditRequest{}, err
	}
	label := "Token purchase"
	if tier := strings.TrimSpace(intent.Metadata[metadataTier]); tier != "" {
		label = fmt.Sprintf("Token purchase (%s)", tier)
	}
	description, err := ledger.NewDescription(label)
	if err != nil {
		return creditRequest{}, err
	}
	metadata, err := ledger.MetadataFromMap(map[string]string{
		"payment_intent": intent.ID,
		metadataTier:     intent.Metadata[metadataTier],
		"currency":       string(intent.Currency),
		"amount":         strconv.FormatInt(intent.Amount, 10),
	})
	if err != nil {
		return creditRequest{}, err
	}
	return creditRequest{
		userID:      userID,
		tokens:      tokens,
		description: description,
		externalRef: externalRef,
		metadata:    metadata,
	}, nil
}
