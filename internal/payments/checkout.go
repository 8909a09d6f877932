package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/catalog"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"go.uber.org/zap"
)

// ErrProcessor wraps payment processor failures.
var ErrProcessor = errors.New("payment processor failure")

// CustomerStore persists the user to processor-customer mapping.
type CustomerStore interface {
	CustomerID(ctx context.Context, userID ledger.UserID) (string, bool, error)
	SaveCustomerID(ctx context.Context, userID ledger.UserID, customerID string) (string, error)
}

// CustomerRequest describes a processor customer to create.
type CustomerRequest struct {
	UserID string
	Email  string
}

// IntentRequest describes a processor payment intent to create.
type IntentRequest struct {
	CustomerID     string
	AmountMinor    int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is the processor's answer to an IntentRequest.
type Intent struct {
	ID           string
	ClientSecret string
}

// Processor is the external payment processor.
type Processor interface {
	CreateCustomer(ctx context.Context, request CustomerRequest) (string, error)
	CreatePaymentIntent(ctx context.Context, request IntentRequest) (Intent, error)
}

// IntentResult is returned to the client.
type IntentResult struct {
	PaymentIntentID string `json:"payment_intent_id"`
	ClientSecret    string `json:"client_secret"`
	Tier            string `json:"tier"`
	Tokens          int64  `json:"tokens"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
}

const defaultCustomerStoreTimeout = 3 * time.Second

// CheckoutOption configures a Checkout.
type CheckoutOption func(*Checkout)

// WithStoreTimeout bounds each customer store call.
func WithStoreTimeout(timeout time.Duration) CheckoutOption {
	return func(checkout *Checkout) {
		if timeout > 0 {
			checkout.storeTimeout = timeout
		}
	}
}

// Checkout creates payment intents for catalog tiers.
type Checkout struct {
	catalog      *catalog.Catalog
	customers    CustomerStore
	processor    Processor
	logger       *zap.Logger
	storeTimeout time.Duration
}

// NewCheckout wires a Checkout.
func NewCheckout(tiers *catalog.Catalog, customers CustomerStore, processor Processor, logger *zap.Logger, options ...CheckoutOption) (*Checkout, error) {
	if tiers == nil {
		return nil, fmt.Errorf("%w: catalog is nil", ErrInvalidConfig)
	}
	if customers == nil {
		return nil, fmt.Errorf("%w: customer store is nil", ErrInvalidConfig)
	}
	if processor == nil {
		return nil, fmt.Errorf("%w: processor is nil", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	checkout := &Checkout{
		catalog:      tiers,
		customers:    customers,
		processor:    processor,
		logger:       logger,
		storeTimeout: defaultCustomerStoreTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(checkout)
		}
	}
	return checkout, nil
}

// CreateIntent resolves tierID, lazily creates the processor customer for userID and creates a
// payment intent whose metadata carries what the reconciler needs to credit the purchase.
// Unknown tiers fail with catalog.ErrUnknownTier before any processor call.
func (checkout *Checkout) CreateIntent(ctx context.Context, userID ledger.UserID, email string, tierID string, idempotencyKey string) (IntentResult, error) {
	tier, err := checkout.catalog.Lookup(tierID)
	if err != nil {
		return IntentResult{}, err
	}
	if userID.String() == "" {
		return IntentResult{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidUserID)
	}
	customerID, err := checkout.ensureCustomer(ctx, userID, email)
	if err != nil {
		return IntentResult{}, err
	}
	intent, err := checkout.processor.CreatePaymentIntent(ctx, IntentRequest{
		CustomerID:  customerID,
		AmountMinor: tier.PriceMinorUnits,
		Currency:    checkout.catalog.Currency(),
		Metadata: map[string]string{
			metadataUserID:   userID.String(),
			metadataTokens:   strconv.FormatInt(tier.Tokens, 10),
			metadataTier:     tier.ID,
			metadataPriceRef: tier.PriceRef,
		},
		IdempotencyKey: strings.TrimSpace(idempotencyKey),
	})
	if err != nil {
		checkout.logger.Error("payment intent creation failed",
			zap.String("user_id", userID.String()),
			zap.String("tier", tier.ID),
			zap.Error(err),
		)
		return IntentResult{}, fmt.Errorf("%w: create payment intent: %v", ErrProcessor, err)
	}
	checkout.logger.Info("payment intent created",
		zap.String("user_id", userID.String()),
		zap.String("tier", tier.ID),
		zap.String("payment_id", intent.ID),
	)
	return IntentResult{
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		Tier:            tier.ID,
		Tokens:          tier.Tokens,
		Amount:          tier.PriceMinorUnits,
		Currency:        checkout.catalog.Currency(),
	}, nil
}

func (checkout *Checkout) ensureCustomer(ctx context.Context, userID ledger.UserID, email string) (string, error) {
	lookupContext, cancelLookup := context.WithTimeout(ctx, checkout.storeTimeout)
	customerID, found, err := checkout.customers.CustomerID(lookupContext, userID)
	cancelLookup()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ledger.ErrPersistence, err)
	}
	if found {
		return customerID, nil
	}
	created, err := checkout.processor.CreateCustomer(ctx, CustomerRequest{UserID: userID.String(), Email: strings.TrimSpace(email)})
	if err != nil {
		return "", fmt.Errorf("%w: create customer: %v", ErrProcessor, err)
	}
	saveContext, cancelSave := context.WithTimeout(ctx, checkout.storeTimeout)
	stored, err := checkout.customers.SaveCustomerID(saveContext, userID, created)
	cancelSave()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ledger.ErrPersistence, err)
	}
	if stored != created {
		checkout.logger.Warn("concurrent customer creation, keeping first",
			zap.String("user_id", userID.String()),
			zap.String("customer_id", stored),
			zap.String("discarded_customer_id", created),
		)
	}
	return stored, nil
}
