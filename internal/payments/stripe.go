package payments

import (
	"context"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

const defaultProcessorTimeout = 10 * time.Second

// StripeProcessor creates customers and payment intents through the Stripe API.
type StripeProcessor struct {
	api *client.API
}

// NewStripeProcessor builds a processor with its own bounded HTTP client.
func NewStripeProcessor(secretKey string, timeout time.Duration) *StripeProcessor {
	if timeout <= 0 {
		timeout = defaultProcessorTimeout
	}
	api := &client.API{}
	api.Init(secretKey, stripe.NewBackends(&http.Client{Timeout: timeout}))
	return &StripeProcessor{api: api}
}

func (processor *StripeProcessor) CreateCustomer(ctx context.Context, request CustomerRequest) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	if request.Email != "" {
		params.Email = stripe.String(request.Email)
	}
	params.AddMetadata(metadataUserID, request.UserID)
	customer, err := processor.api.Customers.New(params)
	if err != nil {
		return "", err
	}
	return customer.ID, nil
}

func (processor *StripeProcessor) CreatePaymentIntent(ctx context.Context, request IntentRequest) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(request.AmountMinor),
		Currency: stripe.String(request.Currency),
		Customer: stripe.String(request.CustomerID),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for key, value := range request.Metadata {
		params.AddMetadata(key, value)
	}
	if request.IdempotencyKey != "" {
		params.SetIdempotencyKey(request.IdempotencyKey)
	}
	intent, err := processor.api.PaymentIntents.New(params)
	if err != nil {
		return Intent{}, err
	}
	return Intent{ID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}
