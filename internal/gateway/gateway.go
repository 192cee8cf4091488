// Package gateway wraps the card-payment gateway SDK behind narrow,
// per-concern interfaces. Each processor gets its own client built from a
// ProcessorConfig; there is no process-global SDK state.
package gateway

import (
	"context"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
)

// ProcessorConfig is the per-processor gateway configuration, constructed
// once and handed to every component that talks to the gateway.
type ProcessorConfig struct {
	ProcessorID   int
	SecretKey     string
	WebhookSecret string
	TestMode      bool
}

func (c ProcessorConfig) Validate() error {
	if c.ProcessorID <= 0 {
		return fmt.Errorf("processor id is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return fmt.Errorf("gateway secret key is required")
	}
	return nil
}

// IntentClient drives payment and setup intents through their lifecycle.
type IntentClient interface {
	CreatePaymentIntent(ctx context.Context, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	ConfirmPaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	CapturePaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	UpdatePaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	CreateSetupIntent(ctx context.Context, params *stripe.SetupIntentParams) (*stripe.SetupIntent, error)
	GetSetupIntent(ctx context.Context, id string, params *stripe.SetupIntentParams) (*stripe.SetupIntent, error)
	ConfirmSetupIntent(ctx context.Context, id string, params *stripe.SetupIntentConfirmParams) (*stripe.SetupIntent, error)
	CancelSetupIntent(ctx context.Context, id string) (*stripe.SetupIntent, error)
}

// ChargeClient retrieves charges, typically with the balance transaction
// expanded for fee reconciliation.
type ChargeClient interface {
	GetCharge(ctx context.Context, id string, params *stripe.ChargeParams) (*stripe.Charge, error)
}

// CustomerClient manages gateway customers.
type CustomerClient interface {
	CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error)
	GetCustomer(ctx context.Context, id string) (*stripe.Customer, error)
}

// BillingClient manages plans, products, subscriptions and invoices for the
// recurring path.
type BillingClient interface {
	// GetPlan reports found=false for an absent plan instead of surfacing
	// the gateway's resource-missing error; absence is an expected branch
	// of the deterministic find-or-create flow.
	GetPlan(ctx context.Context, id string) (plan *stripe.Plan, found bool, err error)
	CreatePlan(ctx context.Context, params *stripe.PlanParams) (*stripe.Plan, error)
	CreateProduct(ctx context.Context, params *stripe.ProductParams) (*stripe.Product, error)
	CreateSubscription(ctx context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	GetSubscription(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	GetInvoice(ctx context.Context, id string, params *stripe.InvoiceParams) (*stripe.Invoice, error)
}

// EventClient re-fetches webhook events from the gateway when the inbound
// payload could not be cryptographically verified.
type EventClient interface {
	GetEvent(ctx context.Context, id string) (*stripe.Event, error)
}
