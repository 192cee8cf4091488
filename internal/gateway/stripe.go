package gateway

import (
	"context"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"

	"github.com/victorian-socialists/civicrm-stripe/internal/observability"
)

// StripeClient implements every client interface in this package on top of a
// dedicated SDK instance for one processor.
type StripeClient struct {
	cfg     ProcessorConfig
	api     *client.API
	metrics *observability.Metrics
}

var (
	_ IntentClient   = (*StripeClient)(nil)
	_ ChargeClient   = (*StripeClient)(nil)
	_ CustomerClient = (*StripeClient)(nil)
	_ BillingClient  = (*StripeClient)(nil)
	_ EventClient    = (*StripeClient)(nil)
)

func NewStripeClient(cfg ProcessorConfig) (*StripeClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid processor configuration: %w", err)
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, nil)

	return &StripeClient{cfg: cfg, api: api}, nil
}

// Config returns the processor configuration this client was built from.
func (c *StripeClient) Config() ProcessorConfig { return c.cfg }

func (c *StripeClient) SetMetrics(metrics *observability.Metrics) {
	if c == nil {
		return
	}
	c.metrics = metrics
}

func (c *StripeClient) observe(operation string, start time.Time) {
	c.metrics.ObserveGatewayCall(operation, time.Since(start))
}

func (c *StripeClient) CreatePaymentIntent(ctx context.Context, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	defer c.observe("payment_intent_create", time.Now())
	if params == nil {
		params = &stripe.PaymentIntentParams{}
	}
	params.Context = ctx
	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return nil, Classify(err)
	}
	return pi, nil
}

func (c *StripeClient) GetPaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	defer c.observe("payment_intent_get", time.Now())
	if params == nil {
		params = &stripe.PaymentIntentParams{}
	}
	params.Context = ctx
	pi, err := c.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, Classify(err)
	}
	return pi, nil
}

func (c *StripeClient) ConfirmPaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
	defer c.observe("payment_intent_confirm", time.Now())
	if params == nil {
		params = &stripe.PaymentIntentConfirmParams{}
	}
	params.Context = ctx
	pi, err := c.api.PaymentIntents.Confirm(id, params)
	if err != nil {
		return nil, Classify(err)
	}
	return pi, nil
}

func (c *StripeClient) CapturePaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error) {
	defer c.observe("payment_intent_capture", time.Now())
	if params == nil {
		params = &stripe.PaymentIntentCaptureParams{}
	}
	params.Context = ctx
	pi, err := c.api.PaymentIntents.Capture(id, params)
	if err != nil {
		return nil, Classify(err)
	}
	return pi, nil
}

func (c *StripeClient) CancelPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	defer c.observe("payment_intent_cancel", time.Now())
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	pi, err := c.api.PaymentIntents.Cancel(id, params)
	if err != nil {
		return nil, Classify(err)
	}
	return pi, nil
}

func (c *StripeClient) UpdatePaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	defer c.observe("payment_intent_update", time.Now())
	if params == nil {
		params = &stripe.PaymentIntentParams{}
	}
	params.Context = ctx
	pi, err := c.api.PaymentIntents.Update(id, params)
	if err != nil {
		return nil, Classify(err)
	}
	return pi, nil
}

func (c *StripeClient) CreateSetupIntent(ctx context.Context, params *stripe.SetupIntentParams) (*stripe.SetupIntent, error) {
	defer c.observe("setup_intent_create", time.Now())
	if params == nil {
		params = &stripe.SetupIntentParams{}
	}
	params.Context = ctx
	si, err := c.api.SetupIntents.New(params)
	if err != nil {
		return nil, Classify(err)
	}
	return si, nil
}

func (c *StripeClient) GetSetupIntent(ctx context.Context, id string, params *stripe.SetupIntentParams) (*stripe.SetupIntent, error) {
	defer c.observe("setup_intent_get", time.Now())
	if params == nil {
		params = &stripe.SetupIntentParams{}
	}
	params.Context = ctx
	si, err := c.api.SetupIntents.Get(id, params)
	if err != nil {
		return nil, Classify(err)
	}
	return si, nil
}

func (c *StripeClient) ConfirmSetupIntent(ctx context.Context, id string, params *stripe.SetupIntentConfirmParams) (*stripe.SetupIntent, error) {
	defer c.observe("setup_intent_confirm", time.Now())
	if params == nil {
		params = &stripe.SetupIntentConfirmParams{}
	}
	params.Context = ctx
	si, err := c.api.SetupIntents.Confirm(id, params)
	if err != nil {
		return nil, Classify(err)
	}
	return si, nil
}

func (c *StripeClient) CancelSetupIntent(ctx context.Context, id string) (*stripe.SetupIntent, error) {
	defer c.observe("setup_intent_cancel", time.Now())
	params := &stripe.SetupIntentCancelParams{}
	params.Context = ctx
	si, err := c.api.SetupIntents.Cancel(id, params)
	if err != nil {
		return nil, Classify(err)
	}
	return si, nil
}

func (c *StripeClient) GetCharge(ctx context.Context, id string, params *stripe.ChargeParams) (*stripe.Charge, error) {
	defer c.observe("charge_get", time.Now())
	if params == nil {
		params = &stripe.ChargeParams{}
	}
	params.Context = ctx
	ch, err := c.api.Charges.Get(id, params)
	if err != nil {
		return nil, Classify(err)
	}
	return ch, nil
}

func (c *StripeClient) CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
	defer c.observe("customer_create", time.Now())
	if params == nil {
		params = &stripe.CustomerParams{}
	}
	params.Context = ctx
	cust, err := c.api.Customers.New(params)
	if err != nil {
		return nil, Classify(err)
	}
	return cust, nil
}

func (c *StripeClient) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	defer c.observe("customer_get", time.Now())
	params := &stripe.CustomerParams{}
	params.Context = ctx
	cust, err := c.api.Customers.Get(id, params)
	if err != nil {
		return nil, Classify(err)
	}
	return cust, nil
}

func (c *StripeClient) GetPlan(ctx context.Context, id string) (*stripe.Plan, bool, error) {
	defer c.observe("plan_get", time.Now())
	params := &stripe.PlanParams{}
	params.Context = ctx
	plan, err := c.api.Plans.Get(id, params)
	if err != nil {
		classified := Classify(err)
		if IsNotFound(classified) {
			return nil, false, nil
		}
		return nil, false, classified
	}
	return plan, true, nil
}

func (c *StripeClient) CreatePlan(ctx context.Context, params *stripe.PlanParams) (*stripe.Plan, error) {
	defer c.observe("plan_create", time.Now())
	if params == nil {
		params = &stripe.PlanParams{}
	}
	params.Context = ctx
	plan, err := c.api.Plans.New(params)
	if err != nil {
		return nil, Classify(err)
	}
	return plan, nil
}

func (c *StripeClient) CreateProduct(ctx context.Context, params *stripe.ProductParams) (*stripe.Product, error) {
	defer c.observe("product_create", time.Now())
	if params == nil {
		params = &stripe.ProductParams{}
	}
	params.Context = ctx
	product, err := c.api.Products.New(params)
	if err != nil {
		return nil, Classify(err)
	}
	return product, nil
}

func (c *StripeClient) CreateSubscription(ctx context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	defer c.observe("subscription_create", time.Now())
	if params == nil {
		params = &stripe.SubscriptionParams{}
	}
	params.Context = ctx
	sub, err := c.api.Subscriptions.New(params)
	if err != nil {
		return nil, Classify(err)
	}
	return sub, nil
}

func (c *StripeClient) GetSubscription(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	defer c.observe("subscription_get", time.Now())
	if params == nil {
		params = &stripe.SubscriptionParams{}
	}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, Classify(err)
	}
	return sub, nil
}

func (c *StripeClient) CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	defer c.observe("subscription_cancel", time.Now())
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Cancel(id, params)
	if err != nil {
		return nil, Classify(err)
	}
	return sub, nil
}

func (c *StripeClient) GetInvoice(ctx context.Context, id string, params *stripe.InvoiceParams) (*stripe.Invoice, error) {
	defer c.observe("invoice_get", time.Now())
	if params == nil {
		params = &stripe.InvoiceParams{}
	}
	params.Context = ctx
	inv, err := c.api.Invoices.Get(id, params)
	if err != nil {
		return nil, Classify(err)
	}
	return inv, nil
}

func (c *StripeClient) GetEvent(ctx context.Context, id string) (*stripe.Event, error) {
	defer c.observe("event_get", time.Now())
	params := &stripe.EventParams{}
	params.Context = ctx
	evt, err := c.api.Events.Get(id, params)
	if err != nil {
		return nil, Classify(err)
	}
	return evt, nil
}
