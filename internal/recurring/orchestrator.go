package recurring

import (
	"context"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v74"
	"go.uber.org/zap"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
	"github.com/victorian-socialists/civicrm-stripe/internal/gateway"
	"github.com/victorian-socialists/civicrm-stripe/internal/intent"
	"github.com/victorian-socialists/civicrm-stripe/internal/ledger"
	"github.com/victorian-socialists/civicrm-stripe/internal/money"
)

// SubscriptionSpec names the already-persisted ledger rows and gateway
// handles needed to open a subscription. Billing terms come from the
// recurring contribution itself.
type SubscriptionSpec struct {
	RecurringContributionID int64
	ContributionID          int64
	CustomerID              string
	PaymentMethodID         string
	// StartDate in the future anchors the first charge there; zero or
	// past means charge immediately.
	StartDate time.Time
}

// IntentRecorder is the slice of the intent engine the orchestrator needs to
// reconcile a subscription's first invoice.
type IntentRecorder interface {
	RecordObservedIntent(ctx context.Context, pi *stripe.PaymentIntent, contributionID *int64) (*intent.Result, error)
}

type Orchestrator struct {
	cfg           gateway.ProcessorConfig
	billing       gateway.BillingClient
	engine        IntentRecorder
	recurring     ledger.RecurringRepository
	contributions ledger.ContributionRepository
	records       ledger.IntentRepository
	logger        *zap.Logger
	now           func() time.Time
}

func NewOrchestrator(
	cfg gateway.ProcessorConfig,
	billing gateway.BillingClient,
	engine IntentRecorder,
	recurring ledger.RecurringRepository,
	contributions ledger.ContributionRepository,
	records ledger.IntentRepository,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if billing == nil {
		return nil, fmt.Errorf("billing client is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("intent engine is required")
	}
	if recurring == nil || contributions == nil || records == nil {
		return nil, fmt.Errorf("ledger repositories are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		cfg:           cfg,
		billing:       billing,
		engine:        engine,
		recurring:     recurring,
		contributions: contributions,
		records:       records,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// StartSubscription opens the gateway subscription for a pending recurring
// contribution and reconciles its first invoice when one is issued
// immediately.
func (o *Orchestrator) StartSubscription(ctx context.Context, spec SubscriptionSpec) (*intent.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if spec.RecurringContributionID == 0 {
		return nil, fmt.Errorf("%w: recurring contribution id", domain.ErrMissingParameter)
	}

	rec, err := o.recurring.GetByID(ctx, spec.RecurringContributionID)
	if err != nil {
		return nil, err
	}
	if !rec.FrequencyUnit.IsValid() {
		return nil, fmt.Errorf("%w: frequency unit", domain.ErrMissingParameter)
	}
	if !rec.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount", domain.ErrMissingParameter)
	}

	minor, err := money.ToMinorUnits(rec.Amount, rec.Currency)
	if err != nil {
		return nil, err
	}

	planID, err := o.ensurePlan(ctx, rec, minor)
	if err != nil {
		return nil, err
	}

	start := spec.StartDate
	now := o.now()
	if start.IsZero() {
		start = now
	}

	sub, err := o.createSubscription(ctx, spec, planID, start, now)
	if err != nil {
		if markErr := o.recurring.SetStatus(ctx, rec.ID, domain.RecurringFailed); markErr != nil {
			o.logger.Error("failed to mark recurring contribution failed",
				zap.Int64("recurringId", rec.ID),
				zap.Error(markErr),
			)
		}
		return &intent.Result{
			OK:      false,
			Status:  domain.IntentFailed,
			Message: gateway.UserMessage(err),
		}, nil
	}

	// An incomplete subscription means the first charge did not go
	// through; it must never read as success.
	if sub.Status == stripe.SubscriptionStatusIncomplete {
		if markErr := o.recurring.SetStatus(ctx, rec.ID, domain.RecurringFailed); markErr != nil {
			o.logger.Error("failed to mark recurring contribution failed",
				zap.Int64("recurringId", rec.ID),
				zap.Error(markErr),
			)
		}
		return &intent.Result{
			OK:      false,
			Status:  domain.IntentFailed,
			Message: "Your payment failed. Please try a different card.",
		}, nil
	}

	if err := o.activate(ctx, rec, sub, start); err != nil {
		return nil, err
	}

	if sub.LatestInvoice != nil && sub.LatestInvoice.PaymentIntent != nil {
		return o.reconcileFirstInvoice(ctx, spec, sub)
	}

	return o.recordPendingStart(ctx, spec, sub)
}

// ensurePlan finds or creates the plan whose deterministic id encodes the
// billing terms, making creation idempotent across retries.
func (o *Orchestrator) ensurePlan(ctx context.Context, rec *domain.RecurringContribution, minor int64) (string, error) {
	planID := o.planID(rec, minor)

	_, found, err := o.billing.GetPlan(ctx, planID)
	if err != nil {
		return "", err
	}
	if found {
		return planID, nil
	}

	product, err := o.billing.CreateProduct(ctx, &stripe.ProductParams{
		Name: stripe.String(fmt.Sprintf("Contribution every %d %s", rec.FrequencyInterval, rec.FrequencyUnit)),
	})
	if err != nil {
		return "", err
	}

	_, err = o.billing.CreatePlan(ctx, &stripe.PlanParams{
		ID:            stripe.String(planID),
		Amount:        stripe.Int64(minor),
		Currency:      stripe.String(strings.ToLower(rec.Currency)),
		Interval:      stripe.String(string(rec.FrequencyUnit)),
		IntervalCount: stripe.Int64(int64(rec.FrequencyInterval)),
		Product:       &stripe.PlanProductParams{ID: stripe.String(product.ID)},
	})
	if err != nil {
		return "", err
	}

	return planID, nil
}

func (o *Orchestrator) planID(rec *domain.RecurringContribution, minor int64) string {
	mode := "live"
	if o.cfg.TestMode {
		mode = "test"
	}
	return fmt.Sprintf("every-%d-%s-%d%s-%s",
		rec.FrequencyInterval,
		rec.FrequencyUnit,
		minor,
		strings.ToLower(rec.Currency),
		mode,
	)
}

func (o *Orchestrator) createSubscription(ctx context.Context, spec SubscriptionSpec, planID string, start, now time.Time) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(spec.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Plan: stripe.String(planID)},
		},
		ProrationBehavior: stripe.String("none"),
		OffSession:        stripe.Bool(true),
	}
	if spec.PaymentMethodID != "" {
		params.DefaultPaymentMethod = stripe.String(spec.PaymentMethodID)
	}
	if start.After(now) {
		params.BillingCycleAnchor = stripe.Int64(start.Unix())
	}
	params.AddExpand("latest_invoice.payment_intent")
	params.AddExpand("pending_setup_intent")

	return o.billing.CreateSubscription(ctx, params)
}

func (o *Orchestrator) activate(ctx context.Context, rec *domain.RecurringContribution, sub *stripe.Subscription, start time.Time) error {
	next := NextScheduled(start, rec.FrequencyUnit, rec.FrequencyInterval)

	var end *time.Time
	if rec.Installments > 0 {
		e := EndDate(start, rec.FrequencyUnit, rec.FrequencyInterval, rec.Installments)
		end = &e
	}

	// Until the first invoice is issued the subscription id stands in as
	// the latest order reference.
	orderRef := sub.ID
	if sub.LatestInvoice != nil {
		orderRef = sub.LatestInvoice.ID
	}

	if err := o.recurring.Activate(ctx, rec.ID, sub.ID, orderRef, next, CycleDay(next), end); err != nil {
		return fmt.Errorf("failed to activate recurring contribution: %w", err)
	}
	return nil
}

func (o *Orchestrator) reconcileFirstInvoice(ctx context.Context, spec SubscriptionSpec, sub *stripe.Subscription) (*intent.Result, error) {
	invoice := sub.LatestInvoice

	var contributionID *int64
	if spec.ContributionID != 0 {
		contributionID = &spec.ContributionID

		if err := o.contributions.SetOrderReference(ctx, spec.ContributionID, invoice.ID); err != nil {
			o.logger.Error("failed to set contribution order reference",
				zap.Int64("contributionId", spec.ContributionID),
				zap.Error(err),
			)
		}
	}

	result, err := o.engine.RecordObservedIntent(ctx, invoice.PaymentIntent, contributionID)
	if err != nil {
		return nil, err
	}

	if result.OK && result.TrxnID != "" && spec.ContributionID != 0 {
		if err := o.contributions.Complete(ctx, spec.ContributionID, result.TrxnID, result.FeeAmount, o.now()); err != nil {
			o.logger.Error("failed to complete first contribution",
				zap.Int64("contributionId", spec.ContributionID),
				zap.Error(err),
			)
		}
	}

	return result, nil
}

// recordPendingStart covers future-dated subscriptions with no invoice yet:
// an intent record keyed to the pending setup intent, or to the subscription
// itself, lets later webhook reconciliation find its way back. The
// contribution carries the subscription id as its order reference until the
// first invoice exists to replace it.
func (o *Orchestrator) recordPendingStart(ctx context.Context, spec SubscriptionSpec, sub *stripe.Subscription) (*intent.Result, error) {
	if spec.ContributionID != 0 {
		if err := o.contributions.SetOrderReference(ctx, spec.ContributionID, sub.ID); err != nil {
			return nil, fmt.Errorf("failed to set interim order reference: %w", err)
		}
	}

	gatewayID := sub.ID
	kind := domain.IntentKindPayment
	if sub.PendingSetupIntent != nil {
		gatewayID = sub.PendingSetupIntent.ID
		kind = domain.IntentKindSetup
	}

	rec := &domain.IntentRecord{
		GatewayIntentID: gatewayID,
		ProcessorID:     o.cfg.ProcessorID,
		Kind:            kind,
		Status:          domain.IntentProcessing,
	}
	if spec.ContributionID != 0 {
		rec.ContributionID = &spec.ContributionID
	} else {
		rec.Flags = domain.FlagNoContribution
	}
	if err := o.records.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist intent record: %w", err)
	}

	return &intent.Result{
		OK:       true,
		Status:   domain.IntentProcessing,
		IntentID: gatewayID,
	}, nil
}

// CancelSubscription ends the gateway subscription and marks the schedule
// cancelled. A subscription already gone at the gateway is not an error.
func (o *Orchestrator) CancelSubscription(ctx context.Context, recurringID int64) error {
	if ctx == nil {
		ctx = context.Background()
	}

	rec, err := o.recurring.GetByID(ctx, recurringID)
	if err != nil {
		return err
	}

	if rec.SubscriptionReference != nil {
		if _, err := o.billing.CancelSubscription(ctx, *rec.SubscriptionReference); err != nil && !gateway.IsNotFound(err) {
			return err
		}
	}

	return o.recurring.Cancel(ctx, recurringID)
}
