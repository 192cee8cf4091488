package recurring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v74"
	"go.uber.org/zap"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
	"github.com/victorian-socialists/civicrm-stripe/internal/gateway"
	"github.com/victorian-socialists/civicrm-stripe/internal/intent"
	"github.com/victorian-socialists/civicrm-stripe/internal/ledger"
)

type fakeBillingClient struct {
	getPlanFn            func(ctx context.Context, id string) (*stripe.Plan, bool, error)
	createPlanFn         func(ctx context.Context, params *stripe.PlanParams) (*stripe.Plan, error)
	createProductFn      func(ctx context.Context, params *stripe.ProductParams) (*stripe.Product, error)
	createSubscriptionFn func(ctx context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	getSubscriptionFn    func(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	cancelSubscriptionFn func(ctx context.Context, id string) (*stripe.Subscription, error)
	getInvoiceFn         func(ctx context.Context, id string, params *stripe.InvoiceParams) (*stripe.Invoice, error)
}

func (f *fakeBillingClient) GetPlan(ctx context.Context, id string) (*stripe.Plan, bool, error) {
	return f.getPlanFn(ctx, id)
}

func (f *fakeBillingClient) CreatePlan(ctx context.Context, params *stripe.PlanParams) (*stripe.Plan, error) {
	return f.createPlanFn(ctx, params)
}

func (f *fakeBillingClient) CreateProduct(ctx context.Context, params *stripe.ProductParams) (*stripe.Product, error) {
	return f.createProductFn(ctx, params)
}

func (f *fakeBillingClient) CreateSubscription(ctx context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return f.createSubscriptionFn(ctx, params)
}

func (f *fakeBillingClient) GetSubscription(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return f.getSubscriptionFn(ctx, id, params)
}

func (f *fakeBillingClient) CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return f.cancelSubscriptionFn(ctx, id)
}

func (f *fakeBillingClient) GetInvoice(ctx context.Context, id string, params *stripe.InvoiceParams) (*stripe.Invoice, error) {
	return f.getInvoiceFn(ctx, id, params)
}

type fakeRecurringRepo struct {
	rec          *domain.RecurringContribution
	statuses     []domain.RecurringStatus
	activateCall *activateCall
	cancelled    bool
}

type activateCall struct {
	subscriptionRef string
	orderRef        string
	next            time.Time
	cycleDay        int
	end             *time.Time
}

func (f *fakeRecurringRepo) Create(ctx context.Context, r *domain.RecurringContribution) error {
	return nil
}

func (f *fakeRecurringRepo) GetByID(ctx context.Context, id int64) (*domain.RecurringContribution, error) {
	if f.rec == nil || f.rec.ID != id {
		return nil, domain.ErrNotFound
	}
	return f.rec, nil
}

func (f *fakeRecurringRepo) FindBySubscriptionReference(ctx context.Context, ref string) (*domain.RecurringContribution, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeRecurringRepo) SetStatus(ctx context.Context, id int64, status domain.RecurringStatus) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeRecurringRepo) Activate(ctx context.Context, id int64, subscriptionRef, orderRef string, next time.Time, cycleDay int, end *time.Time) error {
	f.activateCall = &activateCall{
		subscriptionRef: subscriptionRef,
		orderRef:        orderRef,
		next:            next,
		cycleDay:        cycleDay,
		end:             end,
	}
	return nil
}

func (f *fakeRecurringRepo) SetLatestOrderReference(ctx context.Context, id int64, orderRef string) error {
	return nil
}

func (f *fakeRecurringRepo) SetNextScheduledDate(ctx context.Context, id int64, next time.Time) error {
	return nil
}

func (f *fakeRecurringRepo) UpdateBilling(ctx context.Context, id int64, amount decimal.Decimal, currency string, unit domain.FrequencyUnit, interval int) error {
	return nil
}

func (f *fakeRecurringRepo) IncrementFailureCount(ctx context.Context, id int64) error { return nil }

func (f *fakeRecurringRepo) ResetFailureCount(ctx context.Context, id int64) error { return nil }

func (f *fakeRecurringRepo) Cancel(ctx context.Context, id int64) error {
	f.cancelled = true
	return nil
}

type fakeContributionRepo struct {
	ledger.ContributionRepository

	orderRefs map[int64]string
	completed map[int64]string
}

func (f *fakeContributionRepo) SetOrderReference(ctx context.Context, id int64, orderReference string) error {
	if f.orderRefs == nil {
		f.orderRefs = map[int64]string{}
	}
	f.orderRefs[id] = orderReference
	return nil
}

func (f *fakeContributionRepo) Complete(ctx context.Context, id int64, trxnID string, fee decimal.Decimal, receiveDate time.Time) error {
	if f.completed == nil {
		f.completed = map[int64]string{}
	}
	f.completed[id] = trxnID
	return nil
}

type fakeIntentRepo struct {
	ledger.IntentRepository

	records []*domain.IntentRecord
}

func (f *fakeIntentRepo) Upsert(ctx context.Context, rec *domain.IntentRecord) error {
	f.records = append(f.records, rec)
	return nil
}

type fakeRecorder struct {
	recordFn func(ctx context.Context, pi *stripe.PaymentIntent, contributionID *int64) (*intent.Result, error)
}

func (f *fakeRecorder) RecordObservedIntent(ctx context.Context, pi *stripe.PaymentIntent, contributionID *int64) (*intent.Result, error) {
	return f.recordFn(ctx, pi, contributionID)
}

func monthlyRecurring() *domain.RecurringContribution {
	return &domain.RecurringContribution{
		ID:                77,
		ContactID:         42,
		Amount:            decimal.RequireFromString("25.00"),
		Currency:          "USD",
		FrequencyUnit:     domain.FrequencyMonth,
		FrequencyInterval: 1,
		Status:            domain.RecurringPending,
	}
}

func newTestOrchestrator(
	t *testing.T,
	billing *fakeBillingClient,
	recorder IntentRecorder,
	recurringRepo *fakeRecurringRepo,
	contributions *fakeContributionRepo,
	records *fakeIntentRepo,
) *Orchestrator {
	t.Helper()

	cfg := gateway.ProcessorConfig{ProcessorID: 1, SecretKey: "sk_test_x", TestMode: true}
	if recorder == nil {
		recorder = &fakeRecorder{
			recordFn: func(ctx context.Context, pi *stripe.PaymentIntent, contributionID *int64) (*intent.Result, error) {
				return &intent.Result{OK: true, IntentID: pi.ID}, nil
			},
		}
	}
	o, err := NewOrchestrator(cfg, billing, recorder, recurringRepo, contributions, records, zap.NewNop())
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	o.now = func() time.Time { return date(2024, time.January, 15) }
	return o
}

func TestStartSubscriptionCreatesPlanWhenAbsent(t *testing.T) {
	t.Parallel()

	var createdPlan *stripe.PlanParams
	billing := &fakeBillingClient{
		getPlanFn: func(ctx context.Context, id string) (*stripe.Plan, bool, error) {
			if id != "every-1-month-2500usd-test" {
				t.Fatalf("plan id = %q", id)
			}
			return nil, false, nil
		},
		createProductFn: func(ctx context.Context, params *stripe.ProductParams) (*stripe.Product, error) {
			return &stripe.Product{ID: "prod_1"}, nil
		},
		createPlanFn: func(ctx context.Context, params *stripe.PlanParams) (*stripe.Plan, error) {
			createdPlan = params
			return &stripe.Plan{ID: *params.ID}, nil
		},
		createSubscriptionFn: func(ctx context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
			return &stripe.Subscription{
				ID:     "sub_1",
				Status: stripe.SubscriptionStatusActive,
			}, nil
		},
	}
	repo := &fakeRecurringRepo{rec: monthlyRecurring()}

	o := newTestOrchestrator(t, billing, nil, repo, &fakeContributionRepo{}, &fakeIntentRepo{})

	_, err := o.StartSubscription(context.Background(), SubscriptionSpec{
		RecurringContributionID: 77,
		CustomerID:              "cus_1",
	})
	if err != nil {
		t.Fatalf("StartSubscription() error = %v", err)
	}

	if createdPlan == nil {
		t.Fatal("absent plan should be created")
	}
	if *createdPlan.Amount != 2500 {
		t.Fatalf("plan amount = %d, want 2500", *createdPlan.Amount)
	}
	if *createdPlan.Interval != "month" || *createdPlan.IntervalCount != 1 {
		t.Fatalf("plan interval = %s x %d", *createdPlan.Interval, *createdPlan.IntervalCount)
	}
	if createdPlan.Product == nil || *createdPlan.Product.ID != "prod_1" {
		t.Fatalf("plan product = %+v, want prod_1", createdPlan.Product)
	}
}

func TestStartSubscriptionReusesExistingPlan(t *testing.T) {
	t.Parallel()

	billing := &fakeBillingClient{
		getPlanFn: func(ctx context.Context, id string) (*stripe.Plan, bool, error) {
			return &stripe.Plan{ID: id}, true, nil
		},
		createPlanFn: func(ctx context.Context, params *stripe.PlanParams) (*stripe.Plan, error) {
			t.Fatal("existing plan must not be recreated")
			return nil, nil
		},
		createSubscriptionFn: func(ctx context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
			if *params.Items[0].Plan != "every-1-month-2500usd-test" {
				t.Fatalf("subscription plan = %q", *params.Items[0].Plan)
			}
			if *params.ProrationBehavior != "none" {
				t.Fatalf("proration = %q, want none", *params.ProrationBehavior)
			}
			if params.OffSession == nil || !*params.OffSession {
				t.Fatal("subscription should be off-session")
			}
			return &stripe.Subscription{ID: "sub_1", Status: stripe.SubscriptionStatusActive}, nil
		},
	}
	repo := &fakeRecurringRepo{rec: monthlyRecurring()}

	o := newTestOrchestrator(t, billing, nil, repo, &fakeContributionRepo{}, &fakeIntentRepo{})

	_, err := o.StartSubscription(context.Background(), SubscriptionSpec{
		RecurringContributionID: 77,
		CustomerID:              "cus_1",
	})
	if err != nil {
		t.Fatalf("StartSubscription() error = %v", err)
	}
}

func TestStartSubscriptionSchedulesNextCharge(t *testing.T) {
	t.Parallel()

	rec := monthlyRecurring()
	rec.Installments = 5
	billing := &fakeBillingClient{
		getPlanFn: func(ctx context.Context, id string) (*stripe.Plan, bool, error) {
			return &stripe.Plan{ID: id}, true, nil
		},
		createSubscriptionFn: func(ctx context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
			if params.BillingCycleAnchor != nil {
				t.Fatal("immediate start must not anchor the billing cycle")
			}
			return &stripe.Subscription{ID: "sub_1", Status: stripe.SubscriptionStatusActive}, nil
		},
	}
	repo := &fakeRecurringRepo{rec: rec}

	o := newTestOrchestrator(t, billing, nil, repo, &fakeContributionRepo{}, &fakeIntentRepo{})

	_, err := o.StartSubscription(context.Background(), SubscriptionSpec{
		RecurringContributionID: 77,
		CustomerID:              "cus_1",
	})
	if err != nil {
		t.Fatalf("StartSubscription() error = %v", err)
	}

	call := repo.activateCall
	if call == nil {
		t.Fatal("recurring contribution should be activated")
	}
	if call.subscriptionRef != "sub_1" {
		t.Fatalf("subscription ref = %q", call.subscriptionRef)
	}
	if !call.next.Equal(date(2024, time.February, 15)) {
		t.Fatalf("next scheduled = %s, want 2024-02-15", call.next)
	}
	if call.cycleDay != 15 {
		t.Fatalf("cycle day = %d, want 15", call.cycleDay)
	}
	if call.end == nil || !call.end.Equal(time.Date(2024, time.June, 15, 23, 59, 59, 0, time.UTC)) {
		t.Fatalf("end date = %v, want 2024-06-15 end of day", call.end)
	}
	// No invoice yet, so the subscription id stands in.
	if call.orderRef != "sub_1" {
		t.Fatalf("order ref = %q, want sub_1", call.orderRef)
	}
}

func TestStartSubscriptionFutureStartAnchors(t *testing.T) {
	t.Parallel()

	start := date(2024, time.March, 1)
	billing := &fakeBillingClient{
		getPlanFn: func(ctx context.Context, id string) (*stripe.Plan, bool, error) {
			return &stripe.Plan{ID: id}, true, nil
		},
		createSubscriptionFn: func(ctx context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
			if params.BillingCycleAnchor == nil || *params.BillingCycleAnchor != start.Unix() {
				t.Fatalf("billing cycle anchor = %v, want %d", params.BillingCycleAnchor, start.Unix())
			}
			return &stripe.Subscription{
				ID:                 "sub_1",
				Status:             stripe.SubscriptionStatusActive,
				PendingSetupIntent: &stripe.SetupIntent{ID: "seti_9"},
			}, nil
		},
	}
	repo := &fakeRecurringRepo{rec: monthlyRecurring()}
	records := &fakeIntentRepo{}
	contributions := &fakeContributionRepo{}

	o := newTestOrchestrator(t, billing, nil, repo, contributions, records)

	result, err := o.StartSubscription(context.Background(), SubscriptionSpec{
		RecurringContributionID: 77,
		ContributionID:          101,
		CustomerID:              "cus_1",
		StartDate:               start,
	})
	if err != nil {
		t.Fatalf("StartSubscription() error = %v", err)
	}

	if !result.OK {
		t.Fatal("future-dated start should report OK")
	}
	// No invoice exists yet, so the subscription id stands in as the
	// contribution's order reference until the first one is issued.
	if contributions.orderRefs[101] != "sub_1" {
		t.Fatalf("interim order ref = %q, want sub_1", contributions.orderRefs[101])
	}
	if len(records.records) != 1 {
		t.Fatalf("intent records = %d, want 1", len(records.records))
	}
	if records.records[0].GatewayIntentID != "seti_9" {
		t.Fatalf("intent record keyed to %q, want seti_9", records.records[0].GatewayIntentID)
	}
	if records.records[0].Kind != domain.IntentKindSetup {
		t.Fatalf("intent record kind = %s, want setup", records.records[0].Kind)
	}
}

func TestStartSubscriptionIncompleteReadsAsFailure(t *testing.T) {
	t.Parallel()

	billing := &fakeBillingClient{
		getPlanFn: func(ctx context.Context, id string) (*stripe.Plan, bool, error) {
			return &stripe.Plan{ID: id}, true, nil
		},
		createSubscriptionFn: func(ctx context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
			return &stripe.Subscription{ID: "sub_1", Status: stripe.SubscriptionStatusIncomplete}, nil
		},
	}
	repo := &fakeRecurringRepo{rec: monthlyRecurring()}

	o := newTestOrchestrator(t, billing, nil, repo, &fakeContributionRepo{}, &fakeIntentRepo{})

	result, err := o.StartSubscription(context.Background(), SubscriptionSpec{
		RecurringContributionID: 77,
		CustomerID:              "cus_1",
	})
	if err != nil {
		t.Fatalf("StartSubscription() error = %v", err)
	}

	if result.OK {
		t.Fatal("incomplete subscription must not read as success")
	}
	if result.Message == "" {
		t.Fatal("failure should carry a user-facing message")
	}
	if len(repo.statuses) == 0 || repo.statuses[len(repo.statuses)-1] != domain.RecurringFailed {
		t.Fatalf("statuses = %v, want trailing Failed", repo.statuses)
	}
	if repo.activateCall != nil {
		t.Fatal("failed subscription must not activate the schedule")
	}
}

func TestStartSubscriptionReconcilesFirstInvoice(t *testing.T) {
	t.Parallel()

	billing := &fakeBillingClient{
		getPlanFn: func(ctx context.Context, id string) (*stripe.Plan, bool, error) {
			return &stripe.Plan{ID: id}, true, nil
		},
		createSubscriptionFn: func(ctx context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
			return &stripe.Subscription{
				ID:     "sub_1",
				Status: stripe.SubscriptionStatusActive,
				LatestInvoice: &stripe.Invoice{
					ID:            "in_1",
					PaymentIntent: &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusSucceeded},
				},
			}, nil
		},
	}
	recorder := &fakeRecorder{
		recordFn: func(ctx context.Context, pi *stripe.PaymentIntent, contributionID *int64) (*intent.Result, error) {
			if pi.ID != "pi_1" {
				t.Fatalf("intent id = %q, want pi_1", pi.ID)
			}
			if contributionID == nil || *contributionID != 101 {
				t.Fatalf("contribution id = %v, want 101", contributionID)
			}
			return &intent.Result{
				OK:        true,
				Status:    domain.IntentSucceeded,
				IntentID:  pi.ID,
				TrxnID:    "ch_1",
				FeeAmount: decimal.RequireFromString("0.88"),
			}, nil
		},
	}
	repo := &fakeRecurringRepo{rec: monthlyRecurring()}
	contributions := &fakeContributionRepo{}

	o := newTestOrchestrator(t, billing, recorder, repo, contributions, &fakeIntentRepo{})

	result, err := o.StartSubscription(context.Background(), SubscriptionSpec{
		RecurringContributionID: 77,
		ContributionID:          101,
		CustomerID:              "cus_1",
	})
	if err != nil {
		t.Fatalf("StartSubscription() error = %v", err)
	}

	if !result.OK {
		t.Fatal("reconciled first invoice should be OK")
	}
	if contributions.orderRefs[101] != "in_1" {
		t.Fatalf("order ref = %q, want in_1", contributions.orderRefs[101])
	}
	if contributions.completed[101] != "ch_1" {
		t.Fatalf("completed trxn = %q, want ch_1", contributions.completed[101])
	}
	if repo.activateCall == nil || repo.activateCall.orderRef != "in_1" {
		t.Fatalf("activate order ref = %+v, want in_1", repo.activateCall)
	}
}

func TestStartSubscriptionMissingParameters(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, &fakeBillingClient{}, nil, &fakeRecurringRepo{}, &fakeContributionRepo{}, &fakeIntentRepo{})

	_, err := o.StartSubscription(context.Background(), SubscriptionSpec{})
	if !errors.Is(err, domain.ErrMissingParameter) {
		t.Fatalf("error = %v, want ErrMissingParameter", err)
	}

	rec := monthlyRecurring()
	rec.Amount = decimal.Zero
	o = newTestOrchestrator(t, &fakeBillingClient{}, nil, &fakeRecurringRepo{rec: rec}, &fakeContributionRepo{}, &fakeIntentRepo{})

	_, err = o.StartSubscription(context.Background(), SubscriptionSpec{RecurringContributionID: 77})
	if !errors.Is(err, domain.ErrMissingParameter) {
		t.Fatalf("error = %v, want ErrMissingParameter", err)
	}
}

func TestCancelSubscription(t *testing.T) {
	t.Parallel()

	subRef := "sub_1"
	rec := monthlyRecurring()
	rec.SubscriptionReference = &subRef

	cancelled := false
	billing := &fakeBillingClient{
		cancelSubscriptionFn: func(ctx context.Context, id string) (*stripe.Subscription, error) {
			cancelled = true
			return &stripe.Subscription{ID: id, Status: stripe.SubscriptionStatusCanceled}, nil
		},
	}
	repo := &fakeRecurringRepo{rec: rec}

	o := newTestOrchestrator(t, billing, nil, repo, &fakeContributionRepo{}, &fakeIntentRepo{})

	if err := o.CancelSubscription(context.Background(), 77); err != nil {
		t.Fatalf("CancelSubscription() error = %v", err)
	}
	if !cancelled {
		t.Fatal("gateway subscription should be cancelled")
	}
	if !repo.cancelled {
		t.Fatal("ledger schedule should be cancelled")
	}
}

func TestCancelSubscriptionGoneAtGateway(t *testing.T) {
	t.Parallel()

	subRef := "sub_gone"
	rec := monthlyRecurring()
	rec.SubscriptionReference = &subRef

	billing := &fakeBillingClient{
		cancelSubscriptionFn: func(ctx context.Context, id string) (*stripe.Subscription, error) {
			return nil, gateway.Classify(&stripe.Error{
				Type:           stripe.ErrorTypeInvalidRequest,
				Code:           stripe.ErrorCodeResourceMissing,
				HTTPStatusCode: 404,
			})
		},
	}
	repo := &fakeRecurringRepo{rec: rec}

	o := newTestOrchestrator(t, billing, nil, repo, &fakeContributionRepo{}, &fakeIntentRepo{})

	if err := o.CancelSubscription(context.Background(), 77); err != nil {
		t.Fatalf("CancelSubscription() error = %v", err)
	}
	if !repo.cancelled {
		t.Fatal("ledger schedule should still be cancelled")
	}
}
