package webhook

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v74"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
)

func strPtr(s string) *string { return &s }

func int64Ptr(v int64) *int64 { return &v }

func withFee(f *routerFixture, fee int64) {
	f.router.charges = &fakeChargeClient{
		getChargeFn: func(ctx context.Context, id string, params *stripe.ChargeParams) (*stripe.Charge, error) {
			return &stripe.Charge{
				ID:       id,
				Currency: stripe.CurrencyUSD,
				BalanceTransaction: &stripe.BalanceTransaction{
					Fee:      fee,
					Currency: stripe.CurrencyUSD,
				},
			}, nil
		},
	}
}

func activeRecurring(id int64, subscriptionRef string) *domain.RecurringContribution {
	ref := subscriptionRef
	return &domain.RecurringContribution{
		ID:                    id,
		ContactID:             42,
		Amount:                decimal.RequireFromString("25"),
		Currency:              "USD",
		FrequencyUnit:         domain.FrequencyMonth,
		FrequencyInterval:     1,
		Status:                domain.RecurringInProgress,
		SubscriptionReference: &ref,
	}
}

func TestInvoicePaymentSucceededCompletesPending(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, "whsec_x")
	f.recurring = newMemRecurringRepo(activeRecurring(9, "sub_1"))
	f.recurring.rows[9].FailureCount = 2
	f.router.recurring = f.recurring
	f.contributions = newMemContributionRepo(&domain.Contribution{
		ID:                      1,
		ContactID:               42,
		RecurringContributionID: int64Ptr(9),
		Status:                  domain.ContributionPending,
		TotalAmount:             decimal.RequireFromString("25"),
		Currency:                "USD",
		OrderReference:          strPtr("sub_1"),
	})
	f.router.contributions = f.contributions
	withFee(f, 103)

	event := newEvent(t, "evt_10", "invoice.payment_succeeded", map[string]any{
		"id":           "in_2",
		"amount_paid":  2500,
		"currency":     "usd",
		"created":      1700000000,
		"charge":       "ch_9",
		"subscription": "sub_1",
	})

	outcome, err := f.router.Handle(context.Background(), event, true)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if outcome != domain.OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", outcome)
	}

	c := f.contributions.rows[1]
	if c.Status != domain.ContributionCompleted {
		t.Fatalf("contribution status = %s, want completed", c.Status)
	}
	if c.TrxnID == nil || *c.TrxnID != "ch_9" {
		t.Fatalf("contribution TrxnID = %v, want ch_9", c.TrxnID)
	}
	if got := c.FeeAmount.String(); got != "1.03" {
		t.Fatalf("contribution fee = %s, want 1.03", got)
	}
	if c.OrderReference == nil || *c.OrderReference != "in_2" {
		t.Fatalf("contribution order reference = %v, want in_2", c.OrderReference)
	}

	rec := f.recurring.rows[9]
	if rec.FailureCount != 0 {
		t.Fatalf("failure count = %d, want 0", rec.FailureCount)
	}
	if rec.Status != domain.RecurringInProgress {
		t.Fatalf("recurring status = %s, want in progress", rec.Status)
	}
	if rec.LatestOrderReference == nil || *rec.LatestOrderReference != "in_2" {
		t.Fatalf("latest order reference = %v, want in_2", rec.LatestOrderReference)
	}
}

func TestInvoicePaymentSucceededOpensNextCycle(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, "whsec_x")
	f.recurring = newMemRecurringRepo(activeRecurring(9, "sub_1"))
	f.router.recurring = f.recurring
	f.contributions = newMemContributionRepo(&domain.Contribution{
		ID:                      1,
		ContactID:               42,
		RecurringContributionID: int64Ptr(9),
		Status:                  domain.ContributionCompleted,
		TotalAmount:             decimal.RequireFromString("25"),
		Currency:                "USD",
		TrxnID:                  strPtr("ch_1"),
		OrderReference:          strPtr("in_1"),
	})
	f.router.contributions = f.contributions
	withFee(f, 117)

	event := newEvent(t, "evt_11", "invoice.payment_succeeded", map[string]any{
		"id":           "in_2",
		"amount_paid":  3000,
		"currency":     "usd",
		"created":      1702600000,
		"charge":       "ch_2",
		"subscription": "sub_1",
	})

	outcome, err := f.router.Handle(context.Background(), event, true)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if outcome != domain.OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", outcome)
	}

	next := f.contributions.rows[2]
	if next == nil {
		t.Fatal("second billing cycle must open a new contribution")
	}
	if next.Status != domain.ContributionCompleted {
		t.Fatalf("new contribution status = %s, want completed", next.Status)
	}
	if next.OriginalContributionID == nil || *next.OriginalContributionID != 1 {
		t.Fatalf("OriginalContributionID = %v, want 1", next.OriginalContributionID)
	}
	if got := next.TotalAmount.String(); got != "30" {
		t.Fatalf("new contribution amount = %s, want 30", got)
	}
	if next.TrxnID == nil || *next.TrxnID != "ch_2" {
		t.Fatalf("new contribution TrxnID = %v, want ch_2", next.TrxnID)
	}
	if next.OrderReference == nil || *next.OrderReference != "in_2" {
		t.Fatalf("new contribution order reference = %v, want in_2", next.OrderReference)
	}
	if got := next.FeeAmount.String(); got != "1.17" {
		t.Fatalf("new contribution fee = %s, want 1.17", got)
	}

	if len(f.contributions.payments) != 1 || f.contributions.payments[0].TrxnID != "ch_2" {
		t.Fatalf("payments = %+v, want one row for ch_2", f.contributions.payments)
	}

	// The prior cycle's row stays untouched.
	if got := f.contributions.rows[1].TotalAmount.String(); got != "25" {
		t.Fatalf("original contribution amount = %s, want 25", got)
	}
}

func TestRepeatContributionChainsToLatestPrior(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, "whsec_x")
	f.recurring = newMemRecurringRepo(activeRecurring(9, "sub_1"))
	f.router.recurring = f.recurring
	f.contributions = newMemContributionRepo(
		&domain.Contribution{
			ID:                      1,
			ContactID:               42,
			RecurringContributionID: int64Ptr(9),
			Status:                  domain.ContributionCompleted,
			TotalAmount:             decimal.RequireFromString("25"),
			Currency:                "USD",
			TrxnID:                  strPtr("ch_1"),
			OrderReference:          strPtr("in_1"),
		},
		&domain.Contribution{
			ID:                      2,
			ContactID:               42,
			RecurringContributionID: int64Ptr(9),
			OriginalContributionID:  int64Ptr(1),
			Status:                  domain.ContributionCompleted,
			TotalAmount:             decimal.RequireFromString("25"),
			Currency:                "USD",
			TrxnID:                  strPtr("ch_2"),
			OrderReference:          strPtr("in_2"),
		},
	)
	f.router.contributions = f.contributions
	withFee(f, 100)

	event := newEvent(t, "evt_28", "invoice.payment_succeeded", map[string]any{
		"id":           "in_3",
		"amount_paid":  2500,
		"currency":     "usd",
		"created":      1705200000,
		"charge":       "ch_3",
		"subscription": "sub_1",
	})

	outcome, err := f.router.Handle(context.Background(), event, true)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if outcome != domain.OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", outcome)
	}

	// The third cycle chains to the second row, not the series head.
	next := f.contributions.rows[3]
	if next == nil {
		t.Fatal("third billing cycle must open a new contribution")
	}
	if next.OriginalContributionID == nil || *next.OriginalContributionID != 2 {
		t.Fatalf("OriginalContributionID = %v, want 2", next.OriginalContributionID)
	}
	if next.TrxnID == nil || *next.TrxnID != "ch_3" {
		t.Fatalf("TrxnID = %v, want ch_3", next.TrxnID)
	}
	if next.OrderReference == nil || *next.OrderReference != "in_3" {
		t.Fatalf("order reference = %v, want in_3", next.OrderReference)
	}
}

func TestInvoicePaymentSucceededSameChargeSkips(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, "whsec_x")
	f.contributions = newMemContributionRepo(&domain.Contribution{
		ID:          1,
		ContactID:   42,
		Status:      domain.ContributionCompleted,
		TotalAmount: decimal.RequireFromString("25"),
		Currency:    "USD",
		TrxnID:      strPtr("ch_1"),
	})
	f.router.contributions = f.contributions

	event := newEvent(t, "evt_12", "invoice.payment_succeeded", map[string]any{
		"id":          "in_1",
		"amount_paid": 2500,
		"currency":    "usd",
		"charge":      "ch_1",
	})

	outcome, err := f.router.Handle(context.Background(), event, true)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if outcome != domain.OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", outcome)
	}
	if f.events.rows[0].Reason != "charge already applied" {
		t.Fatalf("reason = %q", f.events.rows[0].Reason)
	}
	if len(f.contributions.rows) != 1 {
		t.Fatalf("contribution rows = %d, want 1", len(f.contributions.rows))
	}
}

func TestInvoicePaymentFailedMarksAndCounts(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, "whsec_x")
	f.recurring = newMemRecurringRepo(activeRecurring(9, "sub_1"))
	f.router.recurring = f.recurring
	f.contributions = newMemContributionRepo(&domain.Contribution{
		ID:                      1,
		ContactID:               42,
		RecurringContributionID: int64Ptr(9),
		Status:                  domain.ContributionPending,
		TotalAmount:             decimal.RequireFromString("25"),
		Currency:                "USD",
		OrderReference:          strPtr("sub_1"),
	})
	f.router.contributions = f.contributions

	event := newEvent(t, "evt_13", "invoice.payment_failed", map[string]any{
		"id":           "in_2",
		"amount_due":   2500,
		"currency":     "usd",
		"subscription": "sub_1",
	})

	outcome, err := f.router.Handle(context.Background(), event, true)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if outcome != domain.OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", outcome)
	}
	if f.contributions.rows[1].Status != domain.ContributionFailed {
		t.Fatalf("contribution status = %s, want failed", f.contributions.rows[1].Status)
	}
	if f.recurring.rows[9].FailureCount != 1 {
		t.Fatalf("failure count = %d, want 1", f.recurring.rows[9].FailureCount)
	}
	if f.recurring.rows[9].Status != domain.RecurringFailed {
		t.Fatalf("recurring status = %s, want failed", f.recurring.rows[9].Status)
	}
}

func TestInvoicePaymentFailedRepeatsTerminalCycle(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, "whsec_x")
	f.recurring = newMemRecurringRepo(activeRecurring(9, "sub_1"))
	f.router.recurring = f.recurring
	f.contributions = newMemContributionRepo(&domain.Contribution{
		ID:                      1,
		ContactID:               42,
		RecurringContributionID: int64Ptr(9),
		Status:                  domain.ContributionCompleted,
		TotalAmount:             decimal.RequireFromString("25"),
		Currency:                "USD",
		TrxnID:                  strPtr("ch_1"),
		OrderReference:          strPtr("in_1"),
	})
	f.router.contributions = f.contributions

	event := newEvent(t, "evt_14", "invoice.payment_failed", map[string]any{
		"id":           "in_2",
		"amount_due":   2500,
		"currency":     "usd",
		"subscription": "sub_1",
	})

	outcome, err := f.router.Handle(context.Background(), event, true)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if outcome != domain.OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", outcome)
	}

	next := f.contributions.rows[2]
	if next == nil || next.Status != domain.ContributionFailed {
		t.Fatalf("new cycle contribution = %+v, want failed row", next)
	}
	if next.OriginalContributionID == nil || *next.OriginalContributionID != 1 {
		t.Fatalf("OriginalContributionID = %v, want 1", next.OriginalContributionID)
	}
	if len(f.contributions.payments) != 0 {
		t.Fatal("failed cycle must not record a payment")
	}
}

func TestInvoiceFinalizedSwapsOrderReference(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, "whsec_x")
	f.recurring = newMemRecurringRepo(activeRecurring(9, "sub_1"))
	f.router.recurring = f.recurring
	f.contributions = newMemContributionRepo(&domain.Contribution{
		ID:                      1,
		ContactID:               42,
		RecurringContributionID: int64Ptr(9),
		Status:                  domain.ContributionPending,
		TotalAmount:             decimal.RequireFromString("25"),
		Currency:                "USD",
		OrderReference:          strPtr("sub_1"),
	})
	f.router.contributions = f.contributions

	event := newEvent(t, "evt_15", "invoice.finalized", map[string]any{
		"id":           "in_5",
		"amount_due":   2500,
		"currency":     "usd",
		"subscription": "sub_1",
	})

	outcome, err := f.router.Handle(context.Background(), event, true)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if outcome != domain.OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", outcome)
	}
	if got := *f.contributions.rows[1].OrderReference; got != "in_5" {
		t.Fatalf("order reference = %s, want in_5", got)
	}
	if got := *f.recurring.rows[9].LatestOrderReference; got != "in_5" {
		t.Fatalf("latest order reference = %s, want in_5", got)
	}

	// Redelivered finalization has nothing left to swap.
	again := newEvent(t, "evt_16", "invoice.finalized", map[string]any{
		"id":           "in_5",
		"amount_due":   2500,
		"currency":     "usd",
		"subscription": "sub_1",
	})
	outcome, err = f.router.Handle(context.Background(), again, true)
	if err != nil {
		t.Fatalf("Handle() second delivery error = %v", err)
	}
	if outcome != domain.OutcomeSkipped {
		t.Fatalf("second delivery outcome = %s, want skipped", outcome)
	}
}

func TestChargeFailedAnnotatesKnownCharge(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, "whsec_x")
	f.contributions = newMemContributionRepo(&domain.Contribution{
		ID:          1,
		ContactID:   42,
		Status:      domain.ContributionCompleted,
		TotalAmount: decimal.RequireFromString("25"),
		Currency:    "USD",
		TrxnID:      strPtr("ch_7"),
	})
	f.router.contributions = f.contributions

	event := newEvent(t, "evt_17", "charge.failed", map[string]any{
		"id":       "ch_7",
		"amount":   2500,
		"currency": "usd",
	})

	outcome, err := f.router.Handle(context.Background(), event, true)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if outcome != domain.OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", outcome)
	}
	if f.contributions.rows[1].Note != "charge ch_7 failed" {
		t.Fatalf("note = %q", f.contributions.rows[1].Note)
	}
}

func TestChargeRefundedUncapturedSkips(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, "whsec_x")
	event := newEvent(t, "evt_18", "charge.refunded", map[string]any{
		"id":       "ch_1",
		"amount":   2500,
		"currency": "usd",
		"captured": false,
	})

	outcome, err := f.router.Handle(context.Background(), event, true)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if outcome != domain.OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", outcome)
	}
	if f.locker.acquired != 0 {
		t.Fatal("uncaptured refund must not take the contribution lock")
	}
}

func TestChargeRefundedRecordsNegativePayment(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, "whsec_x")
	f.contributions = newMemContributionRepo(&domain.Contribution{
		ID:             1,
		ContactID:      42,
		Status:         domain.ContributionCompleted,
		TotalAmount:    decimal.RequireFromString("25"),
		Currency:       "USD",
		TrxnID:         strPtr("ch_1"),
		OrderReference: strPtr("in_1"),
	})
	f.contributions.payments = []*domain.Payment{{
		ID:             1,
		ContributionID: 1,
		TrxnID:         "ch_1",
		Amount:         decimal.RequireFromString("25"),
		Currency:       "USD",
	}}
	f.router.contributions = f.contributions

	event := newEvent(t, "evt_19", "charge.refunded", map[string]any{
		"id":              "ch_1",
		"amount":          2500,
		"amount_refunded": 2500,
		"currency":        "usd",
		"captured":        true,
		"refunds": map[string]any{
			"data": []map[string]any{{"id": "re_1", "amount": 2500}},
		},
	})

	outcome, err := f.router.Handle(context.Background(), event, true)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if outcome != domain.OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", outcome)
	}

	if len(f.contributions.payments) != 2 {
		t.Fatalf("payments = %d, want 2", len(f.contributions.payments))
	}
	refund := f.contributions.payments[1]
	if refund.TrxnID != "re_1" || !refund.IsRefund {
		t.Fatalf("refund payment = %+v", refund)
	}
	if got := refund.Amount.String(); got != "-25" {
		t.Fatalf("refund amount = %s, want -25", got)
	}
	if refund.CancelledPaymentID == nil || *refund.CancelledPaymentID != 1 {
		t.Fatalf("CancelledPaymentID = %v, want 1", refund.CancelledPaymentID)
	}
	if refund.OrderReference == nil || *refund.OrderReference != "in_1" {
		t.Fatalf("refund order reference = %v, want in_1", refund.OrderReference)
	}

	if f.contributions.rows[1].Status != domain.ContributionRefunded {
		t.Fatalf("contribution status = %s, want refunded", f.contributions.rows[1].Status)
	}
	if f.locker.acquired != 1 || f.locker.released != 1 {
		t.Fatalf("lock acquired/released = %d/%d, want 1/1", f.locker.acquired, f.locker.released)
	}

	// Redelivery finds the refund row and applies nothing.
	again := newEvent(t, "evt_20", "charge.refunded", map[string]any{
		"id":              "ch_1",
		"amount":          2500,
		"amount_refunded": 2500,
		"currency":        "usd",
		"captured":        true,
		"refunds": map[string]any{
			"data": []map[string]any{{"id": "re_1", "amount": 2500}},
		},
	})
	outcome, err = f.router.Handle(context.Background(), again, true)
	if err != nil {
		t.Fatalf("Handle() redelivery error = %v", err)
	}
	if outcome != domain.OutcomeSkipped {
		t.Fatalf("redelivery outcome = %s, want skipped", outcome)
	}
	if len(f.contributions.payments) != 2 {
		t.Fatalf("redelivery grew payments to %d", len(f.contributions.payments))
	}
}

func TestChargeRefundedPartialKeepsStatus(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, "whsec_x")
	f.contributions = newMemContributionRepo(&domain.Contribution{
		ID:          1,
		ContactID:   42,
		Status:      domain.ContributionCompleted,
		TotalAmount: decimal.RequireFromString("25"),
		Currency:    "USD",
		TrxnID:      strPtr("ch_1"),
	})
	f.router.contributions = f.contributions

	event := newEvent(t, "evt_21", "charge.refunded", map[string]any{
		"id":              "ch_1",
		"amount":          2500,
		"amount_refunded": 1000,
		"currency":        "usd",
		"captured":        true,
		"refunds": map[string]any{
			"data": []map[string]any{{"id": "re_2", "amount": 1000}},
		},
	})

	outcome, err := f.router.Handle(context.Background(), event, true)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if outcome != domain.OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", outcome)
	}
	if got := f.contributions.payments[0].Amount.String(); got != "-10" {
		t.Fatalf("refund amount = %s, want -10", got)
	}
	if f.contributions.rows[1].Status != domain.ContributionCompleted {
		t.Fatalf("partial refund changed status to %s", f.contributions.rows[1].Status)
	}
}

func TestChargeSucceededCompletesPending(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, "whsec_x")
	f.contributions = newMemContributionRepo(&domain.Contribution{
		ID:          1,
		ContactID:   42,
		Status:      domain.ContributionPending,
		TotalAmount: decimal.RequireFromString("25"),
		Currency:    "USD",
		TrxnID:      strPtr("ch_3"),
	})
	f.router.contributions = f.contributions
	withFee(f, 88)

	event := newEvent(t, "evt_22", "charge.succeeded", map[string]any{
		"id":       "ch_3",
		"amount":   2500,
		"currency": "usd",
		"captured": true,
		"created":  1700000000,
	})

	outcome, err := f.router.Handle(context.Background(), event, true)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if outcome != domain.OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", outcome)
	}
	c := f.contributions.rows[1]
	if c.Status != domain.ContributionCompleted {
		t.Fatalf("status = %s, want completed", c.Status)
	}
	if got := c.FeeAmount.String(); got != "0.88" {
		t.Fatalf("fee = %s, want 0.88", got)
	}

	// A terminal row is not completable again.
	again := newEvent(t, "evt_23", "charge.succeeded", map[string]any{
		"id":       "ch_3",
		"amount":   2500,
		"currency": "usd",
		"captured": true,
	})
	outcome, err = f.router.Handle(context.Background(), again, true)
	if err != nil {
		t.Fatalf("Handle() redelivery error = %v", err)
	}
	if outcome != domain.OutcomeSkipped {
		t.Fatalf("redelivery outcome = %s, want skipped", outcome)
	}
}

func TestSubscriptionUpdatedPropagatesPlanChange(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, "whsec_x")
	f.recurring = newMemRecurringRepo(activeRecurring(9, "sub_1"))
	f.router.recurring = f.recurring
	f.contributions = newMemContributionRepo(&domain.Contribution{
		ID:                      1,
		ContactID:               42,
		RecurringContributionID: int64Ptr(9),
		Status:                  domain.ContributionPending,
		TotalAmount:             decimal.RequireFromString("25"),
		Currency:                "USD",
		OrderReference:          strPtr("sub_1"),
	})
	f.router.contributions = f.contributions

	event := newEvent(t, "evt_24", "customer.subscription.updated", map[string]any{
		"id": "sub_1",
		"plan": map[string]any{
			"id":             "plan_new",
			"amount":         5000,
			"currency":       "usd",
			"interval":       "month",
			"interval_count": 1,
		},
	})
	event.Data.PreviousAttributes = map[string]any{
		"plan": map[string]any{"id": "plan_old"},
	}

	outcome, err := f.router.Handle(context.Background(), event, true)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if outcome != domain.OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", outcome)
	}

	rec := f.recurring.rows[9]
	if got := rec.Amount.String(); got != "50" {
		t.Fatalf("recurring amount = %s, want 50", got)
	}
	if rec.FrequencyUnit != domain.FrequencyMonth || rec.FrequencyInterval != 1 {
		t.Fatalf("billing terms = %s/%d", rec.FrequencyUnit, rec.FrequencyInterval)
	}
	if got := f.contributions.rows[1].TotalAmount.String(); got != "50" {
		t.Fatalf("open contribution amount = %s, want 50", got)
	}
}

func TestSubscriptionUpdatedWithoutPlanChangeSkips(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, "whsec_x")
	f.recurring = newMemRecurringRepo(activeRecurring(9, "sub_1"))
	f.router.recurring = f.recurring

	event := newEvent(t, "evt_25", "customer.subscription.updated", map[string]any{
		"id": "sub_1",
		"plan": map[string]any{
			"id":       "plan_a",
			"amount":   2500,
			"currency": "usd",
			"interval": "month",
		},
	})

	outcome, err := f.router.Handle(context.Background(), event, true)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if outcome != domain.OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", outcome)
	}
	if got := f.recurring.rows[9].Amount.String(); got != "25" {
		t.Fatalf("recurring amount changed to %s", got)
	}
}

func TestSubscriptionDeletedCancelsSchedule(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, "whsec_x")
	f.recurring = newMemRecurringRepo(activeRecurring(9, "sub_1"))
	f.router.recurring = f.recurring

	event := newEvent(t, "evt_26", "customer.subscription.deleted", map[string]any{
		"id": "sub_1",
		"plan": map[string]any{
			"amount":   2500,
			"currency": "usd",
			"interval": "month",
		},
	})

	outcome, err := f.router.Handle(context.Background(), event, true)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if outcome != domain.OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", outcome)
	}
	if f.recurring.rows[9].Status != domain.RecurringCancelled {
		t.Fatalf("recurring status = %s, want cancelled", f.recurring.rows[9].Status)
	}
}

func TestUnmatchedEventInvokesHook(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, "whsec_x")
	event := newEvent(t, "evt_27", "invoice.payment_succeeded", map[string]any{
		"id":          "in_99",
		"amount_paid": 2500,
		"currency":    "usd",
		"charge":      "ch_99",
	})

	outcome, err := f.router.Handle(context.Background(), event, true)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if outcome != domain.OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", outcome)
	}
	if *f.unmatched != 1 {
		t.Fatalf("unmatched hook calls = %d, want 1", *f.unmatched)
	}
	if f.events.rows[0].Reason != "no matching contribution" {
		t.Fatalf("reason = %q", f.events.rows[0].Reason)
	}
}
