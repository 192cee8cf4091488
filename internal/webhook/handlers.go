package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v74"
	"go.uber.org/zap"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
	"github.com/victorian-socialists/civicrm-stripe/internal/observability"
	"github.com/victorian-socialists/civicrm-stripe/internal/reconcile"
)

// chargeFee retrieves the charge's balance transaction and computes the
// ledger fee in the charge currency. A zero fee is returned when the lookup
// fails; the amount columns stay authoritative.
func (r *Router) chargeFee(ctx context.Context, chargeID string) decimal.Decimal {
	if chargeID == "" {
		return decimal.Zero
	}

	params := &stripe.ChargeParams{}
	params.AddExpand("balance_transaction")
	ch, err := r.charges.GetCharge(ctx, chargeID, params)
	if err != nil {
		observability.WithContextLogger(r.logger, ctx).Warn("failed to retrieve charge for fee",
			zap.String("chargeId", chargeID),
			zap.Error(err),
		)
		return decimal.Zero
	}
	bt := ch.BalanceTransaction
	if bt == nil {
		return decimal.Zero
	}
	return reconcile.FeeAmount(bt.Fee, bt.ExchangeRate, string(ch.Currency), string(bt.Currency))
}

func (r *Router) handleInvoicePaymentSucceeded(ctx context.Context, ec *EventContext) (domain.WebhookOutcome, string, error) {
	c, err := r.matchContribution(ctx, ec)
	if errors.Is(err, domain.ErrUnmatchedContribution) {
		return r.reportUnmatched(ctx, ec)
	}
	if err != nil {
		return domain.OutcomeError, "", err
	}

	rec, err := r.recurringFor(ctx, ec, c)
	if err != nil {
		return domain.OutcomeError, "", err
	}

	switch {
	case !c.Status.IsTerminal():
		fee := r.chargeFee(ctx, ec.ChargeID)
		if err := r.contributions.Complete(ctx, c.ID, ec.ChargeID, fee, ec.ReceiveDate); err != nil {
			if !errors.Is(err, domain.ErrConflict) {
				return domain.OutcomeError, "", err
			}
		}
		if err := r.contributions.SetOrderReference(ctx, c.ID, ec.InvoiceID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return domain.OutcomeError, "", err
		}

	case c.TrxnID == nil || *c.TrxnID != ec.ChargeID:
		// A charge the ledger has not seen on this row means a
		// subsequent billing cycle.
		if _, err := r.repeatContribution(ctx, c, rec, ec, domain.ContributionCompleted); err != nil {
			return domain.OutcomeError, "", err
		}

	default:
		return domain.OutcomeSkipped, "charge already applied", nil
	}

	if rec != nil {
		if err := r.recurring.ResetFailureCount(ctx, rec.ID); err != nil {
			return domain.OutcomeError, "", err
		}
		if err := r.recurring.SetStatus(ctx, rec.ID, domain.RecurringInProgress); err != nil {
			return domain.OutcomeError, "", err
		}
		if ec.InvoiceID != "" {
			if err := r.recurring.SetLatestOrderReference(ctx, rec.ID, ec.InvoiceID); err != nil {
				return domain.OutcomeError, "", err
			}
		}
	}

	return domain.OutcomeApplied, "", nil
}

func (r *Router) handleInvoicePaymentFailed(ctx context.Context, ec *EventContext) (domain.WebhookOutcome, string, error) {
	c, err := r.matchContribution(ctx, ec)
	if errors.Is(err, domain.ErrUnmatchedContribution) {
		return r.reportUnmatched(ctx, ec)
	}
	if err != nil {
		return domain.OutcomeError, "", err
	}

	rec, err := r.recurringFor(ctx, ec, c)
	if err != nil {
		return domain.OutcomeError, "", err
	}

	if c.Status == domain.ContributionPending || c.Status == domain.ContributionInProgress {
		if err := r.contributions.MarkFailed(ctx, c.ID, "invoice payment failed"); err != nil {
			return domain.OutcomeError, "", err
		}
	} else {
		if _, err := r.repeatContribution(ctx, c, rec, ec, domain.ContributionFailed); err != nil {
			return domain.OutcomeError, "", err
		}
	}

	if rec != nil {
		if err := r.recurring.IncrementFailureCount(ctx, rec.ID); err != nil {
			return domain.OutcomeError, "", err
		}
		if err := r.recurring.SetStatus(ctx, rec.ID, domain.RecurringFailed); err != nil {
			return domain.OutcomeError, "", err
		}
	}

	return domain.OutcomeApplied, "", nil
}

// handleInvoiceFinalized replaces the interim subscription reference with
// the issued invoice's id.
func (r *Router) handleInvoiceFinalized(ctx context.Context, ec *EventContext) (domain.WebhookOutcome, string, error) {
	c, err := r.matchContribution(ctx, ec)
	if errors.Is(err, domain.ErrUnmatchedContribution) {
		return r.reportUnmatched(ctx, ec)
	}
	if err != nil {
		return domain.OutcomeError, "", err
	}

	if c.OrderReference != nil && *c.OrderReference == ec.InvoiceID {
		return domain.OutcomeSkipped, "order reference already current", nil
	}

	if err := r.contributions.SetOrderReference(ctx, c.ID, ec.InvoiceID); err != nil {
		return domain.OutcomeError, "", err
	}

	rec, err := r.recurringFor(ctx, ec, c)
	if err != nil {
		return domain.OutcomeError, "", err
	}
	if rec != nil {
		if err := r.recurring.SetLatestOrderReference(ctx, rec.ID, ec.InvoiceID); err != nil {
			return domain.OutcomeError, "", err
		}
	}

	return domain.OutcomeApplied, "", nil
}

// handleChargeFailed records the failure on an already-known contribution.
// A charge the ledger has never seen has nothing to record against yet; the
// intent path owns that failure.
func (r *Router) handleChargeFailed(ctx context.Context, ec *EventContext) (domain.WebhookOutcome, string, error) {
	c, err := r.contributions.FindByTrxnID(ctx, ec.ChargeID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.OutcomeSkipped, "charge not known to ledger", nil
	}
	if err != nil {
		return domain.OutcomeError, "", err
	}

	if err := r.contributions.AddNote(ctx, c.ID, fmt.Sprintf("charge %s failed", ec.ChargeID)); err != nil {
		return domain.OutcomeError, "", err
	}
	return domain.OutcomeApplied, "", nil
}

func (r *Router) handleChargeRefunded(ctx context.Context, ec *EventContext) (domain.WebhookOutcome, string, error) {
	// Refund events on an uncaptured charge fire when an intent is
	// cancelled; no money moved.
	if !ec.Captured {
		return domain.OutcomeSkipped, "refund of uncaptured charge", nil
	}
	if ec.RefundID == "" {
		return domain.OutcomeError, "", fmt.Errorf("charge.refunded event carries no refund")
	}

	c, err := r.matchContribution(ctx, ec)
	if errors.Is(err, domain.ErrUnmatchedContribution) {
		return r.reportUnmatched(ctx, ec)
	}
	if err != nil {
		return domain.OutcomeError, "", err
	}

	// Refunds race with other transitions on the same row; serialize.
	release, err := r.locker.Acquire(ctx, c.ID)
	if err != nil {
		return domain.OutcomeError, "", fmt.Errorf("failed to lock contribution %d: %w", c.ID, err)
	}
	defer release()

	if _, err := r.contributions.FindPaymentByTrxnID(ctx, ec.RefundID); err == nil {
		return domain.OutcomeSkipped, "refund already applied", nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.OutcomeError, "", err
	}

	var cancelledPaymentID *int64
	payments, err := r.contributions.ListPayments(ctx, c.ID)
	if err != nil {
		return domain.OutcomeError, "", err
	}
	for i := range payments {
		if payments[i].TrxnID == ec.ChargeID && !payments[i].IsRefund {
			cancelledPaymentID = &payments[i].ID
			break
		}
	}

	refund := &domain.Payment{
		ContributionID:     c.ID,
		TrxnID:             ec.RefundID,
		OrderReference:     c.OrderReference,
		Amount:             ec.RefundAmount.Neg(),
		Currency:           ec.Currency,
		IsRefund:           true,
		CancelledPaymentID: cancelledPaymentID,
	}
	if err := r.contributions.CreatePayment(ctx, refund); err != nil {
		return domain.OutcomeError, "", err
	}

	if ec.AmountRefunded.GreaterThanOrEqual(c.TotalAmount) {
		if err := r.contributions.SetStatus(ctx, c.ID, domain.ContributionRefunded); err != nil {
			return domain.OutcomeError, "", err
		}
	}

	return domain.OutcomeApplied, "", nil
}

func (r *Router) handleChargeCompleted(ctx context.Context, ec *EventContext) (domain.WebhookOutcome, string, error) {
	c, err := r.matchContribution(ctx, ec)
	if errors.Is(err, domain.ErrUnmatchedContribution) {
		return r.reportUnmatched(ctx, ec)
	}
	if err != nil {
		return domain.OutcomeError, "", err
	}

	if c.Status != domain.ContributionPending && c.Status != domain.ContributionInProgress {
		return domain.OutcomeSkipped, "contribution not completable", nil
	}

	fee := r.chargeFee(ctx, ec.ChargeID)
	if err := r.contributions.Complete(ctx, c.ID, ec.ChargeID, fee, ec.ReceiveDate); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.OutcomeSkipped, "lost completion race", nil
		}
		return domain.OutcomeError, "", err
	}
	return domain.OutcomeApplied, "", nil
}

func (r *Router) handleSubscriptionUpdated(ctx context.Context, ec *EventContext) (domain.WebhookOutcome, string, error) {
	if ec.PreviousPlanID == "" || ec.PreviousPlanID == ec.PlanID {
		return domain.OutcomeSkipped, "plan unchanged", nil
	}

	rec, err := r.recurring.FindBySubscriptionReference(ctx, ec.SubscriptionID)
	if errors.Is(err, domain.ErrNotFound) {
		return r.reportUnmatched(ctx, ec)
	}
	if err != nil {
		return domain.OutcomeError, "", err
	}

	unit := ec.PlanInterval
	if !unit.IsValid() {
		return domain.OutcomeError, "", fmt.Errorf("plan interval %q is not a billing unit", ec.PlanInterval)
	}
	interval := ec.PlanIntervalCount
	if interval < 1 {
		interval = 1
	}

	if err := r.recurring.UpdateBilling(ctx, rec.ID, ec.PlanAmount, ec.Currency, unit, interval); err != nil {
		return domain.OutcomeError, "", err
	}

	current, err := r.contributions.LatestForRecurring(ctx, rec.ID)
	if err == nil && !current.Status.IsTerminal() {
		if err := r.contributions.UpdateAmount(ctx, current.ID, ec.PlanAmount, ec.Currency); err != nil {
			return domain.OutcomeError, "", err
		}
	} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.OutcomeError, "", err
	}

	return domain.OutcomeApplied, "", nil
}

func (r *Router) handleSubscriptionDeleted(ctx context.Context, ec *EventContext) (domain.WebhookOutcome, string, error) {
	rec, err := r.recurring.FindBySubscriptionReference(ctx, ec.SubscriptionID)
	if errors.Is(err, domain.ErrNotFound) {
		return r.reportUnmatched(ctx, ec)
	}
	if err != nil {
		return domain.OutcomeError, "", err
	}

	if err := r.recurring.Cancel(ctx, rec.ID); err != nil {
		return domain.OutcomeError, "", err
	}
	return domain.OutcomeApplied, "", nil
}

// recurringFor resolves the recurring contribution behind an event, from the
// subscription reference when present, else from the matched contribution's
// own link. Absence is fine: one-off contributions have no schedule.
func (r *Router) recurringFor(ctx context.Context, ec *EventContext, c *domain.Contribution) (*domain.RecurringContribution, error) {
	if ec.SubscriptionID != "" {
		rec, err := r.recurring.FindBySubscriptionReference(ctx, ec.SubscriptionID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	if c != nil && c.RecurringContributionID != nil {
		rec, err := r.recurring.GetByID(ctx, *c.RecurringContributionID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// repeatContribution opens a new ledger row for a subsequent billing cycle,
// chained to the immediately preceding contribution in the series.
func (r *Router) repeatContribution(
	ctx context.Context,
	matched *domain.Contribution,
	rec *domain.RecurringContribution,
	ec *EventContext,
	status domain.ContributionStatus,
) (*domain.Contribution, error) {
	next := &domain.Contribution{
		ContactID:               matched.ContactID,
		RecurringContributionID: matched.RecurringContributionID,
		Status:                  status,
		TotalAmount:             ec.Amount,
		Currency:                ec.Currency,
		ReceiveDate:             ec.ReceiveDate,
	}
	if next.TotalAmount.IsZero() {
		next.TotalAmount = matched.TotalAmount
		next.Currency = matched.Currency
	}

	prev := matched
	if rec != nil {
		if latest, err := r.contributions.LatestForRecurring(ctx, rec.ID); err == nil {
			prev = latest
		} else if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	prevID := prev.ID
	next.OriginalContributionID = &prevID

	if ec.ChargeID != "" {
		chargeID := ec.ChargeID
		next.TrxnID = &chargeID
	}
	if ec.InvoiceID != "" {
		invoiceID := ec.InvoiceID
		next.OrderReference = &invoiceID
	}
	if status == domain.ContributionCompleted {
		next.FeeAmount = r.chargeFee(ctx, ec.ChargeID)
	}

	if err := r.contributions.Create(ctx, next); err != nil {
		return nil, err
	}

	if status == domain.ContributionCompleted && ec.ChargeID != "" {
		payment := &domain.Payment{
			ContributionID: next.ID,
			TrxnID:         ec.ChargeID,
			OrderReference: next.OrderReference,
			Amount:         next.TotalAmount,
			Currency:       next.Currency,
		}
		if err := r.contributions.CreatePayment(ctx, payment); err != nil {
			return nil, err
		}
	}

	return next, nil
}
