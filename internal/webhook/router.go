// Package webhook ingests gateway events, deduplicates redeliveries, and
// applies the resulting ledger transitions.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v74"
	stripewebhook "github.com/stripe/stripe-go/v74/webhook"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
	"github.com/victorian-socialists/civicrm-stripe/internal/gateway"
	"github.com/victorian-socialists/civicrm-stripe/internal/ledger"
	"github.com/victorian-socialists/civicrm-stripe/internal/observability"
)

// ErrSignature marks a payload that failed cryptographic verification. The
// transport layer maps it to an unauthorized response.
var ErrSignature = errors.New("webhook signature verification failed")

// handledTriggers is the fixed allow-list; everything else is recorded and
// acknowledged without processing, so new gateway event types never break
// ingestion.
var handledTriggers = map[string]struct{}{
	"invoice.finalized":             {},
	"invoice.payment_succeeded":     {},
	"invoice.payment_failed":        {},
	"charge.failed":                 {},
	"charge.refunded":               {},
	"charge.succeeded":              {},
	"charge.captured":               {},
	"customer.subscription.updated": {},
	"customer.subscription.deleted": {},
}

// UnmatchedHook is told about events whose entities this ledger does not
// know. It must not fail the delivery.
type UnmatchedHook func(ctx context.Context, ec *EventContext)

type Router struct {
	cfg           gateway.ProcessorConfig
	events        gateway.EventClient
	charges       gateway.ChargeClient
	contributions ledger.ContributionRepository
	recurring     ledger.RecurringRepository
	eventLog      ledger.EventRepository
	locker        ledger.ContributionLocker
	unmatched     UnmatchedHook
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

func NewRouter(
	cfg gateway.ProcessorConfig,
	events gateway.EventClient,
	charges gateway.ChargeClient,
	contributions ledger.ContributionRepository,
	recurring ledger.RecurringRepository,
	eventLog ledger.EventRepository,
	locker ledger.ContributionLocker,
	unmatched UnmatchedHook,
	logger *zap.Logger,
) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if events == nil || charges == nil {
		return nil, fmt.Errorf("gateway clients are required")
	}
	if contributions == nil || recurring == nil || eventLog == nil {
		return nil, fmt.Errorf("ledger repositories are required")
	}
	if locker == nil {
		return nil, fmt.Errorf("contribution locker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Router{
		cfg:           cfg,
		events:        events,
		charges:       charges,
		contributions: contributions,
		recurring:     recurring,
		eventLog:      eventLog,
		locker:        locker,
		unmatched:     unmatched,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// HandleRaw verifies and processes one inbound delivery. With a signing
// secret configured the payload must verify or the delivery is rejected;
// without one the event is re-fetched from the gateway and marked unverified.
func (r *Router) HandleRaw(ctx context.Context, payload []byte, signature string) (domain.WebhookOutcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if r.cfg.WebhookSecret != "" {
		// The handlers only read fields stable across gateway API
		// versions, so version skew between the sending account and the
		// SDK pin must not read as a signature failure.
		event, err := stripewebhook.ConstructEventWithOptions(payload, signature, r.cfg.WebhookSecret, stripewebhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			return domain.OutcomeError, fmt.Errorf("%w: %v", ErrSignature, err)
		}
		return r.Handle(ctx, &event, true)
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.OutcomeError, fmt.Errorf("%w: malformed payload", ErrSignature)
	}
	if event.ID == "" {
		return domain.OutcomeError, fmt.Errorf("%w: payload has no event id", ErrSignature)
	}

	// Unverifiable input is never trusted directly; the gateway's copy is.
	fetched, err := r.events.GetEvent(ctx, event.ID)
	if err != nil {
		return domain.OutcomeError, fmt.Errorf("failed to re-fetch event %s: %w", event.ID, err)
	}
	return r.Handle(ctx, fetched, false)
}

// Handle records the delivery, deduplicates it, and applies it.
func (r *Router) Handle(ctx context.Context, event *stripe.Event, verified bool) (domain.WebhookOutcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if event == nil || event.ID == "" {
		return domain.OutcomeError, fmt.Errorf("event id is required")
	}
	ctx = observability.WithEventID(ctx, event.ID)

	log := &domain.WebhookEventLog{
		EventID:     event.ID,
		Trigger:     string(event.Type),
		ProcessorID: r.cfg.ProcessorID,
		Verified:    verified,
		Payload:     datatypes.JSON(event.Data.Raw),
	}
	if err := r.eventLog.Create(ctx, log); err != nil {
		return domain.OutcomeError, fmt.Errorf("failed to record webhook event: %w", err)
	}

	// Lowest sequence wins. A prior row with a smaller id means this
	// delivery is a redelivery and must never apply.
	first, err := r.eventLog.FirstSequence(ctx, event.ID)
	if err != nil {
		return domain.OutcomeError, err
	}
	if first < log.ID {
		r.setOutcome(ctx, log.ID, domain.OutcomeDuplicate, fmt.Sprintf("first seen as delivery %d", first))
		r.metrics.IncWebhookEvent(string(event.Type), string(domain.OutcomeDuplicate))
		return domain.OutcomeDuplicate, nil
	}

	outcome, reason, procErr := r.process(ctx, event)
	if procErr != nil {
		r.setOutcome(ctx, log.ID, domain.OutcomeError, procErr.Error())
		r.metrics.IncWebhookEvent(string(event.Type), string(domain.OutcomeError))
		return domain.OutcomeError, procErr
	}
	r.setOutcome(ctx, log.ID, outcome, reason)
	r.metrics.IncWebhookEvent(string(event.Type), string(outcome))
	return outcome, nil
}

func (r *Router) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

// Replay re-runs a previously stored delivery through the same pipeline,
// reusing its original sequence so dedup does not reject the retry.
func (r *Router) Replay(ctx context.Context, payload []byte) (domain.WebhookOutcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.OutcomeError, fmt.Errorf("malformed replay payload: %w", err)
	}
	if event.ID == "" {
		return domain.OutcomeError, fmt.Errorf("replay payload has no event id")
	}

	seq, err := r.eventLog.FirstSequence(ctx, event.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return r.Handle(ctx, &event, false)
	}
	if err != nil {
		return domain.OutcomeError, err
	}

	outcome, reason, procErr := r.process(ctx, &event)
	if procErr != nil {
		r.setOutcome(ctx, seq, domain.OutcomeError, procErr.Error())
		return domain.OutcomeError, procErr
	}
	r.setOutcome(ctx, seq, outcome, reason)
	return outcome, nil
}

func (r *Router) process(ctx context.Context, event *stripe.Event) (domain.WebhookOutcome, string, error) {
	trigger := string(event.Type)
	if _, ok := handledTriggers[trigger]; !ok {
		return domain.OutcomeUnhandled, "trigger not in allow list", nil
	}

	ec, err := ExtractContext(trigger, event.Data.Raw, event.Data.PreviousAttributes)
	if err != nil {
		return domain.OutcomeError, "", err
	}

	switch trigger {
	case "invoice.payment_succeeded":
		return r.handleInvoicePaymentSucceeded(ctx, ec)
	case "invoice.payment_failed":
		return r.handleInvoicePaymentFailed(ctx, ec)
	case "invoice.finalized":
		return r.handleInvoiceFinalized(ctx, ec)
	case "charge.failed":
		return r.handleChargeFailed(ctx, ec)
	case "charge.refunded":
		return r.handleChargeRefunded(ctx, ec)
	case "charge.succeeded", "charge.captured":
		return r.handleChargeCompleted(ctx, ec)
	case "customer.subscription.updated":
		return r.handleSubscriptionUpdated(ctx, ec)
	case "customer.subscription.deleted":
		return r.handleSubscriptionDeleted(ctx, ec)
	}
	return domain.OutcomeUnhandled, "trigger not in allow list", nil
}

// matchContribution resolves the ledger contribution an event refers to: by
// charge id, then by invoice id, then by subscription id as the interim
// order reference, and finally by the latest contribution of the recurring
// series the subscription belongs to. First match wins. The series fallback
// is what lets a subsequent billing cycle, whose charge and invoice ids the
// ledger has never seen, find its predecessor.
func (r *Router) matchContribution(ctx context.Context, ec *EventContext) (*domain.Contribution, error) {
	if ec.ChargeID != "" {
		c, err := r.contributions.FindByTrxnID(ctx, ec.ChargeID)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	if ec.InvoiceID != "" {
		c, err := r.contributions.FindByOrderReference(ctx, ec.InvoiceID)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	if ec.SubscriptionID != "" {
		c, err := r.contributions.FindByOrderReference(ctx, ec.SubscriptionID)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}

		rec, err := r.recurring.FindBySubscriptionReference(ctx, ec.SubscriptionID)
		if err == nil {
			c, err := r.contributions.LatestForRecurring(ctx, rec.ID)
			if err == nil {
				return c, nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return nil, err
			}
		} else if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	return nil, domain.ErrUnmatchedContribution
}

// reportUnmatched delegates an event for an unknown entity and drops it.
// Unmatched events are routine: many gateway entities are outside this
// ledger's knowledge.
func (r *Router) reportUnmatched(ctx context.Context, ec *EventContext) (domain.WebhookOutcome, string, error) {
	if r.unmatched != nil {
		r.unmatched(ctx, ec)
	}
	observability.WithContextLogger(r.logger, ctx).Info("no matching contribution for event",
		zap.String("trigger", ec.Trigger),
		zap.String("chargeId", ec.ChargeID),
		zap.String("invoiceId", ec.InvoiceID),
		zap.String("subscriptionId", ec.SubscriptionID),
	)
	return domain.OutcomeSkipped, "no matching contribution", nil
}

func (r *Router) setOutcome(ctx context.Context, logID int64, outcome domain.WebhookOutcome, reason string) {
	if err := r.eventLog.SetOutcome(ctx, logID, outcome, reason); err != nil {
		observability.WithContextLogger(r.logger, ctx).Error("failed to record webhook outcome",
			zap.Int64("sequence", logID),
			zap.Error(err),
		)
	}
}
