// Package ledger is the persistence boundary of the service. Every store is
// an interface here with a gorm implementation alongside, so the engine and
// webhook packages can be tested against in-memory fakes.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
)

// ContributionRepository persists contributions and their payment rows.
type ContributionRepository interface {
	Create(ctx context.Context, c *domain.Contribution) error
	GetByID(ctx context.Context, id int64) (*domain.Contribution, error)
	// FindByTrxnID matches on the charge id stored either on the
	// contribution itself or on one of its payment rows.
	FindByTrxnID(ctx context.Context, trxnID string) (*domain.Contribution, error)
	FindByOrderReference(ctx context.Context, orderReference string) (*domain.Contribution, error)
	// Complete transitions a Pending or In Progress contribution to
	// Completed and stamps the gateway references. It returns
	// domain.ErrConflict when the contribution is no longer completable.
	Complete(ctx context.Context, id int64, trxnID string, fee decimal.Decimal, receiveDate time.Time) error
	MarkFailed(ctx context.Context, id int64, note string) error
	Cancel(ctx context.Context, id int64) error
	SetStatus(ctx context.Context, id int64, status domain.ContributionStatus) error
	UpdateAmount(ctx context.Context, id int64, total decimal.Decimal, currency string) error
	SetOrderReference(ctx context.Context, id int64, orderReference string) error
	AddNote(ctx context.Context, id int64, note string) error
	// LatestForRecurring returns the most recently created contribution in
	// a recurring series, or domain.ErrNotFound when none exists yet.
	LatestForRecurring(ctx context.Context, recurringID int64) (*domain.Contribution, error)
	CreatePayment(ctx context.Context, p *domain.Payment) error
	ListPayments(ctx context.Context, contributionID int64) ([]domain.Payment, error)
	FindPaymentByTrxnID(ctx context.Context, trxnID string) (*domain.Payment, error)
}

// RecurringRepository persists recurring contribution schedules.
type RecurringRepository interface {
	Create(ctx context.Context, r *domain.RecurringContribution) error
	GetByID(ctx context.Context, id int64) (*domain.RecurringContribution, error)
	FindBySubscriptionReference(ctx context.Context, subscriptionRef string) (*domain.RecurringContribution, error)
	SetStatus(ctx context.Context, id int64, status domain.RecurringStatus) error
	// Activate stamps the gateway references and schedule produced by a
	// successful subscription creation in one update, turning auto-renewal
	// on. cycleDay is the day of month the charge recurs on.
	Activate(ctx context.Context, id int64, subscriptionRef, orderRef string, next time.Time, cycleDay int, end *time.Time) error
	SetLatestOrderReference(ctx context.Context, id int64, orderRef string) error
	SetNextScheduledDate(ctx context.Context, id int64, next time.Time) error
	UpdateBilling(ctx context.Context, id int64, amount decimal.Decimal, currency string, unit domain.FrequencyUnit, interval int) error
	IncrementFailureCount(ctx context.Context, id int64) error
	ResetFailureCount(ctx context.Context, id int64) error
	// Cancel is idempotent: cancelling an already-cancelled schedule is
	// not an error.
	Cancel(ctx context.Context, id int64) error
}

// IntentRepository persists gateway intent observations.
type IntentRepository interface {
	// Upsert inserts or refreshes the record keyed by GatewayIntentID.
	Upsert(ctx context.Context, rec *domain.IntentRecord) error
	GetByGatewayID(ctx context.Context, gatewayIntentID string) (*domain.IntentRecord, error)
	MarkCanceled(ctx context.Context, gatewayIntentID string) error
	// DeleteTerminalOlderThan purges terminal records whose last update
	// predates the cutoff, returning the number removed.
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	ListNonTerminalOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.IntentRecord, error)
	// CountFailedByFingerprint counts failed payment attempts sharing a
	// fingerprint since the given time.
	CountFailedByFingerprint(ctx context.Context, fingerprint string, since time.Time) (int64, error)
}

// CustomerRepository persists contact to gateway-customer mappings.
type CustomerRepository interface {
	Find(ctx context.Context, contactID int64, processorID int) (*domain.CustomerMapping, error)
	Add(ctx context.Context, m *domain.CustomerMapping) error
	// Delete removes a stale mapping after the gateway reports the
	// customer gone.
	Delete(ctx context.Context, contactID int64, processorID int) error
}

// EventRepository persists the webhook event log.
type EventRepository interface {
	// Create inserts the log row and fills its ID, which doubles as the
	// delivery sequence for deduplication.
	Create(ctx context.Context, l *domain.WebhookEventLog) error
	// FirstSequence returns the lowest sequence recorded for an event id.
	FirstSequence(ctx context.Context, eventID string) (int64, error)
	SetOutcome(ctx context.Context, id int64, outcome domain.WebhookOutcome, reason string) error
}

// ContributionLocker serialises mutations of one contribution across
// processes. Acquire blocks until the lock is held or ctx is done, and the
// returned release function is safe to call exactly once.
type ContributionLocker interface {
	Acquire(ctx context.Context, contributionID int64) (release func(), err error)
}
