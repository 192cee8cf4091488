// Package reconcile holds the pure status and amount mapping rules shared by
// the intent engine, the recurring orchestrator, and the webhook router, so
// the synchronous and asynchronous paths can never disagree.
package reconcile

import (
	"strings"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v74"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
	"github.com/victorian-socialists/civicrm-stripe/internal/money"
)

// ChargeStatusToContribution maps a gateway charge status to the ledger
// contribution status.
func ChargeStatusToContribution(status stripe.ChargeStatus) domain.ContributionStatus {
	switch status {
	case stripe.ChargeStatusSucceeded:
		return domain.ContributionCompleted
	case stripe.ChargeStatusPending:
		return domain.ContributionPending
	case stripe.ChargeStatusFailed:
		return domain.ContributionFailed
	default:
		return domain.ContributionPending
	}
}

// SubscriptionStatusToRecurring maps a gateway subscription status to the
// ledger recurring contribution status.
func SubscriptionStatusToRecurring(status stripe.SubscriptionStatus) domain.RecurringStatus {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return domain.RecurringInProgress
	case stripe.SubscriptionStatusPastDue:
		return domain.RecurringOverdue
	case stripe.SubscriptionStatusIncomplete:
		return domain.RecurringPending
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid,
		stripe.SubscriptionStatusIncompleteExpired:
		return domain.RecurringCancelled
	default:
		return domain.RecurringPending
	}
}

// IntentStatusFromGateway maps a gateway payment intent status onto the local
// mirror enum.
func IntentStatusFromGateway(status stripe.PaymentIntentStatus) domain.IntentStatus {
	if st, err := domain.ParseIntentStatus(string(status)); err == nil {
		return st
	}
	return domain.IntentFailed
}

// SetupIntentStatusFromGateway maps a gateway setup intent status onto the
// local mirror enum.
func SetupIntentStatusFromGateway(status stripe.SetupIntentStatus) domain.IntentStatus {
	if st, err := domain.ParseIntentStatus(string(status)); err == nil {
		return st
	}
	return domain.IntentFailed
}

// Amount converts gateway minor units to a ledger decimal amount.
func Amount(minor int64, currency string) decimal.Decimal {
	return money.FromMinorUnits(minor, currency)
}

// FeeAmount converts a balance-transaction fee (minor units of the settlement
// currency) into the charge currency. When the charge settled in another
// currency, the balance transaction's exchange rate applies first. The result
// is rounded to the charge currency's precision: an unrounded fee would be
// persisted with more decimal places than the contribution row carries and
// would fail reconciliation against it later.
func FeeAmount(fee int64, exchangeRate float64, chargeCurrency, settlementCurrency string) decimal.Decimal {
	precision := money.Precision(chargeCurrency)

	converted := decimal.NewFromInt(fee)
	if exchangeRate != 0 && !strings.EqualFold(chargeCurrency, settlementCurrency) {
		converted = converted.Div(decimal.NewFromFloat(exchangeRate))
	}

	return converted.Div(decimal.NewFromInt(100)).Round(precision)
}
