package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
	"github.com/victorian-socialists/civicrm-stripe/internal/reconcile"
)

// EventContext is the normalized view of one gateway event. Charge, invoice
// and subscription payloads expose differently shaped fields; this flattens
// whichever arrived into one set the handlers can share.
type EventContext struct {
	Trigger        string
	ChargeID       string
	InvoiceID      string
	SubscriptionID string
	IntentID       string
	CustomerID     string
	Amount         decimal.Decimal
	Currency       string
	Captured       bool
	ReceiveDate    time.Time

	// Latest refund on a charge.refunded event.
	RefundID       string
	RefundAmount   decimal.Decimal
	AmountRefunded decimal.Decimal

	// Plan terms on subscription events.
	PlanID            string
	PreviousPlanID    string
	PlanAmount        decimal.Decimal
	PlanInterval      domain.FrequencyUnit
	PlanIntervalCount int
}

type chargeObject struct {
	ID             string `json:"id"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
	Currency       string `json:"currency"`
	Captured       bool   `json:"captured"`
	Created        int64  `json:"created"`
	PaymentIntent  string `json:"payment_intent"`
	Invoice        string `json:"invoice"`
	Customer       string `json:"customer"`
	Refunds        struct {
		Data []struct {
			ID     string `json:"id"`
			Amount int64  `json:"amount"`
		} `json:"data"`
	} `json:"refunds"`
}

type invoiceObject struct {
	ID            string `json:"id"`
	AmountDue     int64  `json:"amount_due"`
	AmountPaid    int64  `json:"amount_paid"`
	Currency      string `json:"currency"`
	Created       int64  `json:"created"`
	Charge        string `json:"charge"`
	PaymentIntent string `json:"payment_intent"`
	Subscription  string `json:"subscription"`
	Customer      string `json:"customer"`
}

type subscriptionObject struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Created  int64  `json:"created"`
	Plan     struct {
		ID            string `json:"id"`
		Amount        int64  `json:"amount"`
		Currency      string `json:"currency"`
		Interval      string `json:"interval"`
		IntervalCount int    `json:"interval_count"`
	} `json:"plan"`
}

// ExtractContext maps a raw event payload into an EventContext. It is pure:
// no gateway calls, no ledger reads.
func ExtractContext(trigger string, raw []byte, previous map[string]any) (*EventContext, error) {
	ec := &EventContext{Trigger: trigger}

	switch {
	case strings.HasPrefix(trigger, "charge."):
		var ch chargeObject
		if err := json.Unmarshal(raw, &ch); err != nil {
			return nil, fmt.Errorf("failed to decode charge payload: %w", err)
		}
		ec.ChargeID = ch.ID
		ec.InvoiceID = ch.Invoice
		ec.IntentID = ch.PaymentIntent
		ec.CustomerID = ch.Customer
		ec.Currency = strings.ToUpper(ch.Currency)
		ec.Amount = reconcile.Amount(ch.Amount, ec.Currency)
		ec.AmountRefunded = reconcile.Amount(ch.AmountRefunded, ec.Currency)
		ec.Captured = ch.Captured
		ec.ReceiveDate = time.Unix(ch.Created, 0).UTC()
		if n := len(ch.Refunds.Data); n > 0 {
			last := ch.Refunds.Data[n-1]
			ec.RefundID = last.ID
			ec.RefundAmount = reconcile.Amount(last.Amount, ec.Currency)
		}

	case strings.HasPrefix(trigger, "invoice."):
		var inv invoiceObject
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, fmt.Errorf("failed to decode invoice payload: %w", err)
		}
		ec.InvoiceID = inv.ID
		ec.ChargeID = inv.Charge
		ec.IntentID = inv.PaymentIntent
		ec.SubscriptionID = inv.Subscription
		ec.CustomerID = inv.Customer
		ec.Currency = strings.ToUpper(inv.Currency)
		minor := inv.AmountPaid
		if minor == 0 {
			minor = inv.AmountDue
		}
		ec.Amount = reconcile.Amount(minor, ec.Currency)
		ec.ReceiveDate = time.Unix(inv.Created, 0).UTC()

	case strings.HasPrefix(trigger, "customer.subscription."):
		var sub subscriptionObject
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, fmt.Errorf("failed to decode subscription payload: %w", err)
		}
		ec.SubscriptionID = sub.ID
		ec.CustomerID = sub.Customer
		ec.Currency = strings.ToUpper(sub.Plan.Currency)
		ec.ReceiveDate = time.Unix(sub.Created, 0).UTC()
		ec.PlanID = sub.Plan.ID
		ec.PlanAmount = reconcile.Amount(sub.Plan.Amount, ec.Currency)
		ec.PlanInterval = domain.FrequencyUnit(sub.Plan.Interval)
		ec.PlanIntervalCount = sub.Plan.IntervalCount
		ec.PreviousPlanID = previousPlanID(previous)

	default:
		return nil, fmt.Errorf("no field mapping for trigger %q", trigger)
	}

	return ec, nil
}

func previousPlanID(previous map[string]any) string {
	if previous == nil {
		return ""
	}
	plan, ok := previous["plan"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := plan["id"].(string)
	return id
}
