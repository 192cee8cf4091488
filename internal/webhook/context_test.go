package webhook

import (
	"testing"
	"time"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
)

func TestExtractContextCharge(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"id": "ch_1",
		"amount": 2500,
		"amount_refunded": 1000,
		"currency": "usd",
		"captured": true,
		"created": 1700000000,
		"payment_intent": "pi_1",
		"invoice": "in_1",
		"customer": "cus_1",
		"refunds": {"data": [
			{"id": "re_1", "amount": 400},
			{"id": "re_2", "amount": 600}
		]}
	}`)

	ec, err := ExtractContext("charge.refunded", raw, nil)
	if err != nil {
		t.Fatalf("ExtractContext() error = %v", err)
	}

	if ec.ChargeID != "ch_1" || ec.InvoiceID != "in_1" || ec.IntentID != "pi_1" || ec.CustomerID != "cus_1" {
		t.Fatalf("identifiers = %+v", ec)
	}
	if ec.Currency != "USD" {
		t.Fatalf("currency = %s, want USD", ec.Currency)
	}
	if got := ec.Amount.String(); got != "25" {
		t.Fatalf("amount = %s, want 25", got)
	}
	if got := ec.AmountRefunded.String(); got != "10" {
		t.Fatalf("amount refunded = %s, want 10", got)
	}
	if !ec.Captured {
		t.Fatal("captured flag lost")
	}
	if want := time.Unix(1700000000, 0).UTC(); !ec.ReceiveDate.Equal(want) {
		t.Fatalf("receive date = %s, want %s", ec.ReceiveDate, want)
	}

	// The newest refund in the list is the one this delivery announces.
	if ec.RefundID != "re_2" {
		t.Fatalf("refund id = %s, want re_2", ec.RefundID)
	}
	if got := ec.RefundAmount.String(); got != "6" {
		t.Fatalf("refund amount = %s, want 6", got)
	}
}

func TestExtractContextInvoice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		raw        string
		wantAmount string
	}{
		{
			name:       "paid amount wins",
			raw:        `{"id":"in_1","amount_due":3000,"amount_paid":2500,"currency":"usd","charge":"ch_1","subscription":"sub_1"}`,
			wantAmount: "25",
		},
		{
			name:       "falls back to amount due",
			raw:        `{"id":"in_1","amount_due":3000,"currency":"usd","subscription":"sub_1"}`,
			wantAmount: "30",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ec, err := ExtractContext("invoice.payment_succeeded", []byte(tt.raw), nil)
			if err != nil {
				t.Fatalf("ExtractContext() error = %v", err)
			}
			if ec.InvoiceID != "in_1" || ec.SubscriptionID != "sub_1" {
				t.Fatalf("identifiers = %+v", ec)
			}
			if got := ec.Amount.String(); got != tt.wantAmount {
				t.Fatalf("amount = %s, want %s", got, tt.wantAmount)
			}
		})
	}
}

func TestExtractContextSubscription(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"id": "sub_1",
		"customer": "cus_1",
		"created": 1700000000,
		"plan": {
			"id": "plan_new",
			"amount": 5000,
			"currency": "aud",
			"interval": "month",
			"interval_count": 3
		}
	}`)
	previous := map[string]any{
		"plan": map[string]any{"id": "plan_old", "amount": float64(2500)},
	}

	ec, err := ExtractContext("customer.subscription.updated", raw, previous)
	if err != nil {
		t.Fatalf("ExtractContext() error = %v", err)
	}

	if ec.SubscriptionID != "sub_1" || ec.CustomerID != "cus_1" {
		t.Fatalf("identifiers = %+v", ec)
	}
	if ec.PlanID != "plan_new" || ec.PreviousPlanID != "plan_old" {
		t.Fatalf("plan ids = %s / %s", ec.PlanID, ec.PreviousPlanID)
	}
	if got := ec.PlanAmount.String(); got != "50" {
		t.Fatalf("plan amount = %s, want 50", got)
	}
	if ec.PlanInterval != domain.FrequencyMonth || ec.PlanIntervalCount != 3 {
		t.Fatalf("plan terms = %s/%d", ec.PlanInterval, ec.PlanIntervalCount)
	}
	if ec.Currency != "AUD" {
		t.Fatalf("currency = %s, want AUD", ec.Currency)
	}
}

func TestExtractContextSubscriptionWithoutPreviousPlan(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"id":"sub_1","plan":{"id":"plan_a","amount":2500,"currency":"usd","interval":"week"}}`)

	ec, err := ExtractContext("customer.subscription.updated", raw, map[string]any{"status": "past_due"})
	if err != nil {
		t.Fatalf("ExtractContext() error = %v", err)
	}
	if ec.PreviousPlanID != "" {
		t.Fatalf("previous plan id = %q, want empty", ec.PreviousPlanID)
	}
}

func TestExtractContextUnknownTrigger(t *testing.T) {
	t.Parallel()

	if _, err := ExtractContext("payout.paid", []byte(`{}`), nil); err == nil {
		t.Fatal("expected an error for an unmapped trigger")
	}
}

func TestExtractContextMalformedPayload(t *testing.T) {
	t.Parallel()

	if _, err := ExtractContext("charge.succeeded", []byte(`{"amount":`), nil); err == nil {
		t.Fatal("expected an error for a truncated payload")
	}
}
