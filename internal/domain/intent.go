package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// IntentStatus mirrors the gateway intent status plus the local sentinel
// "failed", recorded when the gateway call itself failed.
type IntentStatus string

const (
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentProcessing            IntentStatus = "processing"
	IntentRequiresCapture       IntentStatus = "requires_capture"
	IntentSucceeded             IntentStatus = "succeeded"
	IntentCanceled              IntentStatus = "canceled"
	IntentFailed                IntentStatus = "failed"
)

func (s IntentStatus) String() string { return string(s) }

func (s IntentStatus) IsValid() bool {
	switch s {
	case IntentRequiresPaymentMethod, IntentRequiresConfirmation, IntentRequiresAction,
		IntentProcessing, IntentRequiresCapture, IntentSucceeded, IntentCanceled, IntentFailed:
		return true
	}
	return false
}

// IsTerminal reports whether housekeeping may purge a record in this status.
func (s IntentStatus) IsTerminal() bool {
	switch s {
	case IntentSucceeded, IntentCanceled, IntentFailed:
		return true
	}
	return false
}

func ParseIntentStatus(s string) (IntentStatus, error) {
	st := IntentStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid intent status %q", ErrValidation, s)
	}
	return st, nil
}

// IntentKind distinguishes payment intents from setup intents.
type IntentKind string

const (
	IntentKindPayment IntentKind = "payment"
	IntentKindSetup   IntentKind = "setup"
)

func (k IntentKind) IsValid() bool {
	return k == IntentKindPayment || k == IntentKindSetup
}

// IntentExtra is the diagnostic blob stored with an IntentRecord. It exists
// even for intents that never produced a contribution, so that later fraud
// correlation can run over failed attempts.
type IntentExtra struct {
	IP    string `json:"ip,omitempty"`
	Email string `json:"email,omitempty"`
	Error string `json:"error,omitempty"`
}

func (e IntentExtra) JSON() datatypes.JSON {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

// Fingerprint identifies repeated attempts from the same source. Failed
// records sharing a fingerprint inside a rolling window feed the fraud guard.
func (e IntentExtra) Fingerprint() string {
	ip := strings.TrimSpace(e.IP)
	email := strings.ToLower(strings.TrimSpace(e.Email))
	if ip == "" && email == "" {
		return ""
	}
	return ip + "|" + email
}

// IntentRecord tracks one gateway intent. Exactly one record exists per
// GatewayIntentID; every status observation upserts by that key.
type IntentRecord struct {
	ID              int64        `gorm:"primaryKey;autoIncrement"`
	GatewayIntentID string       `gorm:"type:varchar(255);not null;uniqueIndex"`
	ProcessorID     int          `gorm:"not null"`
	Kind            IntentKind   `gorm:"type:varchar(10);not null"`
	Status          IntentStatus `gorm:"type:varchar(30);not null"`
	ContributionID  *int64       `gorm:"index"`
	Flags           string       `gorm:"type:varchar(10)"`
	Description     string       `gorm:"type:text"`
	ReferrerURL     string       `gorm:"type:text"`
	Fingerprint     string       `gorm:"type:varchar(255);index"`
	ExtraData       datatypes.JSON
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (IntentRecord) TableName() string { return "intent_records" }

// FlagNoContribution marks a record with no associated contribution yet.
const FlagNoContribution = "NC"

func (r *IntentRecord) Validate() error {
	if strings.TrimSpace(r.GatewayIntentID) == "" {
		return fmt.Errorf("%w: gateway intent id is required", ErrValidation)
	}
	if !r.Kind.IsValid() {
		return fmt.Errorf("%w: invalid intent kind %q", ErrValidation, r.Kind)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("%w: invalid intent status %q", ErrValidation, r.Status)
	}
	return nil
}
