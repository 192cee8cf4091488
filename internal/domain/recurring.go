package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RecurringStatus represents the ledger state of a recurring contribution.
type RecurringStatus string

const (
	RecurringPending    RecurringStatus = "Pending"
	RecurringInProgress RecurringStatus = "In Progress"
	RecurringOverdue    RecurringStatus = "Overdue"
	RecurringFailed     RecurringStatus = "Failed"
	RecurringCancelled  RecurringStatus = "Cancelled"
	RecurringCompleted  RecurringStatus = "Completed"
)

func (s RecurringStatus) String() string { return string(s) }

func (s RecurringStatus) IsValid() bool {
	switch s {
	case RecurringPending, RecurringInProgress, RecurringOverdue,
		RecurringFailed, RecurringCancelled, RecurringCompleted:
		return true
	}
	return false
}

func ParseRecurringStatus(s string) (RecurringStatus, error) {
	st := RecurringStatus(strings.TrimSpace(s))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid recurring status %q", ErrValidation, s)
	}
	return st, nil
}

// FrequencyUnit is the calendar unit of a billing interval.
type FrequencyUnit string

const (
	FrequencyDay   FrequencyUnit = "day"
	FrequencyWeek  FrequencyUnit = "week"
	FrequencyMonth FrequencyUnit = "month"
	FrequencyYear  FrequencyUnit = "year"
)

func (u FrequencyUnit) String() string { return string(u) }

func (u FrequencyUnit) IsValid() bool {
	switch u {
	case FrequencyDay, FrequencyWeek, FrequencyMonth, FrequencyYear:
		return true
	}
	return false
}

func ParseFrequencyUnit(s string) (FrequencyUnit, error) {
	u := FrequencyUnit(strings.ToLower(strings.TrimSpace(s)))
	if !u.IsValid() {
		return "", fmt.Errorf("%w: invalid frequency unit %q", ErrValidation, s)
	}
	return u, nil
}

// RecurringContribution is the ledger side of an ongoing billing schedule,
// linked 1:1 to a gateway subscription.
//
// SubscriptionReference always holds the gateway subscription id and is never
// repurposed. LatestOrderReference holds the most recent invoice id once one
// exists; until then it carries the subscription id as an interim value.
type RecurringContribution struct {
	ID                    int64           `gorm:"primaryKey;autoIncrement"`
	ContactID             int64           `gorm:"not null;index"`
	Amount                decimal.Decimal `gorm:"type:decimal(20,9);not null"`
	Currency              string          `gorm:"type:varchar(3);not null"`
	FrequencyUnit         FrequencyUnit   `gorm:"type:varchar(10);not null"`
	FrequencyInterval     int             `gorm:"not null;default:1"`
	Installments          int             `gorm:"not null;default:0"`
	Status                RecurringStatus `gorm:"type:varchar(20);not null"`
	FailureCount          int             `gorm:"not null;default:0"`
	AutoRenew             bool            `gorm:"not null;default:false"`
	CycleDay              int
	SubscriptionReference *string `gorm:"type:varchar(255);index"`
	LatestOrderReference  *string `gorm:"type:varchar(255);index"`
	StartDate             time.Time
	NextScheduledDate     *time.Time
	EndDate               *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (RecurringContribution) TableName() string { return "recurring_contributions" }

func (r *RecurringContribution) Validate() error {
	if r.ContactID == 0 {
		return fmt.Errorf("%w: contact id is required", ErrValidation)
	}
	if !r.FrequencyUnit.IsValid() {
		return fmt.Errorf("%w: invalid frequency unit %q", ErrValidation, r.FrequencyUnit)
	}
	if r.FrequencyInterval < 1 {
		return fmt.Errorf("%w: frequency interval must be at least 1", ErrValidation)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	return nil
}
