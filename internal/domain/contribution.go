package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ContributionStatus represents the ledger state of a contribution.
type ContributionStatus string

const (
	ContributionPending    ContributionStatus = "Pending"
	ContributionCompleted  ContributionStatus = "Completed"
	ContributionFailed     ContributionStatus = "Failed"
	ContributionCancelled  ContributionStatus = "Cancelled"
	ContributionRefunded   ContributionStatus = "Refunded"
	ContributionInProgress ContributionStatus = "In Progress"
)

func (s ContributionStatus) String() string { return string(s) }

func (s ContributionStatus) IsValid() bool {
	switch s {
	case ContributionPending, ContributionCompleted, ContributionFailed,
		ContributionCancelled, ContributionRefunded, ContributionInProgress:
		return true
	}
	return false
}

func ParseContributionStatus(s string) (ContributionStatus, error) {
	st := ContributionStatus(strings.TrimSpace(s))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid contribution status %q", ErrValidation, s)
	}
	return st, nil
}

// IsTerminal reports whether no further status transitions are expected.
func (s ContributionStatus) IsTerminal() bool {
	switch s {
	case ContributionCompleted, ContributionFailed, ContributionCancelled, ContributionRefunded:
		return true
	}
	return false
}

// Contribution is one ledger entry for a single expected or completed payment.
// TrxnID holds the gateway charge id and is the authoritative payment
// reference; OrderReference holds the gateway invoice id when one exists.
type Contribution struct {
	ID                      int64  `gorm:"primaryKey;autoIncrement"`
	ContactID               int64  `gorm:"not null;index"`
	RecurringContributionID *int64 `gorm:"index"`
	// OriginalContributionID links a subsequent-cycle contribution back to
	// the immediately preceding one in the same recurring series.
	OriginalContributionID *int64
	Status                 ContributionStatus `gorm:"type:varchar(20);not null"`
	TrxnID                 *string            `gorm:"type:varchar(255)"`
	OrderReference         *string            `gorm:"type:varchar(255)"`
	TotalAmount            decimal.Decimal    `gorm:"type:decimal(20,9);not null"`
	FeeAmount              decimal.Decimal    `gorm:"type:decimal(20,9)"`
	Currency               string             `gorm:"type:varchar(3);not null"`
	ReceiveDate            time.Time
	Note                   string `gorm:"type:text"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (Contribution) TableName() string { return "contributions" }

func (c *Contribution) Validate() error {
	if c.ContactID == 0 {
		return fmt.Errorf("%w: contact id is required", ErrValidation)
	}
	if !c.Status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, c.Status)
	}
	if strings.TrimSpace(c.Currency) == "" {
		return fmt.Errorf("%w: currency is required", ErrValidation)
	}
	if !c.TotalAmount.IsPositive() {
		return fmt.Errorf("%w: total amount must be positive", ErrValidation)
	}
	return nil
}

// Payment is one financial transaction applied to a contribution. Refund
// payments carry the refund's own gateway id as TrxnID and a negative amount.
type Payment struct {
	ID             int64           `gorm:"primaryKey;autoIncrement"`
	ContributionID int64           `gorm:"not null;index"`
	TrxnID         string          `gorm:"type:varchar(255);not null;uniqueIndex"`
	OrderReference *string         `gorm:"type:varchar(255)"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,9);not null"`
	Currency       string          `gorm:"type:varchar(3);not null"`
	IsRefund       bool            `gorm:"not null;default:false"`
	// CancelledPaymentID links a refund payment to the captured payment it
	// reverses, when that payment is present in the contribution's history.
	CancelledPaymentID *int64
	CreatedAt          time.Time
}

func (Payment) TableName() string { return "payments" }
