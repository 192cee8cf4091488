package domain

import (
	"fmt"
	"strings"
	"time"
)

// CustomerMapping binds a ledger contact to a gateway customer, scoped by
// processor. Unique on (contact, processor); a deleted gateway customer
// removes the mapping outright, it is never silently reused.
type CustomerMapping struct {
	ID                int64  `gorm:"primaryKey;autoIncrement"`
	ContactID         int64  `gorm:"not null;uniqueIndex:idx_customer_contact_processor"`
	ProcessorID       int    `gorm:"not null;uniqueIndex:idx_customer_contact_processor"`
	GatewayCustomerID string `gorm:"type:varchar(255);not null;index"`
	Email             string `gorm:"type:varchar(255)"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (CustomerMapping) TableName() string { return "customer_mappings" }

func (m *CustomerMapping) Validate() error {
	if m.ContactID == 0 {
		return fmt.Errorf("%w: contact id is required", ErrValidation)
	}
	if strings.TrimSpace(m.GatewayCustomerID) == "" {
		return fmt.Errorf("%w: gateway customer id is required", ErrValidation)
	}
	return nil
}
