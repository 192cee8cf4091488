package domain

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// WebhookOutcome is the terminal disposition of one delivered event.
type WebhookOutcome string

const (
	OutcomeApplied   WebhookOutcome = "applied"
	OutcomeDuplicate WebhookOutcome = "duplicate"
	OutcomeUnhandled WebhookOutcome = "unhandled"
	OutcomeSkipped   WebhookOutcome = "skipped"
	OutcomeError     WebhookOutcome = "error"
)

func (o WebhookOutcome) String() string { return string(o) }

func (o WebhookOutcome) IsValid() bool {
	switch o {
	case OutcomeApplied, OutcomeDuplicate, OutcomeUnhandled, OutcomeSkipped, OutcomeError:
		return true
	}
	return false
}

func ParseWebhookOutcome(s string) (WebhookOutcome, error) {
	o := WebhookOutcome(strings.ToLower(strings.TrimSpace(s)))
	if !o.IsValid() {
		return "", fmt.Errorf("%w: invalid webhook outcome %q", ErrValidation, s)
	}
	return o, nil
}

// WebhookEventLog records one received gateway event. The auto-increment ID
// doubles as the delivery sequence: of several rows sharing an EventID, only
// the lowest-sequence one is ever applied.
type WebhookEventLog struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	EventID     string `gorm:"type:varchar(255);not null;index"`
	Trigger     string `gorm:"type:varchar(100);not null"`
	ProcessorID int    `gorm:"not null"`
	Outcome     WebhookOutcome `gorm:"type:varchar(20)"`
	Reason      string         `gorm:"type:text"`
	// Verified is false when no signing secret was configured and the
	// payload had to be re-fetched from the gateway instead.
	Verified  bool `gorm:"not null;default:false"`
	Payload   datatypes.JSON
	CreatedAt time.Time
}

func (WebhookEventLog) TableName() string { return "webhook_event_logs" }

func (l *WebhookEventLog) Validate() error {
	if strings.TrimSpace(l.EventID) == "" {
		return fmt.Errorf("%w: event id is required", ErrValidation)
	}
	if strings.TrimSpace(l.Trigger) == "" {
		return fmt.Errorf("%w: trigger is required", ErrValidation)
	}
	return nil
}
