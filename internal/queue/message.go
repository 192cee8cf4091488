package queue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ReplayMessage is the broker payload for re-running a webhook delivery whose
// first processing attempt failed. Payload carries the stored event JSON so a
// replay never depends on the gateway still serving the event.
type ReplayMessage struct {
	EventID     string          `json:"eventId"`
	ProcessorID int64           `json:"processorId"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
}

func (m ReplayMessage) Validate() error {
	if strings.TrimSpace(m.EventID) == "" {
		return fmt.Errorf("eventId is required")
	}
	if m.ProcessorID <= 0 {
		return fmt.Errorf("processorId is required")
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if m.Attempt < 0 {
		return fmt.Errorf("attempt must not be negative")
	}
	return nil
}
