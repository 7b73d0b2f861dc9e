package model

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies what the alert is about.
type Kind string

const (
	KindContact     Kind = "contact"     // "contact the policy holder now"
	KindTermination Kind = "termination" // "field service should be finished"
	KindManual      Kind = "manual"      // operator-created reminder
)

// Status is the lifecycle state of a scheduled notification.
type Status string

const (
	StatusPending    Status = "pending"    // created, waiting for a claim
	StatusScheduled  Status = "scheduled"  // claimed, a timer owns it
	StatusProcessing Status = "processing" // delivery attempt in flight
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Active reports whether the status still allows a delivery attempt.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusScheduled || s == StatusProcessing
}

// Notification represents a time-delayed alert tied to a business record.
//
// At most one notification with the same (BusinessKey, ExpedientNumber, Kind)
// may be in an active status at a time; the repository enforces that with a
// partial unique index, not application logic.
type Notification struct {
	ID                  uuid.UUID         `json:"id"`                // unique identifier, store-assigned
	BusinessKey         string            `json:"business_key"`      // e.g. policy number, not unique alone
	ExpedientNumber     string            `json:"expedient_number"`  // underlying field-service record
	Kind                Kind              `json:"kind"`              // contact, termination or manual
	ScheduledAt         time.Time         `json:"scheduled_at"`      // wall-clock time the alert should fire
	Status              Status            `json:"status"`            // current lifecycle state
	LastClaimedAt       *time.Time        `json:"last_claimed_at,omitempty"`       // freshness marker for claim attempts
	ProcessingStartedAt *time.Time        `json:"processing_started_at,omitempty"` // used to detect stuck work
	SentAt              *time.Time        `json:"sent_at,omitempty"`
	RetryCount          int               `json:"retry_count"` // number of failed delivery attempts
	LastError           *string           `json:"last_error,omitempty"`
	TargetChannel       string            `json:"target_channel"`  // opaque "transport:address" destination
	DisplayPayload      map[string]string `json:"display_payload"` // rendering fields, not interpreted by the core
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}
