package dto

// CreateRequest is the JSON body accepted when creating a notification.
// Exactly one of ScheduledAt (RFC 3339) and Delay (Go duration, relative to
// now) must be set.
type CreateRequest struct {
	BusinessKey     string            `json:"business_key" validate:"required"`
	ExpedientNumber string            `json:"expedient_number" validate:"required"`
	Kind            string            `json:"kind" validate:"required,oneof=contact termination manual"`
	ScheduledAt     string            `json:"scheduled_at" validate:"required_without=Delay,excluded_with=Delay"`
	Delay           string            `json:"delay" validate:"required_without=ScheduledAt"`
	TargetChannel   string            `json:"target_channel" validate:"required"`
	DisplayPayload  map[string]string `json:"display_payload"`
}
