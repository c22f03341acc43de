// Package models - processed_event.go defines the webhook de-duplication record.
package models

import "time"

// ProcessedEvent marks a billing-provider event id as handled. The event_id primary
// key is the concurrency guard for at-least-once delivery.
type ProcessedEvent struct {
	EventID        string    `json:"event_id" db:"event_id"`
	EventType      string    `json:"event_type" db:"event_type"`
	ProcessedAt    time.Time `json:"processed_at" db:"processed_at"`
	PayloadSummary []byte    `json:"payload_summary,omitempty" db:"payload_summary"`
}
