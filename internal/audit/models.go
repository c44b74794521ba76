package audit

import "time"

// Event is an immutable, append-only operational log record.
//
// Invariants:
// - Events are never updated or deleted.
// - tenant_id is required for tenancy isolation.
// - Audit failures must never block the pipeline; callers treat Append
//   as best-effort.
//
// Storage recommendation (Postgres):
// - Table audit_events with an INSERT-only policy.
// - Optional: partition by time for retention.

type Event struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	// ActorOperatorID is the authenticated operator causing the event,
	// empty for pipeline-internal records.
	ActorOperatorID string `json:"actor_operator_id,omitempty" db:"actor_operator_id"`
	ActorRole       string `json:"actor_role,omitempty" db:"actor_role"`

	// Target identifiers (optional, depending on the event type).
	SubscriptionID string `json:"subscription_id,omitempty" db:"subscription_id"`
	ChannelID      string `json:"channel_id,omitempty" db:"channel_id"`
	CredentialID   string `json:"credential_id,omitempty" db:"credential_id"`
	CallID         string `json:"call_id,omitempty" db:"call_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeSubscriptionCreated EventType = "subscription_created"
	EventTypeSubscriptionDeleted EventType = "subscription_deleted"
	EventTypeChannelRecreated    EventType = "channel_recreated"
	EventTypeCredentialDead      EventType = "credential_dead"
	EventTypeCorrelationAnomaly  EventType = "correlation_anomaly"
	EventTypeReprocessRequested  EventType = "reprocess_requested"
)
