package event

import "time"

// Provider families. Each has its own event model and recording delivery.
type Provider string

const (
	// ProviderA emits batched CDR rows, one webhook call per batch, with
	// orig/by/term call-ids per leg. Recordings are pulled from the
	// provider over signed HTTP after the call closes.
	ProviderA Provider = "provider_a"
	// ProviderB emits dialog lifecycle events (announce/replace/withdraw)
	// over subscription channels and uploads recordings directly into a
	// per-tenant bucket.
	ProviderB Provider = "provider_b"
)

// RawEvent is the verbatim webhook payload, stored before any decoding.
//
// Invariants:
// - Append-only; rows are never updated except for the normalize_failed flag.
// - (tenant_id, provider_event_id) is unique; replays are dropped at insert.
type RawEvent struct {
	ID             string `json:"id" db:"id"`
	TenantID       string `json:"tenant_id" db:"tenant_id"`
	SubscriptionID string `json:"subscription_id" db:"subscription_id"`

	Provider Provider `json:"provider" db:"provider"`

	// ProviderEventID is the provider's stable id for this delivery.
	// Provider-B sends one; provider-A batches carry none, so the ingress
	// derives one from the payload hash.
	ProviderEventID string `json:"provider_event_id" db:"provider_event_id"`

	Payload []byte `json:"payload" db:"payload"`

	ReceivedAt time.Time `json:"received_at" db:"received_at"`

	// NormalizeFailed marks rows the normalizer rejected; they are
	// retried on reprocessing.
	NormalizeFailed bool `json:"normalize_failed" db:"normalize_failed"`
}

// Kind discriminates canonical events.
type Kind string

const (
	KindAnnounce   Kind = "announce"
	KindReplace    Kind = "replace"
	KindWithdraw   Kind = "withdraw"
	KindCDRPartial Kind = "cdr-partial"
	KindCDRFinal   Kind = "cdr-final"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionInternal Direction = "internal"
)

// CanonicalEvent is the normalized projection of one provider event.
// It is a derived value and may be regenerated from the RawEvent.
type CanonicalEvent struct {
	Kind     Kind
	Provider Provider

	TenantID        string
	ProviderEventID string

	// OriginatorID is the provider's stable per-call correlation key.
	OriginatorID string
	// NewOriginatorID is set on replace events only.
	NewOriginatorID string

	// LegID identifies the leg this event describes.
	LegID string

	Direction Direction

	CallerNumber string
	CallerName   string
	CalleeNumber string

	Start time.Time
	// End is zero when the provider has not observed the leg closing yet.
	End time.Time

	// RecordingHints are opaque to correlation; the artifact fetcher
	// resolves them against the tenant's recording bucket.
	RecordingHints []string

	// Terminal is true for withdraw and cdr-final events.
	Terminal bool

	// Missed reports whether a terminal record indicated no answer.
	Missed bool

	// TerminatedBy is the side that emitted the terminal event
	// ("caller" or "callee"); heuristic, see who_terminated on Call.
	TerminatedBy string

	// TerminationDest is the final destination of a terminal leg; matched
	// against the voicemail sentinel by the correlator.
	TerminationDest string
}

// IsTerminal reports whether the kind closes a call.
func (k Kind) IsTerminal() bool {
	return k == KindWithdraw || k == KindCDRFinal
}
