package calls

import (
	"time"

	"callpipeline/internal/event"
)

// Call is one logical conversation, folded together from provider
// events by the correlator.
//
// Multi-tenant invariant: TenantID is required on every row.
//
// Mutation rules:
// - Created and mutated only by the correlator shard owning the
//   originator id; everything else reads.
// - Once State is FINAL the row is immutable (the reprocessor re-emits
//   events but never rewrites the call).
// - end time, when set, is never before the start time.
type Call struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`

	StartTime time.Time `json:"call_start_time" db:"call_start_time"`
	// EndTime is zero while the call is open.
	EndTime time.Time `json:"call_end_time" db:"call_end_time"`

	DurationSeconds int `json:"duration" db:"duration"`

	Direction event.Direction `json:"call_direction" db:"call_direction"`

	CallerNumber string `json:"sip_caller_number" db:"sip_caller_number"`
	CallerName   string `json:"sip_caller_name,omitempty" db:"sip_caller_name"`
	CalleeNumber string `json:"sip_callee_number" db:"sip_callee_number"`

	Connection      Connection `json:"call_connection" db:"call_connection"`
	WentToVoicemail bool       `json:"went_to_voicemail" db:"went_to_voicemail"`

	// WhoTerminated is a heuristic taken from whichever side emitted the
	// terminal event; when both sides close simultaneously the value is
	// whichever final event the owning shard processed first.
	WhoTerminated string `json:"who_terminated,omitempty" db:"who_terminated"`

	State State `json:"state" db:"state"`

	// Version guards optimistic updates; every successful write bumps it.
	Version int64 `json:"-" db:"version"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type State string

const (
	StateOpen  State = "open"
	StateFinal State = "final"
)

type Connection string

const (
	ConnectionConnected Connection = "connected"
	ConnectionMissed    Connection = "missed"
)

// Partial is one contiguous segment of the call on a single device/leg.
//
// Invariants:
// - Partials of the same call are non-overlapping or fully nested.
// - (call_id, t_started, t_ended) is unique.
type Partial struct {
	ID     string `json:"id" db:"id"`
	CallID string `json:"call_id" db:"call_id"`

	StartedAt time.Time `json:"t_started" db:"t_started"`
	EndedAt   time.Time `json:"t_ended" db:"t_ended"`
}

// Window reports whether p covers exactly [start, end).
func (p Partial) Window(start, end time.Time) bool {
	return p.StartedAt.Equal(start) && p.EndedAt.Equal(end)
}

// Contains reports whether p fully nests other.
func (p Partial) Contains(other Partial) bool {
	return !p.StartedAt.After(other.StartedAt) && !p.EndedAt.Before(other.EndedAt)
}

// Overlaps reports whether the two windows intersect without nesting.
func (p Partial) Overlaps(other Partial) bool {
	if p.Contains(other) || other.Contains(p) {
		return false
	}
	return p.StartedAt.Before(other.EndedAt) && other.StartedAt.Before(p.EndedAt)
}
