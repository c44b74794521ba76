package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics.
// Tenant isolation: TenantID is required.
type CallsSummaryRequest struct {
	TenantID  string    `json:"tenant_id"`
	Range     TimeRange `json:"range"`
	Direction string    `json:"direction,omitempty"`
}

type CallsSummary struct {
	TenantID string `json:"tenant_id"`

	TotalCalls     int `json:"total_calls"`
	ConnectedCalls int `json:"connected_calls"`
	MissedCalls    int `json:"missed_calls"`
	VoicemailCalls int `json:"voicemail_calls"`

	InboundCalls  int `json:"inbound_calls"`
	OutboundCalls int `json:"outbound_calls"`
	InternalCalls int `json:"internal_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
}

// IngestionSummaryRequest requests webhook pipeline health numbers.
type IngestionSummaryRequest struct {
	TenantID string    `json:"tenant_id"`
	Range    TimeRange `json:"range"`
}

type IngestionSummary struct {
	TenantID string `json:"tenant_id"`

	RawEvents       int `json:"raw_events"`
	NormalizeFailed int `json:"normalize_failed"`
	ProviderAEvents int `json:"provider_a_events"`
	ProviderBEvents int `json:"provider_b_events"`
}
