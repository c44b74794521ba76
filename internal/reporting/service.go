package reporting

import (
	"context"
	"errors"
	"time"

	"callpipeline/internal/calls"
	"callpipeline/internal/event"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
//
// IMPORTANT:
// - Methods must enforce tenant filtering.
// - Implementations query immutable sources (finalized calls, raw events).
type Repository interface {
	ListFinalCalls(ctx context.Context, tenantID string, from, to time.Time, direction event.Direction) ([]calls.Call, error)
	ListRawEvents(ctx context.Context, tenantID string, from, to time.Time) ([]event.RawEvent, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.TenantID == "" {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListFinalCalls(ctx, req.TenantID, req.Range.From, req.Range.To, event.Direction(req.Direction))
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{TenantID: req.TenantID}
	for _, c := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		switch c.Connection {
		case calls.ConnectionConnected:
			out.ConnectedCalls++
		case calls.ConnectionMissed:
			out.MissedCalls++
		}
		if c.WentToVoicemail {
			out.VoicemailCalls++
		}
		switch c.Direction {
		case event.DirectionInbound:
			out.InboundCalls++
		case event.DirectionOutbound:
			out.OutboundCalls++
		case event.DirectionInternal:
			out.InternalCalls++
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.TotalCalls
	}
	return out, nil
}

func (s *Service) IngestionSummary(ctx context.Context, req IngestionSummaryRequest) (IngestionSummary, error) {
	if req.TenantID == "" {
		return IngestionSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return IngestionSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return IngestionSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListRawEvents(ctx, req.TenantID, req.Range.From, req.Range.To)
	if err != nil {
		return IngestionSummary{}, err
	}

	out := IngestionSummary{TenantID: req.TenantID}
	for _, e := range rows {
		out.RawEvents++
		if e.NormalizeFailed {
			out.NormalizeFailed++
		}
		switch e.Provider {
		case event.ProviderA:
			out.ProviderAEvents++
		case event.ProviderB:
			out.ProviderBEvents++
		}
	}
	return out, nil
}
