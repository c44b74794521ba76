package reporting

import (
	"context"
	"errors"
	"sync"
	"time"

	"callpipeline/internal/calls"
	"callpipeline/internal/event"
)

// MemoryRepo is a simple in-memory reporting repository for tests.
// It enforces tenant isolation on reads.
type MemoryRepo struct {
	mu sync.Mutex

	Calls  []calls.Call
	Events []event.RawEvent
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) ListFinalCalls(ctx context.Context, tenantID string, from, to time.Time, direction event.Direction) ([]calls.Call, error) {
	if tenantID == "" {
		return nil, errors.New("tenant_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.Call, 0)
	for _, c := range r.Calls {
		if c.TenantID != tenantID || c.State != calls.StateFinal {
			continue
		}
		if c.StartTime.Before(from) || !c.StartTime.Before(to) {
			continue
		}
		if direction != "" && c.Direction != direction {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *MemoryRepo) ListRawEvents(ctx context.Context, tenantID string, from, to time.Time) ([]event.RawEvent, error) {
	if tenantID == "" {
		return nil, errors.New("tenant_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.RawEvent, 0)
	for _, e := range r.Events {
		if e.TenantID != tenantID {
			continue
		}
		if e.ReceivedAt.Before(from) || !e.ReceivedAt.Before(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
