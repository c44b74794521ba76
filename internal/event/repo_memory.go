package event

import (
	"context"
	"sync"
)

// MemoryRawEvents is an in-memory RawEventRepository for tests.
type MemoryRawEvents struct {
	mu     sync.Mutex
	byID   map[string]RawEvent
	dedupe map[string]bool
}

func NewMemoryRawEvents() *MemoryRawEvents {
	return &MemoryRawEvents{
		byID:   map[string]RawEvent{},
		dedupe: map[string]bool{},
	}
}

func (r *MemoryRawEvents) Insert(ctx context.Context, e RawEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := e.TenantID + "|" + e.ProviderEventID
	if r.dedupe[key] {
		return false, nil
	}
	r.dedupe[key] = true
	r.byID[e.ID] = e
	return true, nil
}

func (r *MemoryRawEvents) MarkNormalizeFailed(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	e.NormalizeFailed = true
	r.byID[id] = e
	return nil
}

func (r *MemoryRawEvents) ListFailed(ctx context.Context, tenantID string, limit int) ([]RawEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RawEvent
	for _, e := range r.byID {
		if e.TenantID == tenantID && e.NormalizeFailed {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *MemoryRawEvents) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
