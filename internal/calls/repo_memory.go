package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"callpipeline/internal/event"
)

// MemoryRepo is an in-memory Repository used by correlator and
// reprocessor tests. Behavior mirrors the Postgres implementation,
// including optimistic versioning.
type MemoryRepo struct {
	mu          sync.Mutex
	calls       map[string]Call    // call id -> call
	partials    map[string][]Partial
	originators map[string]string // tenant|originator -> call id
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		calls:       map[string]Call{},
		partials:    map[string][]Partial{},
		originators: map[string]string{},
	}
}

func origKey(tenantID, originatorID string) string { return tenantID + "|" + originatorID }

func (r *MemoryRepo) CreateCall(ctx context.Context, c Call, initial Partial, originatorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[c.ID] = c
	r.partials[c.ID] = []Partial{initial}
	r.originators[origKey(c.TenantID, originatorID)] = c.ID
	return nil
}

func (r *MemoryRepo) GetCall(ctx context.Context, tenantID, callID string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok || c.TenantID != tenantID {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) GetByOriginator(ctx context.Context, tenantID, originatorID string) (Call, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.originators[origKey(tenantID, originatorID)]
	if !ok {
		return Call{}, false, nil
	}
	return r.calls[id], true, nil
}

func (r *MemoryRepo) Rekey(ctx context.Context, tenantID, oldID, newID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.originators[origKey(tenantID, oldID)]
	if !ok {
		return ErrNotFound
	}
	delete(r.originators, origKey(tenantID, oldID))
	r.originators[origKey(tenantID, newID)] = id
	return nil
}

func (r *MemoryRepo) UpdateCall(ctx context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.calls[c.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != c.Version {
		return ErrVersionConflict
	}
	c.Version++
	r.calls[c.ID] = c
	return nil
}

func (r *MemoryRepo) AddPartial(ctx context.Context, p Partial) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ex := range r.partials[p.CallID] {
		if ex.Window(p.StartedAt, p.EndedAt) {
			return false, nil
		}
	}
	r.partials[p.CallID] = append(r.partials[p.CallID], p)
	return true, nil
}

func (r *MemoryRepo) ReplacePartial(ctx context.Context, p Partial) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for callID, list := range r.partials {
		for i, ex := range list {
			if ex.ID == p.ID {
				r.partials[callID][i] = p
				return nil
			}
		}
	}
	return ErrNotFound
}

func (r *MemoryRepo) ListPartials(ctx context.Context, callID string) ([]Partial, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Partial, len(r.partials[callID]))
	copy(out, r.partials[callID])
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].EndedAt.Before(out[j].EndedAt)
	})
	return out, nil
}

func (r *MemoryRepo) ListFinal(ctx context.Context, tenantID string, from, to time.Time, direction event.Direction, limit int) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if c.TenantID != tenantID || c.State != StateFinal {
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
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
