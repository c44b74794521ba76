package credentials

import (
	"context"
	"sync"
	"time"

	"callpipeline/internal/event"
)

// MemoryRepo is an in-memory Repository for token service tests.
type MemoryRepo struct {
	mu    sync.Mutex
	creds map[string]Credential

	// FailUpdateTokens makes UpdateTokens return this error when set,
	// simulating a persist failure mid-rotation.
	FailUpdateTokens error
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{creds: map[string]Credential{}}
}

func (r *MemoryRepo) Create(ctx context.Context, c Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ex := range r.creds {
		if ex.TenantID == c.TenantID && ex.Provider == c.Provider && ex.Active {
			ex.Active = false
			r.creds[id] = ex
		}
	}
	c.Active = true
	r.creds[c.ID] = c
	return nil
}

func (r *MemoryRepo) GetActive(ctx context.Context, tenantID string, provider event.Provider) (Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.creds {
		if c.TenantID == tenantID && c.Provider == provider && c.Active {
			return c, nil
		}
	}
	return Credential{}, ErrNoActiveCredential
}

func (r *MemoryRepo) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailUpdateTokens != nil {
		return r.FailUpdateTokens
	}
	c, ok := r.creds[id]
	if !ok || !c.Active {
		return ErrNotFound
	}
	c.AccessToken = accessToken
	c.RefreshToken = refreshToken
	c.TokenExpiry = expiry
	c.UpdatedAt = now
	r.creds[id] = c
	return nil
}

func (r *MemoryRepo) MarkInactive(ctx context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[id]
	if !ok {
		return ErrNotFound
	}
	c.Active = false
	c.UpdatedAt = now
	r.creds[id] = c
	return nil
}

func (r *MemoryRepo) Get(id string) (Credential, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[id]
	return c, ok
}
