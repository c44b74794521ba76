package artifacts

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory Repository for fetcher and reprocessor
// tests, mirroring the Postgres versioning behavior.
type MemoryRepo struct {
	mu          sync.Mutex
	audio       map[string]Audio
	transcripts map[string]Transcript
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		audio:       map[string]Audio{},
		transcripts: map[string]Transcript{},
	}
}

func (r *MemoryRepo) CreateAudio(ctx context.Context, a Audio) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[a.ID] = a
	return nil
}

func (r *MemoryRepo) GetAudio(ctx context.Context, tenantID, id string) (Audio, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.audio[id]
	if !ok || a.TenantID != tenantID {
		return Audio{}, ErrNotFound
	}
	return a, nil
}

func (r *MemoryRepo) UpdateAudio(ctx context.Context, a Audio) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.audio[a.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != a.Version {
		return ErrVersionConflict
	}
	a.Version++
	r.audio[a.ID] = a
	return nil
}

func (r *MemoryRepo) UploadedAudio(ctx context.Context, callID, mimeType string) (Audio, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.audio {
		if a.CallID == callID && a.MimeType == mimeType && a.Status == StatusUploaded {
			return a, true, nil
		}
	}
	return Audio{}, false, nil
}

func (r *MemoryRepo) CreateTranscript(ctx context.Context, t Transcript) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcripts[t.ID] = t
	return nil
}

func (r *MemoryRepo) GetTranscript(ctx context.Context, tenantID, id string) (Transcript, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transcripts[id]
	if !ok || t.TenantID != tenantID {
		return Transcript{}, ErrNotFound
	}
	return t, nil
}

func (r *MemoryRepo) SaveTranscript(ctx context.Context, t Transcript) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transcripts[t.ID]; !ok {
		return ErrNotFound
	}
	r.transcripts[t.ID] = t
	return nil
}

func (r *MemoryRepo) LatestFullTranscript(ctx context.Context, callID string) (Transcript, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best Transcript
	found := false
	for _, t := range r.transcripts {
		if t.CallID != callID || t.Type != TranscriptFull || t.Status != StatusUploaded {
			continue
		}
		if !found || t.UpdatedAt.After(best.UpdatedAt) {
			best = t
			found = true
		}
	}
	if !found {
		return Transcript{}, ErrNotFound
	}
	return best, nil
}

// AudioByID is a test helper.
func (r *MemoryRepo) AudioByID(id string) (Audio, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.audio[id]
	return a, ok
}
