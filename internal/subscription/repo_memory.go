package subscription

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory Repository for manager tests.
type MemoryRepo struct {
	mu       sync.Mutex
	subs     map[string]Subscription
	channels map[string]Channel
	sessions map[string]Session // channel id -> session
	lines    map[string][]Line  // session id -> lines
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		subs:     map[string]Subscription{},
		channels: map[string]Channel{},
		sessions: map[string]Session{},
		lines:    map[string][]Line{},
	}
}

func (r *MemoryRepo) CreateSubscription(ctx context.Context, s Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[s.ID] = s
	return nil
}

func (r *MemoryRepo) GetSubscription(ctx context.Context, tenantID, id string) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok || s.TenantID != tenantID {
		return Subscription{}, ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepo) DeleteSubscription(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return ErrNotFound
	}
	delete(r.subs, id)
	for chID, ch := range r.channels {
		if ch.SubscriptionID != id {
			continue
		}
		if sess, ok := r.sessions[chID]; ok {
			delete(r.lines, sess.ID)
		}
		delete(r.sessions, chID)
		delete(r.channels, chID)
	}
	return nil
}

func (r *MemoryRepo) CreateChannel(ctx context.Context, ch Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.ID] = ch
	return nil
}

func (r *MemoryRepo) GetChannelByRemoteID(ctx context.Context, remoteID string) (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.channels {
		if ch.RemoteID == remoteID && remoteID != "" {
			return ch, nil
		}
	}
	return Channel{}, ErrNotFound
}

func (r *MemoryRepo) SaveChannel(ctx context.Context, ch Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[ch.ID]; !ok {
		return ErrNotFound
	}
	r.channels[ch.ID] = ch
	return nil
}

func (r *MemoryRepo) DeleteChannel(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id]; ok {
		delete(r.lines, sess.ID)
	}
	delete(r.sessions, id)
	delete(r.channels, id)
	return nil
}

func (r *MemoryRepo) ListChannels(ctx context.Context, active bool) ([]Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Channel
	for _, ch := range r.channels {
		if ch.Active == active {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepo) ChannelsBySubscription(ctx context.Context, subscriptionID string) ([]Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Channel
	for _, ch := range r.channels {
		if ch.SubscriptionID == subscriptionID {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepo) CreateSession(ctx context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ChannelID] = s
	return nil
}

func (r *MemoryRepo) GetSessionByChannel(ctx context.Context, channelID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[channelID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepo) ReplaceLines(ctx context.Context, sessionID string, lines []Line) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Line, len(lines))
	copy(out, lines)
	r.lines[sessionID] = out
	return nil
}

func (r *MemoryRepo) ListLines(ctx context.Context, tenantID string) ([]Line, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Line
	for _, list := range r.lines {
		for _, l := range list {
			if l.TenantID == tenantID {
				out = append(out, l)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// ChannelByID is a test helper.
func (r *MemoryRepo) ChannelByID(id string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	return ch, ok
}
