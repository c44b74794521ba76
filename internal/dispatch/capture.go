package dispatch

import (
	"context"
	"sync"
	"time"
)

// CapturePublisher records published messages for tests.
type CapturePublisher struct {
	mu       sync.Mutex
	messages []Message

	// Fail makes every publish return this error when set.
	Fail error
}

func NewCapturePublisher() *CapturePublisher { return &CapturePublisher{} }

func (p *CapturePublisher) Publish(ctx context.Context, msg Message) error {
	if p.Fail != nil {
		return p.Fail
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *CapturePublisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

func (p *CapturePublisher) ByTopic(topic Topic) []Message {
	var out []Message
	for _, m := range p.Messages() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// DrainOutbox republishes pending outbox entries and marks the
// successful ones delivered. Returns the number replayed.
func DrainOutbox(ctx context.Context, outbox OutboxRepository, pub Publisher, limit int, now func() time.Time) (int, error) {
	if now == nil {
		now = time.Now
	}
	entries, err := outbox.ListPending(ctx, limit)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, e := range entries {
		if err := pub.Publish(ctx, e.Message); err != nil {
			// Keep the entry pending; a later drain retries it.
			return replayed, err
		}
		if err := outbox.MarkDelivered(ctx, e.ID, now().UTC()); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}
