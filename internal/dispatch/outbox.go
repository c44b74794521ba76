package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"callpipeline/pkg/utils"
)

// OutboxRepository stores events whose publish persistently failed.
// Rows are replayed by the janitor and marked delivered; they are never
// deleted so the event history stays auditable.
//
// NOTE: assumes table dispatch_outbox
// (id, topic, attributes jsonb, body jsonb, created_at, delivered_at).
type OutboxRepository interface {
	Append(ctx context.Context, msg Message) error
	ListPending(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
}

type OutboxEntry struct {
	ID        string
	Message   Message
	CreatedAt time.Time
}

type PostgresOutbox struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresOutbox(db *sql.DB) *PostgresOutbox {
	return &PostgresOutbox{db: db, clock: time.Now}
}

func (r *PostgresOutbox) Append(ctx context.Context, msg Message) error {
	attrs, err := json.Marshal(msg.Attributes)
	if err != nil {
		return err
	}
	body, err := json.Marshal(msg.Body)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO dispatch_outbox (id, topic, attributes, body, created_at)
VALUES ($1,$2,$3,$4,$5)
`
	_, err = r.db.ExecContext(ctx, q, utils.NewID(), msg.Topic, attrs, body, r.clock().UTC())
	return err
}

func (r *PostgresOutbox) ListPending(ctx context.Context, limit int) ([]OutboxEntry, error) {
	const q = `
SELECT id, topic, attributes, body, created_at
FROM dispatch_outbox
WHERE delivered_at IS NULL
ORDER BY created_at
LIMIT $1
`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var topic string
		var attrs, body []byte
		if err := rows.Scan(&e.ID, &topic, &attrs, &body, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Message.Topic = Topic(topic)
		if err := json.Unmarshal(attrs, &e.Message.Attributes); err != nil {
			return nil, err
		}
		var raw json.RawMessage
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, err
		}
		e.Message.Body = raw
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresOutbox) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE dispatch_outbox SET delivered_at = $2 WHERE id = $1 AND delivered_at IS NULL`
	_, err := r.db.ExecContext(ctx, q, id, at)
	return err
}

// MemoryOutbox is an in-memory OutboxRepository for tests.
type MemoryOutbox struct {
	mu      sync.Mutex
	entries []OutboxEntry
}

func NewMemoryOutbox() *MemoryOutbox { return &MemoryOutbox{} }

func (r *MemoryOutbox) Append(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, OutboxEntry{
		ID:        utils.NewID(),
		Message:   msg,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (r *MemoryOutbox) ListPending(ctx context.Context, limit int) ([]OutboxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OutboxEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryOutbox) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.ID == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (r *MemoryOutbox) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
