package event

import (
	"context"
	"database/sql"
	"errors"
)

// RawEventRepository persists verbatim webhook payloads.
//
// NOTE: assumes table raw_events with a unique index on
// (tenant_id, provider_event_id). Rows are kept forever.
type RawEventRepository interface {
	// Insert stores the raw event. Returns false when the
	// (tenant, provider_event_id) pair already exists; the caller treats
	// that as an acknowledged replay.
	Insert(ctx context.Context, e RawEvent) (bool, error)

	MarkNormalizeFailed(ctx context.Context, id string) error

	// ListFailed returns normalize_failed rows for reprocessing.
	ListFailed(ctx context.Context, tenantID string, limit int) ([]RawEvent, error)
}

var ErrNotFound = errors.New("not found")

type PostgresRawEvents struct {
	db *sql.DB
}

func NewPostgresRawEvents(db *sql.DB) *PostgresRawEvents {
	return &PostgresRawEvents{db: db}
}

func (r *PostgresRawEvents) Insert(ctx context.Context, e RawEvent) (bool, error) {
	const q = `
INSERT INTO raw_events (
  id, tenant_id, subscription_id, provider, provider_event_id, payload, received_at, normalize_failed
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,false
)
ON CONFLICT (tenant_id, provider_event_id) DO NOTHING
`
	res, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.TenantID,
		e.SubscriptionID,
		e.Provider,
		e.ProviderEventID,
		e.Payload,
		e.ReceivedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PostgresRawEvents) MarkNormalizeFailed(ctx context.Context, id string) error {
	const q = `UPDATE raw_events SET normalize_failed = true WHERE id = $1`
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRawEvents) ListFailed(ctx context.Context, tenantID string, limit int) ([]RawEvent, error) {
	const q = `
SELECT id, tenant_id, subscription_id, provider, provider_event_id, payload, received_at, normalize_failed
FROM raw_events
WHERE tenant_id = $1 AND normalize_failed = true
ORDER BY received_at
LIMIT $2
`
	rows, err := r.db.QueryContext(ctx, q, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RawEvent
	for rows.Next() {
		var e RawEvent
		if err := rows.Scan(
			&e.ID,
			&e.TenantID,
			&e.SubscriptionID,
			&e.Provider,
			&e.ProviderEventID,
			&e.Payload,
			&e.ReceivedAt,
			&e.NormalizeFailed,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
