package reporting

import (
	"context"
	"database/sql"
	"time"

	"callpipeline/internal/calls"
	"callpipeline/internal/event"
)

// PostgresRepo reads the columns the summaries aggregate over; it never
// hydrates full rows.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) ListFinalCalls(ctx context.Context, tenantID string, from, to time.Time, direction event.Direction) ([]calls.Call, error) {
	const q = `
SELECT duration, call_connection, went_to_voicemail, call_direction
FROM calls
WHERE tenant_id = $1 AND state = 'final'
  AND call_start_time >= $2 AND call_start_time < $3
  AND ($4 = '' OR call_direction = $4)
`
	rows, err := r.db.QueryContext(ctx, q, tenantID, from, to, string(direction))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.Call
	for rows.Next() {
		c := calls.Call{TenantID: tenantID, State: calls.StateFinal}
		if err := rows.Scan(&c.DurationSeconds, &c.Connection, &c.WentToVoicemail, &c.Direction); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ListRawEvents(ctx context.Context, tenantID string, from, to time.Time) ([]event.RawEvent, error) {
	const q = `
SELECT id, provider, normalize_failed, received_at
FROM raw_events
WHERE tenant_id = $1 AND received_at >= $2 AND received_at < $3
`
	rows, err := r.db.QueryContext(ctx, q, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.RawEvent
	for rows.Next() {
		e := event.RawEvent{TenantID: tenantID}
		if err := rows.Scan(&e.ID, &e.Provider, &e.NormalizeFailed, &e.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
