package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"callpipeline/pkg/utils"

	"callpipeline/internal/event"
)

var (
	ErrNotFound        = errors.New("call not found")
	ErrVersionConflict = errors.New("call version conflict")
)

// Repository is the persistence contract for calls and partials.
//
// NOTE: assumes tables:
// - calls (version column for optimistic locking)
// - call_partials, UNIQUE (call_id, t_started, t_ended)
// - call_originators, PRIMARY KEY (tenant_id, originator_id)
type Repository interface {
	// CreateCall inserts the call, its initial partial, and the
	// originator index row in one transaction.
	CreateCall(ctx context.Context, c Call, initial Partial, originatorID string) error

	GetCall(ctx context.Context, tenantID, callID string) (Call, error)

	// GetByOriginator resolves the originator index; ok=false when the
	// originator has never been seen.
	GetByOriginator(ctx context.Context, tenantID, originatorID string) (Call, bool, error)

	// Rekey moves the originator index entry from oldID to newID,
	// preserving the call. Used for replace events.
	Rekey(ctx context.Context, tenantID, oldID, newID string) error

	// UpdateCall writes the row guarded by c.Version; on a concurrent
	// write it returns ErrVersionConflict and the caller retries.
	UpdateCall(ctx context.Context, c Call) error

	// AddPartial inserts the partial; returns false when the exact
	// window is already present for the call.
	AddPartial(ctx context.Context, p Partial) (bool, error)

	// ReplacePartial rewrites one partial's window (overlap truncation).
	ReplacePartial(ctx context.Context, p Partial) error

	ListPartials(ctx context.Context, callID string) ([]Partial, error)

	// ListFinal returns finalized calls for a tenant window, oldest
	// first, capped at limit. direction filters when non-empty.
	ListFinal(ctx context.Context, tenantID string, from, to time.Time, direction event.Direction, limit int) ([]Call, error)
}

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (r *Postgres) CreateCall(ctx context.Context, c Call, initial Partial, originatorID string) error {
	return utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const qCall = `
INSERT INTO calls (
  id, tenant_id, call_start_time, call_end_time, duration, call_direction,
  sip_caller_number, sip_caller_name, sip_callee_number,
  call_connection, went_to_voicemail, who_terminated, state, version, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)
`
		if _, err := tx.ExecContext(ctx, qCall,
			c.ID, c.TenantID, c.StartTime, nullTime(c.EndTime), c.DurationSeconds, c.Direction,
			c.CallerNumber, c.CallerName, c.CalleeNumber,
			nullString(string(c.Connection)), c.WentToVoicemail, c.WhoTerminated, c.State, c.Version, c.CreatedAt, c.UpdatedAt,
		); err != nil {
			return err
		}

		const qPartial = `
INSERT INTO call_partials (id, call_id, t_started, t_ended) VALUES ($1,$2,$3,$4)
`
		if _, err := tx.ExecContext(ctx, qPartial, initial.ID, initial.CallID, initial.StartedAt, initial.EndedAt); err != nil {
			return err
		}

		const qOrig = `
INSERT INTO call_originators (tenant_id, originator_id, call_id) VALUES ($1,$2,$3)
`
		_, err := tx.ExecContext(ctx, qOrig, c.TenantID, originatorID, c.ID)
		return err
	})
}

const callColumns = `
id, tenant_id, call_start_time, call_end_time, duration, call_direction,
sip_caller_number, sip_caller_name, sip_callee_number,
call_connection, went_to_voicemail, who_terminated, state, version, created_at, updated_at
`

func scanCall(row interface{ Scan(...any) error }) (Call, error) {
	var c Call
	var end sql.NullTime
	var conn sql.NullString
	err := row.Scan(
		&c.ID, &c.TenantID, &c.StartTime, &end, &c.DurationSeconds, &c.Direction,
		&c.CallerNumber, &c.CallerName, &c.CalleeNumber,
		&conn, &c.WentToVoicemail, &c.WhoTerminated, &c.State, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Call{}, err
	}
	if end.Valid {
		c.EndTime = end.Time
	}
	if conn.Valid {
		c.Connection = Connection(conn.String)
	}
	return c, nil
}

func (r *Postgres) GetCall(ctx context.Context, tenantID, callID string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE tenant_id = $1 AND id = $2`
	c, err := scanCall(r.db.QueryRowContext(ctx, q, tenantID, callID))
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	return c, err
}

func (r *Postgres) GetByOriginator(ctx context.Context, tenantID, originatorID string) (Call, bool, error) {
	q := `
SELECT ` + callColumns + `
FROM calls c
JOIN call_originators o ON o.call_id = c.id AND o.tenant_id = c.tenant_id
WHERE o.tenant_id = $1 AND o.originator_id = $2
`
	c, err := scanCall(r.db.QueryRowContext(ctx, q, tenantID, originatorID))
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, false, nil
	}
	if err != nil {
		return Call{}, false, err
	}
	return c, true, nil
}

func (r *Postgres) Rekey(ctx context.Context, tenantID, oldID, newID string) error {
	const q = `
UPDATE call_originators SET originator_id = $3
WHERE tenant_id = $1 AND originator_id = $2
`
	res, err := r.db.ExecContext(ctx, q, tenantID, oldID, newID)
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

func (r *Postgres) UpdateCall(ctx context.Context, c Call) error {
	const q = `
UPDATE calls SET
  call_start_time = $3, call_end_time = $4, duration = $5, call_direction = $6,
  sip_caller_number = $7, sip_caller_name = $8, sip_callee_number = $9,
  call_connection = $10, went_to_voicemail = $11, who_terminated = $12,
  state = $13, version = version + 1, updated_at = $14
WHERE tenant_id = $1 AND id = $2 AND version = $15
`
	res, err := r.db.ExecContext(ctx, q,
		c.TenantID, c.ID,
		c.StartTime, nullTime(c.EndTime), c.DurationSeconds, c.Direction,
		c.CallerNumber, c.CallerName, c.CalleeNumber,
		nullString(string(c.Connection)), c.WentToVoicemail, c.WhoTerminated,
		c.State, c.UpdatedAt, c.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *Postgres) AddPartial(ctx context.Context, p Partial) (bool, error) {
	const q = `
INSERT INTO call_partials (id, call_id, t_started, t_ended)
VALUES ($1,$2,$3,$4)
ON CONFLICT (call_id, t_started, t_ended) DO NOTHING
`
	res, err := r.db.ExecContext(ctx, q, p.ID, p.CallID, p.StartedAt, p.EndedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Postgres) ReplacePartial(ctx context.Context, p Partial) error {
	const q = `UPDATE call_partials SET t_started = $2, t_ended = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, q, p.ID, p.StartedAt, p.EndedAt)
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

func (r *Postgres) ListPartials(ctx context.Context, callID string) ([]Partial, error) {
	const q = `
SELECT id, call_id, t_started, t_ended
FROM call_partials
WHERE call_id = $1
ORDER BY t_started, t_ended
`
	rows, err := r.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Partial
	for rows.Next() {
		var p Partial
		if err := rows.Scan(&p.ID, &p.CallID, &p.StartedAt, &p.EndedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Postgres) ListFinal(ctx context.Context, tenantID string, from, to time.Time, direction event.Direction, limit int) ([]Call, error) {
	q := `
SELECT ` + callColumns + `
FROM calls
WHERE tenant_id = $1 AND state = 'final'
  AND call_start_time >= $2 AND call_start_time < $3
  AND ($4 = '' OR call_direction = $4)
ORDER BY call_start_time
LIMIT $5
`
	rows, err := r.db.QueryContext(ctx, q, tenantID, from, to, string(direction), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
