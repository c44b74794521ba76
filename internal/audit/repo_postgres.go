package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends audit events to the audit_events table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, tenant_id, type, actor_operator_id, actor_role,
  subscription_id, channel_id, credential_id, call_id,
  message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.TenantID,
		e.Type,
		e.ActorOperatorID,
		e.ActorRole,
		e.SubscriptionID,
		e.ChannelID,
		e.CredentialID,
		e.CallID,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}
