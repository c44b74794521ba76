package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("subscription: not found")

type Repository interface {
	CreateSubscription(ctx context.Context, s Subscription) error
	GetSubscription(ctx context.Context, tenantID, id string) (Subscription, error)
	// DeleteSubscription removes the subscription; channels, sessions
	// and lines cascade.
	DeleteSubscription(ctx context.Context, id string) error

	CreateChannel(ctx context.Context, ch Channel) error
	// GetChannelByRemoteID resolves an incoming Signature-Input header's
	// channel id to the stored secret and tenant.
	GetChannelByRemoteID(ctx context.Context, remoteID string) (Channel, error)
	SaveChannel(ctx context.Context, ch Channel) error
	DeleteChannel(ctx context.Context, id string) error
	ListChannels(ctx context.Context, active bool) ([]Channel, error)
	ChannelsBySubscription(ctx context.Context, subscriptionID string) ([]Channel, error)

	CreateSession(ctx context.Context, s Session) error
	GetSessionByChannel(ctx context.Context, channelID string) (Session, error)

	ReplaceLines(ctx context.Context, sessionID string, lines []Line) error
	ListLines(ctx context.Context, tenantID string) ([]Line, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) CreateSubscription(ctx context.Context, s Subscription) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, tenant_id, provider, shared_secret, active, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		s.ID, s.TenantID, s.Provider, s.SharedSecret, s.Active, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (r *PostgresRepo) GetSubscription(ctx context.Context, tenantID, id string) (Subscription, error) {
	var s Subscription
	err := r.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, provider, shared_secret, active, created_at, updated_at
		 FROM subscriptions WHERE tenant_id = $1 AND id = $2`,
		tenantID, id).
		Scan(&s.ID, &s.TenantID, &s.Provider, &s.SharedSecret, &s.Active, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return s, nil
}

func (r *PostgresRepo) DeleteSubscription(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
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

const channelColumns = `id, subscription_id, tenant_id, remote_id, signature_secret,
	expires_at, active, created_at, updated_at`

func (r *PostgresRepo) CreateChannel(ctx context.Context, ch Channel) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO provider_channels (`+channelColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ch.ID, ch.SubscriptionID, ch.TenantID, ch.RemoteID, ch.SignatureSecret,
		nullableTime(ch.ExpiresAt), ch.Active, ch.CreatedAt, ch.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

func (r *PostgresRepo) GetChannelByRemoteID(ctx context.Context, remoteID string) (Channel, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM provider_channels WHERE remote_id = $1`, remoteID)
	return scanChannel(row)
}

func (r *PostgresRepo) SaveChannel(ctx context.Context, ch Channel) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE provider_channels
		 SET remote_id = $2, signature_secret = $3, expires_at = $4, active = $5, updated_at = $6
		 WHERE id = $1`,
		ch.ID, ch.RemoteID, ch.SignatureSecret, nullableTime(ch.ExpiresAt), ch.Active, ch.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save channel: %w", err)
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

func (r *PostgresRepo) DeleteChannel(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM provider_channels WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	return nil
}

func (r *PostgresRepo) ListChannels(ctx context.Context, active bool) ([]Channel, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM provider_channels WHERE active = $1 ORDER BY created_at`, active)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ChannelsBySubscription(ctx context.Context, subscriptionID string) ([]Channel, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM provider_channels WHERE subscription_id = $1`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("channels by subscription: %w", err)
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) CreateSession(ctx context.Context, s Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO provider_sessions (id, channel_id, remote_id, created_at)
		 VALUES ($1,$2,$3,$4)`,
		s.ID, s.ChannelID, s.RemoteID, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *PostgresRepo) GetSessionByChannel(ctx context.Context, channelID string) (Session, error) {
	var s Session
	err := r.db.QueryRowContext(ctx,
		`SELECT id, channel_id, remote_id, created_at FROM provider_sessions WHERE channel_id = $1`,
		channelID).
		Scan(&s.ID, &s.ChannelID, &s.RemoteID, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func (r *PostgresRepo) ReplaceLines(ctx context.Context, sessionID string, lines []Line) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscribed_lines WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("clear lines: %w", err)
	}
	for _, l := range lines {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO subscribed_lines (id, session_id, tenant_id, remote_id, number, name, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			l.ID, l.SessionID, l.TenantID, l.RemoteID, l.Number, l.Name, l.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert line: %w", err)
		}
	}
	return tx.Commit()
}

func (r *PostgresRepo) ListLines(ctx context.Context, tenantID string) ([]Line, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, tenant_id, remote_id, number, name, created_at
		 FROM subscribed_lines WHERE tenant_id = $1 ORDER BY number`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list lines: %w", err)
	}
	defer rows.Close()
	var out []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.SessionID, &l.TenantID, &l.RemoteID, &l.Number, &l.Name, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (Channel, error) {
	var ch Channel
	var expires sql.NullTime
	err := row.Scan(&ch.ID, &ch.SubscriptionID, &ch.TenantID, &ch.RemoteID, &ch.SignatureSecret,
		&expires, &ch.Active, &ch.CreatedAt, &ch.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	if err != nil {
		return Channel{}, fmt.Errorf("scan channel: %w", err)
	}
	if expires.Valid {
		ch.ExpiresAt = expires.Time
	}
	return ch, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
