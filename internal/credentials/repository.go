package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"callpipeline/internal/event"
	"callpipeline/pkg/utils"
)

var (
	ErrNotFound = errors.New("credentials: not found")
	// ErrNoActiveCredential means the tenant has no usable credential
	// for the provider; the operator must re-authorize.
	ErrNoActiveCredential = errors.New("credentials: no active credential")
)

type Repository interface {
	// Create inserts the credential as active and deactivates siblings
	// for the same (tenant, provider) in the same transaction.
	Create(ctx context.Context, c Credential) error
	GetActive(ctx context.Context, tenantID string, provider event.Provider) (Credential, error)
	// UpdateTokens persists the token set in a single statement; for
	// rotating grants this is the atomic write the rotation depends on.
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry, now time.Time) error
	MarkInactive(ctx context.Context, id string, now time.Time) error
}

const credentialColumns = `id, tenant_id, provider, grant_kind, client_id, client_secret,
	username, password, access_token, refresh_token, token_expiry, active, created_at, updated_at`

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Create(ctx context.Context, c Credential) error {
	return utils.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE provider_credentials SET active = FALSE, updated_at = $3
			 WHERE tenant_id = $1 AND provider = $2 AND active`,
			c.TenantID, c.Provider, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("deactivate siblings: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO provider_credentials (`+credentialColumns+`)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,TRUE,$12,$13)`,
			c.ID, c.TenantID, c.Provider, c.Grant, c.ClientID, c.ClientSecret,
			c.Username, c.Password, c.AccessToken, c.RefreshToken,
			nullableTime(c.TokenExpiry), c.CreatedAt, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert credential: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepo) GetActive(ctx context.Context, tenantID string, provider event.Provider) (Credential, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM provider_credentials
		 WHERE tenant_id = $1 AND provider = $2 AND active`,
		tenantID, provider)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNoActiveCredential
	}
	return c, err
}

func (r *PostgresRepo) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE provider_credentials
		 SET access_token = $2, refresh_token = $3, token_expiry = $4, updated_at = $5
		 WHERE id = $1 AND active`,
		id, accessToken, refreshToken, expiry, now)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
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

func (r *PostgresRepo) MarkInactive(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE provider_credentials SET active = FALSE, updated_at = $2 WHERE id = $1`,
		id, now)
	if err != nil {
		return fmt.Errorf("mark inactive: %w", err)
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

func scanCredential(row *sql.Row) (Credential, error) {
	var c Credential
	var username, password, access, refresh sql.NullString
	var expiry sql.NullTime
	err := row.Scan(&c.ID, &c.TenantID, &c.Provider, &c.Grant, &c.ClientID, &c.ClientSecret,
		&username, &password, &access, &refresh, &expiry, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Credential{}, err
	}
	c.Username = username.String
	c.Password = password.String
	c.AccessToken = access.String
	c.RefreshToken = refresh.String
	if expiry.Valid {
		c.TokenExpiry = expiry.Time
	}
	return c, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
