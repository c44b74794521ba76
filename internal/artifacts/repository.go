package artifacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("artifacts: not found")
	// ErrVersionConflict means another fetcher advanced the artifact
	// first; re-read and retry.
	ErrVersionConflict = errors.New("artifacts: version conflict")
)

type Repository interface {
	CreateAudio(ctx context.Context, a Audio) error
	GetAudio(ctx context.Context, tenantID, id string) (Audio, error)
	// UpdateAudio is guarded by the stored version.
	UpdateAudio(ctx context.Context, a Audio) error
	// UploadedAudio returns the canonical uploaded audio for the call
	// and mime type, if any.
	UploadedAudio(ctx context.Context, callID, mimeType string) (Audio, bool, error)

	CreateTranscript(ctx context.Context, t Transcript) error
	GetTranscript(ctx context.Context, tenantID, id string) (Transcript, error)
	SaveTranscript(ctx context.Context, t Transcript) error
	// LatestFullTranscript returns the most recently updated uploaded
	// full transcript of the call.
	LatestFullTranscript(ctx context.Context, callID string) (Transcript, error)
}

const audioColumns = `id, tenant_id, call_id, provider, mime_type, duration,
	bucket, key, status, attempts, version, created_at, updated_at`

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) CreateAudio(ctx context.Context, a Audio) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audio_artifacts (`+audioColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,0,$11,$12)`,
		a.ID, a.TenantID, a.CallID, a.Provider, a.MimeType, a.DurationSeconds,
		a.Bucket, a.Key, a.Status, a.Attempts, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert audio: %w", err)
	}
	return nil
}

func (r *PostgresRepo) GetAudio(ctx context.Context, tenantID, id string) (Audio, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+audioColumns+` FROM audio_artifacts WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)
	return scanAudio(row)
}

func (r *PostgresRepo) UpdateAudio(ctx context.Context, a Audio) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE audio_artifacts
		 SET mime_type = $2, duration = $3, bucket = $4, key = $5, status = $6,
		     attempts = $7, version = version + 1, updated_at = $8
		 WHERE id = $1 AND version = $9`,
		a.ID, a.MimeType, a.DurationSeconds, a.Bucket, a.Key, a.Status,
		a.Attempts, a.UpdatedAt, a.Version)
	if err != nil {
		return fmt.Errorf("update audio: %w", err)
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

func (r *PostgresRepo) UploadedAudio(ctx context.Context, callID, mimeType string) (Audio, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+audioColumns+` FROM audio_artifacts
		 WHERE call_id = $1 AND mime_type = $2 AND status = 'uploaded'`,
		callID, mimeType)
	a, err := scanAudio(row)
	if errors.Is(err, ErrNotFound) {
		return Audio{}, false, nil
	}
	if err != nil {
		return Audio{}, false, err
	}
	return a, true, nil
}

const transcriptColumns = `id, tenant_id, call_id, type, derived_from_audio_id,
	bucket, key, status, created_at, updated_at`

func (r *PostgresRepo) CreateTranscript(ctx context.Context, t Transcript) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO transcript_artifacts (`+transcriptColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, t.TenantID, t.CallID, t.Type, t.DerivedFromAudioID,
		t.Bucket, t.Key, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

func (r *PostgresRepo) GetTranscript(ctx context.Context, tenantID, id string) (Transcript, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transcriptColumns+` FROM transcript_artifacts WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)
	return scanTranscript(row)
}

func (r *PostgresRepo) SaveTranscript(ctx context.Context, t Transcript) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE transcript_artifacts
		 SET bucket = $2, key = $3, status = $4, updated_at = $5
		 WHERE id = $1`,
		t.ID, t.Bucket, t.Key, t.Status, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
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

func (r *PostgresRepo) LatestFullTranscript(ctx context.Context, callID string) (Transcript, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transcriptColumns+` FROM transcript_artifacts
		 WHERE call_id = $1 AND type = 'full' AND status = 'uploaded'
		 ORDER BY updated_at DESC LIMIT 1`,
		callID)
	return scanTranscript(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAudio(row rowScanner) (Audio, error) {
	var a Audio
	err := row.Scan(&a.ID, &a.TenantID, &a.CallID, &a.Provider, &a.MimeType, &a.DurationSeconds,
		&a.Bucket, &a.Key, &a.Status, &a.Attempts, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Audio{}, ErrNotFound
	}
	if err != nil {
		return Audio{}, fmt.Errorf("scan audio: %w", err)
	}
	return a, nil
}

func scanTranscript(row rowScanner) (Transcript, error) {
	var t Transcript
	err := row.Scan(&t.ID, &t.TenantID, &t.CallID, &t.Type, &t.DerivedFromAudioID,
		&t.Bucket, &t.Key, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Transcript{}, ErrNotFound
	}
	if err != nil {
		return Transcript{}, fmt.Errorf("scan transcript: %w", err)
	}
	return t, nil
}
