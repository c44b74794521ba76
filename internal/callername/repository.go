package callername

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

var ErrNotFound = errors.New("callername: not found")

type Repository interface {
	Get(ctx context.Context, number string) (Info, error)
	// Upsert replaces the record for the number.
	Upsert(ctx context.Context, info Info) error
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Get(ctx context.Context, number string) (Info, error) {
	var i Info
	err := r.db.QueryRowContext(ctx,
		`SELECT number, caller_name, caller_name_type, carrier_type, source,
		        mobile_country_code, mobile_network_code, is_known_insurance_provider, modified_at
		 FROM caller_name_info WHERE number = $1`, number).
		Scan(&i.Number, &i.CallerName, &i.CallerNameType, &i.CarrierType, &i.Source,
			&i.MobileCountryCode, &i.MobileNetworkCode, &i.IsKnownInsuranceProvider, &i.ModifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Info{}, ErrNotFound
	}
	if err != nil {
		return Info{}, fmt.Errorf("get caller name: %w", err)
	}
	return i, nil
}

func (r *PostgresRepo) Upsert(ctx context.Context, info Info) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO caller_name_info
		   (number, caller_name, caller_name_type, carrier_type, source,
		    mobile_country_code, mobile_network_code, is_known_insurance_provider, modified_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (number) DO UPDATE SET
		   caller_name = EXCLUDED.caller_name,
		   caller_name_type = EXCLUDED.caller_name_type,
		   carrier_type = EXCLUDED.carrier_type,
		   source = EXCLUDED.source,
		   mobile_country_code = EXCLUDED.mobile_country_code,
		   mobile_network_code = EXCLUDED.mobile_network_code,
		   is_known_insurance_provider = EXCLUDED.is_known_insurance_provider,
		   modified_at = EXCLUDED.modified_at`,
		info.Number, info.CallerName, info.CallerNameType, info.CarrierType, info.Source,
		info.MobileCountryCode, info.MobileNetworkCode, info.IsKnownInsuranceProvider, info.ModifiedAt)
	if err != nil {
		return fmt.Errorf("upsert caller name: %w", err)
	}
	return nil
}

// MemoryRepo is an in-memory Repository for lookup tests.
type MemoryRepo struct {
	mu   sync.Mutex
	rows map[string]Info
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{rows: map[string]Info{}} }

func (r *MemoryRepo) Get(ctx context.Context, number string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.rows[number]
	if !ok {
		return Info{}, ErrNotFound
	}
	return i, nil
}

func (r *MemoryRepo) Upsert(ctx context.Context, info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[info.Number] = info
	return nil
}
