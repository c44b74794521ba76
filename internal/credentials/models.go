package credentials

import (
	"time"

	"callpipeline/internal/event"
)

// GrantKind selects how the credential obtains access tokens.
type GrantKind string

const (
	// GrantPassword is the provider-A resource-owner grant; tokens can
	// be reissued at any time from the stored username/password.
	GrantPassword GrantKind = "password"
	// GrantRefreshRotating is the provider-B authorization_code grant
	// with single-use rotating refresh tokens.
	GrantRefreshRotating GrantKind = "refresh_rotating"
)

// Credential is one set of provider API credentials for a tenant.
//
// Invariant: at most one active credential per (tenant, provider);
// activating a credential deactivates its siblings in the same tx.
type Credential struct {
	ID       string         `json:"id" db:"id"`
	TenantID string         `json:"tenant_id" db:"tenant_id"`
	Provider event.Provider `json:"provider" db:"provider"`
	Grant    GrantKind      `json:"grant_kind" db:"grant_kind"`

	ClientID     string `json:"client_id" db:"client_id"`
	ClientSecret string `json:"-" db:"client_secret"`

	// Username/Password are set for the password grant only.
	Username string `json:"username,omitempty" db:"username"`
	Password string `json:"-" db:"password"`

	AccessToken string `json:"-" db:"access_token"`
	// RefreshToken is single-use for rotating grants; the rotated value
	// must be persisted atomically with the access token.
	RefreshToken string    `json:"-" db:"refresh_token"`
	TokenExpiry  time.Time `json:"token_expiry" db:"token_expiry"`

	Active bool `json:"active" db:"active"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TokenValid reports whether the stored access token is still usable
// at the given instant with the given refresh skew.
func (c Credential) TokenValid(now time.Time, skew time.Duration) bool {
	if c.AccessToken == "" || c.TokenExpiry.IsZero() {
		return false
	}
	return now.Add(skew).Before(c.TokenExpiry)
}
