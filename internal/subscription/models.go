package subscription

import (
	"time"

	"callpipeline/internal/event"
)

// Subscription is one tenant's registration for a provider's webhooks.
type Subscription struct {
	ID       string         `json:"id" db:"id"`
	TenantID string         `json:"tenant_id" db:"tenant_id"`
	Provider event.Provider `json:"provider" db:"provider"`

	// SharedSecret authenticates provider-A deliveries; it is carried as
	// a query parameter on the webhook URL. Unused for provider-B, which
	// signs per channel.
	SharedSecret string `json:"-" db:"shared_secret"`

	Active bool `json:"active" db:"active"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Channel is a provider-B webhook channel.
//
// Lifetime invariants:
// - A session never outlives its channel.
// - Deleting a channel cascades its sessions and line subscriptions.
type Channel struct {
	ID             string `json:"id" db:"id"`
	SubscriptionID string `json:"subscription_id" db:"subscription_id"`
	TenantID       string `json:"tenant_id" db:"tenant_id"`

	// RemoteID is assigned by the provider; empty until the remote
	// create succeeds.
	RemoteID string `json:"remote_id" db:"remote_id"`

	// SignatureSecret is generated locally before the remote create and
	// never rotates for the life of the channel.
	SignatureSecret string `json:"-" db:"signature_secret"`

	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`

	// Active is cleared when a lifetime extension fails; the next sweep
	// recreates inactive channels.
	Active bool `json:"active" db:"active"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Session is a provider-B event session bound to a channel.
type Session struct {
	ID        string    `json:"id" db:"id"`
	ChannelID string    `json:"channel_id" db:"channel_id"`
	RemoteID  string    `json:"remote_id" db:"remote_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Line is one phone line subscribed to a session, cached locally from
// the provider's listing.
type Line struct {
	ID        string    `json:"id" db:"id"`
	SessionID string    `json:"session_id" db:"session_id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	RemoteID  string    `json:"remote_id" db:"remote_id"`
	Number    string    `json:"number" db:"number"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
