package subscription

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"callpipeline/internal/audit"
	"callpipeline/internal/event"
	"callpipeline/internal/providerb"
	"callpipeline/pkg/utils"
)

var ErrUnknownProvider = errors.New("subscription: unknown provider")

// ProviderBAPI is the slice of the provider-B client the manager uses.
type ProviderBAPI interface {
	CreateChannel(ctx context.Context, tenantID, targetURL, signatureSecret string, lifetime time.Duration) (providerb.Channel, error)
	ExtendChannel(ctx context.Context, tenantID, channelID string, lifetime time.Duration) (time.Time, error)
	DeleteChannel(ctx context.Context, tenantID, channelID string) error
	CreateSession(ctx context.Context, tenantID, channelID string) (string, error)
	DeleteSession(ctx context.Context, tenantID, sessionID string) error
	ListLines(ctx context.Context, tenantID string) ([]providerb.Line, error)
	SubscribeLine(ctx context.Context, tenantID, sessionID, lineID string) error
}

// Options configures the manager.
type Options struct {
	// PublicBaseURL is the externally reachable base of this service;
	// webhook target URLs are derived from it.
	PublicBaseURL string
	// ChannelLifetime is requested on channel create and extend.
	ChannelLifetime time.Duration
}

// Manager owns the subscription lifecycle for both provider families.
type Manager struct {
	repo  Repository
	api   ProviderBAPI
	audit *audit.Service
	opts  Options

	clock func() time.Time
	log   *slog.Logger
}

func NewManager(repo Repository, api ProviderBAPI, auditSvc *audit.Service, opts Options, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if opts.ChannelLifetime <= 0 {
		opts.ChannelLifetime = time.Hour
	}
	return &Manager{
		repo:  repo,
		api:   api,
		audit: auditSvc,
		opts:  opts,
		clock: time.Now,
		log:   log,
	}
}

// SweepInterval is how often Sweep should run so that an extension
// failure is noticed well before the channel expires.
func (m *Manager) SweepInterval() time.Duration {
	return m.opts.ChannelLifetime / 3
}

// Create registers a subscription for the tenant.
//
// Provider-A needs no remote setup: the generated shared secret goes
// into the webhook URL the operator configures on the provider side.
//
// Provider-B is remote-heavy: the channel row exists locally before the
// remote call so an incoming webhook can always resolve its secret; on
// remote failure every local trace is removed again.
func (m *Manager) Create(ctx context.Context, tenantID string, provider event.Provider, actorOperatorID, actorRole string) (Subscription, error) {
	now := m.clock().UTC()
	sub := Subscription{
		ID:        utils.NewID(),
		TenantID:  tenantID,
		Provider:  provider,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	switch provider {
	case event.ProviderA:
		sub.SharedSecret = randomSecret()
		if err := m.repo.CreateSubscription(ctx, sub); err != nil {
			return Subscription{}, err
		}
	case event.ProviderB:
		if err := m.repo.CreateSubscription(ctx, sub); err != nil {
			return Subscription{}, err
		}
		if err := m.setupChannel(ctx, sub); err != nil {
			if derr := m.repo.DeleteSubscription(ctx, sub.ID); derr != nil {
				m.log.Error("rollback subscription failed", "subscription_id", sub.ID, "err", derr)
			}
			return Subscription{}, err
		}
	default:
		return Subscription{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	if m.audit != nil {
		if err := m.audit.LogSubscription(ctx, audit.EventTypeSubscriptionCreated,
			tenantID, sub.ID, actorOperatorID, actorRole, string(provider)); err != nil {
			m.log.Error("audit append failed", "err", err)
		}
	}
	return sub, nil
}

func (m *Manager) setupChannel(ctx context.Context, sub Subscription) error {
	now := m.clock().UTC()
	ch := Channel{
		ID:              utils.NewID(),
		SubscriptionID:  sub.ID,
		TenantID:        sub.TenantID,
		SignatureSecret: randomSecret(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.repo.CreateChannel(ctx, ch); err != nil {
		return err
	}

	remote, err := m.api.CreateChannel(ctx, sub.TenantID, m.webhookURL(), ch.SignatureSecret, m.opts.ChannelLifetime)
	if err != nil {
		if derr := m.repo.DeleteChannel(ctx, ch.ID); derr != nil {
			m.log.Error("rollback channel failed", "channel_id", ch.ID, "err", derr)
		}
		return fmt.Errorf("remote channel create: %w", err)
	}
	ch.RemoteID = remote.ID
	ch.ExpiresAt = remote.ExpiresAt
	ch.Active = true
	ch.UpdatedAt = m.clock().UTC()
	if err := m.repo.SaveChannel(ctx, ch); err != nil {
		return err
	}

	if err := m.attachSession(ctx, ch); err != nil {
		if derr := m.api.DeleteChannel(ctx, sub.TenantID, ch.RemoteID); derr != nil {
			m.log.Error("remote channel cleanup failed", "channel_id", ch.ID, "err", derr)
		}
		if derr := m.repo.DeleteChannel(ctx, ch.ID); derr != nil {
			m.log.Error("rollback channel failed", "channel_id", ch.ID, "err", derr)
		}
		return err
	}
	return nil
}

// attachSession creates the event session on the channel and subscribes
// every provisioned line to it.
func (m *Manager) attachSession(ctx context.Context, ch Channel) error {
	remoteSession, err := m.api.CreateSession(ctx, ch.TenantID, ch.RemoteID)
	if err != nil {
		return fmt.Errorf("remote session create: %w", err)
	}
	now := m.clock().UTC()
	sess := Session{
		ID:        utils.NewID(),
		ChannelID: ch.ID,
		RemoteID:  remoteSession,
		CreatedAt: now,
	}
	if err := m.repo.CreateSession(ctx, sess); err != nil {
		return err
	}

	remoteLines, err := m.api.ListLines(ctx, ch.TenantID)
	if err != nil {
		return fmt.Errorf("list lines: %w", err)
	}
	lines := make([]Line, 0, len(remoteLines))
	for _, rl := range remoteLines {
		if err := m.api.SubscribeLine(ctx, ch.TenantID, remoteSession, rl.ID); err != nil {
			return fmt.Errorf("subscribe line %s: %w", rl.ID, err)
		}
		lines = append(lines, Line{
			ID:        utils.NewID(),
			SessionID: sess.ID,
			TenantID:  ch.TenantID,
			RemoteID:  rl.ID,
			Number:    rl.Number,
			Name:      rl.Name,
			CreatedAt: now,
		})
	}
	return m.repo.ReplaceLines(ctx, sess.ID, lines)
}

// Delete removes the subscription. Remote teardown is best-effort;
// local rows go regardless so the webhook stops being accepted.
func (m *Manager) Delete(ctx context.Context, tenantID, id, actorOperatorID, actorRole string) error {
	sub, err := m.repo.GetSubscription(ctx, tenantID, id)
	if err != nil {
		return err
	}

	if sub.Provider == event.ProviderB {
		channels, err := m.repo.ChannelsBySubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		for _, ch := range channels {
			if sess, err := m.repo.GetSessionByChannel(ctx, ch.ID); err == nil {
				if derr := m.api.DeleteSession(ctx, tenantID, sess.RemoteID); derr != nil {
					m.log.Warn("remote session delete failed", "session_id", sess.ID, "err", derr)
				}
			}
			if ch.RemoteID != "" {
				if derr := m.api.DeleteChannel(ctx, tenantID, ch.RemoteID); derr != nil {
					m.log.Warn("remote channel delete failed", "channel_id", ch.ID, "err", derr)
				}
			}
		}
	}

	if err := m.repo.DeleteSubscription(ctx, sub.ID); err != nil {
		return err
	}
	if m.audit != nil {
		if err := m.audit.LogSubscription(ctx, audit.EventTypeSubscriptionDeleted,
			tenantID, sub.ID, actorOperatorID, actorRole, string(sub.Provider)); err != nil {
			m.log.Error("audit append failed", "err", err)
		}
	}
	return nil
}

// Sweep extends every active channel's lifetime and recreates channels
// a previous sweep marked inactive. Returns counts for logging.
func (m *Manager) Sweep(ctx context.Context) (extended, recreated int, err error) {
	active, err := m.repo.ListChannels(ctx, true)
	if err != nil {
		return 0, 0, err
	}
	for _, ch := range active {
		expires, err := m.api.ExtendChannel(ctx, ch.TenantID, ch.RemoteID, m.opts.ChannelLifetime)
		if err != nil {
			m.log.Warn("channel extend failed, marking inactive",
				"channel_id", ch.ID, "tenant", ch.TenantID, "err", err)
			ch.Active = false
			ch.UpdatedAt = m.clock().UTC()
			if serr := m.repo.SaveChannel(ctx, ch); serr != nil {
				return extended, recreated, serr
			}
			continue
		}
		ch.ExpiresAt = expires
		ch.UpdatedAt = m.clock().UTC()
		if serr := m.repo.SaveChannel(ctx, ch); serr != nil {
			return extended, recreated, serr
		}
		extended++
	}

	inactive, err := m.repo.ListChannels(ctx, false)
	if err != nil {
		return extended, recreated, err
	}
	for _, ch := range inactive {
		if err := m.recreateChannel(ctx, ch); err != nil {
			m.log.Warn("channel recreate failed", "channel_id", ch.ID, "err", err)
			continue
		}
		recreated++
	}
	return extended, recreated, nil
}

// recreateChannel provisions a fresh remote channel for a dead local
// one. The signature secret rotates with the remote channel.
func (m *Manager) recreateChannel(ctx context.Context, ch Channel) error {
	ch.SignatureSecret = randomSecret()
	remote, err := m.api.CreateChannel(ctx, ch.TenantID, m.webhookURL(), ch.SignatureSecret, m.opts.ChannelLifetime)
	if err != nil {
		return err
	}
	ch.RemoteID = remote.ID
	ch.ExpiresAt = remote.ExpiresAt
	ch.Active = true
	ch.UpdatedAt = m.clock().UTC()
	if err := m.repo.SaveChannel(ctx, ch); err != nil {
		return err
	}
	if err := m.attachSession(ctx, ch); err != nil {
		return err
	}
	if m.audit != nil {
		aerr := m.audit.Append(ctx, audit.Event{
			Type:      audit.EventTypeChannelRecreated,
			TenantID:  ch.TenantID,
			ChannelID: ch.ID,
			Message:   "channel recreated after failed extension",
		})
		if aerr != nil {
			m.log.Error("audit append failed", "err", aerr)
		}
	}
	return nil
}

// ListLines returns the tenant's lines from the provider, refreshing
// the local cache; on provider failure the cached rows are returned.
func (m *Manager) ListLines(ctx context.Context, tenantID string) ([]Line, error) {
	remoteLines, err := m.api.ListLines(ctx, tenantID)
	if err != nil {
		m.log.Warn("remote line listing failed, serving cache", "tenant", tenantID, "err", err)
		return m.repo.ListLines(ctx, tenantID)
	}
	now := m.clock().UTC()
	out := make([]Line, 0, len(remoteLines))
	for _, rl := range remoteLines {
		out = append(out, Line{
			ID:        utils.NewID(),
			TenantID:  tenantID,
			RemoteID:  rl.ID,
			Number:    rl.Number,
			Name:      rl.Name,
			CreatedAt: now,
		})
	}
	return out, nil
}

func (m *Manager) webhookURL() string {
	return m.opts.PublicBaseURL + "/integrations/providerb/webhook"
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("subscription: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
