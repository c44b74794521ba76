package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to tenant users.
// - Callers should treat audit logging as best-effort.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.TenantID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogAnomaly records a correlation anomaly (overlapping partials,
// out-of-order terminal) that processing survived with a tie-break.
func (s *Service) LogAnomaly(ctx context.Context, tenantID, callID, message, metadata string) error {
	return s.Append(ctx, Event{
		TenantID: tenantID,
		Type:     EventTypeCorrelationAnomaly,
		CallID:   callID,
		Message:  message,
		Metadata: metadata,
	})
}

// LogCredentialDead records that a credential can no longer refresh and
// needs operator re-authorization.
func (s *Service) LogCredentialDead(ctx context.Context, tenantID, credentialID, message string) error {
	return s.Append(ctx, Event{
		TenantID:     tenantID,
		Type:         EventTypeCredentialDead,
		CredentialID: credentialID,
		Message:      message,
	})
}

// LogSubscription records subscription lifecycle actions by operators.
func (s *Service) LogSubscription(ctx context.Context, typ EventType, tenantID, subscriptionID, actorOperatorID, actorRole, message string) error {
	return s.Append(ctx, Event{
		TenantID:        tenantID,
		Type:            typ,
		SubscriptionID:  subscriptionID,
		ActorOperatorID: actorOperatorID,
		ActorRole:       actorRole,
		Message:         message,
	})
}
