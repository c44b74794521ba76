package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"

	"callpipeline/internal/audit"
	"callpipeline/internal/event"
)

// ErrRefreshTokenNoLongerRefreshable means the rotating refresh token
// chain is broken: either the provider rejected the stored token, or a
// rotated token could not be persisted and is lost. The credential is
// dead; the tenant must re-authorize.
var ErrRefreshTokenNoLongerRefreshable = errors.New("credentials: refresh token no longer refreshable")

// Options configures the token endpoints.
type Options struct {
	// ProviderATokenURL serves the password grant.
	ProviderATokenURL string
	// ProviderBTokenURL serves refresh-token rotation.
	ProviderBTokenURL string
	// RefreshSkew refreshes tokens this long before they expire.
	RefreshSkew time.Duration
}

// Service hands out provider access tokens, refreshing them when they
// are within the skew of expiry.
type Service struct {
	repo  Repository
	audit *audit.Service
	opts  Options

	http  *resty.Client
	clock func() time.Time
	log   *slog.Logger

	// mu serializes refreshes; rotating refresh tokens are single-use
	// and two concurrent rotations would orphan one of them.
	mu sync.Mutex
}

func NewService(repo Repository, auditSvc *audit.Service, opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if opts.RefreshSkew <= 0 {
		opts.RefreshSkew = 60 * time.Second
	}
	client := resty.New().
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second)
	return &Service{
		repo:  repo,
		audit: auditSvc,
		opts:  opts,
		http:  client,
		clock: time.Now,
		log:   log,
	}
}

// AccessToken returns a usable access token for the tenant's active
// credential, refreshing it first when needed.
func (s *Service) AccessToken(ctx context.Context, tenantID string, provider event.Provider) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.repo.GetActive(ctx, tenantID, provider)
	if err != nil {
		return "", err
	}
	now := s.clock().UTC()
	if cred.TokenValid(now, s.opts.RefreshSkew) {
		return cred.AccessToken, nil
	}

	switch cred.Grant {
	case GrantPassword:
		return s.refreshPassword(ctx, cred, now)
	case GrantRefreshRotating:
		return s.refreshRotating(ctx, cred, now)
	default:
		return "", fmt.Errorf("credentials: unknown grant kind %q", cred.Grant)
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
}

// refreshPassword reissues an access token from the stored resource
// owner credentials. Nothing rotates, so a failed persist only costs a
// re-issue on the next call.
func (s *Service) refreshPassword(ctx context.Context, cred Credential, now time.Time) (string, error) {
	var body tokenResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "password",
			"username":      cred.Username,
			"password":      cred.Password,
			"client_id":     cred.ClientID,
			"client_secret": cred.ClientSecret,
		}).
		SetResult(&body).
		Post(s.opts.ProviderATokenURL)
	if err != nil {
		return "", fmt.Errorf("password grant: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		s.markDead(ctx, cred, fmt.Sprintf("password grant rejected: %s", body.Error))
		return "", ErrNoActiveCredential
	}
	if resp.IsError() || body.AccessToken == "" {
		return "", fmt.Errorf("password grant: status %d", resp.StatusCode())
	}

	expiry := now.Add(time.Duration(body.ExpiresIn) * time.Second)
	if err := s.repo.UpdateTokens(ctx, cred.ID, body.AccessToken, cred.RefreshToken, expiry, now); err != nil {
		// Token is still usable this once even if the persist failed.
		s.log.Error("persist access token failed", "credential_id", cred.ID, "err", err)
	}
	return body.AccessToken, nil
}

// refreshRotating exchanges the stored single-use refresh token. The
// rotated pair must be persisted atomically: if the write fails the new
// refresh token is lost and the old one is already consumed, so the
// credential is declared dead rather than silently broken.
func (s *Service) refreshRotating(ctx context.Context, cred Credential, now time.Time) (string, error) {
	conf := &oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  s.opts.ProviderBTokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) && retrieve.Response != nil &&
			(retrieve.Response.StatusCode == http.StatusBadRequest ||
				retrieve.Response.StatusCode == http.StatusUnauthorized) {
			s.markDead(ctx, cred, "refresh token rejected by provider")
			return "", ErrRefreshTokenNoLongerRefreshable
		}
		return "", fmt.Errorf("refresh rotation: %w", err)
	}

	rotated := tok.RefreshToken
	if rotated == "" {
		rotated = cred.RefreshToken
	}
	if err := s.repo.UpdateTokens(ctx, cred.ID, tok.AccessToken, rotated, tok.Expiry.UTC(), now); err != nil {
		s.markDead(ctx, cred, fmt.Sprintf("rotated refresh token not persisted: %v", err))
		return "", ErrRefreshTokenNoLongerRefreshable
	}
	return tok.AccessToken, nil
}

func (s *Service) markDead(ctx context.Context, cred Credential, reason string) {
	s.log.Warn("credential dead", "credential_id", cred.ID, "tenant", cred.TenantID, "reason", reason)
	if err := s.repo.MarkInactive(ctx, cred.ID, s.clock().UTC()); err != nil {
		s.log.Error("mark credential inactive failed", "credential_id", cred.ID, "err", err)
	}
	if s.audit == nil {
		return
	}
	if err := s.audit.LogCredentialDead(ctx, cred.TenantID, cred.ID, reason); err != nil {
		s.log.Error("audit append failed", "err", err)
	}
}
