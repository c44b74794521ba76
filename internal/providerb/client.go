// Package providerb is the HTTP client for the dialog-event provider's
// subscription API: notification channels, event sessions, and line
// subscriptions.
package providerb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"callpipeline/internal/event"
)

// TokenSource hands out access tokens for a tenant. Implemented by
// credentials.Service.
type TokenSource interface {
	AccessToken(ctx context.Context, tenantID string, provider event.Provider) (string, error)
}

// Channel is the provider-side webhook endpoint registration.
type Channel struct {
	ID string `json:"channelId"`
	// ExpiresAt is when the provider stops delivering to the channel
	// unless its lifetime is extended.
	ExpiresAt time.Time `json:"expiresAt"`
}

// Line is one provisioned phone line on the tenant account.
type Line struct {
	ID     string `json:"lineId"`
	Number string `json:"number"`
	Name   string `json:"name"`
}

// ErrUnauthorized is returned on 401/403; callers should treat the
// tenant's credential as suspect.
var ErrUnauthorized = errors.New("providerb: unauthorized")

type Client struct {
	http   *resty.Client
	tokens TokenSource
}

func NewClient(baseURL string, tokens TokenSource) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(20 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() >= http.StatusInternalServerError
		})
	return &Client{http: c, tokens: tokens}
}

func (c *Client) req(ctx context.Context, tenantID string) (*resty.Request, error) {
	tok, err := c.tokens.AccessToken(ctx, tenantID, event.ProviderB)
	if err != nil {
		return nil, err
	}
	return c.http.R().SetContext(ctx).SetAuthToken(tok), nil
}

// CreateChannel registers a webhook channel. The signature secret is
// generated locally and shared with the provider here; it never changes
// for the life of the channel.
func (c *Client) CreateChannel(ctx context.Context, tenantID, targetURL, signatureSecret string, lifetime time.Duration) (Channel, error) {
	req, err := c.req(ctx, tenantID)
	if err != nil {
		return Channel{}, err
	}
	var ch Channel
	resp, err := req.
		SetBody(map[string]any{
			"channelType": "webhook",
			"webhookChannelData": map[string]any{
				"channelUrl":      targetURL,
				"signingKeyValue": signatureSecret,
			},
			"channelLifetime": int(lifetime / time.Second),
		}).
		SetResult(&ch).
		Post("/channels")
	if err != nil {
		return Channel{}, fmt.Errorf("create channel: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return Channel{}, fmt.Errorf("create channel: %w", err)
	}
	return ch, nil
}

// ExtendChannel renews the channel lifetime. Returns the new expiry.
func (c *Client) ExtendChannel(ctx context.Context, tenantID, channelID string, lifetime time.Duration) (time.Time, error) {
	req, err := c.req(ctx, tenantID)
	if err != nil {
		return time.Time{}, err
	}
	var ch Channel
	resp, err := req.
		SetBody(map[string]any{"channelLifetime": int(lifetime / time.Second)}).
		SetResult(&ch).
		Put("/channels/" + channelID)
	if err != nil {
		return time.Time{}, fmt.Errorf("extend channel: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return time.Time{}, fmt.Errorf("extend channel %s: %w", channelID, err)
	}
	return ch.ExpiresAt, nil
}

func (c *Client) DeleteChannel(ctx context.Context, tenantID, channelID string) error {
	req, err := c.req(ctx, tenantID)
	if err != nil {
		return err
	}
	resp, err := req.Delete("/channels/" + channelID)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		// Already gone; deletes are idempotent.
		return nil
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("delete channel %s: %w", channelID, err)
	}
	return nil
}

// CreateSession opens an event session delivering onto the channel.
// Sessions cannot outlive their channel.
func (c *Client) CreateSession(ctx context.Context, tenantID, channelID string) (string, error) {
	req, err := c.req(ctx, tenantID)
	if err != nil {
		return "", err
	}
	var out struct {
		SessionID string `json:"sessionId"`
	}
	resp, err := req.
		SetBody(map[string]any{"channelId": channelID}).
		SetResult(&out).
		Post("/sessions")
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return "", fmt.Errorf("create session on channel %s: %w", channelID, err)
	}
	return out.SessionID, nil
}

func (c *Client) DeleteSession(ctx context.Context, tenantID, sessionID string) error {
	req, err := c.req(ctx, tenantID)
	if err != nil {
		return err
	}
	resp, err := req.Delete("/sessions/" + sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// ListLines enumerates the tenant's provisioned lines.
func (c *Client) ListLines(ctx context.Context, tenantID string) ([]Line, error) {
	req, err := c.req(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var out struct {
		Lines []Line `json:"lines"`
	}
	resp, err := req.SetResult(&out).Get("/lines")
	if err != nil {
		return nil, fmt.Errorf("list lines: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("list lines: %w", err)
	}
	return out.Lines, nil
}

// SubscribeLine attaches a line's dialog events to the session.
func (c *Client) SubscribeLine(ctx context.Context, tenantID, sessionID, lineID string) error {
	req, err := c.req(ctx, tenantID)
	if err != nil {
		return err
	}
	resp, err := req.
		SetBody(map[string]any{"lineId": lineID}).
		Post("/sessions/" + sessionID + "/subscriptions")
	if err != nil {
		return fmt.Errorf("subscribe line: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("subscribe line %s: %w", lineID, err)
	}
	return nil
}

func checkStatus(resp *resty.Response) error {
	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return ErrUnauthorized
	case resp.IsError():
		return fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
