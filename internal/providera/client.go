// Package providera is the HTTP client for the CDR provider's
// recording API. Recordings are pulled after the call closes; the
// provider converts them asynchronously, so listings may return
// unconverted entries for a while.
package providera

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

// Recording is one entry from the provider's recording listing.
type Recording struct {
	ID string `json:"id"`
	// Status is "converted" once the audio is downloadable;
	// "unconverted" entries 404 on download.
	Status          string `json:"status"`
	DurationSeconds int    `json:"duration"`
	MimeType        string `json:"mimeType"`
	ContentURL      string `json:"contentUrl"`
}

const StatusConverted = "converted"

// Converted reports whether the recording is downloadable.
func (r Recording) Converted() bool { return r.Status == StatusConverted }

var ErrUnauthorized = errors.New("providera: unauthorized")

type Client struct {
	http   *resty.Client
	tokens TokenSource
}

func NewClient(baseURL string, tokens TokenSource) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() >= http.StatusInternalServerError
		})
	return &Client{http: c, tokens: tokens}
}

// ListRecordings returns all recordings the provider holds for the
// call leg, converted or not.
func (c *Client) ListRecordings(ctx context.Context, tenantID, legID string) ([]Recording, error) {
	tok, err := c.tokens.AccessToken(ctx, tenantID, event.ProviderA)
	if err != nil {
		return nil, err
	}
	var out struct {
		Recordings []Recording `json:"recordings"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(tok).
		SetQueryParam("callId", legID).
		SetResult(&out).
		Get("/recordings")
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return nil, ErrUnauthorized
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list recordings: status %d", resp.StatusCode())
	}
	return out.Recordings, nil
}

// Download fetches the recording bytes from its content URL.
func (c *Client) Download(ctx context.Context, tenantID string, rec Recording) ([]byte, error) {
	tok, err := c.tokens.AccessToken(ctx, tenantID, event.ProviderA)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(tok).
		Get(rec.ContentURL)
	if err != nil {
		return nil, fmt.Errorf("download recording %s: %w", rec.ID, err)
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return nil, ErrUnauthorized
	}
	if resp.IsError() {
		return nil, fmt.Errorf("download recording %s: status %d", rec.ID, resp.StatusCode())
	}
	return resp.Body(), nil
}
