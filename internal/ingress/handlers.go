// Package ingress terminates provider webhooks. Handlers verify the
// delivery, persist the raw payload, and hand normalized events to the
// correlator shards. Everything after the RawEvent insert is
// best-effort: the reprocessor can regenerate canonical events from
// storage, so post-persist failures never surface as 5xx.
package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"callpipeline/internal/event"
	"callpipeline/internal/subscription"
	"callpipeline/pkg/utils"
)

const (
	validationTokenHeader = "Validation-Token"
	signatureInputHeader  = "Signature-Input"

	maxBodyBytes = 1 << 20
)

// EventSink accepts canonical events for asynchronous correlation.
type EventSink interface {
	Submit(ctx context.Context, ev event.CanonicalEvent) error
}

// SubscriptionStore is the slice of subscription.Repository the ingress
// needs for delivery verification.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, tenantID, id string) (subscription.Subscription, error)
	GetChannelByRemoteID(ctx context.Context, remoteID string) (subscription.Channel, error)
}

// Handlers groups webhook handlers for dependency injection.
// Keep these thin: verify, persist, acknowledge.
type Handlers struct {
	Subs SubscriptionStore
	Raw  event.RawEventRepository
	Sink EventSink

	Clock func() time.Time
	Log   *slog.Logger
}

func NewHandlers(subs SubscriptionStore, raw event.RawEventRepository, sink EventSink, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{Subs: subs, Raw: raw, Sink: sink, Clock: time.Now, Log: log}
}

// ProviderACallEvents receives a CDR batch. The shared secret rides on
// the ?token= query parameter; a mismatch is 403 since the provider-A
// family never auto-deactivates endpoints.
func (h *Handlers) ProviderACallEvents(c *gin.Context) {
	tenantID := c.Param("tenant")
	subscriptionID := c.Param("subscription")

	sub, err := h.Subs.GetSubscription(c.Request.Context(), tenantID, subscriptionID)
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "unknown subscription"})
			return
		}
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "subscription lookup failed"})
		return
	}
	token := c.Query("token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(sub.SharedSecret)) != 1 {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid token"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "read failed"})
		return
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		c.AbortWithStatusJSON(http.StatusNotAcceptable, gin.H{"error": "expected a CDR array"})
		return
	}

	raw := event.RawEvent{
		ID:             utils.NewID(),
		TenantID:       tenantID,
		SubscriptionID: subscriptionID,
		Provider:       event.ProviderA,
		// Provider-A batches carry no delivery id; hash the payload.
		ProviderEventID: event.DeriveEventID(body),
		Payload:         body,
		ReceivedAt:      h.Clock().UTC(),
	}
	inserted, err := h.Raw.Insert(c.Request.Context(), raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}
	if inserted {
		h.forward(c, raw)
	}
	// 202 echoes the batch so the provider can reconcile deliveries.
	c.Data(http.StatusAccepted, "application/json", body)
}

// ProviderBWebhook receives dialog lifecycle events. Verification
// failures answer 404 so the provider deactivates a misconfigured
// endpoint on its own.
func (h *Handlers) ProviderBWebhook(c *gin.Context) {
	// Channel-creation handshake: echo the token, nothing else.
	if token := c.GetHeader(validationTokenHeader); token != "" {
		c.Header(validationTokenHeader, token)
		c.Status(http.StatusOK)
		return
	}

	channelID, sentSignature, ok := parseSignatureInput(c.GetHeader(signatureInputHeader))
	if !ok {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	ch, err := h.Subs.GetChannelByRemoteID(c.Request.Context(), channelID)
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "channel lookup failed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "read failed"})
		return
	}
	if !validSignature(ch.SignatureSecret, body, sentSignature) {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	var env struct {
		Timestamp int64  `json:"timestamp"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Content == "" {
		c.AbortWithStatusJSON(http.StatusNotAcceptable, gin.H{"error": "malformed envelope"})
		return
	}

	raw := event.RawEvent{
		ID:              utils.NewID(),
		TenantID:        ch.TenantID,
		SubscriptionID:  ch.SubscriptionID,
		Provider:        event.ProviderB,
		ProviderEventID: providerBEventID(env.Content, body),
		Payload:         body,
		ReceivedAt:      h.Clock().UTC(),
	}
	inserted, err := h.Raw.Insert(c.Request.Context(), raw)
	if err != nil {
		// Not stored yet; 503 makes the provider retry the delivery.
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}
	if inserted {
		h.forward(c, raw)
	}
	c.Status(http.StatusAccepted)
}

// forward normalizes and submits; the payload is already durable, so
// every failure here degrades to the 202 the caller is about to send.
func (h *Handlers) forward(c *gin.Context, raw event.RawEvent) {
	evs, err := event.Normalize(raw)
	if err != nil {
		h.Log.Warn("normalize failed", "raw_event", raw.ID, "provider", raw.Provider, "err", err)
		if merr := h.Raw.MarkNormalizeFailed(c.Request.Context(), raw.ID); merr != nil {
			h.Log.Error("mark normalize_failed", "raw_event", raw.ID, "err", merr)
		}
		return
	}
	for _, ev := range evs {
		if err := h.Sink.Submit(c.Request.Context(), ev); err != nil {
			h.Log.Error("submit to correlator", "raw_event", raw.ID, "err", err)
			return
		}
	}
}

// parseSignatureInput splits "channelId=...; signature=...".
func parseSignatureInput(header string) (channelID, signature string, ok bool) {
	for _, part := range strings.Split(header, ";") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "channelId":
			channelID = v
		case "signature":
			signature = v
		}
	}
	return channelID, signature, channelID != "" && signature != ""
}

func validSignature(secret string, body []byte, sent string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(sent)))
}

func providerBEventID(content string, body []byte) string {
	var pe struct {
		EventID string `json:"eventId"`
	}
	if err := json.Unmarshal([]byte(content), &pe); err == nil && pe.EventID != "" {
		return pe.EventID
	}
	return event.DeriveEventID(body)
}
