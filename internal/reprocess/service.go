// Package reprocess replays historical pipeline output: TranscriptReady
// messages for finalized calls, failed normalizations, and the
// dispatcher outbox.
package reprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"callpipeline/internal/artifacts"
	"callpipeline/internal/audit"
	"callpipeline/internal/calls"
	"callpipeline/internal/dispatch"
	"callpipeline/internal/event"
	"callpipeline/pkg/utils"
)

// ErrReplayInProgress means another replay holds the tenant's slot.
var ErrReplayInProgress = errors.New("reprocess: replay already running for tenant")

// Filter selects the calls to replay.
type Filter struct {
	TenantID  string          `json:"tenant_id"`
	From      time.Time       `json:"from"`
	To        time.Time       `json:"to"`
	Direction event.Direction `json:"direction,omitempty"`
}

// Result reports what a replay did (or would do, for a dry run).
type Result struct {
	// Matched is the number of calls with a replayable transcript.
	Matched int `json:"matched"`
	// Published is zero on dry runs.
	Published int `json:"published"`
	// Capped is true when the window held more calls than the per-request cap.
	Capped bool `json:"capped"`
}

// Limiter serializes replays per tenant. Nil disables limiting.
type Limiter interface {
	Acquire(ctx context.Context, tenantID string) (release func(), ok bool, err error)
}

// RedisLimiter implements Limiter on the shared redis concurrency cap,
// so the guard holds across instances.
type RedisLimiter struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisLimiter(rdb *redis.Client, ttl time.Duration) *RedisLimiter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLimiter{rdb: rdb, ttl: ttl}
}

func (l *RedisLimiter) Acquire(ctx context.Context, tenantID string) (func(), bool, error) {
	key := "reprocess:cap:" + tenantID
	ok, err := utils.AcquireConcurrencyCap(ctx, l.rdb, key, 1, l.ttl)
	if err != nil || !ok {
		return nil, ok, err
	}
	return func() {
		if err := utils.ReleaseConcurrencyCap(context.Background(), l.rdb, key); err != nil {
			slog.Warn("release replay slot failed", "tenant", tenantID, "err", err)
		}
	}, true, nil
}

// Options bounds replays.
type Options struct {
	// MaxCallsPerRequest is the hard cap on calls one request may touch.
	MaxCallsPerRequest int
	// OutboxDrainLimit bounds one outbox drain pass.
	OutboxDrainLimit int
}

func (o Options) withDefaults() Options {
	out := o
	if out.MaxCallsPerRequest <= 0 {
		out.MaxCallsPerRequest = 5000
	}
	if out.OutboxDrainLimit <= 0 {
		out.OutboxDrainLimit = 500
	}
	return out
}

type Service struct {
	calls     calls.Repository
	artifacts artifacts.Repository
	outbox    dispatch.OutboxRepository
	pub       dispatch.Publisher
	audit     *audit.Service
	limiter   Limiter
	opts      Options

	clock func() time.Time
	log   *slog.Logger
}

func NewService(callRepo calls.Repository, artifactRepo artifacts.Repository, outbox dispatch.OutboxRepository, pub dispatch.Publisher, auditSvc *audit.Service, limiter Limiter, opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		calls:     callRepo,
		artifacts: artifactRepo,
		outbox:    outbox,
		pub:       pub,
		audit:     auditSvc,
		limiter:   limiter,
		opts:      opts.withDefaults(),
		clock:     time.Now,
		log:       log,
	}
}

// ReplayTranscripts republishes TranscriptReady for the latest full
// transcript of every finalized call in the window. commit=false is a
// dry run: the count is reported and nothing is published.
func (s *Service) ReplayTranscripts(ctx context.Context, f Filter, commit bool, actorOperatorID, actorRole string) (Result, error) {
	if f.TenantID == "" {
		return Result{}, errors.New("reprocess: tenant is required")
	}
	if !f.To.After(f.From) {
		return Result{}, errors.New("reprocess: empty time window")
	}

	if s.limiter != nil {
		release, ok, err := s.limiter.Acquire(ctx, f.TenantID)
		if err != nil {
			return Result{}, fmt.Errorf("acquire replay slot: %w", err)
		}
		if !ok {
			return Result{}, ErrReplayInProgress
		}
		defer release()
	}

	// One extra row tells capped apart from exactly-at-cap.
	found, err := s.calls.ListFinal(ctx, f.TenantID, f.From, f.To, f.Direction, s.opts.MaxCallsPerRequest+1)
	if err != nil {
		return Result{}, err
	}
	var res Result
	if len(found) > s.opts.MaxCallsPerRequest {
		found = found[:s.opts.MaxCallsPerRequest]
		res.Capped = true
	}

	type replayItem struct {
		call       calls.Call
		transcript artifacts.Transcript
	}
	var items []replayItem
	for _, c := range found {
		tr, err := s.artifacts.LatestFullTranscript(ctx, c.ID)
		if errors.Is(err, artifacts.ErrNotFound) {
			continue
		}
		if err != nil {
			return Result{}, err
		}
		items = append(items, replayItem{call: c, transcript: tr})
	}
	res.Matched = len(items)

	if s.audit != nil {
		aerr := s.audit.Append(ctx, audit.Event{
			Type:            audit.EventTypeReprocessRequested,
			TenantID:        f.TenantID,
			ActorOperatorID: actorOperatorID,
			ActorRole:       actorRole,
			Message:         fmt.Sprintf("matched=%d commit=%t capped=%t", res.Matched, commit, res.Capped),
		})
		if aerr != nil {
			s.log.Error("audit append failed", "err", aerr)
		}
	}

	if !commit {
		return res, nil
	}

	for _, it := range items {
		msg := dispatch.Message{
			Topic: dispatch.TopicTranscriptReady,
			Attributes: map[string]string{
				"tenant":    it.call.TenantID,
				"direction": string(it.call.Direction),
				"replay":    "true",
			},
			Body: dispatch.TranscriptReadyBody{
				CallID:       it.call.ID,
				TranscriptID: it.transcript.ID,
				Type:         string(it.transcript.Type),
			},
		}
		if err := s.pub.Publish(ctx, msg); err != nil {
			return res, fmt.Errorf("republish call %s: %w", it.call.ID, err)
		}
		res.Published++
	}
	return res, nil
}

// DrainOutbox replays pending dispatcher outbox entries; run from the
// janitor timer.
func (s *Service) DrainOutbox(ctx context.Context) (int, error) {
	if s.outbox == nil {
		return 0, nil
	}
	return dispatch.DrainOutbox(ctx, s.outbox, s.pub, s.opts.OutboxDrainLimit, s.clock)
}
