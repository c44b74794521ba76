package correlate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"callpipeline/internal/audit"
	"callpipeline/internal/calls"
	"callpipeline/internal/dispatch"
	"callpipeline/internal/event"
	"callpipeline/pkg/utils"
)

// FinalizeNotifier is told about every finalized call, with the
// provider context the downstream artifact fetch needs. Implementations
// must not block; the engine calls them on the shard goroutine.
type FinalizeNotifier interface {
	CallFinalized(tenantID, callID string, provider event.Provider, legID, callerNumber string, recordingHints []string)
}

// Engine folds canonical events into calls and partials.
//
// State machine per (tenant, originator): ABSENT -> OPEN -> FINAL.
// The engine assumes single-writer semantics per originator (the shard
// runner guarantees it); the optimistic version on the call row is the
// backstop against writers outside the shard.
type Engine struct {
	repo  calls.Repository
	pub   dispatch.Publisher
	audit *audit.Service

	// voicemailSentinel is the terminating destination that marks a
	// voicemail ending.
	voicemailSentinel string

	clock func() time.Time
	log   *slog.Logger

	// maxRetries bounds version-conflict retries per event.
	maxRetries int

	notifier FinalizeNotifier
}

// SetFinalizeNotifier installs the post-finalization hook. Call before
// Start; the engine does not synchronize the field.
func (e *Engine) SetFinalizeNotifier(n FinalizeNotifier) { e.notifier = n }

func NewEngine(repo calls.Repository, pub dispatch.Publisher, auditSvc *audit.Service, voicemailSentinel string, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if voicemailSentinel == "" {
		voicemailSentinel = "vmail"
	}
	return &Engine{
		repo:              repo,
		pub:               pub,
		audit:             auditSvc,
		voicemailSentinel: voicemailSentinel,
		clock:             time.Now,
		log:               log,
		maxRetries:        3,
	}
}

// Apply processes one canonical event. Returns nil for events it
// deliberately drops (replays, mutations of FINAL calls).
func (e *Engine) Apply(ctx context.Context, ev event.CanonicalEvent) error {
	if ev.TenantID == "" || ev.OriginatorID == "" {
		return fmt.Errorf("event missing tenant or originator: %+v", ev.Kind)
	}

	if ev.Kind == event.KindReplace {
		return e.applyReplace(ctx, ev)
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		err := e.applyOnce(ctx, ev)
		if err == nil {
			return nil
		}
		if !errors.Is(err, calls.ErrVersionConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (e *Engine) applyReplace(ctx context.Context, ev event.CanonicalEvent) error {
	err := e.repo.Rekey(ctx, ev.TenantID, ev.OriginatorID, ev.NewOriginatorID)
	if errors.Is(err, calls.ErrNotFound) {
		e.anomaly(ctx, ev.TenantID, "", fmt.Sprintf("replace for unknown originator %s", ev.OriginatorID))
		return nil
	}
	return err
}

func (e *Engine) applyOnce(ctx context.Context, ev event.CanonicalEvent) error {
	call, found, err := e.repo.GetByOriginator(ctx, ev.TenantID, ev.OriginatorID)
	if err != nil {
		return err
	}

	if !found {
		return e.open(ctx, ev)
	}

	if call.State == calls.StateFinal {
		// FINAL calls are immutable; late or replayed events for an
		// already-associated originator are dropped.
		e.log.Debug("event for finalized call dropped",
			"tenant", ev.TenantID, "originator", ev.OriginatorID, "kind", ev.Kind)
		return nil
	}

	return e.advance(ctx, call, ev)
}

// open creates a call in OPEN from the first event seen for the
// originator. A terminal first event (out-of-order withdraw) opens a
// synthetic call and finalizes it in the same fold.
func (e *Engine) open(ctx context.Context, ev event.CanonicalEvent) error {
	now := e.clock().UTC()

	start := ev.Start
	if start.IsZero() {
		start = now
	}
	end := ev.End
	if !end.IsZero() && end.Before(start) {
		// End before start breaks the call invariant; clamp and record.
		e.anomaly(ctx, ev.TenantID, "", fmt.Sprintf("event window inverted for originator %s", ev.OriginatorID))
		end = start
	}

	c := calls.Call{
		ID:           utils.NewID(),
		TenantID:     ev.TenantID,
		StartTime:    start,
		Direction:    ev.Direction,
		CallerNumber: ev.CallerNumber,
		CallerName:   ev.CallerName,
		CalleeNumber: ev.CalleeNumber,
		State:        calls.StateOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if !end.IsZero() {
		c.EndTime = end
		c.DurationSeconds = int(end.Sub(start) / time.Second)
	}

	initial := calls.Partial{
		ID:        utils.NewID(),
		CallID:    c.ID,
		StartedAt: start,
		EndedAt:   partialEnd(start, end),
	}

	if err := e.repo.CreateCall(ctx, c, initial, ev.OriginatorID); err != nil {
		return err
	}

	if ev.Kind == event.KindCDRPartial || ev.Kind == event.KindCDRFinal {
		e.publishCDRLinked(ctx, c, ev, initial.ID)
	}

	if ev.Terminal {
		if ev.Kind == event.KindWithdraw {
			e.anomaly(ctx, ev.TenantID, c.ID, fmt.Sprintf("withdraw before announce for originator %s", ev.OriginatorID))
		}
		return e.finalize(ctx, c, ev)
	}
	return nil
}

// advance applies a non-first event to an OPEN call.
func (e *Engine) advance(ctx context.Context, c calls.Call, ev event.CanonicalEvent) error {
	partialID, err := e.appendPartial(ctx, c, ev)
	if err != nil {
		return err
	}

	changed := false

	if !ev.End.IsZero() && (c.EndTime.IsZero() || ev.End.After(c.EndTime)) {
		c.EndTime = ev.End
		changed = true
	}
	// First non-empty value wins; never overwrite observed parties.
	if c.CallerNumber == "" && ev.CallerNumber != "" {
		c.CallerNumber = ev.CallerNumber
		changed = true
	}
	if c.CallerName == "" && ev.CallerName != "" {
		c.CallerName = ev.CallerName
		changed = true
	}
	if c.CalleeNumber == "" && ev.CalleeNumber != "" {
		c.CalleeNumber = ev.CalleeNumber
		changed = true
	}

	if ev.Terminal {
		return e.finalize(ctx, c, ev)
	}

	if changed {
		if !c.EndTime.IsZero() {
			c.DurationSeconds = int(c.EndTime.Sub(c.StartTime) / time.Second)
		}
		c.UpdatedAt = e.clock().UTC()
		if err := e.repo.UpdateCall(ctx, c); err != nil {
			return err
		}
	}

	if partialID != "" && (ev.Kind == event.KindCDRPartial || ev.Kind == event.KindCDRFinal) {
		e.publishCDRLinked(ctx, c, ev, partialID)
	}
	return nil
}

// appendPartial adds the event's window unless it is already
// represented, maintaining the non-overlap/nested invariant. Returns
// the new partial's id, or "" when the window was already present.
func (e *Engine) appendPartial(ctx context.Context, c calls.Call, ev event.CanonicalEvent) (string, error) {
	if ev.Start.IsZero() {
		return "", nil
	}

	p := calls.Partial{
		ID:        utils.NewID(),
		CallID:    c.ID,
		StartedAt: ev.Start,
		EndedAt:   partialEnd(ev.Start, ev.End),
	}

	existing, err := e.repo.ListPartials(ctx, c.ID)
	if err != nil {
		return "", err
	}

	for _, ex := range existing {
		if ex.Window(p.StartedAt, p.EndedAt) {
			return "", nil
		}
	}

	// Overlap tie-break: the earlier-started partial wins; the later one
	// is truncated to start at the earlier's end.
	for _, ex := range existing {
		if !ex.Overlaps(p) {
			continue
		}
		e.anomaly(ctx, c.TenantID, c.ID, fmt.Sprintf(
			"overlapping partials [%s,%s) and [%s,%s)",
			ex.StartedAt.Format(time.RFC3339), ex.EndedAt.Format(time.RFC3339),
			p.StartedAt.Format(time.RFC3339), p.EndedAt.Format(time.RFC3339)))

		if ex.StartedAt.After(p.StartedAt) {
			// The new window started first; truncate the existing one.
			ex.StartedAt = p.EndedAt
			if ex.EndedAt.Before(ex.StartedAt) {
				ex.EndedAt = ex.StartedAt
			}
			if err := e.repo.ReplacePartial(ctx, ex); err != nil {
				return "", err
			}
			continue
		}
		p.StartedAt = ex.EndedAt
		if p.EndedAt.Before(p.StartedAt) {
			p.EndedAt = p.StartedAt
		}
	}

	ok, err := e.repo.AddPartial(ctx, p)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return p.ID, nil
}

// finalize transitions the call to FINAL and emits CallFinalized.
func (e *Engine) finalize(ctx context.Context, c calls.Call, ev event.CanonicalEvent) error {
	if !ev.End.IsZero() && (c.EndTime.IsZero() || ev.End.After(c.EndTime)) {
		c.EndTime = ev.End
	}
	if c.EndTime.IsZero() {
		c.EndTime = c.StartTime
	}
	if c.EndTime.Before(c.StartTime) {
		// Never persist an end before the start.
		c.EndTime = c.StartTime
	}
	c.DurationSeconds = int(c.EndTime.Sub(c.StartTime) / time.Second)

	if ev.Missed {
		c.Connection = calls.ConnectionMissed
	} else {
		c.Connection = calls.ConnectionConnected
	}
	c.WentToVoicemail = e.isVoicemail(ev.TerminationDest)
	if c.WhoTerminated == "" {
		c.WhoTerminated = ev.TerminatedBy
	}
	c.State = calls.StateFinal
	c.UpdatedAt = e.clock().UTC()

	if err := e.repo.UpdateCall(ctx, c); err != nil {
		return err
	}

	msg := dispatch.Message{
		Topic: dispatch.TopicCallFinalized,
		Attributes: map[string]string{
			"tenant":    c.TenantID,
			"direction": string(c.Direction),
		},
		Body: dispatch.CallFinalizedBody{
			CallID:     c.ID,
			Start:      c.StartTime,
			End:        c.EndTime,
			Connection: string(c.Connection),
			Voicemail:  c.WentToVoicemail,
		},
	}
	if err := e.pub.Publish(ctx, msg); err != nil {
		// The publisher has its own outbox fallback; a hard failure here
		// is operational, not a correlation fault.
		e.log.Error("publish CallFinalized failed", "call_id", c.ID, "err", err)
	}
	if e.notifier != nil {
		e.notifier.CallFinalized(c.TenantID, c.ID, ev.Provider, ev.LegID, c.CallerNumber, ev.RecordingHints)
	}
	return nil
}

func (e *Engine) publishCDRLinked(ctx context.Context, c calls.Call, ev event.CanonicalEvent, partialID string) {
	msg := dispatch.Message{
		Topic: dispatch.TopicCDRLinkedToPartial,
		Attributes: map[string]string{
			"tenant":     c.TenantID,
			"connection": string(c.Connection),
			"voicemail":  fmt.Sprintf("%t", c.WentToVoicemail),
		},
		Body: dispatch.CDRLinkedBody{
			CDRID:     ev.ProviderEventID,
			CallID:    c.ID,
			PartialID: partialID,
		},
	}
	if err := e.pub.Publish(ctx, msg); err != nil {
		e.log.Error("publish CDRLinkedToPartial failed", "call_id", c.ID, "err", err)
	}
}

func (e *Engine) isVoicemail(dest string) bool {
	return dest != "" && strings.EqualFold(dest, e.voicemailSentinel)
}

func (e *Engine) anomaly(ctx context.Context, tenantID, callID, message string) {
	e.log.Warn("correlation anomaly", "tenant", tenantID, "call_id", callID, "detail", message)
	if e.audit == nil {
		return
	}
	if err := e.audit.LogAnomaly(ctx, tenantID, callID, message, ""); err != nil {
		e.log.Error("audit append failed", "err", err)
	}
}

func partialEnd(start, end time.Time) time.Time {
	if end.IsZero() || end.Before(start) {
		return start
	}
	return end
}
