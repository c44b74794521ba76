package correlate

import (
	"context"
	"reflect"
	"testing"
	"time"

	"callpipeline/internal/audit"
	"callpipeline/internal/calls"
	"callpipeline/internal/dispatch"
	"callpipeline/internal/event"
)

func newTestEngine(t *testing.T) (*Engine, *calls.MemoryRepo, *dispatch.CapturePublisher, *audit.MemoryRepo) {
	t.Helper()
	repo := calls.NewMemoryRepo()
	pub := dispatch.NewCapturePublisher()
	auditRepo := audit.NewMemoryRepo()
	e := NewEngine(repo, pub, audit.NewService(auditRepo), "vmail", nil)
	e.clock = func() time.Time { return time.Date(2022, 9, 19, 16, 0, 0, 0, time.UTC) }
	return e, repo, pub, auditRepo
}

func at(min, sec int) time.Time {
	return time.Date(2022, 9, 19, 15, min, sec, 0, time.UTC)
}

func announce(orig string, start time.Time) event.CanonicalEvent {
	return event.CanonicalEvent{
		Kind:            event.KindAnnounce,
		Provider:        event.ProviderB,
		TenantID:        "t1",
		ProviderEventID: "ev-" + orig + "-announce",
		OriginatorID:    orig,
		Direction:       event.DirectionInbound,
		CallerNumber:    "+16026757838",
		CalleeNumber:    "1000",
		Start:           start,
	}
}

func withdraw(orig string, start, end time.Time, missed bool) event.CanonicalEvent {
	return event.CanonicalEvent{
		Kind:            event.KindWithdraw,
		Provider:        event.ProviderB,
		TenantID:        "t1",
		ProviderEventID: "ev-" + orig + "-withdraw",
		OriginatorID:    orig,
		Direction:       event.DirectionInbound,
		CallerNumber:    "+16026757838",
		CalleeNumber:    "1000",
		Start:           start,
		End:             end,
		Terminal:        true,
		Missed:          missed,
	}
}

func mustCall(t *testing.T, repo *calls.MemoryRepo, orig string) calls.Call {
	t.Helper()
	c, found, err := repo.GetByOriginator(context.Background(), "t1", orig)
	if err != nil {
		t.Fatalf("GetByOriginator: %v", err)
	}
	if !found {
		t.Fatalf("no call for originator %s", orig)
	}
	return c
}

func TestAnnounceOpensCall(t *testing.T) {
	e, repo, _, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.Apply(ctx, announce("O1", at(32, 47))); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	c := mustCall(t, repo, "O1")
	if c.State != calls.StateOpen {
		t.Fatalf("state = %s, want open", c.State)
	}
	if !c.StartTime.Equal(at(32, 47)) {
		t.Fatalf("start = %v", c.StartTime)
	}
	if c.CallerNumber != "+16026757838" || c.CalleeNumber != "1000" {
		t.Fatalf("parties = %q -> %q", c.CallerNumber, c.CalleeNumber)
	}

	parts, _ := repo.ListPartials(ctx, c.ID)
	if len(parts) != 1 {
		t.Fatalf("partials = %d, want 1", len(parts))
	}
	if !parts[0].StartedAt.Equal(at(32, 47)) || !parts[0].EndedAt.Equal(at(32, 47)) {
		t.Fatalf("initial partial = [%v, %v]", parts[0].StartedAt, parts[0].EndedAt)
	}
}

func TestAnnounceThenWithdrawFinalizes(t *testing.T) {
	e, repo, pub, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.Apply(ctx, announce("O1", at(32, 47))); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if err := e.Apply(ctx, withdraw("O1", at(32, 47), at(33, 20), false)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	c := mustCall(t, repo, "O1")
	if c.State != calls.StateFinal {
		t.Fatalf("state = %s, want final", c.State)
	}
	if !c.EndTime.Equal(at(33, 20)) {
		t.Fatalf("end = %v, want %v", c.EndTime, at(33, 20))
	}
	if c.DurationSeconds != 33 {
		t.Fatalf("duration = %d, want 33", c.DurationSeconds)
	}
	if c.Connection != calls.ConnectionConnected {
		t.Fatalf("connection = %s", c.Connection)
	}
	if c.WentToVoicemail {
		t.Fatal("voicemail flag set for regular hangup")
	}

	final := pub.ByTopic(dispatch.TopicCallFinalized)
	if len(final) != 1 {
		t.Fatalf("CallFinalized messages = %d, want 1", len(final))
	}
	body := final[0].Body.(dispatch.CallFinalizedBody)
	if body.CallID != c.ID || body.Connection != "connected" {
		t.Fatalf("body = %+v", body)
	}
	if final[0].Attributes["tenant"] != "t1" {
		t.Fatalf("attributes = %v", final[0].Attributes)
	}
}

func TestMissedWithdraw(t *testing.T) {
	e, repo, _, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.Apply(ctx, announce("O9", at(40, 0))); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if err := e.Apply(ctx, withdraw("O9", at(40, 0), at(40, 12), true)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	c := mustCall(t, repo, "O9")
	if c.Connection != calls.ConnectionMissed {
		t.Fatalf("connection = %s, want missed", c.Connection)
	}
}

func TestVoicemailSentinel(t *testing.T) {
	e, repo, _, _ := newTestEngine(t)
	ctx := context.Background()

	ev := event.CanonicalEvent{
		Kind:            event.KindCDRFinal,
		Provider:        event.ProviderA,
		TenantID:        "t1",
		ProviderEventID: "cdr-1",
		OriginatorID:    "A1",
		Direction:       event.DirectionInbound,
		CallerNumber:    "+15550001111",
		CalleeNumber:    "2000",
		Start:           at(10, 0),
		End:             at(10, 41),
		Terminal:        true,
		TerminatedBy:    "callee",
		TerminationDest: "VMail",
	}
	if err := e.Apply(ctx, ev); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	c := mustCall(t, repo, "A1")
	if !c.WentToVoicemail {
		t.Fatal("voicemail sentinel not detected")
	}
	if c.WhoTerminated != "callee" {
		t.Fatalf("who_terminated = %q", c.WhoTerminated)
	}
}

func TestReplaceRekeysOriginator(t *testing.T) {
	e, repo, _, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.Apply(ctx, announce("O1", at(32, 47))); err != nil {
		t.Fatalf("announce: %v", err)
	}
	replace := event.CanonicalEvent{
		Kind:            event.KindReplace,
		Provider:        event.ProviderB,
		TenantID:        "t1",
		ProviderEventID: "ev-replace-1",
		OriginatorID:    "O1",
		NewOriginatorID: "O2",
	}
	if err := e.Apply(ctx, replace); err != nil {
		t.Fatalf("replace: %v", err)
	}

	if _, found, _ := repo.GetByOriginator(ctx, "t1", "O1"); found {
		t.Fatal("old originator still resolves")
	}
	c := mustCall(t, repo, "O2")

	// A withdraw under the new id finalizes the same call.
	if err := e.Apply(ctx, withdraw("O2", at(32, 47), at(34, 0), false)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	got, err := repo.GetCall(ctx, "t1", c.ID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if got.State != calls.StateFinal {
		t.Fatalf("state = %s, want final", got.State)
	}
}

func TestReplaceForUnknownOriginatorAudited(t *testing.T) {
	e, _, _, auditRepo := newTestEngine(t)

	ev := event.CanonicalEvent{
		Kind:            event.KindReplace,
		Provider:        event.ProviderB,
		TenantID:        "t1",
		ProviderEventID: "ev-replace-x",
		OriginatorID:    "ghost",
		NewOriginatorID: "ghost2",
	}
	if err := e.Apply(context.Background(), ev); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	events := auditRepo.Events()
	if len(events) != 1 || events[0].Type != audit.EventTypeCorrelationAnomaly {
		t.Fatalf("audit events = %+v", events)
	}
}

func TestOutOfOrderWithdrawSynthesizesFinalCall(t *testing.T) {
	e, repo, pub, auditRepo := newTestEngine(t)
	ctx := context.Background()

	// Withdraw arrives first; a synthetic call is opened and finalized.
	if err := e.Apply(ctx, withdraw("O2", at(33, 0), at(33, 20), false)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	c := mustCall(t, repo, "O2")
	if c.State != calls.StateFinal {
		t.Fatalf("state = %s, want final", c.State)
	}
	if !c.StartTime.Equal(at(33, 0)) || !c.EndTime.Equal(at(33, 20)) {
		t.Fatalf("window = [%v, %v]", c.StartTime, c.EndTime)
	}
	if len(pub.ByTopic(dispatch.TopicCallFinalized)) != 1 {
		t.Fatal("CallFinalized not published")
	}
	if len(auditRepo.Events()) == 0 {
		t.Fatal("out-of-order withdraw not audited")
	}

	// The late announce for the same originator is a no-op.
	if err := e.Apply(ctx, announce("O2", at(33, 0))); err != nil {
		t.Fatalf("late announce: %v", err)
	}
	got, _ := repo.GetCall(ctx, "t1", c.ID)
	if got.Version != c.Version || !got.UpdatedAt.Equal(c.UpdatedAt) {
		t.Fatal("finalized call mutated by late announce")
	}
	if len(pub.ByTopic(dispatch.TopicCallFinalized)) != 1 {
		t.Fatal("duplicate CallFinalized after late announce")
	}
}

func TestFirstNonEmptyPartyWins(t *testing.T) {
	e, repo, _, _ := newTestEngine(t)
	ctx := context.Background()

	first := announce("O3", at(20, 0))
	first.CallerName = ""
	if err := e.Apply(ctx, first); err != nil {
		t.Fatalf("first: %v", err)
	}

	second := event.CanonicalEvent{
		Kind:            event.KindCDRPartial,
		Provider:        event.ProviderA,
		TenantID:        "t1",
		ProviderEventID: "cdr-37",
		OriginatorID:    "O3",
		CallerNumber:    "+19999999999", // conflicting; must not overwrite
		CallerName:      "WIRELESS CALLER",
		CalleeNumber:    "1000",
		Start:           at(20, 0),
		End:             at(20, 30),
	}
	if err := e.Apply(ctx, second); err != nil {
		t.Fatalf("second: %v", err)
	}

	c := mustCall(t, repo, "O3")
	if c.CallerNumber != "+16026757838" {
		t.Fatalf("caller overwritten: %q", c.CallerNumber)
	}
	if c.CallerName != "WIRELESS CALLER" {
		t.Fatalf("empty caller name not filled: %q", c.CallerName)
	}
}

func TestCDRPartialEmitsLinkMessage(t *testing.T) {
	e, repo, pub, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.Apply(ctx, announce("O4", at(20, 0))); err != nil {
		t.Fatalf("announce: %v", err)
	}
	cdr := event.CanonicalEvent{
		Kind:            event.KindCDRPartial,
		Provider:        event.ProviderA,
		TenantID:        "t1",
		ProviderEventID: "cdr-55",
		OriginatorID:    "O4",
		Start:           at(20, 0),
		End:             at(20, 54),
	}
	if err := e.Apply(ctx, cdr); err != nil {
		t.Fatalf("cdr: %v", err)
	}

	linked := pub.ByTopic(dispatch.TopicCDRLinkedToPartial)
	if len(linked) != 1 {
		t.Fatalf("CDRLinkedToPartial messages = %d, want 1", len(linked))
	}
	body := linked[0].Body.(dispatch.CDRLinkedBody)
	c := mustCall(t, repo, "O4")
	if body.CDRID != "cdr-55" || body.CallID != c.ID || body.PartialID == "" {
		t.Fatalf("body = %+v", body)
	}
}

func TestDuplicateWindowNotAppended(t *testing.T) {
	e, repo, _, _ := newTestEngine(t)
	ctx := context.Background()

	cdr := event.CanonicalEvent{
		Kind:            event.KindCDRPartial,
		Provider:        event.ProviderA,
		TenantID:        "t1",
		ProviderEventID: "cdr-1",
		OriginatorID:    "O5",
		Start:           at(20, 0),
		End:             at(20, 54),
	}
	if err := e.Apply(ctx, cdr); err != nil {
		t.Fatalf("first: %v", err)
	}
	cdr.ProviderEventID = "cdr-2"
	if err := e.Apply(ctx, cdr); err != nil {
		t.Fatalf("second: %v", err)
	}

	c := mustCall(t, repo, "O5")
	parts, _ := repo.ListPartials(ctx, c.ID)
	if len(parts) != 1 {
		t.Fatalf("partials = %d, want 1", len(parts))
	}
}

func TestOverlappingPartialTruncatedAndAudited(t *testing.T) {
	e, repo, _, auditRepo := newTestEngine(t)
	ctx := context.Background()

	first := event.CanonicalEvent{
		Kind:            event.KindCDRPartial,
		Provider:        event.ProviderA,
		TenantID:        "t1",
		ProviderEventID: "cdr-1",
		OriginatorID:    "O6",
		Start:           at(20, 0),
		End:             at(20, 40),
	}
	if err := e.Apply(ctx, first); err != nil {
		t.Fatalf("first: %v", err)
	}

	// Overlaps [20:00, 20:40) without nesting; loses the tie-break.
	second := first
	second.ProviderEventID = "cdr-2"
	second.Start = at(20, 30)
	second.End = at(21, 10)
	if err := e.Apply(ctx, second); err != nil {
		t.Fatalf("second: %v", err)
	}

	c := mustCall(t, repo, "O6")
	parts, _ := repo.ListPartials(ctx, c.ID)
	if len(parts) != 2 {
		t.Fatalf("partials = %d, want 2", len(parts))
	}
	if !parts[1].StartedAt.Equal(at(20, 40)) || !parts[1].EndedAt.Equal(at(21, 10)) {
		t.Fatalf("later partial = [%v, %v], want truncated to start at 20:40",
			parts[1].StartedAt, parts[1].EndedAt)
	}
	for i := 1; i < len(parts); i++ {
		if parts[i-1].Overlaps(parts[i]) {
			t.Fatalf("invariant broken: %v overlaps %v", parts[i-1], parts[i])
		}
	}

	found := false
	for _, ae := range auditRepo.Events() {
		if ae.Type == audit.EventTypeCorrelationAnomaly && ae.CallID == c.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("overlap anomaly not audited")
	}
}

func TestNestedPartialAllowed(t *testing.T) {
	e, repo, _, auditRepo := newTestEngine(t)
	ctx := context.Background()

	outer := event.CanonicalEvent{
		Kind:            event.KindCDRPartial,
		Provider:        event.ProviderA,
		TenantID:        "t1",
		ProviderEventID: "cdr-1",
		OriginatorID:    "O7",
		Start:           at(20, 0),
		End:             at(21, 0),
	}
	if err := e.Apply(ctx, outer); err != nil {
		t.Fatalf("outer: %v", err)
	}
	inner := outer
	inner.ProviderEventID = "cdr-2"
	inner.Start = at(20, 10)
	inner.End = at(20, 50)
	if err := e.Apply(ctx, inner); err != nil {
		t.Fatalf("inner: %v", err)
	}

	c := mustCall(t, repo, "O7")
	parts, _ := repo.ListPartials(ctx, c.ID)
	if len(parts) != 2 {
		t.Fatalf("partials = %d, want 2", len(parts))
	}
	if len(auditRepo.Events()) != 0 {
		t.Fatalf("nested window falsely flagged: %+v", auditRepo.Events())
	}
}

func TestEndNeverBeforeStart(t *testing.T) {
	e, repo, _, _ := newTestEngine(t)
	ctx := context.Background()

	ev := withdraw("O8", at(30, 0), at(29, 0), false)
	if err := e.Apply(ctx, ev); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	c := mustCall(t, repo, "O8")
	if c.EndTime.Before(c.StartTime) {
		t.Fatalf("end %v before start %v", c.EndTime, c.StartTime)
	}
	if c.DurationSeconds != 0 {
		t.Fatalf("duration = %d, want 0", c.DurationSeconds)
	}
}

// foldSequence replays a canonical-event sequence through a fresh
// engine and returns the resulting call and its partials.
func foldSequence(t *testing.T, orig string, seq []event.CanonicalEvent) (calls.Call, []calls.Partial) {
	t.Helper()
	e, repo, _, _ := newTestEngine(t)
	ctx := context.Background()
	for i, ev := range seq {
		if err := e.Apply(ctx, ev); err != nil {
			t.Fatalf("apply event %d: %v", i, err)
		}
	}
	c := mustCall(t, repo, orig)
	parts, err := repo.ListPartials(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListPartials: %v", err)
	}
	return c, parts
}

func TestReplayingSameSequenceYieldsSameState(t *testing.T) {
	cdrLeg := event.CanonicalEvent{
		Kind:            event.KindCDRPartial,
		Provider:        event.ProviderA,
		TenantID:        "t1",
		ProviderEventID: "cdr-leg-1",
		OriginatorID:    "R1",
		Direction:       event.DirectionInbound,
		CallerNumber:    "+16026757838",
		CalleeNumber:    "1000",
		Start:           at(32, 47),
		End:             at(33, 0),
	}
	cdrFinal := event.CanonicalEvent{
		Kind:            event.KindCDRFinal,
		Provider:        event.ProviderA,
		TenantID:        "t1",
		ProviderEventID: "cdr-final-1",
		OriginatorID:    "R2",
		Direction:       event.DirectionOutbound,
		CallerNumber:    "2000",
		CalleeNumber:    "+15550001111",
		Start:           at(40, 0),
		End:             at(41, 30),
		Terminal:        true,
		TerminatedBy:    "caller",
	}
	cdrFirstLeg := cdrFinal
	cdrFirstLeg.Kind = event.KindCDRPartial
	cdrFirstLeg.ProviderEventID = "cdr-leg-2"
	cdrFirstLeg.End = at(40, 50)
	cdrFirstLeg.Terminal = false
	cdrFirstLeg.TerminatedBy = ""

	sequences := map[string]struct {
		orig string
		seq  []event.CanonicalEvent
	}{
		"announce-partial-withdraw": {
			orig: "R1",
			seq: []event.CanonicalEvent{
				announce("R1", at(32, 47)),
				cdrLeg,
				withdraw("R1", at(32, 47), at(33, 20), false),
			},
		},
		"cdr-partial-then-final": {
			orig: "R2",
			seq:  []event.CanonicalEvent{cdrFirstLeg, cdrFinal},
		},
	}

	for name, tc := range sequences {
		t.Run(name, func(t *testing.T) {
			a, aParts := foldSequence(t, tc.orig, tc.seq)
			b, bParts := foldSequence(t, tc.orig, tc.seq)

			// Ids are generated fresh per run; everything else must match.
			a.ID, b.ID = "", ""
			if !reflect.DeepEqual(a, b) {
				t.Fatalf("folded calls diverge:\n%+v\n%+v", a, b)
			}
			if len(aParts) != len(bParts) {
				t.Fatalf("partial counts diverge: %d != %d", len(aParts), len(bParts))
			}
			for i := range aParts {
				aParts[i].ID, bParts[i].ID = "", ""
				aParts[i].CallID, bParts[i].CallID = "", ""
				if !reflect.DeepEqual(aParts[i], bParts[i]) {
					t.Fatalf("partial %d diverges:\n%+v\n%+v", i, aParts[i], bParts[i])
				}
			}
		})
	}
}

func TestApplyRetriesVersionConflict(t *testing.T) {
	repo := calls.NewMemoryRepo()
	pub := dispatch.NewCapturePublisher()
	conflicting := &conflictOnce{MemoryRepo: repo}
	e := NewEngine(conflicting, pub, nil, "vmail", nil)
	ctx := context.Background()

	if err := e.Apply(ctx, announce("O10", at(10, 0))); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if err := e.Apply(ctx, withdraw("O10", at(10, 0), at(10, 30), false)); err != nil {
		t.Fatalf("withdraw after conflict: %v", err)
	}
	c := mustCall(t, repo, "O10")
	if c.State != calls.StateFinal {
		t.Fatalf("state = %s, want final", c.State)
	}
}

// conflictOnce fails the first UpdateCall with a stale version, like a
// writer that lost a race.
type conflictOnce struct {
	*calls.MemoryRepo
	fired bool
}

func (r *conflictOnce) UpdateCall(ctx context.Context, c calls.Call) error {
	if !r.fired {
		r.fired = true
		return calls.ErrVersionConflict
	}
	return r.MemoryRepo.UpdateCall(ctx, c)
}
