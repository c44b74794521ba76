package event

import (
	"encoding/json"
	"testing"
	"time"
)

func providerBRaw(t *testing.T, content map[string]any) RawEvent {
	t.Helper()
	inner, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("marshal content: %v", err)
	}
	body, err := json.Marshal(map[string]any{
		"timestamp": 1663623167000,
		"content":   string(inner),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return RawEvent{
		ID:              "re1",
		TenantID:        "t1",
		Provider:        ProviderB,
		ProviderEventID: "evt-1",
		Payload:         body,
	}
}

func TestNormalizeProviderBAnnounce(t *testing.T) {
	raw := providerBRaw(t, map[string]any{
		"type":    "announce",
		"eventId": "evt-1",
		"data": map[string]any{
			"originatorId": "O1",
			"legId":        "L1",
			"direction":    "recipient",
			"start":        int64(1663623167000),
			"caller":       map[string]any{"number": "+16026757838"},
			"callee":       map[string]any{"number": "1000"},
			"recordings":   []map[string]any{{"filename": "rec-O1.wav"}},
		},
	})

	evs, err := Normalize(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	ev := evs[0]
	if ev.Kind != KindAnnounce || ev.Terminal {
		t.Fatalf("unexpected kind: %+v", ev)
	}
	if ev.OriginatorID != "O1" || ev.LegID != "L1" {
		t.Fatalf("unexpected ids: %+v", ev)
	}
	if ev.Direction != DirectionInbound {
		t.Fatalf("expected inbound, got %q", ev.Direction)
	}
	want := time.Date(2022, 9, 19, 15, 32, 47, 0, time.UTC)
	if !ev.Start.Equal(want) {
		t.Fatalf("expected start %v, got %v", want, ev.Start)
	}
	if ev.CallerNumber != "+16026757838" || ev.CalleeNumber != "1000" {
		t.Fatalf("unexpected parties: %+v", ev)
	}
	if len(ev.RecordingHints) != 1 || ev.RecordingHints[0] != "rec-O1.wav" {
		t.Fatalf("unexpected recording hints: %v", ev.RecordingHints)
	}
}

func TestNormalizeProviderBWithdraw(t *testing.T) {
	raw := providerBRaw(t, map[string]any{
		"type": "withdraw",
		"data": map[string]any{
			"originatorId": "O1",
			"legId":        "L1",
			"start":        int64(1663623167000),
			"end":          int64(1663623200000),
			"cause":        "normalClearing",
			"terminatedBy": "caller",
		},
	})

	evs, err := Normalize(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	ev := evs[0]
	if ev.Kind != KindWithdraw || !ev.Terminal {
		t.Fatalf("expected terminal withdraw, got %+v", ev)
	}
	if ev.Missed {
		t.Fatalf("normalClearing must not be missed")
	}
	want := time.Date(2022, 9, 19, 15, 33, 20, 0, time.UTC)
	if !ev.End.Equal(want) {
		t.Fatalf("expected end %v, got %v", want, ev.End)
	}
	if ev.TerminatedBy != "caller" {
		t.Fatalf("unexpected terminator %q", ev.TerminatedBy)
	}
}

func TestNormalizeProviderBWithdrawNoAnswerIsMissed(t *testing.T) {
	raw := providerBRaw(t, map[string]any{
		"type": "withdraw",
		"data": map[string]any{
			"originatorId": "O2",
			"end":          int64(1663623200000),
			"cause":        "noAnswer",
		},
	})
	evs, err := Normalize(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !evs[0].Missed {
		t.Fatalf("noAnswer withdraw must be missed")
	}
	// No observed start: the withdraw window stands in for it.
	if !evs[0].Start.Equal(evs[0].End) {
		t.Fatalf("expected synthesized start, got %v / %v", evs[0].Start, evs[0].End)
	}
}

func TestNormalizeProviderBReplaceRequiresNewID(t *testing.T) {
	raw := providerBRaw(t, map[string]any{
		"type": "replace",
		"data": map[string]any{"originatorId": "O1"},
	})
	if _, err := Normalize(raw); err == nil {
		t.Fatalf("expected error for replace without newOriginatorId")
	}
}

func TestNormalizeProviderACDRBatch(t *testing.T) {
	payload := []byte(`[
 {"orig_callid":"oc1","by_callid":"bc1","term_callid":"tc1","remove":"no",
  "time_start":1642816606,"time_answer":1642816610,
  "domain":"pbx.tenant.example","orig_domain":"carrier.example","term_domain":"pbx.tenant.example",
  "orig_from_user":"+15551234567","orig_from_name":"ACME","orig_to_user":"1000"},
 {"orig_callid":"oc1","by_callid":"bc1","term_callid":"tc2","remove":"yes",
  "time_start":1642816606,"time_answer":1642816610,"time_release":1642816660,
  "domain":"pbx.tenant.example","orig_domain":"carrier.example","term_domain":"pbx.tenant.example",
  "orig_from_user":"+15551234567","orig_to_user":"1000","term_to_user":"1000","release_by":"term"}
]`)
	raw := RawEvent{ID: "re2", TenantID: "t1", Provider: ProviderA, ProviderEventID: DeriveEventID(payload), Payload: payload}

	evs, err := Normalize(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].Kind != KindCDRPartial || evs[1].Kind != KindCDRFinal {
		t.Fatalf("unexpected kinds: %q %q", evs[0].Kind, evs[1].Kind)
	}
	if evs[0].OriginatorID != "oc1" || evs[1].OriginatorID != "oc1" {
		t.Fatalf("originator must be orig_callid")
	}
	if evs[0].LegID == evs[1].LegID {
		t.Fatalf("distinct term_callid must give distinct leg ids")
	}
	if evs[1].Direction != DirectionInbound {
		t.Fatalf("expected inbound, got %q", evs[1].Direction)
	}
	if d := evs[1].End.Sub(evs[1].Start); d != 54*time.Second {
		t.Fatalf("expected 54s window, got %v", d)
	}
	if evs[1].Missed {
		t.Fatalf("answered leg must not be missed")
	}
	if evs[1].TerminatedBy != "callee" {
		t.Fatalf("release_by term must map to callee, got %q", evs[1].TerminatedBy)
	}
}

func TestNormalizeProviderADirectionVariants(t *testing.T) {
	cases := []struct {
		orig, term, home string
		want             Direction
	}{
		{"pbx.x", "pbx.x", "pbx.x", DirectionInternal},
		{"carrier.y", "pbx.x", "pbx.x", DirectionInbound},
		{"pbx.x", "carrier.y", "pbx.x", DirectionOutbound},
	}
	for _, tc := range cases {
		got := providerADirection(providerACDRRow{OrigDomain: tc.orig, TermDomain: tc.term, Domain: tc.home})
		if got != tc.want {
			t.Fatalf("orig=%s term=%s: expected %q got %q", tc.orig, tc.term, tc.want, got)
		}
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	raw := RawEvent{Provider: ProviderA, Payload: []byte(`{"not":"an array"}`)}
	if _, err := Normalize(raw); err == nil {
		t.Fatalf("expected decode error")
	}
	raw = RawEvent{Provider: ProviderB, Payload: []byte(`{"timestamp":1,"content":"{\"type\":\"bogus\"}"}`)}
	if _, err := Normalize(raw); err == nil {
		t.Fatalf("expected unknown type error")
	}
}

func TestDeriveEventIDIsStable(t *testing.T) {
	a := DeriveEventID([]byte("x"))
	b := DeriveEventID([]byte("x"))
	if a != b || len(a) != 32 {
		t.Fatalf("expected stable 32-hex id, got %q %q", a, b)
	}
}
