package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Normalize decodes a RawEvent into canonical events. It is a pure
// function: no I/O, no clock. Failures are reported to the caller, who
// marks the raw row normalize_failed; they never abort ingestion.
func Normalize(raw RawEvent) ([]CanonicalEvent, error) {
	switch raw.Provider {
	case ProviderA:
		return normalizeProviderA(raw)
	case ProviderB:
		return normalizeProviderB(raw)
	default:
		return nil, fmt.Errorf("unknown provider %q", raw.Provider)
	}
}

// DeriveEventID returns a stable id for payloads the provider does not
// identify itself. Used by the ingress for the dedupe constraint.
func DeriveEventID(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:16])
}

/* ===================== provider-A ===================== */

// providerACDRRow is one CDR leg summary row. Provider-A posts an array
// of these per webhook call; a row closes its leg when remove == "yes".
type providerACDRRow struct {
	OrigCallID string `json:"orig_callid"`
	ByCallID   string `json:"by_callid"`
	TermCallID string `json:"term_callid"`

	Remove string `json:"remove"`

	// Unix seconds. TimeAnswer is 0 when the leg was never answered.
	TimeStart   int64 `json:"time_start"`
	TimeAnswer  int64 `json:"time_answer"`
	TimeRelease int64 `json:"time_release"`

	Domain     string `json:"domain"`
	OrigDomain string `json:"orig_domain"`
	TermDomain string `json:"term_domain"`

	OrigFromUser string `json:"orig_from_user"`
	OrigFromName string `json:"orig_from_name"`
	OrigToUser   string `json:"orig_to_user"`
	TermToUser   string `json:"term_to_user"`

	// ReleaseBy is "orig" or "term" depending on which side hung up.
	ReleaseBy string `json:"release_by"`
}

func normalizeProviderA(raw RawEvent) ([]CanonicalEvent, error) {
	var rows []providerACDRRow
	if err := json.Unmarshal(raw.Payload, &rows); err != nil {
		return nil, fmt.Errorf("cdr batch decode: %w", err)
	}
	if len(rows) == 0 {
		return nil, errors.New("cdr batch is empty")
	}

	out := make([]CanonicalEvent, 0, len(rows))
	for i, row := range rows {
		if row.OrigCallID == "" {
			return nil, fmt.Errorf("cdr row %d missing orig_callid", i)
		}
		if row.TimeStart <= 0 {
			return nil, fmt.Errorf("cdr row %d missing time_start", i)
		}

		kind := KindCDRPartial
		if strings.EqualFold(row.Remove, "yes") {
			kind = KindCDRFinal
		}

		ev := CanonicalEvent{
			Kind:            kind,
			Provider:        ProviderA,
			TenantID:        raw.TenantID,
			ProviderEventID: raw.ProviderEventID,
			OriginatorID:    row.OrigCallID,
			LegID:           legID(row),
			Direction:       providerADirection(row),
			CallerNumber:    row.OrigFromUser,
			CallerName:      row.OrigFromName,
			CalleeNumber:    row.OrigToUser,
			Start:           time.Unix(row.TimeStart, 0).UTC(),
			Terminal:        kind == KindCDRFinal,
		}
		if row.TimeRelease > 0 {
			ev.End = time.Unix(row.TimeRelease, 0).UTC()
		}
		if kind == KindCDRFinal {
			ev.Missed = row.TimeAnswer == 0
			ev.TerminationDest = row.TermToUser
			ev.TerminatedBy = releaseSide(row.ReleaseBy)
		}
		out = append(out, ev)
	}
	return out, nil
}

func legID(row providerACDRRow) string {
	return strings.Join([]string{row.OrigCallID, row.ByCallID, row.TermCallID}, "|")
}

// providerADirection compares the origin and termination domains against
// the PBX domain owning the CDR.
func providerADirection(row providerACDRRow) Direction {
	orig := strings.ToLower(row.OrigDomain)
	term := strings.ToLower(row.TermDomain)
	home := strings.ToLower(row.Domain)

	switch {
	case orig == term:
		return DirectionInternal
	case term == home:
		return DirectionInbound
	default:
		return DirectionOutbound
	}
}

func releaseSide(v string) string {
	switch strings.ToLower(v) {
	case "orig":
		return "caller"
	case "term":
		return "callee"
	default:
		return ""
	}
}

/* ===================== provider-B ===================== */

// providerBEnvelope is the webhook body: content is a stringified event.
type providerBEnvelope struct {
	Timestamp int64  `json:"timestamp"`
	Content   string `json:"content"`
}

type providerBEvent struct {
	Type    string `json:"type"`
	EventID string `json:"eventId"`
	Data    struct {
		OriginatorID    string `json:"originatorId"`
		NewOriginatorID string `json:"newOriginatorId"`
		LegID           string `json:"legId"`
		Direction       string `json:"direction"`

		// Unix milliseconds. End is 0 while the dialog is open.
		Start int64 `json:"start"`
		End   int64 `json:"end"`

		Caller struct {
			Number string `json:"number"`
			Name   string `json:"name"`
		} `json:"caller"`
		Callee struct {
			Number string `json:"number"`
		} `json:"callee"`

		Recordings []struct {
			Filename string `json:"filename"`
		} `json:"recordings"`

		// Withdraw-only fields.
		Cause        string `json:"cause"`
		TerminatedBy string `json:"terminatedBy"`
		Destination  string `json:"destination"`
	} `json:"data"`
}

func normalizeProviderB(raw RawEvent) ([]CanonicalEvent, error) {
	var env providerBEnvelope
	if err := json.Unmarshal(raw.Payload, &env); err != nil {
		return nil, fmt.Errorf("envelope decode: %w", err)
	}
	var pe providerBEvent
	if err := json.Unmarshal([]byte(env.Content), &pe); err != nil {
		return nil, fmt.Errorf("content decode: %w", err)
	}

	var kind Kind
	switch pe.Type {
	case "announce":
		kind = KindAnnounce
	case "replace":
		kind = KindReplace
	case "withdraw":
		kind = KindWithdraw
	default:
		return nil, fmt.Errorf("unknown dialog event type %q", pe.Type)
	}
	if pe.Data.OriginatorID == "" {
		return nil, errors.New("dialog event missing originatorId")
	}
	if kind == KindReplace && pe.Data.NewOriginatorID == "" {
		return nil, errors.New("replace event missing newOriginatorId")
	}

	ev := CanonicalEvent{
		Kind:            kind,
		Provider:        ProviderB,
		TenantID:        raw.TenantID,
		ProviderEventID: raw.ProviderEventID,
		OriginatorID:    pe.Data.OriginatorID,
		NewOriginatorID: pe.Data.NewOriginatorID,
		LegID:           pe.Data.LegID,
		Direction:       providerBDirection(pe.Data.Direction),
		CallerNumber:    pe.Data.Caller.Number,
		CallerName:      pe.Data.Caller.Name,
		CalleeNumber:    pe.Data.Callee.Number,
		Terminal:        kind == KindWithdraw,
	}
	if pe.Data.Start > 0 {
		ev.Start = time.UnixMilli(pe.Data.Start).UTC()
	}
	if pe.Data.End > 0 {
		ev.End = time.UnixMilli(pe.Data.End).UTC()
	}
	for _, r := range pe.Data.Recordings {
		if r.Filename != "" {
			ev.RecordingHints = append(ev.RecordingHints, r.Filename)
		}
	}
	if kind == KindWithdraw {
		ev.Missed = pe.Data.Cause == "noAnswer" || pe.Data.Cause == "busy"
		ev.TerminatedBy = pe.Data.TerminatedBy
		ev.TerminationDest = pe.Data.Destination
		if ev.Start.IsZero() && !ev.End.IsZero() {
			// Out-of-order withdraw with no observed start; the correlator
			// synthesizes an open call from the withdraw window.
			ev.Start = ev.End
		}
	}
	if kind == KindAnnounce && ev.Start.IsZero() {
		return nil, errors.New("announce event missing start")
	}
	return []CanonicalEvent{ev}, nil
}

// Provider-B names the direction after the local party's role:
// "recipient" means the tenant's line was called.
func providerBDirection(v string) Direction {
	switch strings.ToLower(v) {
	case "recipient":
		return DirectionInbound
	case "originator":
		return DirectionOutbound
	case "internal":
		return DirectionInternal
	default:
		return DirectionInbound
	}
}
