package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"callpipeline/internal/audit"
	"callpipeline/internal/event"
	"callpipeline/internal/providerb"
)

// fakeAPI scripts the provider-B surface.
type fakeAPI struct {
	failCreateChannel bool
	failSession       bool
	failExtend        bool

	channels      int
	deletedRemote []string
	subscribed    []string
	lines         []providerb.Line
}

func (f *fakeAPI) CreateChannel(ctx context.Context, tenantID, targetURL, secret string, lifetime time.Duration) (providerb.Channel, error) {
	if f.failCreateChannel {
		return providerb.Channel{}, errors.New("provider down")
	}
	f.channels++
	return providerb.Channel{ID: "remote-ch", ExpiresAt: time.Now().Add(lifetime)}, nil
}

func (f *fakeAPI) ExtendChannel(ctx context.Context, tenantID, channelID string, lifetime time.Duration) (time.Time, error) {
	if f.failExtend {
		return time.Time{}, errors.New("extend rejected")
	}
	return time.Now().Add(lifetime), nil
}

func (f *fakeAPI) DeleteChannel(ctx context.Context, tenantID, channelID string) error {
	f.deletedRemote = append(f.deletedRemote, channelID)
	return nil
}

func (f *fakeAPI) CreateSession(ctx context.Context, tenantID, channelID string) (string, error) {
	if f.failSession {
		return "", errors.New("session rejected")
	}
	return "remote-sess", nil
}

func (f *fakeAPI) DeleteSession(ctx context.Context, tenantID, sessionID string) error { return nil }

func (f *fakeAPI) ListLines(ctx context.Context, tenantID string) ([]providerb.Line, error) {
	return f.lines, nil
}

func (f *fakeAPI) SubscribeLine(ctx context.Context, tenantID, sessionID, lineID string) error {
	f.subscribed = append(f.subscribed, lineID)
	return nil
}

func newTestManager(api ProviderBAPI, auditRepo *audit.MemoryRepo) (*Manager, *MemoryRepo) {
	repo := NewMemoryRepo()
	var svc *audit.Service
	if auditRepo != nil {
		svc = audit.NewService(auditRepo)
	}
	m := NewManager(repo, api, svc, Options{
		PublicBaseURL:   "https://pipeline.example",
		ChannelLifetime: time.Hour,
	}, nil)
	return m, repo
}

func TestCreateProviderA(t *testing.T) {
	auditRepo := audit.NewMemoryRepo()
	m, repo := newTestManager(&fakeAPI{}, auditRepo)

	sub, err := m.Create(context.Background(), "t1", event.ProviderA, "op-1", "operator")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sub.SharedSecret == "" {
		t.Fatal("no shared secret generated")
	}
	if _, err := repo.GetSubscription(context.Background(), "t1", sub.ID); err != nil {
		t.Fatalf("subscription not stored: %v", err)
	}
	events := auditRepo.Events()
	if len(events) != 1 || events[0].Type != audit.EventTypeSubscriptionCreated {
		t.Fatalf("audit = %+v", events)
	}
	if events[0].ActorOperatorID != "op-1" {
		t.Fatalf("actor = %q", events[0].ActorOperatorID)
	}
}

func TestCreateProviderBFullSequence(t *testing.T) {
	api := &fakeAPI{lines: []providerb.Line{
		{ID: "l1", Number: "1000", Name: "Front Desk"},
		{ID: "l2", Number: "1001", Name: "Support"},
	}}
	m, repo := newTestManager(api, nil)

	sub, err := m.Create(context.Background(), "t1", event.ProviderB, "op-1", "operator")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	channels, _ := repo.ChannelsBySubscription(context.Background(), sub.ID)
	if len(channels) != 1 {
		t.Fatalf("channels = %d, want 1", len(channels))
	}
	ch := channels[0]
	if !ch.Active || ch.RemoteID != "remote-ch" || ch.SignatureSecret == "" {
		t.Fatalf("channel = %+v", ch)
	}
	if _, err := repo.GetSessionByChannel(context.Background(), ch.ID); err != nil {
		t.Fatalf("session not stored: %v", err)
	}
	if len(api.subscribed) != 2 {
		t.Fatalf("subscribed lines = %v", api.subscribed)
	}
	lines, _ := repo.ListLines(context.Background(), "t1")
	if len(lines) != 2 || lines[0].Number != "1000" {
		t.Fatalf("lines = %+v", lines)
	}
}

func TestCreateProviderBRemoteFailureRollsBack(t *testing.T) {
	api := &fakeAPI{failCreateChannel: true}
	m, repo := newTestManager(api, nil)

	_, err := m.Create(context.Background(), "t1", event.ProviderB, "op-1", "operator")
	if err == nil {
		t.Fatal("expected error")
	}
	channels, _ := repo.ListChannels(context.Background(), true)
	if len(channels) != 0 {
		t.Fatalf("channels left behind: %+v", channels)
	}
	if _, err := repo.GetSubscription(context.Background(), "t1", "any"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestCreateProviderBSessionFailureTearsDownChannel(t *testing.T) {
	api := &fakeAPI{failSession: true}
	m, repo := newTestManager(api, nil)

	_, err := m.Create(context.Background(), "t1", event.ProviderB, "op-1", "operator")
	if err == nil {
		t.Fatal("expected error")
	}
	if len(api.deletedRemote) != 1 || api.deletedRemote[0] != "remote-ch" {
		t.Fatalf("remote channel not cleaned up: %v", api.deletedRemote)
	}
	active, _ := repo.ListChannels(context.Background(), true)
	inactive, _ := repo.ListChannels(context.Background(), false)
	if len(active)+len(inactive) != 0 {
		t.Fatal("local channel rows left behind")
	}
}

func TestSweepExtendFailureMarksInactiveThenRecreates(t *testing.T) {
	api := &fakeAPI{lines: []providerb.Line{{ID: "l1", Number: "1000"}}}
	auditRepo := audit.NewMemoryRepo()
	m, repo := newTestManager(api, auditRepo)

	sub, err := m.Create(context.Background(), "t1", event.ProviderB, "op-1", "operator")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	channels, _ := repo.ChannelsBySubscription(context.Background(), sub.ID)
	chID := channels[0].ID
	oldSecret := channels[0].SignatureSecret

	api.failExtend = true
	if _, _, err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	// The failed extension marked the channel inactive, and the same
	// sweep pass already recreated it with a fresh secret.
	ch, _ := repo.ChannelByID(chID)
	if !ch.Active {
		t.Fatal("channel not recreated")
	}
	if ch.SignatureSecret == oldSecret {
		t.Fatal("secret not rotated on recreate")
	}

	found := false
	for _, e := range auditRepo.Events() {
		if e.Type == audit.EventTypeChannelRecreated && e.ChannelID == chID {
			found = true
		}
	}
	if !found {
		t.Fatal("recreate not audited")
	}
}

func TestSweepExtendsActiveChannels(t *testing.T) {
	api := &fakeAPI{}
	m, repo := newTestManager(api, nil)

	if _, err := m.Create(context.Background(), "t1", event.ProviderB, "op-1", "operator"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	extended, recreated, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if extended != 1 || recreated != 0 {
		t.Fatalf("extended=%d recreated=%d", extended, recreated)
	}
	channels, _ := repo.ListChannels(context.Background(), true)
	if len(channels) != 1 {
		t.Fatalf("active channels = %d", len(channels))
	}
}

func TestDeleteProviderBTearsDownRemote(t *testing.T) {
	api := &fakeAPI{}
	auditRepo := audit.NewMemoryRepo()
	m, repo := newTestManager(api, auditRepo)

	sub, err := m.Create(context.Background(), "t1", event.ProviderB, "op-1", "operator")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Delete(context.Background(), "t1", sub.ID, "op-1", "operator"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(api.deletedRemote) != 1 {
		t.Fatalf("remote deletes = %v", api.deletedRemote)
	}
	if _, err := repo.GetSubscription(context.Background(), "t1", sub.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("subscription still present: %v", err)
	}
	last := auditRepo.Events()[len(auditRepo.Events())-1]
	if last.Type != audit.EventTypeSubscriptionDeleted {
		t.Fatalf("last audit = %+v", last)
	}
}

func TestSweepIntervalIsThirdOfLifetime(t *testing.T) {
	m, _ := newTestManager(&fakeAPI{}, nil)
	if got := m.SweepInterval(); got != 20*time.Minute {
		t.Fatalf("interval = %v", got)
	}
}
