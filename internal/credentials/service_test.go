package credentials

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"callpipeline/internal/audit"
	"callpipeline/internal/event"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(repo Repository, auditSvc *audit.Service, opts Options) *Service {
	s := NewService(repo, auditSvc, opts, nil)
	s.clock = func() time.Time { return testNow }
	return s
}

func seedPassword(t *testing.T, repo *MemoryRepo) Credential {
	t.Helper()
	c := Credential{
		ID:           "cred-a",
		TenantID:     "t1",
		Provider:     event.ProviderA,
		Grant:        GrantPassword,
		ClientID:     "client",
		ClientSecret: "secret",
		Username:     "api-user",
		Password:     "api-pass",
	}
	if err := repo.Create(context.Background(), c); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return c
}

func seedRotating(t *testing.T, repo *MemoryRepo, refreshToken string) Credential {
	t.Helper()
	c := Credential{
		ID:           "cred-b",
		TenantID:     "t1",
		Provider:     event.ProviderB,
		Grant:        GrantRefreshRotating,
		ClientID:     "client",
		ClientSecret: "secret",
		RefreshToken: refreshToken,
	}
	if err := repo.Create(context.Background(), c); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return c
}

func TestPasswordGrantIssuesAndPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "password" || r.PostForm.Get("username") != "api-user" {
			t.Fatalf("unexpected form: %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-1","expires_in":3600}`))
	}))
	defer srv.Close()

	repo := NewMemoryRepo()
	cred := seedPassword(t, repo)
	s := newTestService(repo, nil, Options{ProviderATokenURL: srv.URL})

	tok, err := s.AccessToken(context.Background(), "t1", event.ProviderA)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != "tok-1" {
		t.Fatalf("token = %q", tok)
	}
	got, _ := repo.Get(cred.ID)
	if got.AccessToken != "tok-1" {
		t.Fatalf("persisted token = %q", got.AccessToken)
	}
	if !got.TokenExpiry.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("expiry = %v", got.TokenExpiry)
	}
}

func TestValidTokenSkipsRefresh(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-new","expires_in":3600}`))
	}))
	defer srv.Close()

	repo := NewMemoryRepo()
	c := seedPassword(t, repo)
	repo.UpdateTokens(context.Background(), c.ID, "tok-cached", "", testNow.Add(time.Hour), testNow)

	s := newTestService(repo, nil, Options{ProviderATokenURL: srv.URL, RefreshSkew: time.Minute})
	tok, err := s.AccessToken(context.Background(), "t1", event.ProviderA)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != "tok-cached" {
		t.Fatalf("token = %q, want cached", tok)
	}
	if hits.Load() != 0 {
		t.Fatalf("token endpoint hit %d times", hits.Load())
	}
}

func TestTokenWithinSkewRefreshes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-new","expires_in":3600}`))
	}))
	defer srv.Close()

	repo := NewMemoryRepo()
	c := seedPassword(t, repo)
	// Expires in 30s; skew of 60s forces a refresh.
	repo.UpdateTokens(context.Background(), c.ID, "tok-cached", "", testNow.Add(30*time.Second), testNow)

	s := newTestService(repo, nil, Options{ProviderATokenURL: srv.URL, RefreshSkew: time.Minute})
	tok, err := s.AccessToken(context.Background(), "t1", event.ProviderA)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != "tok-new" {
		t.Fatalf("token = %q, want refreshed", tok)
	}
}

func TestRotatingRefreshPersistsRotatedPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "refresh-1" {
			t.Fatalf("unexpected form: %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-2","refresh_token":"refresh-2","expires_in":900}`))
	}))
	defer srv.Close()

	repo := NewMemoryRepo()
	cred := seedRotating(t, repo, "refresh-1")
	s := newTestService(repo, nil, Options{ProviderBTokenURL: srv.URL})

	tok, err := s.AccessToken(context.Background(), "t1", event.ProviderB)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != "tok-2" {
		t.Fatalf("token = %q", tok)
	}
	got, _ := repo.Get(cred.ID)
	if got.RefreshToken != "refresh-2" {
		t.Fatalf("rotated refresh token not persisted: %q", got.RefreshToken)
	}
	if got.AccessToken != "tok-2" {
		t.Fatalf("access token not persisted with rotation: %q", got.AccessToken)
	}
}

func TestRotationPersistFailureKillsCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-2","refresh_token":"refresh-2","expires_in":900}`))
	}))
	defer srv.Close()

	repo := NewMemoryRepo()
	cred := seedRotating(t, repo, "refresh-1")
	repo.FailUpdateTokens = errors.New("disk full")
	auditRepo := audit.NewMemoryRepo()
	s := newTestService(repo, audit.NewService(auditRepo), Options{ProviderBTokenURL: srv.URL})

	_, err := s.AccessToken(context.Background(), "t1", event.ProviderB)
	if !errors.Is(err, ErrRefreshTokenNoLongerRefreshable) {
		t.Fatalf("err = %v, want ErrRefreshTokenNoLongerRefreshable", err)
	}
	repo.FailUpdateTokens = nil
	got, _ := repo.Get(cred.ID)
	if got.Active {
		t.Fatal("credential still active after lost rotation")
	}
	events := auditRepo.Events()
	if len(events) != 1 || events[0].Type != audit.EventTypeCredentialDead {
		t.Fatalf("audit events = %+v", events)
	}
	if events[0].CredentialID != cred.ID {
		t.Fatalf("audit credential id = %q", events[0].CredentialID)
	}
}

func TestRejectedRefreshTokenKillsCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	repo := NewMemoryRepo()
	cred := seedRotating(t, repo, "refresh-stale")
	s := newTestService(repo, nil, Options{ProviderBTokenURL: srv.URL})

	_, err := s.AccessToken(context.Background(), "t1", event.ProviderB)
	if !errors.Is(err, ErrRefreshTokenNoLongerRefreshable) {
		t.Fatalf("err = %v, want ErrRefreshTokenNoLongerRefreshable", err)
	}
	got, _ := repo.Get(cred.ID)
	if got.Active {
		t.Fatal("credential still active after provider rejection")
	}
}

func TestNoActiveCredential(t *testing.T) {
	s := newTestService(NewMemoryRepo(), nil, Options{})
	_, err := s.AccessToken(context.Background(), "t1", event.ProviderA)
	if !errors.Is(err, ErrNoActiveCredential) {
		t.Fatalf("err = %v, want ErrNoActiveCredential", err)
	}
}

func TestSiblingDeactivatedOnCreate(t *testing.T) {
	repo := NewMemoryRepo()
	first := seedPassword(t, repo)
	second := first
	second.ID = "cred-a2"
	if err := repo.Create(context.Background(), second); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, _ := repo.Get(first.ID)
	if got.Active {
		t.Fatal("sibling credential still active")
	}
	active, err := repo.GetActive(context.Background(), "t1", event.ProviderA)
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if active.ID != second.ID {
		t.Fatalf("active = %s, want %s", active.ID, second.ID)
	}
}
