package artifacts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"callpipeline/internal/callername"
	"callpipeline/internal/event"
)

// NameResolver warms the caller-name cache; lookups here are purely
// opportunistic.
type NameResolver interface {
	Lookup(ctx context.Context, number string) (callername.Info, error)
}

// Trigger reacts to finalized calls: it starts the recording fetch for
// the call's provider and pre-warms the caller-name cache. Work runs on
// its own goroutines so the correlator shard is never blocked.
type Trigger struct {
	fetcher *Fetcher
	names   NameResolver

	// FetchTimeout bounds one background fetch, debounce included.
	FetchTimeout time.Duration

	wg  sync.WaitGroup
	log *slog.Logger
}

func NewTrigger(fetcher *Fetcher, names NameResolver, log *slog.Logger) *Trigger {
	if log == nil {
		log = slog.Default()
	}
	return &Trigger{
		fetcher:      fetcher,
		names:        names,
		FetchTimeout: 10 * time.Minute,
		log:          log,
	}
}

func (t *Trigger) CallFinalized(tenantID, callID string, provider event.Provider, legID, callerNumber string, recordingHints []string) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.FetchTimeout)
		defer cancel()
		t.run(ctx, tenantID, callID, provider, legID, callerNumber, recordingHints)
	}()
}

func (t *Trigger) run(ctx context.Context, tenantID, callID string, provider event.Provider, legID, callerNumber string, hints []string) {
	if t.names != nil && callerNumber != "" {
		if _, err := t.names.Lookup(ctx, callerNumber); err != nil {
			t.log.Debug("caller-name warm failed", "tenant", tenantID, "number", callerNumber, "err", err)
		}
	}

	switch provider {
	case event.ProviderA:
		if legID == "" {
			return
		}
		if _, err := t.fetcher.FetchProviderA(ctx, tenantID, callID, legID); err != nil {
			t.log.Warn("recording fetch failed", "tenant", tenantID, "call_id", callID, "err", err)
		}
	case event.ProviderB:
		for _, hint := range hints {
			if _, err := t.fetcher.DiscoverProviderB(ctx, tenantID, callID, hint); err != nil {
				t.log.Warn("recording discovery failed", "tenant", tenantID, "call_id", callID, "hint", hint, "err", err)
			}
		}
	}
}

// Wait blocks until in-flight fetches finish; used on shutdown.
func (t *Trigger) Wait() { t.wg.Wait() }
