package correlate

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"

	"callpipeline/internal/event"
)

// ErrStopped is returned by Submit after Stop has been called.
var ErrStopped = errors.New("correlate: runner stopped")

// Runner fans canonical events out over a fixed set of shard workers.
// Events for the same (tenant, originator) always land on the same
// shard, which gives the engine single-writer semantics per call
// without row locks.
type Runner struct {
	engine *Engine
	queues []chan event.CanonicalEvent
	log    *slog.Logger

	// mu is held for reading across every queue send and for writing
	// while Stop closes the queues, so a Submit blocked on a full
	// shard buffer can never race the close.
	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewRunner(engine *Engine, shards, buffer int, log *slog.Logger) *Runner {
	if shards < 1 {
		shards = 1
	}
	if buffer < 1 {
		buffer = 64
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Runner{
		engine: engine,
		queues: make([]chan event.CanonicalEvent, shards),
		log:    log,
	}
	for i := range r.queues {
		r.queues[i] = make(chan event.CanonicalEvent, buffer)
	}
	return r
}

// Start launches one worker per shard. Workers drain their queue until
// it is closed by Stop; ctx cancels in-flight repository calls.
func (r *Runner) Start(ctx context.Context) {
	for i, q := range r.queues {
		r.wg.Add(1)
		go r.work(ctx, i, q)
	}
}

func (r *Runner) work(ctx context.Context, shard int, q <-chan event.CanonicalEvent) {
	defer r.wg.Done()
	for ev := range q {
		if err := r.engine.Apply(ctx, ev); err != nil {
			r.log.Error("correlation failed",
				"shard", shard,
				"tenant", ev.TenantID,
				"originator", ev.OriginatorID,
				"kind", ev.Kind,
				"err", err)
		}
	}
}

// Submit enqueues one event onto its owning shard, blocking while the
// shard's buffer is full.
func (r *Runner) Submit(ctx context.Context, ev event.CanonicalEvent) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return ErrStopped
	}
	q := r.queues[r.Shard(ev.TenantID, ev.OriginatorID)]

	select {
	case q <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shard returns the worker index owning the originator.
func (r *Runner) Shard(tenantID, originatorID string) int {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	h.Write([]byte{'|'})
	h.Write([]byte(originatorID))
	return int(h.Sum32() % uint32(len(r.queues)))
}

// Stop closes the shard queues and waits for the workers to drain them.
// The write lock waits out any Submit mid-send; the workers keep
// consuming until the close, so a blocked Submit always completes
// first.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	for _, q := range r.queues {
		close(q)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
