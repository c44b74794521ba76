package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"callpipeline/internal/blobstore"
	"callpipeline/internal/dispatch"
	"callpipeline/internal/event"
	"callpipeline/internal/providera"
	"callpipeline/pkg/utils"
)

// ErrAudioUnavailable means every fetch attempt was exhausted; an
// AudioUnavailable message has been published.
var ErrAudioUnavailable = errors.New("artifacts: audio unavailable")

// RecordingAPI is the slice of the provider-A client the fetcher uses.
type RecordingAPI interface {
	ListRecordings(ctx context.Context, tenantID, legID string) ([]providera.Recording, error)
	Download(ctx context.Context, tenantID string, rec providera.Recording) ([]byte, error)
}

// BlobStore is the slice of the blobstore the fetcher uses.
type BlobStore interface {
	PutBlob(ctx context.Context, bucket, key, contentType string, body []byte) error
	StatBlob(ctx context.Context, bucket, key string) (blobstore.ObjectInfo, error)
}

// Options configures fetch pacing and destinations.
type Options struct {
	AudioBucket string
	// RecordingBucket names the per-tenant bucket provider-B uploads
	// into.
	RecordingBucket func(tenantID string) string

	// Debounce delays the first provider-A fetch after finalization;
	// the provider needs time to convert the recording.
	Debounce    time.Duration
	Backoff     utils.BackoffConfig
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	out := o
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.RecordingBucket == nil {
		out.RecordingBucket = func(tenantID string) string { return "recordings-" + tenantID }
	}
	return out
}

// Fetcher moves call recordings into the audio bucket and registers
// artifacts.
type Fetcher struct {
	repo     Repository
	store    BlobStore
	provider RecordingAPI
	pub      dispatch.Publisher
	opts     Options

	clock func() time.Time
	log   *slog.Logger
}

func NewFetcher(repo Repository, store BlobStore, provider RecordingAPI, pub dispatch.Publisher, opts Options, log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{
		repo:     repo,
		store:    store,
		provider: provider,
		pub:      pub,
		opts:     opts.withDefaults(),
		clock:    time.Now,
		log:      log,
	}
}

// FetchProviderA pulls the call's recording from the provider after a
// debounce, retrying with backoff while the provider converts it.
// Among the converted recordings the greatest duration wins.
func (f *Fetcher) FetchProviderA(ctx context.Context, tenantID, callID, legID string) (Audio, error) {
	if f.opts.Debounce > 0 {
		t := time.NewTimer(f.opts.Debounce)
		select {
		case <-ctx.Done():
			t.Stop()
			return Audio{}, ctx.Err()
		case <-t.C:
		}
	}

	var lastErr error
	for attempt := 0; attempt < f.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := utils.SleepBackoff(ctx, f.opts.Backoff, attempt-1); err != nil {
				return Audio{}, err
			}
		}

		recs, err := f.provider.ListRecordings(ctx, tenantID, legID)
		if err != nil {
			lastErr = err
			continue
		}
		best, ok := pickConverted(recs)
		if !ok {
			lastErr = fmt.Errorf("no converted recording yet (%d listed)", len(recs))
			continue
		}

		body, err := f.provider.Download(ctx, tenantID, best)
		if err != nil {
			lastErr = err
			continue
		}

		a, err := f.registerUploaded(ctx, Audio{
			TenantID:        tenantID,
			CallID:          callID,
			Provider:        event.ProviderA,
			MimeType:        best.MimeType,
			DurationSeconds: best.DurationSeconds,
		}, body)
		if err != nil {
			return Audio{}, err
		}
		return a, nil
	}

	f.log.Warn("recording fetch exhausted", "tenant", tenantID, "call_id", callID, "err", lastErr)
	return Audio{}, f.markUnavailable(ctx, tenantID, callID, event.ProviderA, fmt.Sprintf("%v", lastErr))
}

// DiscoverProviderB polls the tenant's recording bucket for the hinted
// filename until the provider's direct upload lands.
func (f *Fetcher) DiscoverProviderB(ctx context.Context, tenantID, callID, hint string) (Audio, error) {
	bucket := f.opts.RecordingBucket(tenantID)
	for attempt := 0; attempt < f.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := utils.SleepBackoff(ctx, f.opts.Backoff, attempt-1); err != nil {
				return Audio{}, err
			}
		}

		if _, err := f.store.StatBlob(ctx, bucket, hint); err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				continue
			}
			return Audio{}, err
		}

		now := f.clock().UTC()
		a := Audio{
			ID:        utils.NewID(),
			TenantID:  tenantID,
			CallID:    callID,
			Provider:  event.ProviderB,
			MimeType:  "audio/mpeg",
			Bucket:    bucket,
			Key:       hint,
			Status:    StatusUploaded,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := f.repo.CreateAudio(ctx, a); err != nil {
			return Audio{}, err
		}
		f.publishAudioReady(ctx, a)
		return a, nil
	}

	return Audio{}, f.markUnavailable(ctx, tenantID, callID, event.ProviderB, "recording never appeared in bucket")
}

// MarkTranscriptUploaded records the transcript landing in storage and
// announces it downstream.
func (f *Fetcher) MarkTranscriptUploaded(ctx context.Context, tenantID, transcriptID, bucket, key string) error {
	t, err := f.repo.GetTranscript(ctx, tenantID, transcriptID)
	if err != nil {
		return err
	}
	t.Bucket = bucket
	t.Key = key
	t.Status = StatusUploaded
	t.UpdatedAt = f.clock().UTC()
	if err := f.repo.SaveTranscript(ctx, t); err != nil {
		return err
	}

	msg := dispatch.Message{
		Topic:      dispatch.TopicTranscriptReady,
		Attributes: map[string]string{"tenant": t.TenantID},
		Body: dispatch.TranscriptReadyBody{
			CallID:       t.CallID,
			TranscriptID: t.ID,
			Type:         string(t.Type),
		},
	}
	if err := f.pub.Publish(ctx, msg); err != nil {
		f.log.Error("publish TranscriptReady failed", "transcript_id", t.ID, "err", err)
	}
	return nil
}

// registerUploaded uploads the body and makes the artifact canonical,
// superseding a shorter previously uploaded audio of the same mime
// type. A shorter new recording is stored as superseded without an
// upload.
func (f *Fetcher) registerUploaded(ctx context.Context, a Audio, body []byte) (Audio, error) {
	now := f.clock().UTC()
	a.ID = utils.NewID()
	a.Bucket = f.opts.AudioBucket
	a.Key = a.CallID + "/" + a.ID
	a.CreatedAt = now
	a.UpdatedAt = now

	existing, found, err := f.repo.UploadedAudio(ctx, a.CallID, a.MimeType)
	if err != nil {
		return Audio{}, err
	}
	if found && existing.DurationSeconds >= a.DurationSeconds {
		a.Status = StatusSuperseded
		if err := f.repo.CreateAudio(ctx, a); err != nil {
			return Audio{}, err
		}
		return existing, nil
	}

	if err := f.store.PutBlob(ctx, a.Bucket, a.Key, a.MimeType, body); err != nil {
		return Audio{}, fmt.Errorf("upload audio: %w", err)
	}
	a.Status = StatusUploaded
	if err := f.repo.CreateAudio(ctx, a); err != nil {
		return Audio{}, err
	}
	if found {
		existing.Status = StatusSuperseded
		existing.UpdatedAt = now
		if err := f.repo.UpdateAudio(ctx, existing); err != nil {
			return Audio{}, err
		}
	}
	f.publishAudioReady(ctx, a)
	return a, nil
}

func (f *Fetcher) markUnavailable(ctx context.Context, tenantID, callID string, provider event.Provider, reason string) error {
	now := f.clock().UTC()
	a := Audio{
		ID:        utils.NewID(),
		TenantID:  tenantID,
		CallID:    callID,
		Provider:  provider,
		Status:    StatusFailed,
		Attempts:  f.opts.MaxAttempts,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.repo.CreateAudio(ctx, a); err != nil {
		f.log.Error("record failed artifact", "call_id", callID, "err", err)
	}
	msg := dispatch.Message{
		Topic:      dispatch.TopicAudioUnavailable,
		Attributes: map[string]string{"tenant": tenantID},
		Body: dispatch.AudioUnavailableBody{
			CallID:  callID,
			AudioID: a.ID,
			Reason:  reason,
		},
	}
	if err := f.pub.Publish(ctx, msg); err != nil {
		f.log.Error("publish AudioUnavailable failed", "call_id", callID, "err", err)
	}
	return ErrAudioUnavailable
}

func (f *Fetcher) publishAudioReady(ctx context.Context, a Audio) {
	msg := dispatch.Message{
		Topic:      dispatch.TopicAudioReady,
		Attributes: map[string]string{"tenant": a.TenantID},
		Body: dispatch.AudioReadyBody{
			CallID:   a.CallID,
			AudioID:  a.ID,
			MimeType: a.MimeType,
		},
	}
	if err := f.pub.Publish(ctx, msg); err != nil {
		f.log.Error("publish AudioReady failed", "audio_id", a.ID, "err", err)
	}
}

func pickConverted(recs []providera.Recording) (providera.Recording, bool) {
	var best providera.Recording
	found := false
	for _, r := range recs {
		if !r.Converted() {
			continue
		}
		if !found || r.DurationSeconds > best.DurationSeconds {
			best = r
			found = true
		}
	}
	return best, found
}
