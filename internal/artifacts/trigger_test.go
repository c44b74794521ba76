package artifacts

import (
	"context"
	"sync"
	"testing"

	"callpipeline/internal/callername"
	"callpipeline/internal/dispatch"
	"callpipeline/internal/event"
	"callpipeline/internal/providera"
)

type recordingResolver struct {
	mu      sync.Mutex
	numbers []string
}

func (r *recordingResolver) Lookup(ctx context.Context, number string) (callername.Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.numbers = append(r.numbers, number)
	return callername.Info{Number: number}, nil
}

func TestTriggerFetchesProviderARecording(t *testing.T) {
	api := &fakeRecordings{
		listings: [][]providera.Recording{{
			{ID: "r1", Status: providera.StatusConverted, DurationSeconds: 12, MimeType: "audio/mpeg"},
		}},
		bodies: map[string][]byte{"r1": []byte("audio")},
	}
	blobs := newFakeBlobs()
	f, repo, pub := newTestFetcher(api, blobs)
	names := &recordingResolver{}

	tr := NewTrigger(f, names, nil)
	tr.CallFinalized("t1", "call-1", event.ProviderA, "leg-1", "+16025550100", nil)
	tr.Wait()

	if len(pub.ByTopic(dispatch.TopicAudioReady)) != 1 {
		t.Fatal("expected AudioReady after trigger")
	}
	a, ok, err := repo.UploadedAudio(context.Background(), "call-1", "audio/mpeg")
	if err != nil || !ok {
		t.Fatalf("uploaded audio missing: ok=%t err=%v", ok, err)
	}
	if a.DurationSeconds != 12 {
		t.Fatalf("duration = %d", a.DurationSeconds)
	}
	if len(names.numbers) != 1 || names.numbers[0] != "+16025550100" {
		t.Fatalf("caller-name warm calls = %v", names.numbers)
	}
}

func TestTriggerDiscoversProviderBHints(t *testing.T) {
	blobs := newFakeBlobs()
	blobs.addObject("recordings-t1", "rec-abc.wav")
	f, _, pub := newTestFetcher(&fakeRecordings{}, blobs)

	tr := NewTrigger(f, nil, nil)
	tr.CallFinalized("t1", "call-2", event.ProviderB, "", "", []string{"rec-abc.wav"})
	tr.Wait()

	if len(pub.ByTopic(dispatch.TopicAudioReady)) != 1 {
		t.Fatal("expected AudioReady for discovered object")
	}
}

func TestTriggerIgnoresProviderAWithoutLeg(t *testing.T) {
	f, _, pub := newTestFetcher(&fakeRecordings{}, newFakeBlobs())
	tr := NewTrigger(f, nil, nil)
	tr.CallFinalized("t1", "call-3", event.ProviderA, "", "", nil)
	tr.Wait()
	if len(pub.Messages()) != 0 {
		t.Fatalf("unexpected messages %v", pub.Messages())
	}
}
