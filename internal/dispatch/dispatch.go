package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Topics published by the pipeline. Delivery is at-least-once; consumers
// MUST be idempotent by (call_id, event_kind, artifact_id).
type Topic string

const (
	TopicCallFinalized      Topic = "call-finalized"
	TopicAudioReady         Topic = "audio-ready"
	TopicAudioUnavailable   Topic = "audio-unavailable"
	TopicTranscriptReady    Topic = "transcript-ready"
	TopicCDRLinkedToPartial Topic = "cdr-linked-to-partial"
)

// Message is one published domain event: attributes for filtering plus
// a JSON body referencing the call and artifact ids.
type Message struct {
	Topic      Topic             `json:"topic"`
	Attributes map[string]string `json:"attributes"`
	Body       any               `json:"body"`
}

// Bodies for the published topics.

type CallFinalizedBody struct {
	CallID     string    `json:"call_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Connection string    `json:"connection"`
	Voicemail  bool      `json:"voicemail"`
}

type AudioReadyBody struct {
	CallID   string `json:"call_id"`
	AudioID  string `json:"audio_id"`
	MimeType string `json:"mime_type"`
}

type AudioUnavailableBody struct {
	CallID  string `json:"call_id"`
	AudioID string `json:"audio_id"`
	Reason  string `json:"reason"`
}

type TranscriptReadyBody struct {
	CallID       string `json:"call_id"`
	TranscriptID string `json:"transcript_id"`
	Type         string `json:"type"`
}

type CDRLinkedBody struct {
	CDRID     string `json:"cdr_id"`
	CallID    string `json:"call_id"`
	PartialID string `json:"partial_id"`
}

// Publisher is the outbound event fan-out contract.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

var ErrPublishTimeout = errors.New("publish timed out")

// Options tunes the redis-stream publisher.
type Options struct {
	// StreamPrefix namespaces topic streams: <prefix>:<topic>.
	StreamPrefix string

	// Timeout bounds one publish attempt; per-topic overrides win.
	Timeout       time.Duration
	TopicTimeouts map[Topic]time.Duration

	// Retries is the number of re-attempts after the first failure.
	Retries int

	// MaxLen approximately caps each stream.
	MaxLen int64
}

func (o Options) withDefaults() Options {
	out := o
	if out.StreamPrefix == "" {
		out.StreamPrefix = "pipeline"
	}
	if out.Timeout <= 0 {
		out.Timeout = 2 * time.Second
	}
	if out.Retries <= 0 {
		out.Retries = 3
	}
	if out.MaxLen <= 0 {
		out.MaxLen = 1_000_000
	}
	return out
}

// StreamPublisher writes messages to redis streams, one stream per
// topic. A publish that keeps failing lands on the outbox table so the
// janitor can replay it.
type StreamPublisher struct {
	rdb    *redis.Client
	opts   Options
	outbox OutboxRepository
	log    *slog.Logger
}

func NewStreamPublisher(rdb *redis.Client, outbox OutboxRepository, opts Options, log *slog.Logger) *StreamPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &StreamPublisher{rdb: rdb, opts: opts.withDefaults(), outbox: outbox, log: log}
}

func (p *StreamPublisher) stream(topic Topic) string {
	return fmt.Sprintf("%s:%s", p.opts.StreamPrefix, topic)
}

func (p *StreamPublisher) timeout(topic Topic) time.Duration {
	if d, ok := p.opts.TopicTimeouts[topic]; ok && d > 0 {
		return d
	}
	return p.opts.Timeout
}

func (p *StreamPublisher) Publish(ctx context.Context, msg Message) error {
	if msg.Topic == "" {
		return errors.New("topic is required")
	}
	body, err := json.Marshal(msg.Body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	values := map[string]any{"body": string(body)}
	for k, v := range msg.Attributes {
		values["attr:"+k] = v
	}

	var lastErr error
	for attempt := 0; attempt <= p.opts.Retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout(msg.Topic))
		err := p.rdb.XAdd(attemptCtx, &redis.XAddArgs{
			Stream: p.stream(msg.Topic),
			MaxLen: p.opts.MaxLen,
			Approx: true,
			Values: values,
		}).Err()
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	p.log.Error("publish failed, queueing to outbox",
		"topic", msg.Topic, "err", lastErr)

	if p.outbox != nil {
		if obErr := p.outbox.Append(ctx, msg); obErr == nil {
			return nil
		} else {
			return fmt.Errorf("%w: %v (outbox append also failed: %v)", ErrPublishTimeout, lastErr, obErr)
		}
	}
	return fmt.Errorf("%w: %v", ErrPublishTimeout, lastErr)
}
