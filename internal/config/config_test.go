package config

import (
	"testing"
	"time"
)

func valid() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "pipeline", SSLMode: ""},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
		AWS: AWSConfig{
			Region:                "us-east-1",
			AudioBucket:           "audio",
			TranscriptBucket:      "transcripts",
			RecordingBucketPrefix: "recordings",
		},
		Pipeline: PipelineConfig{
			PublicBaseURL:    "https://hooks.example.com",
			ProviderABaseURL: "https://api.provider-a.example.com",
			ProviderBBaseURL: "https://api.provider-b.example.com",
		},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := valid()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "pipeline"
	c.Auth.JWTAudience = "ops"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := valid()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Pipeline.WebhookTimeout != 4*time.Second {
		t.Fatalf("expected webhook timeout default, got %v", c.Pipeline.WebhookTimeout)
	}
	if c.Pipeline.VoicemailSentinel != "vmail" {
		t.Fatalf("expected voicemail sentinel default, got %q", c.Pipeline.VoicemailSentinel)
	}
	if c.Pipeline.Shards != 16 {
		t.Fatalf("expected shard default, got %d", c.Pipeline.Shards)
	}
}

func TestValidate_DerivesTokenURLs(t *testing.T) {
	c := valid()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Pipeline.ProviderATokenURL != "https://api.provider-a.example.com/oauth/token" {
		t.Fatalf("provider-a token url = %q", c.Pipeline.ProviderATokenURL)
	}
	if c.Pipeline.ProviderBTokenURL != "https://api.provider-b.example.com/oauth/token" {
		t.Fatalf("provider-b token url = %q", c.Pipeline.ProviderBTokenURL)
	}
}

func TestSweepIntervalStaysUnderChannelLifetime(t *testing.T) {
	c := valid()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.SweepInterval() > c.Pipeline.ChannelLifetime/3 {
		t.Fatalf("sweep interval %v exceeds a third of channel lifetime %v", c.SweepInterval(), c.Pipeline.ChannelLifetime)
	}
}

func TestRecordingBucketName(t *testing.T) {
	c := valid()
	if got := c.RecordingBucket("TeNant1"); got != "recordings-tenant1" {
		t.Fatalf("unexpected bucket name %q", got)
	}
}
