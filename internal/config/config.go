package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	AWS      AWSConfig
	Pipeline PipelineConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type AWSConfig struct {
	Region string

	// Endpoint overrides the S3/IAM endpoint (minio/localstack in dev).
	// Empty means the real AWS endpoints.
	Endpoint string

	// Static credentials are optional; when empty the SDK falls back to
	// the default chain (instance identity inside AWS).
	AccessKeyID     string
	SecretAccessKey string

	AudioBucket      string
	TranscriptBucket string

	// RecordingBucketPrefix names per-tenant recording buckets:
	// <prefix>-<tenant_id>.
	RecordingBucketPrefix string

	SignedURLExpiry time.Duration
}

// PipelineConfig groups the ingestion/correlation tunables.
type PipelineConfig struct {
	// PublicBaseURL is the externally reachable base for webhook endpoints.
	PublicBaseURL string

	WebhookTimeout   time.Duration
	ChannelLifetime  time.Duration
	TokenRefreshSkew time.Duration
	CallerNameTTL    time.Duration

	// VoicemailSentinel is the terminating destination that marks a leg
	// as ended in a voicemail box.
	VoicemailSentinel string

	// BusinessAreaCodes short-circuit remote caller-name lookups.
	BusinessAreaCodes []string

	MaxReprocessCalls int

	// Shards partitions correlation work by originator id.
	Shards int

	// StreamPrefix namespaces the dispatcher's redis streams.
	StreamPrefix string

	// ArtifactDebounce delays recording fetches after a call finalizes so
	// all leg recordings can converge on the provider side.
	ArtifactDebounce time.Duration

	// CallerNameAPIBase and key configure the external CNAM provider.
	CallerNameAPIBase string
	CallerNameAPIKey  string

	// Provider API endpoints.
	ProviderABaseURL  string
	ProviderATokenURL string
	ProviderBBaseURL  string
	ProviderBTokenURL string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.AWS.Region = strings.TrimSpace(os.Getenv("AWS_REGION"))
	c.AWS.Endpoint = strings.TrimSpace(os.Getenv("AWS_ENDPOINT"))
	c.AWS.AccessKeyID = strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID"))
	c.AWS.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	c.AWS.AudioBucket = strings.TrimSpace(os.Getenv("AUDIO_BUCKET"))
	c.AWS.TranscriptBucket = strings.TrimSpace(os.Getenv("TRANSCRIPT_BUCKET"))
	c.AWS.RecordingBucketPrefix = strings.TrimSpace(os.Getenv("RECORDING_BUCKET_PREFIX"))
	c.AWS.SignedURLExpiry = mustDuration("SIGNED_URL_EXPIRY")

	c.Pipeline.PublicBaseURL = strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL"))
	c.Pipeline.WebhookTimeout = millisEnv("WEBHOOK_TIMEOUT_MS")
	c.Pipeline.ChannelLifetime = secondsEnv("CHANNEL_LIFETIME_S")
	c.Pipeline.TokenRefreshSkew = secondsEnv("TOKEN_REFRESH_SKEW_S")
	c.Pipeline.CallerNameTTL = secondsEnv("CALLER_NAME_TTL_S")
	c.Pipeline.VoicemailSentinel = strings.TrimSpace(os.Getenv("VOICEMAIL_DESTINATION_SENTINEL"))
	c.Pipeline.BusinessAreaCodes = splitCSV(os.Getenv("BUSINESS_AREA_CODES"))
	c.Pipeline.MaxReprocessCalls = optionalInt("MAX_REPROCESS_CALLS_PER_REQUEST")
	c.Pipeline.Shards = optionalInt("CORRELATOR_SHARDS")
	c.Pipeline.StreamPrefix = strings.TrimSpace(os.Getenv("DISPATCH_STREAM_PREFIX"))
	c.Pipeline.ArtifactDebounce = secondsEnv("ARTIFACT_DEBOUNCE_S")
	c.Pipeline.CallerNameAPIBase = strings.TrimSpace(os.Getenv("CALLER_NAME_API_BASE"))
	c.Pipeline.CallerNameAPIKey = os.Getenv("CALLER_NAME_API_KEY")
	c.Pipeline.ProviderABaseURL = strings.TrimSpace(os.Getenv("PROVIDER_A_BASE_URL"))
	c.Pipeline.ProviderATokenURL = strings.TrimSpace(os.Getenv("PROVIDER_A_TOKEN_URL"))
	c.Pipeline.ProviderBBaseURL = strings.TrimSpace(os.Getenv("PROVIDER_B_BASE_URL"))
	c.Pipeline.ProviderBTokenURL = strings.TrimSpace(os.Getenv("PROVIDER_B_TOKEN_URL"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.AWS.Region == "" {
		errs = append(errs, errors.New("AWS_REGION is required"))
	}
	if c.AWS.AudioBucket == "" {
		errs = append(errs, errors.New("AUDIO_BUCKET is required"))
	}
	if c.AWS.TranscriptBucket == "" {
		errs = append(errs, errors.New("TRANSCRIPT_BUCKET is required"))
	}
	if c.AWS.RecordingBucketPrefix == "" {
		errs = append(errs, errors.New("RECORDING_BUCKET_PREFIX is required"))
	}
	if c.AWS.SignedURLExpiry <= 0 {
		c.AWS.SignedURLExpiry = 15 * time.Minute
	}

	if c.Pipeline.PublicBaseURL == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required"))
	}
	if c.Pipeline.WebhookTimeout <= 0 {
		// Providers give us ~4s to answer; stay under it.
		c.Pipeline.WebhookTimeout = 4 * time.Second
	}
	if c.Pipeline.ChannelLifetime <= 0 {
		c.Pipeline.ChannelLifetime = 24 * time.Hour
	}
	if c.Pipeline.TokenRefreshSkew <= 0 {
		c.Pipeline.TokenRefreshSkew = 5 * time.Minute
	}
	if c.Pipeline.CallerNameTTL <= 0 {
		c.Pipeline.CallerNameTTL = 30 * 24 * time.Hour
	}
	if c.Pipeline.VoicemailSentinel == "" {
		c.Pipeline.VoicemailSentinel = "vmail"
	}
	if c.Pipeline.MaxReprocessCalls <= 0 {
		c.Pipeline.MaxReprocessCalls = 5000
	}
	if c.Pipeline.Shards <= 0 {
		c.Pipeline.Shards = 16
	}
	if c.Pipeline.StreamPrefix == "" {
		c.Pipeline.StreamPrefix = "pipeline"
	}
	if c.Pipeline.ArtifactDebounce <= 0 {
		c.Pipeline.ArtifactDebounce = 30 * time.Second
	}
	if c.Pipeline.ProviderABaseURL == "" {
		errs = append(errs, errors.New("PROVIDER_A_BASE_URL is required"))
	}
	if c.Pipeline.ProviderBBaseURL == "" {
		errs = append(errs, errors.New("PROVIDER_B_BASE_URL is required"))
	}
	if c.Pipeline.ProviderATokenURL == "" {
		c.Pipeline.ProviderATokenURL = strings.TrimRight(c.Pipeline.ProviderABaseURL, "/") + "/oauth/token"
	}
	if c.Pipeline.ProviderBTokenURL == "" {
		c.Pipeline.ProviderBTokenURL = strings.TrimRight(c.Pipeline.ProviderBBaseURL, "/") + "/oauth/token"
	}

	return joinErrors(errs)
}

// SweepInterval is the subscription refresh cadence.
// It must stay well under the channel lifetime so a failed extension
// leaves at least one more sweep before expiry.
func (c Config) SweepInterval() time.Duration {
	return c.Pipeline.ChannelLifetime / 3
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// RecordingBucket names the per-tenant bucket providers upload into.
func (c Config) RecordingBucket(tenantID string) string {
	return fmt.Sprintf("%s-%s", c.AWS.RecordingBucketPrefix, strings.ToLower(tenantID))
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

// millisEnv reads an integer env value expressed in milliseconds.
func millisEnv(key string) time.Duration {
	return time.Duration(optionalInt(key)) * time.Millisecond
}

// secondsEnv reads an integer env value expressed in seconds.
func secondsEnv(key string) time.Duration {
	return time.Duration(optionalInt(key)) * time.Second
}

func splitCSV(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
