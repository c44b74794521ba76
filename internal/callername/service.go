package callername

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"
)

// Cache is the hot-cache surface; backed by redis in production.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisCache adapts a redis client to Cache.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache { return &RedisCache{rdb: rdb} }

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Options configures the lookup service.
type Options struct {
	APIBase string
	APIKey  string

	// TTL is the record staleness horizon.
	TTL time.Duration

	// BusinessAreaCodes short-circuit the remote lookup with a business
	// record; these are the tenant's own service numbers.
	BusinessAreaCodes []string
}

// Service resolves caller-name metadata with a redis hot cache in
// front of Postgres and the remote CNAM provider behind both.
type Service struct {
	repo  Repository
	cache Cache
	http  *resty.Client
	opts  Options

	clock func() time.Time
	log   *slog.Logger
}

func NewService(repo Repository, cache Cache, opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * 24 * time.Hour
	}
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(300 * time.Millisecond)
	return &Service{
		repo:  repo,
		cache: cache,
		http:  client,
		opts:  opts,
		clock: time.Now,
		log:   log,
	}
}

func cacheKey(number string) string { return "cnam:" + number }

// Lookup resolves the number to its caller-name record.
//
// Resolution order: business area code short-circuit, hot cache,
// Postgres, remote provider. A remote response with a missing or
// errored caller-name or carrier section is never written; the stale
// record, if any, is returned instead.
func (s *Service) Lookup(ctx context.Context, rawNumber string) (Info, error) {
	number, err := NormalizeE164(rawNumber)
	if err != nil {
		return Info{}, err
	}
	now := s.clock().UTC()

	if s.isBusinessNumber(number) {
		info := Info{
			Number:         number,
			CallerNameType: NameTypeBusiness,
			Source:         "business-area-code",
			ModifiedAt:     now,
		}
		if err := s.repo.Upsert(ctx, info); err != nil {
			s.log.Error("persist business record failed", "number", number, "err", err)
		}
		return info, nil
	}

	if info, ok := s.fromCache(ctx, number); ok && info.Fresh(now, s.opts.TTL) {
		return info, nil
	}

	stored, storedErr := s.repo.Get(ctx, number)
	if storedErr == nil && stored.Fresh(now, s.opts.TTL) {
		s.toCache(ctx, stored)
		return stored, nil
	}
	if storedErr != nil && !errors.Is(storedErr, ErrNotFound) {
		return Info{}, storedErr
	}

	fetched, err := s.fetchRemote(ctx, number, now)
	if err != nil {
		// Stale beats nothing.
		if storedErr == nil {
			s.log.Warn("remote caller-name lookup failed, serving stale",
				"number", number, "err", err)
			return stored, nil
		}
		return Info{}, err
	}

	if err := s.repo.Upsert(ctx, fetched); err != nil {
		s.log.Error("persist caller name failed", "number", number, "err", err)
	}
	s.toCache(ctx, fetched)
	return fetched, nil
}

func (s *Service) isBusinessNumber(number string) bool {
	code := AreaCode(number)
	if code == "" {
		return false
	}
	for _, c := range s.opts.BusinessAreaCodes {
		if c == code {
			return true
		}
	}
	return false
}

func (s *Service) fromCache(ctx context.Context, number string) (Info, bool) {
	if s.cache == nil {
		return Info{}, false
	}
	raw, ok, err := s.cache.Get(ctx, cacheKey(number))
	if err != nil {
		s.log.Warn("caller-name cache read failed", "err", err)
		return Info{}, false
	}
	if !ok {
		return Info{}, false
	}
	var info Info
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return Info{}, false
	}
	return info, true
}

func (s *Service) toCache(ctx context.Context, info Info) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(info.Number), string(raw), s.opts.TTL); err != nil {
		s.log.Warn("caller-name cache write failed", "err", err)
	}
}

// remoteResponse mirrors the CNAM provider's payload. Either section
// may be absent or carry an error code when the provider has no data.
type remoteResponse struct {
	CallerName *struct {
		Name      string `json:"caller_name"`
		Type      string `json:"caller_type"`
		ErrorCode *int   `json:"error_code"`
	} `json:"caller_name"`
	Carrier *struct {
		Type              string `json:"type"`
		MobileCountryCode string `json:"mobile_country_code"`
		MobileNetworkCode string `json:"mobile_network_code"`
		ErrorCode         *int   `json:"error_code"`
	} `json:"carrier"`
}

var errRemoteIncomplete = errors.New("callername: provider response incomplete")

func (s *Service) fetchRemote(ctx context.Context, number string, now time.Time) (Info, error) {
	var body remoteResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParam("phone_number", number).
		SetHeader("Authorization", "Bearer "+s.opts.APIKey).
		SetResult(&body).
		Get(s.opts.APIBase + "/v1/phone_numbers")
	if err != nil {
		return Info{}, fmt.Errorf("caller-name lookup: %w", err)
	}
	if resp.IsError() {
		return Info{}, fmt.Errorf("caller-name lookup: status %d", resp.StatusCode())
	}

	if body.CallerName == nil || body.CallerName.ErrorCode != nil ||
		body.Carrier == nil || body.Carrier.ErrorCode != nil {
		return Info{}, errRemoteIncomplete
	}

	info := Info{
		Number:            number,
		CallerName:        body.CallerName.Name,
		CallerNameType:    parseNameType(body.CallerName.Type),
		CarrierType:       parseCarrierType(body.Carrier.Type),
		Source:            "cnam-api",
		MobileCountryCode: body.Carrier.MobileCountryCode,
		MobileNetworkCode: body.Carrier.MobileNetworkCode,
		ModifiedAt:        now,
	}
	info.IsKnownInsuranceProvider = looksLikeInsurer(info.CallerName)
	return info, nil
}

func parseNameType(raw string) NameType {
	switch NameType(strings.ToLower(raw)) {
	case NameTypeBusiness:
		return NameTypeBusiness
	case NameTypeConsumer:
		return NameTypeConsumer
	default:
		return NameTypeUndetermined
	}
}

func parseCarrierType(raw string) CarrierType {
	switch CarrierType(strings.ToLower(raw)) {
	case CarrierMobile:
		return CarrierMobile
	case CarrierVoIP:
		return CarrierVoIP
	default:
		return CarrierLandline
	}
}

var insurerMarkers = []string{"INSURANCE", "INSURER", "MUTUAL", "ASSURANCE"}

func looksLikeInsurer(name string) bool {
	upper := strings.ToUpper(name)
	for _, m := range insurerMarkers {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}
