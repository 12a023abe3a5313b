package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatsEvent describes one gate decision for the optional stats sink.
type StatsEvent struct {
	Key     string
	Outcome string // allowed, rate_limited, captcha_rejected, pow_rejected, ...
	Action  string
	At      time.Time
}

// StatsStore records decisions out-of-band. Implementations must be cheap and
// never block the request path on failure.
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}

// RedisStatsStore counts decisions in Redis hashes: a cumulative total plus a
// per-minute bucket with TTL, and optionally a per-action hash.
type RedisStatsStore struct {
	rdb          *redis.Client
	prefix       string
	ttl          time.Duration
	trackActions bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.prefix = strings.Trim(prefix, ":") }
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsTrackActions(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackActions = track }
}

func NewRedisStatsStore(rdb *redis.Client, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "gateway:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsStore) Record(ctx context.Context, ev StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := ev.Outcome
	if field == "" {
		field = "unknown"
	}

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)

	minuteKey := s.prefix + ":minute:" + at.UTC().Format("200601021504")
	pipe.HIncrBy(ctx, minuteKey, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, minuteKey, s.ttl)
	}

	if s.trackActions && ev.Action != "" {
		pipe.HIncrBy(ctx, s.prefix+":action:"+ev.Action, field, 1)
	}

	_, err := pipe.Exec(ctx)
	return err
}
