package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	xglog "github.com/Chukowski/pictureme-business-sub001/internal/log"
	"github.com/Chukowski/pictureme-business-sub001/internal/metrics"
)

const redisKeyPrefix = "livesync:dedup:"

// RedisStore shares suppression between processes. Entries expire through
// the key TTL. When Redis is unreachable it fails open: nothing is
// suppressed and the error is logged.
type RedisStore struct {
	client  redis.UniversalClient
	bucket  time.Duration
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, opts Options) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisStoreWithClient(client, opts), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, opts Options) *RedisStore {
	s := &RedisStore{
		client:  client,
		bucket:  opts.Bucket,
		ttl:     opts.TTL,
		timeout: 2 * time.Second,
		now:     opts.now,
		logger:  xglog.WithComponent("dedup"),
	}
	if s.bucket < time.Millisecond {
		s.bucket = DefaultBucket
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *RedisStore) key(domain, subject string) string {
	return redisKeyPrefix + Key(domain, subject, s.now(), s.bucket)
}

func (s *RedisStore) ShouldSuppress(domain, subject string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.client.Exists(ctx, s.key(domain, subject)).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str(xglog.FieldDomain, domain).Msg("dedup lookup failed")
		return false
	}
	if n > 0 {
		metrics.DedupSuppressedTotal.WithLabelValues(domain).Inc()
	}
	return n > 0
}

func (s *RedisStore) MarkHandled(domain, subject string) {
	// NX keeps the original expiry when the key is already present.
	s.setNX(domain, subject)
}

func (s *RedisStore) CheckAndMark(domain, subject string) bool {
	set, err := s.setNX(domain, subject)
	if err != nil {
		return false
	}
	if !set {
		metrics.DedupSuppressedTotal.WithLabelValues(domain).Inc()
	}
	return !set
}

func (s *RedisStore) setNX(domain, subject string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	set, err := s.client.SetNX(ctx, s.key(domain, subject), 1, s.ttl).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str(xglog.FieldDomain, domain).Msg("dedup mark failed")
		return false, err
	}
	return set, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
