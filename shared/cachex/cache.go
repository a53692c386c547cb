package cachex

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"raffle-market-platform/shared/config"
)

// Store is the session/cache layer: one Redis hash per structured key, plus
// glob pattern invalidation. Values live behind a short TTL so a missed
// invalidation can never outlive the propagation window.
type Store struct {
	redis     *redis.Client
	opTimeout time.Duration
}

var ErrNotInitialized = errors.New("redis client not initialized")

func New(cfg config.Config) (*Store, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Store{redis: rdb, opTimeout: time.Duration(cfg.CacheOpTimeoutMS) * time.Millisecond}, nil
}

// NewWithClient wraps an existing client, used by tests with miniredis.
func NewWithClient(client *redis.Client, opTimeout time.Duration) *Store {
	if opTimeout <= 0 {
		opTimeout = 250 * time.Millisecond
	}
	return &Store{redis: client, opTimeout: opTimeout}
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.redis == nil {
		return ErrNotInitialized
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.redis.Ping(ctx).Err()
}

func (s *Store) SetField(ctx context.Context, key string, field string, value string) error {
	if s == nil || s.redis == nil {
		return ErrNotInitialized
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.redis.HSet(ctx, key, field, value).Err()
}

// SetFields writes a batch of hash fields and refreshes the key TTL in one
// pipeline. A ttl <= 0 leaves the key without expiry.
func (s *Store) SetFields(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if s == nil || s.redis == nil {
		return ErrNotInitialized
	}
	if len(fields) == 0 {
		return nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	args := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, key, args...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) GetField(ctx context.Context, key string, field string) (string, bool, error) {
	if s == nil || s.redis == nil {
		return "", false, ErrNotInitialized
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	v, err := s.redis.HGet(ctx, key, field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) GetAll(ctx context.Context, key string) (map[string]string, error) {
	if s == nil || s.redis == nil {
		return nil, ErrNotInitialized
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.redis.HGetAll(ctx, key).Result()
}

func (s *Store) IncrField(ctx context.Context, key string, field string, delta int64) (int64, error) {
	if s == nil || s.redis == nil {
		return 0, ErrNotInitialized
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.redis.HIncrBy(ctx, key, field, delta).Result()
}

// Invalidate deletes every key matching the glob pattern and reports how many
// keys were removed. Deletion is per whole key, so a concurrent reader sees
// either the full hash or nothing.
func (s *Store) Invalidate(ctx context.Context, pattern string) (int, error) {
	if s == nil || s.redis == nil {
		return 0, ErrNotInitialized
	}
	deleted := 0
	var cursor uint64
	for {
		opCtx, cancel := s.bound(ctx)
		keys, next, err := s.redis.Scan(opCtx, cursor, pattern, 100).Result()
		if err != nil {
			cancel()
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := s.redis.Del(opCtx, keys...).Result()
			if err != nil {
				cancel()
				return deleted, err
			}
			deleted += int(n)
		}
		cancel()
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (s *Store) Close() error {
	if s == nil || s.redis == nil {
		return nil
	}
	return s.redis.Close()
}

func (s *Store) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.redis
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// Keys follow <namespace>:<entity-type>:<id>:<field-group> so a whole entity
// or namespace can be invalidated with one pattern.
const Namespace = "rmp"

func EntityKey(entityType string, id string, group string) string {
	return strings.Join([]string{Namespace, entityType, id, group}, ":")
}

func EntityPattern(entityType string, id string) string {
	return strings.Join([]string{Namespace, entityType, id, "*"}, ":")
}
