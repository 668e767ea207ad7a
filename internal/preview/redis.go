package preview

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/example/snapclassify/internal/logging"
)

// Cache abstracts the Redis operations used by RedisBackend to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

func (c *RedisCache) Del(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// RedisBackend stores msgpack-encoded previews in Redis with a TTL. The TTL only bounds
// leaks from crashed processes; handles are still released explicitly.
type RedisBackend struct {
	cache          Cache
	ttl            time.Duration
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRedisBackend constructs a backend that keeps payloads for at most ttl.
func NewRedisBackend(cache Cache, ttl time.Duration, logger *zap.Logger) *RedisBackend {
	return &RedisBackend{
		cache:          cache,
		ttl:            ttl,
		logger:         logger.Named("preview_redis"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

func redisKey(key string) string {
	return fmt.Sprintf("preview:%s", key)
}

func (b *RedisBackend) Save(ctx context.Context, key string, img Image) error {
	serialized, err := msgpack.Marshal(img)
	if err != nil {
		return err
	}
	return b.withRetry(ctx, key, "preview.redis.save", func() error {
		return b.cache.Set(ctx, redisKey(key), serialized, b.ttl)
	})
}

func (b *RedisBackend) Load(ctx context.Context, key string) (Image, error) {
	var raw string
	err := b.withRetry(ctx, key, "preview.redis.load", func() error {
		value, err := b.cache.Get(ctx, redisKey(key))
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Image{}, ErrNotFound
		}
		return Image{}, err
	}

	var img Image
	if err := msgpack.Unmarshal([]byte(raw), &img); err != nil {
		logging.WithOperation(b.logger, "preview.redis.load", "").Warn("failed to decode preview", zap.String("handle", key), zap.Error(err))
		return Image{}, err
	}
	return img, nil
}

func (b *RedisBackend) Remove(ctx context.Context, key string) error {
	return b.withRetry(ctx, key, "preview.redis.remove", func() error {
		return b.cache.Del(ctx, redisKey(key))
	})
}

func (b *RedisBackend) withRetry(ctx context.Context, handle, operation string, fn func() error) error {
	if b.retryAttempts <= 1 {
		return logging.NewOperationError(operation, "", fn())
	}

	backoff := b.initialBackoff
	opLogger := logging.WithOperation(b.logger, operation, "").With(zap.String("handle", handle))
	var err error
	for attempt := 0; attempt < b.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, "", ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= b.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, redis.Nil) {
			return err
		}

		if !isTransientError(err) || attempt == b.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, "", err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, "", err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
