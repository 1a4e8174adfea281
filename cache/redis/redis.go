package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zlnvch/signlink/cache"
)

// Documents are cached briefly; every transition invalidates the entry and
// raises its version floor, so the TTL only bounds staleness after a missed
// invalidation.
const documentTTL = 30 * time.Second

type RedisSignLinkCache struct {
	client redis.UniversalClient
	logger *zap.Logger
}

func NewRedisSignLinkCache(ctx context.Context, devMode bool, redisEndpoint string, logger *zap.Logger) (*RedisSignLinkCache, error) {
	var client redis.UniversalClient
	if devMode {
		client = redis.NewClient(&redis.Options{
			Addr: redisEndpoint,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr: redisEndpoint,
			// AWS elasticache endpoints require TLS
			TLSConfig: &tls.Config{},
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisSignLinkCache{client: client, logger: logger}, nil
}

func (redisCache *RedisSignLinkCache) Publish(ctx context.Context, channel string, message []byte) error {
	return redisCache.client.Publish(ctx, channel, message).Err()
}

func (redisCache *RedisSignLinkCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	pubsub := redisCache.client.Subscribe(ctx, channel)
	// Ensure subscription is established
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		redisCache.logger.Warn("pubsub subscribe failed", zap.String("channel", channel), zap.Error(err))
		return err
	}

	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					redisCache.logger.Debug("pubsub channel closed", zap.String("channel", channel))
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return nil
}

func buildDocumentKey(id string) string {
	return "document:{" + id + "}"
}

func buildVersionFloorKey(id string) string {
	return "document:{" + id + "}:floor"
}

func buildLoginFailuresKey(key string) string {
	return "login:{" + key + "}:failures"
}

func buildLockoutKey(key string) string {
	return "login:{" + key + "}:lockout"
}

func (redisCache *RedisSignLinkCache) GetDocument(ctx context.Context, id string) ([]byte, bool, error) {
	data, err := redisCache.client.Get(ctx, buildDocumentKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// KEYS[1] document, KEYS[2] version floor. ARGV[1] version, ARGV[2] data,
// ARGV[3] ttl in ms.
var setDocumentScript = redis.NewScript(`
local floor = redis.call("GET", KEYS[2])
if floor and tonumber(floor) > tonumber(ARGV[1]) then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// KEYS[1] document, KEYS[2] version floor. ARGV[1] version, ARGV[2] floor
// ttl in ms. The floor only moves up.
var invalidateDocumentScript = redis.NewScript(`
local floor = redis.call("GET", KEYS[2])
local version = ARGV[1]
if floor and tonumber(floor) > tonumber(version) then
	version = floor
end
redis.call("SET", KEYS[2], version, "PX", ARGV[2])
redis.call("DEL", KEYS[1])
return 1
`)

func (redisCache *RedisSignLinkCache) SetDocument(ctx context.Context, id string, version int64, data []byte) error {
	keys := []string{buildDocumentKey(id), buildVersionFloorKey(id)}
	return setDocumentScript.Run(ctx, redisCache.client, keys, version, data, documentTTL.Milliseconds()).Err()
}

func (redisCache *RedisSignLinkCache) InvalidateDocument(ctx context.Context, id string, version int64) error {
	keys := []string{buildDocumentKey(id), buildVersionFloorKey(id)}
	return invalidateDocumentScript.Run(ctx, redisCache.client, keys, version, cache.VersionFloorTTL.Milliseconds()).Err()
}

func (redisCache *RedisSignLinkCache) IncrementLoginFailures(ctx context.Context, key string, window time.Duration) (int64, error) {
	failuresKey := buildLoginFailuresKey(key)

	pipe := redisCache.client.TxPipeline()
	incr := pipe.Incr(ctx, failuresKey)
	// NX keeps the window fixed from the first failure
	pipe.ExpireNX(ctx, failuresKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (redisCache *RedisSignLinkCache) ResetLoginFailures(ctx context.Context, key string) error {
	return redisCache.client.Del(ctx, buildLoginFailuresKey(key)).Err()
}

func (redisCache *RedisSignLinkCache) SetLockout(ctx context.Context, key string, duration time.Duration) error {
	pipe := redisCache.client.TxPipeline()
	pipe.Set(ctx, buildLockoutKey(key), "1", duration)
	pipe.Del(ctx, buildLoginFailuresKey(key))
	_, err := pipe.Exec(ctx)
	return err
}

func (redisCache *RedisSignLinkCache) IsLockedOut(ctx context.Context, key string) (bool, error) {
	n, err := redisCache.client.Exists(ctx, buildLockoutKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
