package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes partition the shared keyspace by surface.
const (
	redisKVPrefix     = "kv:"
	redisBlobPrefix   = "blob:"
	redisBlobCTPrefix = "blobct:"
	redisSecretPrefix = "secret:"
	redisEventPrefix  = "events:"
)

// Redis is a Backend over a Redis server. KV entries and secrets are plain
// strings, blobs are byte values with a sibling content-type key, and events
// are appended to a per-namespace stream.
type Redis struct {
	client *redis.Client
}

// RedisOptions configure the Redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return &Redis{client: client}, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) KVGet(ctx context.Context, namespace, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, redisKVPrefix+kvKey(namespace, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get: %w", err)
	}
	return value, true, nil
}

func (r *Redis) KVSet(ctx context.Context, namespace, key, value string, ttlHours int) error {
	var ttl time.Duration
	if ttlHours > 0 {
		ttl = time.Duration(ttlHours) * time.Hour
	}
	if err := r.client.Set(ctx, redisKVPrefix+kvKey(namespace, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

func (r *Redis) KVDelete(ctx context.Context, namespace, key string) error {
	if err := r.client.Del(ctx, redisKVPrefix+kvKey(namespace, key)).Err(); err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

func (r *Redis) KVList(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, redisKVPrefix+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(redisKVPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kv list: %w", err)
	}
	return keys, nil
}

func (r *Redis) BlobGet(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	content, err := r.client.Get(ctx, redisBlobPrefix+blobKey(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("blob get: %w", err)
	}
	return content, true, nil
}

func (r *Redis) BlobPut(ctx context.Context, namespace, key string, content []byte, contentType string) error {
	full := blobKey(namespace, key)
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, redisBlobPrefix+full, content, 0)
	if contentType != "" {
		pipe.Set(ctx, redisBlobCTPrefix+full, contentType, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("blob put: %w", err)
	}
	return nil
}

func (r *Redis) BlobList(ctx context.Context, namespace, prefix string) ([]string, error) {
	strip := redisBlobPrefix + namespace + "/"
	var keys []string
	iter := r.client.Scan(ctx, 0, redisBlobPrefix+blobKey(namespace, prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(strip):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("blob list: %w", err)
	}
	return keys, nil
}

func (r *Redis) EventPut(ctx context.Context, namespace string, events []Event) error {
	pipe := r.client.Pipeline()
	for _, ev := range events {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: redisEventPrefix + namespace,
			Values: map[string]interface{}{
				"detailType": ev.DetailType,
				"detail":     string(ev.Detail),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("event put: %w", err)
	}
	return nil
}

func (r *Redis) SecretGet(ctx context.Context, name string) (string, bool, error) {
	value, err := r.client.Get(ctx, redisSecretPrefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("secret get: %w", err)
	}
	return value, true, nil
}

func (r *Redis) SecretPut(ctx context.Context, name, value, _ string) error {
	if err := r.client.Set(ctx, redisSecretPrefix+name, value, 0).Err(); err != nil {
		return fmt.Errorf("secret put: %w", err)
	}
	return nil
}

func (r *Redis) SecretDelete(ctx context.Context, name string, _ bool) error {
	if err := r.client.Del(ctx, redisSecretPrefix+name).Err(); err != nil {
		return fmt.Errorf("secret delete: %w", err)
	}
	return nil
}
