package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisScanCount is the COUNT hint passed to SCAN when listing keys.
const redisScanCount = 256

// RedisOptions configures a RedisKV connection.
type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// RedisKV implements KV over a Redis keyspace. Every key is stored under
// "<prefix>:<key>" so several namespaces can share one database.
type RedisKV struct {
	client *redis.Client
	prefix string
}

var _ KV = (*RedisKV)(nil)

// NewRedisClient dials Redis and verifies the connection with PING.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: dialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return client, nil
}

// NewRedisKV returns a KV namespace backed by client.
func NewRedisKV(client *redis.Client, prefix string) *RedisKV {
	return &RedisKV{client: client, prefix: prefix}
}

func (r *RedisKV) fullKey(key string) string {
	return r.prefix + ":" + key
}

// Put stores value under key with no expiration.
func (r *RedisKV) Put(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.fullKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}

	return nil
}

// Get returns the value stored under key.
func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.fullKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("getting %s: %w", key, err)
	}

	return val, true, nil
}

// Delete removes key.
func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.fullKey(key)).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}

	return nil
}

// Keys scans the namespace and returns keys in byte order, matching the
// iteration order of BoltKV.
func (r *RedisKV) Keys(ctx context.Context) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)

	match := escapeGlob(r.prefix) + ":*"
	strip := r.prefix + ":"

	for {
		batch, next, err := r.client.Scan(ctx, cursor, match, redisScanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning keys: %w", err)
		}

		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, strip))
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	// SCAN can return duplicates across iterations.
	sort.Strings(keys)

	return dedupSorted(keys), nil
}

func dedupSorted(keys []string) []string {
	if len(keys) < 2 {
		return keys
	}

	out := keys[:1]
	for _, k := range keys[1:] {
		if k != out[len(out)-1] {
			out = append(out, k)
		}
	}

	return out
}

// escapeGlob escapes Redis MATCH metacharacters in a literal prefix.
func escapeGlob(s string) string {
	var b strings.Builder

	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}

		b.WriteRune(r)
	}

	return b.String()
}
