package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/metrics"
)

const scanBatch = 200

// Redis keeps entries under <prefix>:<module>:<key>.
type Redis struct {
	client     redis.UniversalClient
	prefix     string
	defaultTTL time.Duration
	owned      bool
}

// NewRedis wraps an existing client. The caller keeps ownership of client.
func NewRedis(client redis.UniversalClient, prefix string, defaultTTL time.Duration) *Redis {
	return &Redis{client: client, prefix: strings.TrimSuffix(prefix, ":"), defaultTTL: defaultTTL}
}

// DialRedis opens a client and verifies it with a ping.
func DialRedis(ctx context.Context, opts *redis.Options, prefix string, defaultTTL time.Duration) (*Redis, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	r := NewRedis(client, prefix, defaultTTL)
	r.owned = true
	return r, nil
}

func (r *Redis) Module(name string) Engine {
	return &redisModule{r: r, module: name}
}

func (r *Redis) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}

type redisModule struct {
	r      *Redis
	module string
}

func (m *redisModule) base() string {
	if m.r.prefix == "" {
		return m.module + ":"
	}
	return m.r.prefix + ":" + m.module + ":"
}

func (m *redisModule) Get(ctx context.Context, key string, out any) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	raw, err := m.r.client.Get(ctx, m.base()+key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheMisses.WithLabelValues(m.module).Inc()
		return false, nil
	}
	if err != nil {
		return false, err
	}
	metrics.CacheHits.WithLabelValues(m.module).Inc()
	return true, decode(raw, out)
}

func (m *redisModule) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := checkKey(key); err != nil {
		return err
	}
	raw, err := encode(value)
	if err != nil {
		return err
	}
	return m.r.client.Set(ctx, m.base()+key, raw, effectiveTTL(ttl, m.r.defaultTTL)).Err()
}

func (m *redisModule) Has(ctx context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	n, err := m.r.client.Exists(ctx, m.base()+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (m *redisModule) scan(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(m.base()+prefix) + "*"
	iter := m.r.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	out := make([]string, 0)
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *redisModule) Keys(ctx context.Context, prefix string) ([]string, error) {
	full, err := m.scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	base := m.base()
	out := make([]string, 0, len(full))
	for _, k := range full {
		out = append(out, strings.TrimPrefix(k, base))
	}
	sort.Strings(out)
	return out, nil
}

func (m *redisModule) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return m.r.client.Del(ctx, m.base()+key).Err()
}

func (m *redisModule) DeleteAll(ctx context.Context, prefix string) (int, error) {
	full, err := m.scan(ctx, prefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	for start := 0; start < len(full); start += scanBatch {
		end := min(start+scanBatch, len(full))
		n, err := m.r.client.Del(ctx, full[start:end]...).Result()
		if err != nil {
			return removed, err
		}
		removed += int(n)
	}
	return removed, nil
}

// escapeGlob quotes the characters redis MATCH treats specially.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
