// Package cache provides module-namespaced key/value engines for ephemeral
// session data, backed either by an in-process TTL map or by redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrEmptyKey is returned when an operation receives a blank key.
var ErrEmptyKey = errors.New("cache: key is required")

// Engine is one module's view of the cache. Keys passed in and returned are
// relative to the module namespace.
type Engine interface {
	Get(ctx context.Context, key string, out any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Has(ctx context.Context, key string) (bool, error)
	// Keys returns every live key starting with prefix. An empty prefix lists the module.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	// DeleteAll removes every key starting with prefix and reports how many were removed.
	DeleteAll(ctx context.Context, prefix string) (int, error)
}

// Provider hands out module engines sharing one backend.
type Provider interface {
	Module(name string) Engine
	Close() error
}

func namespaced(module, key string) string {
	return module + ":" + key
}

func encode(value any) ([]byte, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}

func decode(raw []byte, out any) error {
	if out == nil {
		return nil
	}
	if dst, ok := out.(*json.RawMessage); ok {
		*dst = append((*dst)[:0], raw...)
		return nil
	}
	return json.Unmarshal(raw, out)
}

func checkKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return nil
}

func effectiveTTL(ttl, fallback time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return fallback
}
