package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/metrics"
)

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e localEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Local is an in-process TTL map. A janitor goroutine drops expired entries
// until Close is called.
type Local struct {
	mu         sync.RWMutex
	items      map[string]localEntry
	defaultTTL time.Duration
	cancel     context.CancelFunc
	now        func() time.Time
}

// NewLocal starts a local cache. defaultTTL applies when Set receives ttl <= 0;
// zero means entries never expire.
func NewLocal(defaultTTL, cleanupInterval time.Duration) *Local {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Local{
		items:      make(map[string]localEntry),
		defaultTTL: defaultTTL,
		cancel:     cancel,
		now:        time.Now,
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	go c.janitor(ctx, cleanupInterval)
	return c
}

func (c *Local) Module(name string) Engine {
	return &localModule{store: c, module: name}
}

func (c *Local) Close() error {
	c.cancel()
	return nil
}

func (c *Local) janitor(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Local) sweep() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.items {
		if e.expired(now) {
			delete(c.items, k)
		}
	}
	metrics.CacheSize.Set(float64(len(c.items)))
}

type localModule struct {
	store  *Local
	module string
}

func (m *localModule) Get(_ context.Context, key string, out any) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	c := m.store
	c.mu.RLock()
	e, ok := c.items[namespaced(m.module, key)]
	c.mu.RUnlock()
	if !ok || e.expired(c.now()) {
		metrics.CacheMisses.WithLabelValues(m.module).Inc()
		return false, nil
	}
	metrics.CacheHits.WithLabelValues(m.module).Inc()
	return true, decode(e.value, out)
}

func (m *localModule) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	if err := checkKey(key); err != nil {
		return err
	}
	raw, err := encode(value)
	if err != nil {
		return err
	}
	c := m.store
	entry := localEntry{value: raw}
	if d := effectiveTTL(ttl, c.defaultTTL); d > 0 {
		entry.expiresAt = c.now().Add(d)
	}
	c.mu.Lock()
	c.items[namespaced(m.module, key)] = entry
	metrics.CacheSize.Set(float64(len(c.items)))
	c.mu.Unlock()
	return nil
}

func (m *localModule) Has(ctx context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	c := m.store
	c.mu.RLock()
	e, ok := c.items[namespaced(m.module, key)]
	c.mu.RUnlock()
	return ok && !e.expired(c.now()), nil
}

func (m *localModule) Keys(_ context.Context, prefix string) ([]string, error) {
	c := m.store
	full := namespaced(m.module, prefix)
	trim := len(m.module) + 1
	now := c.now()
	c.mu.RLock()
	out := make([]string, 0)
	for k, e := range c.items {
		if strings.HasPrefix(k, full) && !e.expired(now) {
			out = append(out, k[trim:])
		}
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

func (m *localModule) Delete(_ context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	c := m.store
	c.mu.Lock()
	delete(c.items, namespaced(m.module, key))
	metrics.CacheSize.Set(float64(len(c.items)))
	c.mu.Unlock()
	return nil
}

func (m *localModule) DeleteAll(_ context.Context, prefix string) (int, error) {
	c := m.store
	full := namespaced(m.module, prefix)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.items {
		if strings.HasPrefix(k, full) {
			delete(c.items, k)
			n++
		}
	}
	metrics.CacheSize.Set(float64(len(c.items)))
	return n, nil
}
