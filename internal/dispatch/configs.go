package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/cache"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/repository"
)

// CacheModule is the cache namespace of memoized sink configs.
const CacheModule = "dispatch"

// InstanceConfig is everything Dispatch needs to route one instance's events.
type InstanceConfig struct {
	Webhook      repository.Webhook       `json:"webhook"`
	Queue        repository.Queue         `json:"queue"`
	Websocket    repository.Websocket     `json:"websocket"`
	Integrations []repository.Integration `json:"integrations,omitempty"`
	Token        string                   `json:"token,omitempty"`
}

// Configs loads InstanceConfig from the repositories and memoizes it. Each
// Invalidate bumps the instance epoch; a Load that started under an older
// epoch returns its result without caching it.
type Configs struct {
	repos  *repository.Repositories
	cache  cache.Engine
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	epochs map[string]uint64
}

func NewConfigs(repos *repository.Repositories, engine cache.Engine, ttl time.Duration, log *slog.Logger) *Configs {
	if log == nil {
		log = slog.Default()
	}
	return &Configs{
		repos:  repos,
		cache:  engine,
		ttl:    ttl,
		logger: log.With(slog.String("component", "dispatch_configs")),
		epochs: make(map[string]uint64),
	}
}

// Load never fails. A read error leaves the affected sink disabled and the
// result uncached so the next event retries the read.
func (c *Configs) Load(ctx context.Context, instance string) InstanceConfig {
	var cfg InstanceConfig
	if c.cache != nil {
		ok, err := c.cache.Get(ctx, instance, &cfg)
		if err == nil && ok {
			return cfg
		}
		if err != nil {
			c.logger.Warn("config cache read failed", slog.String("instance", instance), slog.Any("error", err))
		}
	}
	cfg = InstanceConfig{}
	if c.repos == nil {
		return cfg
	}
	epoch := c.epoch(instance)

	failed := false
	note := func(what string, err error) {
		if err == nil {
			return
		}
		failed = true
		c.logger.Warn("config read failed",
			slog.String("instance", instance),
			slog.String("config", what),
			slog.Any("error", err),
		)
	}
	var err error
	if cfg.Webhook, _, err = c.repos.Webhooks.Find(ctx, instance, repository.SingletonID); err != nil {
		cfg.Webhook = repository.Webhook{}
		note("webhook", err)
	}
	if cfg.Queue, _, err = c.repos.Queues.Find(ctx, instance, repository.SingletonID); err != nil {
		cfg.Queue = repository.Queue{}
		note("queue", err)
	}
	if cfg.Websocket, _, err = c.repos.Websockets.Find(ctx, instance, repository.SingletonID); err != nil {
		cfg.Websocket = repository.Websocket{}
		note("websocket", err)
	}
	if cfg.Integrations, err = c.repos.Integrations.FindAll(ctx, instance); err != nil {
		cfg.Integrations = nil
		note("integrations", err)
	}
	token, _, err := c.repos.Tokens.Find(ctx, instance, repository.SingletonID)
	note("token", err)
	cfg.Token = token.Token

	if !failed && c.cache != nil {
		c.store(ctx, instance, epoch, cfg)
	}
	return cfg
}

func (c *Configs) epoch(instance string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochs[instance]
}

func (c *Configs) store(ctx context.Context, instance string, epoch uint64, cfg InstanceConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epochs[instance] != epoch {
		c.logger.Debug("config changed during load, not caching", slog.String("instance", instance))
		return
	}
	if err := c.cache.Set(ctx, instance, cfg, c.ttl); err != nil {
		c.logger.Warn("config cache write failed", slog.String("instance", instance), slog.Any("error", err))
	}
}

// Invalidate drops the memoized config of instance.
func (c *Configs) Invalidate(ctx context.Context, instance string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epochs[instance]++
	if c.cache == nil {
		return nil
	}
	return c.cache.Delete(ctx, instance)
}
