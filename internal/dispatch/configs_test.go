package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/cache"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/logger"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/repository"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/storage"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/storage/providers/filesystem"
)

func TestConfigsMemoizeUntilInvalidated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend, err := filesystem.New(t.TempDir())
	require.NoError(t, err)
	repos := repository.New(backend)
	local := cache.NewLocal(time.Minute, time.Minute)
	defer local.Close()
	configs := NewConfigs(repos, local.Module(CacheModule), time.Minute, logger.Discard())

	require.NoError(t, repos.Webhooks.Upsert(ctx, "acme", repository.SingletonID, repository.Webhook{
		Enabled: true, URL: "http://sink", Events: []string{"MESSAGES_UPSERT"},
	}))
	require.NoError(t, repos.Tokens.Upsert(ctx, "acme", repository.SingletonID, repository.AuthToken{Token: "tok"}))

	cfg := configs.Load(ctx, "acme")
	assert.Equal(t, "http://sink", cfg.Webhook.URL)
	assert.Equal(t, "tok", cfg.Token)

	require.NoError(t, repos.Webhooks.Upsert(ctx, "acme", repository.SingletonID, repository.Webhook{URL: "http://other"}))
	assert.Equal(t, "http://sink", configs.Load(ctx, "acme").Webhook.URL)

	require.NoError(t, configs.Invalidate(ctx, "acme"))
	assert.Equal(t, "http://other", configs.Load(ctx, "acme").Webhook.URL)
}

func TestConfigsMissingInstanceIsDisabled(t *testing.T) {
	t.Parallel()
	backend, err := filesystem.New(t.TempDir())
	require.NoError(t, err)
	configs := NewConfigs(repository.New(backend), nil, 0, logger.Discard())
	cfg := configs.Load(context.Background(), "ghost")
	assert.False(t, cfg.Webhook.Enabled)
	assert.False(t, cfg.Queue.Enabled)
	assert.Empty(t, cfg.Integrations)
}

// gatedBackend blocks the first webhook read until release is closed.
type gatedBackend struct {
	storage.Backend
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBackend) Read(ctx context.Context, namespace, key string) (json.RawMessage, error) {
	if namespace == "webhooks" {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.Backend.Read(ctx, namespace, key)
}

func TestConfigsInvalidateDuringLoadIsNotOverwritten(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inner, err := filesystem.New(t.TempDir())
	require.NoError(t, err)
	gated := &gatedBackend{Backend: inner, entered: make(chan struct{}), release: make(chan struct{})}
	repos := repository.New(gated)
	local := cache.NewLocal(time.Minute, time.Minute)
	defer local.Close()
	configs := NewConfigs(repos, local.Module(CacheModule), time.Minute, logger.Discard())

	require.NoError(t, repos.Webhooks.Upsert(ctx, "acme", repository.SingletonID, repository.Webhook{
		Enabled: true, URL: "http://old", Events: []string{"MESSAGES_UPSERT"},
	}))

	done := make(chan InstanceConfig)
	go func() { done <- configs.Load(ctx, "acme") }()
	<-gated.entered

	require.NoError(t, inner.Write(ctx, "webhooks", "acme/"+repository.SingletonID, json.RawMessage(`{"enabled":false,"url":"http://old"}`)))
	require.NoError(t, configs.Invalidate(ctx, "acme"))
	close(gated.release)
	<-done

	cfg := configs.Load(ctx, "acme")
	assert.False(t, cfg.Webhook.Enabled)
}
