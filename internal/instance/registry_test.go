package instance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/authstate"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/events"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/logger"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/protocol"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/protocol/protocoltest"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/repository"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/session"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/storage"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/storage/providers/filesystem"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type countingInvalidator struct {
	mu    sync.Mutex
	calls []string
}

func (c *countingInvalidator) Invalidate(_ context.Context, instance string) error {
	c.mu.Lock()
	c.calls = append(c.calls, instance)
	c.mu.Unlock()
	return nil
}

type forgetFunc func(instance string)

func (f forgetFunc) Forget(instance string) { f(instance) }

type registryFixture struct {
	registry *Registry
	factory  *protocoltest.Factory
	rec      *recorder
	auth     *authstate.Manager
	repos    *repository.Repositories
	configs  *countingInvalidator
	forgot   []string
}

func newStores(t *testing.T) (storage.Backend, storage.Backend) {
	t.Helper()
	authBackend, err := filesystem.New(t.TempDir())
	require.NoError(t, err)
	dataBackend, err := filesystem.New(t.TempDir())
	require.NoError(t, err)
	return authBackend, dataBackend
}

func newRegistryFixture(t *testing.T, authBackend, dataBackend storage.Backend) *registryFixture {
	t.Helper()
	f := &registryFixture{
		factory: protocoltest.NewFactory(),
		rec:     &recorder{},
		auth:    authstate.NewManager(authBackend, logger.Discard()),
		repos:   repository.New(dataBackend),
		configs: &countingInvalidator{},
	}
	protocols := protocol.NewRegistry()
	protocols.MustRegister(f.factory)
	f.registry = NewRegistry(RegistryDeps{
		Protocols: protocols,
		Auth:      f.auth,
		Repos:     f.repos,
		Publisher: f.rec,
		Configs:   f.configs,
		Topology:  forgetFunc(func(name string) { f.forgot = append(f.forgot, name) }),
		Logger:    logger.Discard(),
	})
	t.Cleanup(f.registry.Close)
	return f
}

func TestValidateName(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"acme", "acme-01", "a.b_c@d", "9lives"} {
		assert.NoError(t, ValidateName(name), name)
	}
	for _, name := range []string{"", " acme", "-acme", "a/b", "a b", "../etc"} {
		assert.ErrorIs(t, ValidateName(name), ErrInvalidName, name)
	}
}

func TestCreateRejectsDuplicates(t *testing.T) {
	t.Parallel()
	authBackend, dataBackend := newStores(t)
	f := newRegistryFixture(t, authBackend, dataBackend)
	ctx := context.Background()

	_, err := f.registry.Create(ctx, "acme", CreateOptions{})
	require.NoError(t, err)
	_, err = f.registry.Create(ctx, "acme", CreateOptions{})
	assert.ErrorIs(t, err, ErrInstanceExists)

	require.NoError(t, f.repos.Instances.Upsert(ctx, "persisted", repository.SingletonID, repository.Instance{Name: "persisted"}))
	_, err = f.registry.Create(ctx, "persisted", CreateOptions{})
	assert.ErrorIs(t, err, ErrInstanceExists)

	_, err = f.registry.Create(ctx, "bad name", CreateOptions{})
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = f.registry.Create(ctx, "other", CreateOptions{Integration: "NOPE"})
	assert.ErrorIs(t, err, ErrInvalidIntegration)

	assert.Equal(t, []string{"acme"}, f.registry.Names())
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()
	authBackend, dataBackend := newStores(t)
	f := newRegistryFixture(t, authBackend, dataBackend)
	ctx := context.Background()

	_, err := f.registry.Create(ctx, "acme", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.repos.Instances.Upsert(ctx, "acme", repository.SingletonID, repository.Instance{Name: "acme"}))
	require.NoError(t, f.auth.For("acme").Write(ctx, authstate.CredsKey, map[string]string{"me": "x"}))

	require.NoError(t, f.registry.Remove(ctx, "acme"))
	require.NoError(t, f.registry.Remove(ctx, "acme"))
	require.NoError(t, f.registry.Remove(ctx, "never-existed"))

	_, ok := f.registry.Get("acme")
	assert.False(t, ok)
	_, found, err := f.repos.Instances.Find(ctx, "acme", repository.SingletonID)
	require.NoError(t, err)
	assert.False(t, found)
	raw, err := f.auth.For("acme").Read(ctx, authstate.CredsKey)
	require.NoError(t, err)
	assert.Nil(t, raw)
	assert.Contains(t, f.configs.calls, "acme")
	assert.Contains(t, f.forgot, "acme")

	_, err = f.registry.Create(ctx, "acme", CreateOptions{})
	assert.NoError(t, err, "name is reusable after removal")
}

func TestStaleEvictionIsNoop(t *testing.T) {
	t.Parallel()
	authBackend, dataBackend := newStores(t)
	f := newRegistryFixture(t, authBackend, dataBackend)
	ctx := context.Background()

	_, err := f.registry.Create(ctx, "acme", CreateOptions{})
	require.NoError(t, err)
	f.registry.mu.RLock()
	stale := f.registry.entries["acme"].gen
	f.registry.mu.RUnlock()

	_, err = f.registry.Restart(ctx, "acme")
	require.NoError(t, err)
	f.registry.evict("acme", stale)
	_, ok := f.registry.Get("acme")
	assert.True(t, ok)
	assert.Empty(t, f.rec.ofType(events.StatusInstance))
}

func TestStaleTeardownIsNoop(t *testing.T) {
	t.Parallel()
	authBackend, dataBackend := newStores(t)
	f := newRegistryFixture(t, authBackend, dataBackend)
	ctx := context.Background()

	old, err := f.registry.Create(ctx, "acme", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.repos.Instances.Upsert(ctx, "acme", repository.SingletonID, repository.Instance{Name: "acme"}))
	require.NoError(t, f.auth.For("acme").Write(ctx, authstate.CredsKey, map[string]string{"me": "x"}))

	current, err := f.registry.Restart(ctx, "acme")
	require.NoError(t, err)
	f.registry.RemoveInstance(ctx, old, events.RemovedByQRCodeLimit)

	live, ok := f.registry.Get("acme")
	require.True(t, ok)
	assert.Same(t, current, live)
	_, found, err := f.repos.Instances.Find(ctx, "acme", repository.SingletonID)
	require.NoError(t, err)
	assert.True(t, found)
	raw, err := f.auth.For("acme").Read(ctx, authstate.CredsKey)
	require.NoError(t, err)
	assert.NotNil(t, raw)

	f.registry.RemoveInstance(ctx, current, events.RemovedByQRCodeLimit)
	_, ok = f.registry.Get("acme")
	assert.False(t, ok)
}

func TestIdleEvictionRemovesConnecting(t *testing.T) {
	t.Parallel()
	authBackend, dataBackend := newStores(t)
	f := newRegistryFixture(t, authBackend, dataBackend)
	ctx := context.Background()

	s, err := f.registry.Create(ctx, "acme", CreateOptions{})
	require.NoError(t, err)
	_, err = s.Connect(ctx)
	require.NoError(t, err)

	f.registry.scheduleEviction("acme", 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := f.registry.Get("acme")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	removed := f.rec.ofType(events.StatusInstance)
	require.Len(t, removed, 1)
	payload := removed[0].Data.(events.StatusPayload)
	assert.Equal(t, events.RemovedByIdleTimeout, payload.Reason)
	assert.Equal(t, 1, f.factory.Last().Logouts())
}

func TestIdleEvictionSparesOpen(t *testing.T) {
	t.Parallel()
	authBackend, dataBackend := newStores(t)
	f := newRegistryFixture(t, authBackend, dataBackend)
	ctx := context.Background()

	s, err := f.registry.Create(ctx, "acme", CreateOptions{})
	require.NoError(t, err)
	_, err = s.Connect(ctx)
	require.NoError(t, err)
	f.factory.Last().Emit(protocol.Connected{JID: "5511@s.whatsapp.net", PushName: "Acme"})
	require.Eventually(t, func() bool { return s.State() == session.StateOpen }, 2*time.Second, 5*time.Millisecond)

	f.registry.mu.RLock()
	gen := f.registry.entries["acme"].gen
	f.registry.mu.RUnlock()
	f.registry.evict("acme", gen)

	_, ok := f.registry.Get("acme")
	assert.True(t, ok)
}

func TestReloadRestoresPersisted(t *testing.T) {
	t.Parallel()
	authBackend, dataBackend := newStores(t)
	ctx := context.Background()

	first := newRegistryFixture(t, authBackend, dataBackend)
	require.NoError(t, first.repos.Instances.Upsert(ctx, "acme", repository.SingletonID, repository.Instance{Name: "acme", Number: "5511999999999"}))
	require.NoError(t, first.repos.Settings.Upsert(ctx, "acme", repository.SingletonID, repository.Settings{GroupsIgnore: true}))

	second := newRegistryFixture(t, authBackend, dataBackend)
	require.NoError(t, second.registry.Reload(ctx))
	s, ok := second.registry.Get("acme")
	require.True(t, ok)
	assert.True(t, s.Settings().GroupsIgnore)
	require.NotNil(t, second.factory.Last())
	assert.Equal(t, "5511999999999", second.factory.Last().Options().PhoneNumber)

	require.NoError(t, second.registry.Reload(ctx))
	assert.Len(t, second.factory.Clients(), 1, "live instances are not restored twice")
}

func TestSweepPurgesTransientKeys(t *testing.T) {
	t.Parallel()
	authBackend, dataBackend := newStores(t)
	f := newRegistryFixture(t, authBackend, dataBackend)
	ctx := context.Background()

	_, err := f.registry.Create(ctx, "acme", CreateOptions{})
	require.NoError(t, err)
	store := f.auth.For("acme")
	require.NoError(t, store.Write(ctx, authstate.CredsKey, map[string]string{"me": "x"}))
	require.NoError(t, store.Write(ctx, authstate.Key(authstate.EventBufferCategory, "0a1b"), map[string]int64{"insertTime": 1}))
	require.NoError(t, store.Write(ctx, authstate.Key(authstate.EventBufferCategory, "2c3d"), map[string]int64{"insertTime": 2}))
	require.NoError(t, store.Write(ctx, authstate.Key("session", "peer"), "keep"))

	assert.Equal(t, 2, f.registry.Sweep(ctx))
	raw, err := store.Read(ctx, authstate.CredsKey)
	require.NoError(t, err)
	assert.NotNil(t, raw)
	raw, err = store.Read(ctx, authstate.Key("session", "peer"))
	require.NoError(t, err)
	assert.NotNil(t, raw)
	assert.Equal(t, 0, f.registry.Sweep(ctx))
}

func TestListFilter(t *testing.T) {
	t.Parallel()
	authBackend, dataBackend := newStores(t)
	f := newRegistryFixture(t, authBackend, dataBackend)
	ctx := context.Background()

	for _, name := range []string{"beta", "acme"} {
		_, err := f.registry.Create(ctx, name, CreateOptions{})
		require.NoError(t, err)
	}
	all := f.registry.List(ListFilter{})
	require.Len(t, all, 2)
	assert.Equal(t, "acme", all[0].Instance)

	one := f.registry.List(ListFilter{Name: "BETA"})
	require.Len(t, one, 1)
	assert.Equal(t, "beta", one[0].Instance)

	assert.Empty(t, f.registry.List(ListFilter{State: session.StateOpen}))
}
