package instance

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/config"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/dispatch"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/events"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/logger"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/protocol"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/repository"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/session"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/storage"
)

type notifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (n *notifier) Dispatch(_ context.Context, ev events.Event) dispatch.Report {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
	return dispatch.Report{Event: ev.Type, Instance: ev.Instance}
}

type topologyCall struct {
	instance string
	types    []events.Type
}

type fakeTopology struct {
	calls []topologyCall
}

func (f *fakeTopology) Apply(_ context.Context, instance string, types []events.Type) error {
	f.calls = append(f.calls, topologyCall{instance: instance, types: types})
	return nil
}

// failingBackend rejects writes to one namespace.
type failingBackend struct {
	storage.Backend
	namespace string
}

func (b failingBackend) Write(ctx context.Context, namespace, key string, value json.RawMessage) error {
	if namespace == b.namespace {
		return errors.New("disk full")
	}
	return b.Backend.Write(ctx, namespace, key, value)
}

type serviceFixture struct {
	*registryFixture
	service  *Service
	notifier *notifier
	topology *fakeTopology
}

func newServiceFixture(t *testing.T, opts ServiceOptions, dataBackend storage.Backend) *serviceFixture {
	t.Helper()
	authBackend, defaultData := newStores(t)
	if dataBackend == nil {
		dataBackend = defaultData
	}
	rf := newRegistryFixture(t, authBackend, dataBackend)
	f := &serviceFixture{registryFixture: rf, notifier: &notifier{}, topology: &fakeTopology{}}
	f.service = NewService(rf.registry, rf.repos, rf.configs, f.topology, f.notifier, opts, logger.Discard())
	return f
}

func TestCreateInstancePersistsToken(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t, ServiceOptions{AuthType: config.AuthAPIKey, BrokerEnabled: true}, nil)
	ctx := context.Background()

	resp, err := f.service.CreateInstance(ctx, CreateRequest{
		InstanceName: " acme ",
		Token:        "acme-token-123",
		Webhook:      &repository.Webhook{Enabled: true, URL: "http://sink", Events: []string{"MESSAGES_UPSERT"}},
		Queue:        &repository.Queue{Enabled: true, Events: []string{"messages.upsert", "QRCODE_UPDATED"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "acme", resp.Instance.InstanceName)
	assert.NotEmpty(t, resp.Instance.InstanceID)
	assert.Equal(t, "acme-token-123", resp.Hash)
	assert.Equal(t, string(session.StateClose), resp.Instance.Status)
	assert.Nil(t, resp.QRCode)

	ok, err := f.service.VerifyToken(ctx, "acme", "acme-token-123")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.service.VerifyToken(ctx, "acme", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	hook, err := f.service.FindWebhook(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "http://sink", hook.URL)

	require.Len(t, f.topology.calls, 1)
	assert.ElementsMatch(t, []events.Type{events.MessagesUpsert, events.QRCodeUpdated}, f.topology.calls[0].types)
	assert.Contains(t, f.configs.calls, "acme")

	_, err = f.service.CreateInstance(ctx, CreateRequest{InstanceName: "acme"})
	assert.ErrorIs(t, err, ErrInstanceExists)
}

func TestCreateInstanceGeneratesToken(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t, ServiceOptions{AuthType: config.AuthJWT, JWTSecret: "secret"}, nil)
	ctx := context.Background()

	resp, err := f.service.CreateInstance(ctx, CreateRequest{InstanceName: "acme"})
	require.NoError(t, err)
	token, err := f.service.Token(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, token, 36)
	assert.NotEqual(t, token, resp.Hash)
	assert.NotEmpty(t, resp.Hash)
}

func TestCreateInstanceRollsBackOnCredentialFailure(t *testing.T) {
	t.Parallel()
	_, dataBackend := newStores(t)
	f := newServiceFixture(t, ServiceOptions{}, failingBackend{Backend: dataBackend, namespace: "auth"})
	ctx := context.Background()

	_, err := f.service.CreateInstance(ctx, CreateRequest{InstanceName: "acme"})
	require.Error(t, err)
	_, ok := f.registry.Get("acme")
	assert.False(t, ok)
	_, found, err := f.repos.Instances.Find(ctx, "acme", repository.SingletonID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCreateInstanceValidation(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t, ServiceOptions{}, nil)
	ctx := context.Background()

	cases := []CreateRequest{
		{},
		{InstanceName: "acme", Token: "short"},
		{InstanceName: "acme", Number: "not-a-number"},
		{InstanceName: "bad name"},
	}
	for _, req := range cases {
		_, err := f.service.CreateInstance(ctx, req)
		require.Error(t, err, "%+v", req)
		assert.True(t, IsClientError(err), "%v", err)
	}
	assert.Empty(t, f.registry.Names())
}

func TestDeleteRefusesOpenInstance(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t, ServiceOptions{}, nil)
	ctx := context.Background()

	_, err := f.service.CreateInstance(ctx, CreateRequest{InstanceName: "acme"})
	require.NoError(t, err)
	snap, err := f.service.Connect(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, session.StateConnecting, snap.State)

	f.factory.Last().Emit(protocol.Connected{JID: "5511@s.whatsapp.net"})
	require.Eventually(t, func() bool {
		snap, err := f.service.ConnectionState("acme")
		return err == nil && snap.State == session.StateOpen
	}, 2*time.Second, 5*time.Millisecond)

	err = f.service.Delete(ctx, "acme")
	assert.ErrorIs(t, err, ErrInstanceOpen)
	assert.Empty(t, f.notifier.events)

	require.NoError(t, f.service.Logout(ctx, "acme"))
	require.NoError(t, f.service.Delete(ctx, "acme"))
	require.Len(t, f.notifier.events, 2)
	assert.Equal(t, events.StatusInstance, f.notifier.events[0].Type)
	assert.Equal(t, events.RemovedByDelete, f.notifier.events[0].Data.(events.StatusPayload).Reason)
	assert.Equal(t, events.RemoveInstance, f.notifier.events[1].Type)

	_, err = f.service.ConnectionState("acme")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
	assert.ErrorIs(t, f.service.Delete(ctx, "acme"), ErrInstanceNotFound)
}

func TestSetWebhookValidates(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t, ServiceOptions{}, nil)
	ctx := context.Background()
	_, err := f.service.CreateInstance(ctx, CreateRequest{InstanceName: "acme"})
	require.NoError(t, err)

	_, err = f.service.SetWebhook(ctx, "acme", repository.Webhook{Enabled: true})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.service.SetWebhook(ctx, "acme", repository.Webhook{Enabled: true, URL: "not a url"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	got, err := f.service.SetWebhook(ctx, "acme", repository.Webhook{
		Enabled: true,
		URL:     "https://hooks.example.com/in",
		Events:  []string{"messages.upsert", "MESSAGES_UPSERT"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"MESSAGES_UPSERT"}, got.Events)

	_, err = f.service.SetWebhook(ctx, "ghost", repository.Webhook{})
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestSetIntegrationValidates(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t, ServiceOptions{}, nil)
	ctx := context.Background()
	_, err := f.service.CreateInstance(ctx, CreateRequest{InstanceName: "acme"})
	require.NoError(t, err)

	_, err = f.service.SetIntegration(ctx, "acme", repository.Integration{Kind: "slack", Enabled: true, URL: "http://x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.service.SetIntegration(ctx, "acme", repository.Integration{Kind: " Chatwoot ", Enabled: true, URL: "https://cw.example.com"})
	require.NoError(t, err)
	all, err := f.service.FindIntegrations(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "chatwoot", all[0].Kind)
}

func TestSettingsReachLiveSession(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t, ServiceOptions{}, nil)
	ctx := context.Background()
	_, err := f.service.CreateInstance(ctx, CreateRequest{InstanceName: "acme"})
	require.NoError(t, err)

	_, err = f.service.SetSettings(ctx, "acme", repository.Settings{GroupsIgnore: true})
	require.NoError(t, err)
	got, err := f.service.FindSettings(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, got.GroupsIgnore)
}

func TestListInstancesMergesRecord(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t, ServiceOptions{}, nil)
	ctx := context.Background()
	_, err := f.service.CreateInstance(ctx, CreateRequest{InstanceName: "acme", Number: "5511999999999"})
	require.NoError(t, err)

	list, err := f.service.ListInstances(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "acme", list[0].Name)
	assert.Equal(t, "5511999999999", list[0].Number)
	assert.Equal(t, session.StateClose, list[0].State)
}
