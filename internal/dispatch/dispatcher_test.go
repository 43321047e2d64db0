package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/config"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/events"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/logger"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/repository"
)

type post struct {
	url string
	env Envelope
}

type fakePoster struct {
	mu    sync.Mutex
	posts []post
	err   error
}

func (f *fakePoster) Post(_ context.Context, url string, _ map[string]string, body any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, post{url: url, env: body.(Envelope)})
	return f.err
}

type fakeBroker struct {
	mu        sync.Mutex
	published []events.Type
}

func (f *fakeBroker) Publish(_ context.Context, _ string, t events.Type, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, t)
	return nil
}

type staticConfigs map[string]InstanceConfig

func (s staticConfigs) Load(_ context.Context, instance string) InstanceConfig {
	return s[instance]
}

func TestLocalWebhookTarget(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		cfg    repository.Webhook
		typ    events.Type
		want   string
		wantOK bool
	}{
		{"disabled", repository.Webhook{URL: "http://sink", Events: []string{"MESSAGES_UPSERT"}}, events.MessagesUpsert, "", false},
		{"not subscribed", repository.Webhook{Enabled: true, URL: "http://sink", Events: []string{"CHATS_SET"}}, events.MessagesUpsert, "", false},
		{"subscribed", repository.Webhook{Enabled: true, URL: "http://sink", Events: []string{"MESSAGES_UPSERT"}}, events.MessagesUpsert, "http://sink", true},
		{"by events", repository.Webhook{Enabled: true, URL: "http://sink/", ByEvents: true, Events: []string{"messages.upsert"}}, events.MessagesUpsert, "http://sink/messages-upsert", true},
		{"no url", repository.Webhook{Enabled: true, Events: []string{"MESSAGES_UPSERT"}}, events.MessagesUpsert, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := LocalWebhookTarget(tc.cfg, tc.typ)
			if ok != tc.wantOK || got != tc.want {
				t.Fatalf("got (%q, %v) want (%q, %v)", got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

type fakeRelay struct {
	mu    sync.Mutex
	kinds []string
}

func (f *fakeRelay) Relay(_ context.Context, cfg repository.Integration, _ Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, cfg.Kind)
	return nil
}

var curated = map[events.Type]bool{
	events.MessagesUpsert:   true,
	events.ConnectionUpdate: true,
	events.QRCodeUpdated:    true,
	events.StatusInstance:   true,
	events.SendMessage:      true,
}

func TestSinkEligibilityMatrix(t *testing.T) {
	t.Parallel()
	flags := []bool{false, true}
	for _, typ := range events.All {
		for _, enabled := range flags {
			for _, sub := range flags {
				var list []string
				if sub {
					list = []string{string(typ)}
				}
				for _, on := range flags {
					want := on && enabled && sub
					if got := BrokerEligible(on, repository.Queue{Enabled: enabled, Events: list}, typ); got != want {
						t.Fatalf("broker %s on=%v enabled=%v sub=%v: got %v", typ, on, enabled, sub, got)
					}
					if got := WebsocketEligible(on, repository.Websocket{Enabled: enabled, Events: list}, typ); got != want {
						t.Fatalf("websocket %s on=%v enabled=%v sub=%v: got %v", typ, on, enabled, sub, got)
					}
				}

				want := enabled && sub
				_, got := LocalWebhookTarget(repository.Webhook{Enabled: enabled, URL: "http://sink", Events: list}, typ)
				if got != want {
					t.Fatalf("webhook %s enabled=%v sub=%v: got %v", typ, enabled, sub, got)
				}
				_, got = GlobalWebhookTarget(config.GlobalWebhookConfig{Enabled: enabled, URL: "http://global", Events: list}, typ)
				if got != want {
					t.Fatalf("global webhook %s enabled=%v sub=%v: got %v", typ, enabled, sub, got)
				}
			}

			// Integrations ignore subscription lists and relay the curated subset.
			if got := IntegrationEligible(repository.Integration{Enabled: enabled}, typ); got != (enabled && curated[typ]) {
				t.Fatalf("integration %s enabled=%v: got %v", typ, enabled, got)
			}
		}
	}
	assert.Len(t, integrationEvents, len(curated))
}

func TestLocalAndGlobalWebhooksAreIndependent(t *testing.T) {
	t.Parallel()
	var local, global []string
	for i, typ := range events.All {
		if i%2 == 0 {
			local = append(local, typ.Name())
		} else {
			global = append(global, string(typ))
		}
	}
	// Both lists name CALL so one event reaches both targets.
	global = append(global, string(events.Call))
	local = append(local, string(events.Call))

	for _, typ := range events.All {
		poster := &fakePoster{}
		relay := &fakeRelay{}
		d := New(Options{
			GlobalWebhook: config.GlobalWebhookConfig{Enabled: true, URL: "http://global", Events: global},
		}, Deps{
			Configs: staticConfigs{"acme": {
				Webhook:      repository.Webhook{Enabled: true, URL: "http://sink", Events: local},
				Integrations: []repository.Integration{{Kind: "typebot", Enabled: true}, {Kind: "chatwoot"}},
			}},
			Webhook:      poster,
			Integrations: relay,
			Logger:       logger.Discard(),
		})
		report := d.Dispatch(context.Background(), events.New(typ, "acme", nil))

		inLocal := subscribed(local, typ)
		inGlobal := subscribed(global, typ)
		assert.Equal(t, b2i(inLocal), report.Count(SinkWebhook), typ)
		assert.Equal(t, b2i(inGlobal), report.Count(SinkGlobalWebhook), typ)
		assert.Equal(t, b2i(curated[typ]), report.Count(SinkIntegration), typ)
		assert.Len(t, poster.posts, b2i(inLocal)+b2i(inGlobal), typ)
		if curated[typ] {
			assert.Equal(t, []string{"typebot"}, relay.kinds, typ)
		}
	}

	// A disabled local webhook leaves the global one alone.
	poster := &fakePoster{}
	d := New(Options{
		GlobalWebhook: config.GlobalWebhookConfig{Enabled: true, URL: "http://global", Events: []string{"MESSAGES_UPSERT"}},
	}, Deps{
		Configs: staticConfigs{"acme": {Webhook: repository.Webhook{URL: "http://sink", Events: []string{"MESSAGES_UPSERT"}}}},
		Webhook: poster,
		Logger:  logger.Discard(),
	})
	report := d.Dispatch(context.Background(), events.New(events.MessagesUpsert, "acme", nil))
	assert.Equal(t, 0, report.Count(SinkWebhook))
	require.Len(t, poster.posts, 1)
	assert.Equal(t, "http://global", poster.posts[0].url)
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func TestWebhookBase64InlinesMedia(t *testing.T) {
	t.Parallel()
	media := func(context.Context) ([]byte, error) { return []byte("jpeg"), nil }
	payload := events.MessagePayload{
		Key:         events.MessageKey{ID: "IMG"},
		MessageType: "imageMessage",
		Message:     map[string]any{"imageMessage": map[string]any{"mimetype": "image/jpeg"}},
		Media:       media,
	}
	sub := []string{"MESSAGES_UPSERT"}

	t.Run("local webhook only", func(t *testing.T) {
		t.Parallel()
		poster := &fakePoster{}
		d := New(Options{
			GlobalWebhook: config.GlobalWebhookConfig{Enabled: true, URL: "http://global", Events: sub},
		}, Deps{
			Configs: staticConfigs{"acme": {Webhook: repository.Webhook{Enabled: true, URL: "http://sink", Events: sub, Base64: true}}},
			Webhook: poster,
			Logger:  logger.Discard(),
		})
		d.Dispatch(context.Background(), events.New(events.MessagesUpsert, "acme", payload))
		require.Len(t, poster.posts, 2)
		for _, p := range poster.posts {
			msg := p.env.Data.(events.MessagePayload).Message
			if p.url == "http://sink" {
				assert.Equal(t, "anBlZw==", msg["base64"])
			} else {
				assert.NotContains(t, msg, "base64")
			}
		}
		assert.NotContains(t, payload.Message, "base64")
	})

	t.Run("off by default", func(t *testing.T) {
		t.Parallel()
		poster := &fakePoster{}
		d := New(Options{}, Deps{
			Configs: staticConfigs{"acme": {Webhook: repository.Webhook{Enabled: true, URL: "http://sink", Events: sub}}},
			Webhook: poster,
			Logger:  logger.Discard(),
		})
		d.Dispatch(context.Background(), events.New(events.MessagesUpsert, "acme", payload))
		require.Len(t, poster.posts, 1)
		assert.NotContains(t, poster.posts[0].env.Data.(events.MessagePayload).Message, "base64")
	})

	t.Run("download failure still delivers", func(t *testing.T) {
		t.Parallel()
		broken := payload
		broken.Media = func(context.Context) ([]byte, error) { return nil, errors.New("gone") }
		poster := &fakePoster{}
		d := New(Options{}, Deps{
			Configs: staticConfigs{"acme": {Webhook: repository.Webhook{Enabled: true, URL: "http://sink", Events: sub, Base64: true}}},
			Webhook: poster,
			Logger:  logger.Discard(),
		})
		report := d.Dispatch(context.Background(), events.New(events.MessagesUpsert, "acme", broken))
		assert.Empty(t, report.Failed())
		require.Len(t, poster.posts, 1)
		assert.NotContains(t, poster.posts[0].env.Data.(events.MessagePayload).Message, "base64")
	})
}

func TestDispatchAcmeWebhookOnly(t *testing.T) {
	t.Parallel()
	poster := &fakePoster{}
	broker := &fakeBroker{}
	configs := staticConfigs{"acme": {
		Webhook: repository.Webhook{Enabled: true, URL: "http://sink", Events: []string{"MESSAGES_UPSERT"}},
		Queue:   repository.Queue{Enabled: false, Events: []string{"MESSAGES_UPSERT"}},
		Token:   "secret",
	}}
	d := New(Options{ServerURL: "http://gw", BrokerEnabled: true}, Deps{
		Configs: configs, Webhook: poster, Broker: broker, Logger: logger.Discard(),
	})

	ev := events.New(events.MessagesUpsert, "acme", map[string]any{"id": "1"})
	ev.Sender = "5511@s.whatsapp.net"
	report := d.Dispatch(context.Background(), ev)

	require.Len(t, poster.posts, 1)
	got := poster.posts[0]
	assert.Equal(t, "http://sink", got.url)
	assert.Equal(t, "messages.upsert", got.env.Event)
	assert.Equal(t, "acme", got.env.Instance)
	assert.Equal(t, "http://sink", got.env.Destination)
	assert.Equal(t, "http://gw", got.env.ServerURL)
	assert.Equal(t, "5511@s.whatsapp.net", got.env.Sender)
	assert.Empty(t, got.env.APIKey)
	assert.Empty(t, broker.published)
	assert.Equal(t, 1, report.Count(SinkWebhook))
	assert.Equal(t, 0, report.Count(SinkBroker))
}

func TestDispatchGlobalWebhookOnly(t *testing.T) {
	t.Parallel()
	poster := &fakePoster{}
	d := New(Options{
		GlobalWebhook: config.GlobalWebhookConfig{Enabled: true, URL: "http://global", Events: []string{"CONNECTION_UPDATE"}},
		ExposeAPIKey:  true,
	}, Deps{
		Configs: staticConfigs{"acme": {Token: "secret"}},
		Webhook: poster,
		Logger:  logger.Discard(),
	})

	report := d.Dispatch(context.Background(), events.New(events.ConnectionUpdate, "acme", nil))
	assert.Equal(t, 1, report.Count(SinkGlobalWebhook))
	assert.Equal(t, 0, report.Count(SinkWebhook))
	require.Len(t, poster.posts, 1)
	assert.Equal(t, "http://global", poster.posts[0].url)
	assert.Equal(t, "secret", poster.posts[0].env.APIKey)
}

func TestDispatchSwallowsFailures(t *testing.T) {
	t.Parallel()
	poster := &fakePoster{err: errors.New("boom")}
	broker := &fakeBroker{}
	d := New(Options{BrokerEnabled: true}, Deps{
		Configs: staticConfigs{"acme": {
			Webhook: repository.Webhook{Enabled: true, URL: "http://sink", Events: []string{"SEND_MESSAGE"}},
			Queue:   repository.Queue{Enabled: true, Events: []string{"SEND_MESSAGE"}},
		}},
		Webhook: poster,
		Broker:  broker,
		Logger:  logger.Discard(),
	})

	report := d.Dispatch(context.Background(), events.New(events.SendMessage, "acme", nil))
	require.Len(t, report.Failed(), 1)
	assert.Equal(t, SinkWebhook, report.Failed()[0].Sink)
	assert.Equal(t, []events.Type{events.SendMessage}, broker.published)
}

func TestEnvelopeDateTimeUsesLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("BRT", -3*60*60)
	d := New(Options{Location: loc}, Deps{Logger: logger.Discard()})
	ev := events.New(events.Call, "acme", nil)
	ev.ServerTimestamp = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	env := d.envelope(ev, InstanceConfig{})
	assert.Equal(t, "2024-05-01T09:00:00.000-03:00", env.DateTime)
}
