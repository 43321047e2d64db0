package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/events"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/logger"
)

func TestBroadcastScopedToInstance(t *testing.T) {
	t.Parallel()
	hub := NewHub(logger.Discard())
	acme, cancelAcme := hub.Subscribe("acme")
	defer cancelAcme()
	_, cancelOther := hub.Subscribe("globex")
	defer cancelOther()

	n := hub.Broadcast("acme", events.MessagesUpsert, []byte(`{"event":"messages.upsert"}`))
	assert.Equal(t, 1, n)
	msg := <-acme
	assert.Equal(t, events.MessagesUpsert, msg.Event)
	assert.Equal(t, 0, hub.Broadcast("nobody", events.MessagesUpsert, nil))
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	hub := NewHub(logger.Discard())
	_, cancel := hub.Subscribe("acme")
	assert.Equal(t, 1, hub.Subscribers("acme"))
	cancel()
	cancel()
	assert.Equal(t, 0, hub.Subscribers("acme"))
}

func TestServeStreamsFrames(t *testing.T) {
	t.Parallel()
	hub := NewHub(logger.Discard())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(w, r, "acme")
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers("acme") == 1 }, time.Second, 5*time.Millisecond)
	hub.Broadcast("acme", events.ConnectionUpdate, []byte(`{"event":"connection.update"}`))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, body, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"connection.update"}`, string(body))
}
