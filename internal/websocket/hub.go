// Package websocket fans event envelopes out to websocket subscribers of an
// instance.
package websocket

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/events"
)

const (
	subscriberBuffer = 64
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = pongWait * 9 / 10
)

// Message is one frame queued for a subscriber.
type Message struct {
	Event events.Type
	Body  []byte
}

type subscriber struct {
	ch chan Message
}

type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		logger: log.With(slog.String("component", "websocket")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subs: make(map[string]map[*subscriber]struct{}),
	}
}

// Subscribe registers a listener on instance. The returned cancel func must
// be called once the listener is gone.
func (h *Hub) Subscribe(instance string) (<-chan Message, func()) {
	sub := &subscriber{ch: make(chan Message, subscriberBuffer)}
	h.mu.Lock()
	set, ok := h.subs[instance]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[instance] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[instance]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(h.subs, instance)
				}
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Broadcast queues body for every subscriber of instance and returns how many
// accepted it. Slow subscribers drop frames instead of blocking the caller.
func (h *Hub) Broadcast(instance string, t events.Type, body []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for sub := range h.subs[instance] {
		select {
		case sub.ch <- Message{Event: t, Body: body}:
			delivered++
		default:
			h.logger.Warn("websocket subscriber lagging, frame dropped",
				slog.String("instance", instance),
				slog.String("event", t.Name()),
			)
		}
	}
	return delivered
}

// Subscribers reports the listener count of instance.
func (h *Hub) Subscribers(instance string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[instance])
}

// Serve upgrades the request and streams instance frames until either side
// goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, instance string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stream, cancel := h.Subscribe(instance)
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return nil
		case <-r.Context().Done():
			return nil
		case msg, ok := <-stream:
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg.Body); err != nil {
				return nil
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}
