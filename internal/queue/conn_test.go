package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/events"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/logger"
)

type scriptedLink struct {
	ch     *recordingChannel
	conn   chan *amqp.Error
	chanCh chan *amqp.Error
	closed bool
}

// scriptedDialer hands out links in order. Attempts listed in failures
// (counted from 1) return an error instead.
type scriptedDialer struct {
	mu       sync.Mutex
	attempts int
	failures map[int]bool
	links    []*scriptedLink
}

func (d *scriptedDialer) dial() (*link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.failures[d.attempts] {
		return nil, errors.New("connection refused")
	}
	sl := &scriptedLink{
		ch:     &recordingChannel{},
		conn:   make(chan *amqp.Error, 1),
		chanCh: make(chan *amqp.Error, 1),
	}
	d.links = append(d.links, sl)
	return &link{
		ch:         sl.ch,
		connClosed: sl.conn,
		chClosed:   sl.chanCh,
		close: func() error {
			d.mu.Lock()
			sl.closed = true
			d.mu.Unlock()
			return nil
		},
	}, nil
}

func (d *scriptedDialer) link(i int) *scriptedLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.links) {
		return nil
	}
	return d.links[i]
}

func (d *scriptedDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.links)
}

func (d *scriptedDialer) isClosed(i int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.links[i].closed
}

func TestConnRedialsAndRestoresTopology(t *testing.T) {
	t.Parallel()
	d := &scriptedDialer{failures: map[int]bool{2: true}}
	conn, err := newConn(d.dial, time.Millisecond, 5*time.Millisecond, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	top := conn.Topology(ModeIsolated, "evolution_exchange", logger.Discard())
	ctx := context.Background()
	require.NoError(t, top.Apply(ctx, "acme", []events.Type{events.MessagesUpsert, events.ChatsSet}))
	first := d.link(0)
	assert.Len(t, first.ch.ops("bind"), 2)

	first.conn <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"}
	require.Eventually(t, func() bool { return conn.Dials() == 2 }, 2*time.Second, time.Millisecond)
	assert.True(t, d.isClosed(0))
	assert.Equal(t, 2, d.count())

	second := d.link(1)
	assert.Len(t, second.ch.ops("exchange"), 1)
	assert.Len(t, second.ch.ops("queue"), 2)
	binds := second.ch.ops("bind")
	require.Len(t, binds, 2)
	assert.Equal(t, "acme", binds[0].exchange)

	require.NoError(t, top.Publish(ctx, "acme", events.MessagesUpsert, []byte(`{}`)))
	assert.Len(t, second.ch.ops("publish"), 1)
	assert.Empty(t, first.ch.ops("publish"))

	// Bindings restored on the new channel still drive unbind diffs.
	require.NoError(t, top.Apply(ctx, "acme", []events.Type{events.MessagesUpsert}))
	unbinds := second.ch.ops("unbind")
	require.Len(t, unbinds, 1)
	assert.Equal(t, "acme.chats-set", unbinds[0].queue)
}

func TestConnRedialsOnChannelClose(t *testing.T) {
	t.Parallel()
	d := &scriptedDialer{}
	conn, err := newConn(d.dial, time.Millisecond, 5*time.Millisecond, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	top := conn.Topology(ModeGlobal, "evolution_exchange", logger.Discard())
	require.NoError(t, top.Publish(context.Background(), "acme", events.Call, nil))
	d.link(0).chanCh <- &amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arg"}
	require.Eventually(t, func() bool { return conn.Dials() == 2 }, 2*time.Second, time.Millisecond)

	// The exchange memo was cleared so it is declared on the new channel.
	require.NoError(t, top.Publish(context.Background(), "acme", events.Call, nil))
	assert.Len(t, d.link(1).ch.ops("exchange"), 1)
}

func TestConnCloseStopsRedial(t *testing.T) {
	t.Parallel()
	d := &scriptedDialer{}
	conn, err := newConn(d.dial, time.Millisecond, 5*time.Millisecond, logger.Discard())
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.True(t, d.isClosed(0))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.count())
	assert.Equal(t, 1, conn.Dials())
}

func TestDialFailureIsReturned(t *testing.T) {
	t.Parallel()
	d := &scriptedDialer{failures: map[int]bool{1: true}}
	_, err := newConn(d.dial, time.Millisecond, time.Millisecond, logger.Discard())
	require.Error(t, err)
}

func TestResetClearsMemos(t *testing.T) {
	t.Parallel()
	first := &recordingChannel{}
	top := New(first, ModeSingle, "evolution_exchange", logger.Discard())
	ctx := context.Background()
	require.NoError(t, top.Apply(ctx, "acme", []events.Type{events.MessagesUpsert}))
	require.NoError(t, top.Apply(ctx, "globex", []events.Type{events.ChatsSet}))

	second := &recordingChannel{}
	require.NoError(t, top.Reset(ctx, second))
	assert.Len(t, second.ops("exchange"), 1)
	assert.Len(t, second.ops("queue"), 1)
	assert.Len(t, second.ops("bind"), 2)
	assert.Len(t, first.ops("bind"), 2)
}
