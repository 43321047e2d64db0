package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	redialInitial = 500 * time.Millisecond
	redialMax     = 30 * time.Second
)

// link is one live connection with its channel.
type link struct {
	ch         Channel
	connClosed <-chan *amqp.Error
	chClosed   <-chan *amqp.Error
	close      func() error
}

type dialFunc func() (*link, error)

func amqpDialer(uri string) dialFunc {
	return func() (*link, error) {
		conn, err := amqp.Dial(uri)
		if err != nil {
			return nil, fmt.Errorf("dial rabbitmq: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("open rabbitmq channel: %w", err)
		}
		return &link{
			ch:         ch,
			connClosed: conn.NotifyClose(make(chan *amqp.Error, 1)),
			chClosed:   ch.NotifyClose(make(chan *amqp.Error, 1)),
			close: func() error {
				_ = ch.Close()
				return conn.Close()
			},
		}, nil
	}
}

// Conn owns the broker connection. When the connection or its channel
// closes it redials with exponential backoff and moves every topology it
// serves onto the new channel.
type Conn struct {
	dial    dialFunc
	initial time.Duration
	maxWait time.Duration
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	cur    *link
	topos  []*Topology
	dials  int
	closed bool
}

// Dial connects to uri. The first attempt is not retried.
func Dial(uri string, log *slog.Logger) (*Conn, error) {
	return newConn(amqpDialer(uri), redialInitial, redialMax, log)
}

func newConn(dial dialFunc, initial, maxWait time.Duration, log *slog.Logger) (*Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	l, err := dial()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		dial:    dial,
		initial: initial,
		maxWait: maxWait,
		logger:  log.With(slog.String("component", "queue")),
		ctx:     ctx,
		cancel:  cancel,
		cur:     l,
		dials:   1,
	}
	c.wg.Add(1)
	go c.watch(l)
	return c, nil
}

// Topology builds a Topology on the current channel and keeps it attached
// across reconnects.
func (c *Conn) Topology(mode Mode, exchangeName string, log *slog.Logger) *Topology {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := New(c.cur.ch, mode, exchangeName, log)
	c.topos = append(c.topos, t)
	return t
}

// Dials reports how many connections were established and restored.
func (c *Conn) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

func (c *Conn) watch(l *link) {
	defer c.wg.Done()
	for {
		var cause *amqp.Error
		select {
		case <-c.ctx.Done():
			return
		case cause = <-l.connClosed:
		case cause = <-l.chClosed:
		}
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("rabbitmq connection lost", slog.Any("error", cause))
		_ = l.close()

		next, err := c.redial()
		if err != nil {
			return
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = next.close()
			return
		}
		c.cur = next
		topos := append([]*Topology(nil), c.topos...)
		c.mu.Unlock()

		for _, t := range topos {
			if err := t.Reset(c.ctx, next.ch); err != nil {
				c.logger.Warn("restore topology failed", slog.Any("error", err))
			}
		}
		c.mu.Lock()
		c.dials++
		c.mu.Unlock()
		c.logger.Info("rabbitmq reconnected")
		l = next
	}
}

// redial retries until it connects or the Conn is closed.
func (c *Conn) redial() (*link, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initial
	bo.MaxInterval = c.maxWait
	bo.MaxElapsedTime = 0
	op := func() (*link, error) { return c.dial() }
	return backoff.RetryNotifyWithData[*link](op, backoff.WithContext(bo, c.ctx), func(err error, wait time.Duration) {
		c.logger.Warn("rabbitmq redial failed", slog.Duration("retry_in", wait), slog.Any("error", err))
	})
}

func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l := c.cur
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	if err := l.close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}
