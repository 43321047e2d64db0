// Package queue maps event subscriptions onto a RabbitMQ topic topology and
// publishes envelopes to it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/events"
)

// Mode selects how instances share exchanges and queues.
type Mode string

const (
	ModeIsolated Mode = "isolated"
	ModeSingle   Mode = "single"
	ModeGlobal   Mode = "global"
)

// ParseMode falls back to isolated for unknown values.
func ParseMode(raw string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeSingle:
		return ModeSingle
	case ModeGlobal:
		return ModeGlobal
	default:
		return ModeIsolated
	}
}

const (
	exchangeKind = "topic"
	singleQueue  = "evolution"
	messageTTL   = 48 * time.Hour
)

// Binding is one queue bound to one routing key.
type Binding struct {
	Exchange   string
	Queue      string
	RoutingKey string
	Event      events.Type
}

// Plan computes the bindings for instance subscribed to types.
func Plan(mode Mode, exchangeName, instance string, types []events.Type) []Binding {
	out := make([]Binding, 0, len(types))
	for _, t := range types {
		b := Binding{RoutingKey: t.Name(), Event: t}
		switch mode {
		case ModeSingle:
			b.Exchange = exchangeName
			b.Queue = singleQueue
		case ModeGlobal:
			b.Exchange = exchangeName
			b.Queue = exchangeName + "." + string(t.Category())
		default:
			b.Exchange = instance
			b.Queue = instance + "." + t.Kebab()
		}
		out = append(out, b)
	}
	return out
}

// Channel is the subset of *amqp.Channel used by Topology.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type Topology struct {
	ch       Channel
	mode     Mode
	exchange string
	logger   *slog.Logger

	mu        sync.Mutex
	exchanges map[string]bool
	queues    map[string]bool
	applied   map[string][]Binding
}

func New(ch Channel, mode Mode, exchangeName string, log *slog.Logger) *Topology {
	if log == nil {
		log = slog.Default()
	}
	return &Topology{
		ch:        ch,
		mode:      mode,
		exchange:  exchangeName,
		logger:    log.With(slog.String("component", "queue"), slog.String("mode", string(mode))),
		exchanges: make(map[string]bool),
		queues:    make(map[string]bool),
		applied:   make(map[string][]Binding),
	}
}

func (t *Topology) Mode() Mode {
	return t.mode
}

// Apply declares and binds the queues of instance. Declarations are
// idempotent. In isolated mode bindings dropped since the previous call are
// removed.
func (t *Topology) Apply(ctx context.Context, instance string, types []events.Type) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	plan := Plan(t.mode, t.exchange, instance, types)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mode == ModeIsolated {
		for _, old := range diff(t.applied[instance], plan) {
			if err := t.ch.QueueUnbind(old.Queue, old.RoutingKey, old.Exchange, nil); err != nil {
				return fmt.Errorf("unbind %s: %w", old.Queue, err)
			}
			t.logger.Info("queue unbound", slog.String("queue", old.Queue), slog.String("key", old.RoutingKey))
		}
	}
	for _, b := range plan {
		if err := t.declareExchangeLocked(b.Exchange); err != nil {
			return err
		}
		if err := t.declareQueueLocked(b.Queue); err != nil {
			return err
		}
		if err := t.ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", b.Queue, b.RoutingKey, err)
		}
	}
	t.applied[instance] = plan
	return nil
}

// Forget drops the remembered bindings of instance.
func (t *Topology) Forget(instance string) {
	t.mu.Lock()
	delete(t.applied, instance)
	t.mu.Unlock()
}

// Reset moves t onto ch after a reconnect. The declaration memos are
// cleared and every remembered binding is declared again on ch.
func (t *Topology) Reset(ctx context.Context, ch Channel) error {
	t.mu.Lock()
	prev := t.applied
	t.ch = ch
	t.exchanges = make(map[string]bool)
	t.queues = make(map[string]bool)
	t.applied = make(map[string][]Binding)
	t.mu.Unlock()

	var errs error
	for instance, plan := range prev {
		types := make([]events.Type, len(plan))
		for i, b := range plan {
			types[i] = b.Event
		}
		if err := t.Apply(ctx, instance, types); err != nil {
			errs = errors.Join(errs, fmt.Errorf("restore %s: %w", instance, err))
		}
	}
	return errs
}

// Publish sends body to the exchange serving instance with the dotted event
// name as routing key.
func (t *Topology) Publish(ctx context.Context, instance string, typ events.Type, body []byte) error {
	exchange := t.exchange
	if t.mode == ModeIsolated {
		exchange = instance
	}
	t.mu.Lock()
	err := t.declareExchangeLocked(exchange)
	ch := t.ch
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, exchange, typ.Name(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (t *Topology) declareExchangeLocked(name string) error {
	if t.exchanges[name] {
		return nil
	}
	if err := t.ch.ExchangeDeclare(name, exchangeKind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	t.exchanges[name] = true
	return nil
}

func (t *Topology) declareQueueLocked(name string) error {
	if t.queues[name] {
		return nil
	}
	var args amqp.Table
	if t.mode == ModeIsolated {
		args = amqp.Table{
			"x-queue-type":  "quorum",
			"x-message-ttl": messageTTL.Milliseconds(),
		}
	}
	if _, err := t.ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	t.queues[name] = true
	return nil
}

// diff returns the bindings of prev missing from next.
func diff(prev, next []Binding) []Binding {
	keep := make(map[Binding]struct{}, len(next))
	for _, b := range next {
		keep[b] = struct{}{}
	}
	var out []Binding
	for _, b := range prev {
		if _, ok := keep[b]; !ok {
			out = append(out, b)
		}
	}
	return out
}
