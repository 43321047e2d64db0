// Package dispatch fans canonical events out to every eligible sink of an
// instance: per-instance and global webhooks, the broker, websockets and chat
// integrations.
package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/config"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/events"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/metrics"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/repository"
)

const dateTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Envelope is the JSON body handed to webhooks, the broker and websockets.
// Destination is only set for webhook deliveries.
type Envelope struct {
	Event       string `json:"event"`
	Instance    string `json:"instance"`
	Data        any    `json:"data"`
	Destination string `json:"destination,omitempty"`
	ServerURL   string `json:"server_url"`
	DateTime    string `json:"date_time"`
	Sender      string `json:"sender"`
	APIKey      string `json:"apikey,omitempty"`
}

type WebhookPoster interface {
	Post(ctx context.Context, url string, headers map[string]string, body any) error
}

type BrokerPublisher interface {
	Publish(ctx context.Context, instance string, t events.Type, body []byte) error
}

type SocketBroadcaster interface {
	Broadcast(instance string, t events.Type, body []byte) int
}

type IntegrationRelay interface {
	Relay(ctx context.Context, cfg repository.Integration, env Envelope) error
}

// ConfigSource resolves per-instance sink configuration.
type ConfigSource interface {
	Load(ctx context.Context, instance string) InstanceConfig
}

type Options struct {
	ServerURL     string
	ExposeAPIKey  bool
	GlobalWebhook config.GlobalWebhookConfig
	BrokerEnabled bool
	SocketEnabled bool
	Timeout       time.Duration
	Location      *time.Location
}

type Deps struct {
	Configs      ConfigSource
	Webhook      WebhookPoster
	Broker       BrokerPublisher
	Sockets      SocketBroadcaster
	Integrations IntegrationRelay
	Logger       *slog.Logger
}

// Delivery is the outcome of one sink attempt.
type Delivery struct {
	Sink   string
	Target string
	Err    error
}

// Report lists every attempted delivery of one event.
type Report struct {
	Event      events.Type
	Instance   string
	Deliveries []Delivery
}

// Count returns the attempts made to sink.
func (r Report) Count(sink string) int {
	n := 0
	for _, d := range r.Deliveries {
		if d.Sink == sink {
			n++
		}
	}
	return n
}

// Failed returns the attempts that ended in error.
func (r Report) Failed() []Delivery {
	var out []Delivery
	for _, d := range r.Deliveries {
		if d.Err != nil {
			out = append(out, d)
		}
	}
	return out
}

type Dispatcher struct {
	opts   Options
	deps   Deps
	logger *slog.Logger
	wg     sync.WaitGroup
}

func New(opts Options, deps Deps) *Dispatcher {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = config.DefaultDispatchTimeout
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Dispatcher{opts: opts, deps: deps, logger: log.With(slog.String("component", "dispatch"))}
}

// Publish resolves the sink configuration of ev before returning and
// delivers in the background.
func (d *Dispatcher) Publish(ev events.Event) {
	cfg := d.load(context.Background(), ev.Instance)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(context.Background(), ev, cfg)
	}()
}

// Wait blocks until background dispatches finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

type job struct {
	sink   string
	target string
	run    func(ctx context.Context) error
}

// Dispatch delivers ev to every eligible sink concurrently. Each sink gets
// its own timeout. Failures are logged and reported, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, ev events.Event) Report {
	return d.deliver(ctx, ev, d.load(ctx, ev.Instance))
}

func (d *Dispatcher) load(ctx context.Context, instance string) InstanceConfig {
	if d.deps.Configs == nil {
		return InstanceConfig{}
	}
	return d.deps.Configs.Load(ctx, instance)
}

func (d *Dispatcher) deliver(ctx context.Context, ev events.Event, cfg InstanceConfig) Report {
	base := d.envelope(ev, cfg)
	jobs := d.plan(ev, cfg, base)

	report := Report{Event: ev.Type, Instance: ev.Instance, Deliveries: make([]Delivery, len(jobs))}
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func(i int, j job) {
			defer wg.Done()
			sinkCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
			defer cancel()
			start := time.Now()
			err := j.run(sinkCtx)
			metrics.DeliveryLatency.WithLabelValues(j.sink).Observe(time.Since(start).Seconds())
			outcome := metrics.OutcomeDelivered
			if err != nil {
				outcome = metrics.OutcomeFailed
				d.logger.Warn("delivery failed",
					slog.String("sink", j.sink),
					slog.String("target", j.target),
					slog.String("instance", ev.Instance),
					slog.String("event", ev.Type.Name()),
					slog.Any("error", err),
				)
			}
			metrics.Deliveries.WithLabelValues(j.sink, outcome).Inc()
			report.Deliveries[i] = Delivery{Sink: j.sink, Target: j.target, Err: err}
		}(i, j)
	}
	wg.Wait()
	return report
}

func (d *Dispatcher) envelope(ev events.Event, cfg InstanceConfig) Envelope {
	ts := ev.ServerTimestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	env := Envelope{
		Event:     ev.Type.Name(),
		Instance:  ev.Instance,
		Data:      ev.Data,
		ServerURL: d.opts.ServerURL,
		DateTime:  ts.In(d.opts.Location).Format(dateTimeLayout),
		Sender:    ev.Sender,
	}
	if d.opts.ExposeAPIKey {
		env.APIKey = cfg.Token
	}
	return env
}

func (d *Dispatcher) plan(ev events.Event, cfg InstanceConfig, base Envelope) []job {
	var jobs []job

	if d.deps.Webhook != nil {
		if url, ok := LocalWebhookTarget(cfg.Webhook, ev.Type); ok {
			env := base
			env.Destination = url
			headers, inline := cfg.Webhook.Headers, cfg.Webhook.Base64
			jobs = append(jobs, job{sink: SinkWebhook, target: url, run: func(ctx context.Context) error {
				if inline {
					env = d.withMedia(ctx, env)
				}
				return d.deps.Webhook.Post(ctx, url, headers, env)
			}})
		}
		if url, ok := GlobalWebhookTarget(d.opts.GlobalWebhook, ev.Type); ok {
			env := base
			env.Destination = url
			jobs = append(jobs, job{sink: SinkGlobalWebhook, target: url, run: func(ctx context.Context) error {
				return d.deps.Webhook.Post(ctx, url, nil, env)
			}})
		}
	}

	if d.deps.Broker != nil && BrokerEligible(d.opts.BrokerEnabled, cfg.Queue, ev.Type) {
		jobs = append(jobs, job{sink: SinkBroker, target: ev.Type.Name(), run: func(ctx context.Context) error {
			body, err := json.Marshal(base)
			if err != nil {
				return err
			}
			return d.deps.Broker.Publish(ctx, ev.Instance, ev.Type, body)
		}})
	}

	if d.deps.Sockets != nil && WebsocketEligible(d.opts.SocketEnabled, cfg.Websocket, ev.Type) {
		jobs = append(jobs, job{sink: SinkWebsocket, target: ev.Instance, run: func(context.Context) error {
			body, err := json.Marshal(base)
			if err != nil {
				return err
			}
			d.deps.Sockets.Broadcast(ev.Instance, ev.Type, body)
			return nil
		}})
	}

	if d.deps.Integrations != nil {
		for _, integ := range cfg.Integrations {
			if !IntegrationEligible(integ, ev.Type) {
				continue
			}
			integ := integ
			jobs = append(jobs, job{sink: SinkIntegration, target: integ.Kind, run: func(ctx context.Context) error {
				return d.deps.Integrations.Relay(ctx, integ, base)
			}})
		}
	}
	return jobs
}

// withMedia inlines the attachment of a single message payload as
// message.base64. Download failures leave the envelope untouched.
func (d *Dispatcher) withMedia(ctx context.Context, env Envelope) Envelope {
	p, ok := env.Data.(events.MessagePayload)
	if !ok || p.Media == nil {
		return env
	}
	data, err := p.Media(ctx)
	if err != nil {
		d.logger.Warn("media download failed",
			slog.String("instance", env.Instance),
			slog.String("id", p.Key.ID),
			slog.Any("error", err),
		)
		return env
	}
	msg := make(map[string]any, len(p.Message)+1)
	maps.Copy(msg, p.Message)
	msg["base64"] = base64.StdEncoding.EncodeToString(data)
	p.Message = msg
	env.Data = p
	return env
}
