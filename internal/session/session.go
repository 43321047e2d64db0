// Package session runs the connection state machine of one instance. A
// Session owns one protocol client at a time, drains its raw events on a
// single worker goroutine and republishes them as canonical events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/authstate"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/events"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/metrics"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/protocol"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/repository"
)

// State is the connection state of a Session.
type State string

const (
	StateClose      State = events.StateClose
	StateConnecting State = events.StateConnecting
	StateOpen       State = events.StateOpen
)

func (s State) String() string {
	return string(s)
}

var (
	ErrClosed       = errors.New("session: closed")
	ErrNotConnected = errors.New("session: not connected")
	ErrQRCodeLimit  = errors.New("session: qrcode limit reached")
)

// canTransition reports whether from -> to is a legal move.
func canTransition(from, to State) bool {
	switch from {
	case StateClose:
		return to == StateConnecting
	case StateConnecting:
		return to == StateOpen || to == StateClose
	case StateOpen:
		return to == StateClose
	}
	return false
}

// Publisher receives canonical events. Publish must not block on delivery.
type Publisher interface {
	Publish(ev events.Event)
}

// Remover tears an instance down on behalf of its own Session.
type Remover interface {
	RemoveInstance(ctx context.Context, s *Session, reason string)
}

type Config struct {
	QRLimit          int
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	SendRate         rate.Limit
	SendBurst        int
	StoreMessages    bool
	StoreChats       bool
	StoreContacts    bool
}

type Params struct {
	Name        string
	PhoneNumber string
	Factory     protocol.Factory
	Auth        *authstate.Store
	Repos       *repository.Repositories
	Publisher   Publisher
	Remover     Remover
	Settings    repository.Settings
	Config      Config
	Logger      *slog.Logger
}

// Snapshot is a point-in-time view of a Session.
type Snapshot struct {
	Instance    string        `json:"instanceName"`
	State       State         `json:"state"`
	QRCode      events.QRCode `json:"qrcode"`
	OwnerJID    string        `json:"ownerJid,omitempty"`
	ProfileName string        `json:"profileName,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
}

type inboxItem struct {
	gen int
	evt protocol.Event
}

type Session struct {
	name      string
	phone     string
	factory   protocol.Factory
	desc      protocol.Descriptor
	auth      *authstate.Store
	repos     *repository.Repositories
	publisher Publisher
	remover   Remover
	cfg       Config
	logger    *slog.Logger
	limiter   *rate.Limiter

	inbox     chan inboxItem
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.RWMutex
	state       State
	gen         int
	client      protocol.Client
	qr          events.QRCode
	ownerJID    string
	profileName string
	lastError   error
	terminal    bool
	removed     bool
	closed      bool
	settings    repository.Settings
	backoff     *backoff.ExponentialBackOff
	retry       *time.Timer
}

func New(p Params) *Session {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	cfg := p.Config
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.ReconnectInitial
	bo.MaxInterval = cfg.ReconnectMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	limit := cfg.SendRate
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		name:      p.Name,
		phone:     p.PhoneNumber,
		factory:   p.Factory,
		auth:      p.Auth,
		repos:     p.Repos,
		publisher: p.Publisher,
		remover:   p.Remover,
		cfg:       cfg,
		logger:    log.With(slog.String("component", "session"), slog.String("instance", p.Name)),
		limiter:   rate.NewLimiter(limit, burst),
		inbox:     make(chan inboxItem, 256),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateClose,
		settings:  p.Settings,
		backoff:   bo,
		qr:        events.QRCode{Instance: p.Name},
	}
	if p.Factory != nil {
		s.desc = p.Factory.Descriptor()
	}
	go s.run()
	return s
}

func (s *Session) Name() string {
	return s.name
}

func (s *Session) Descriptor() protocol.Descriptor {
	return s.desc
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		Instance:    s.name,
		State:       s.state,
		QRCode:      s.qr,
		OwnerJID:    s.ownerJID,
		ProfileName: s.profileName,
	}
	if s.lastError != nil {
		snap.LastError = s.lastError.Error()
	}
	return snap
}

func (s *Session) Settings() repository.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Connect moves close -> connecting and starts a fresh client. Calling it on a
// session that is already connecting or open returns the current snapshot.
func (s *Session) Connect(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	if s.state != StateClose {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, nil
	}
	s.terminal = false
	s.removed = false
	s.qr = events.QRCode{Instance: s.name}
	s.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		return s.Snapshot(), err
	}
	return s.Snapshot(), nil
}

func (s *Session) connect(ctx context.Context) error {
	if s.factory == nil {
		return fmt.Errorf("session %s: no protocol factory", s.name)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !canTransition(s.state, StateConnecting) {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateConnecting)
	s.gen++
	gen := s.gen
	old := s.client
	s.client = nil
	s.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}

	client, err := s.factory.NewClient(ctx, protocol.Options{
		Instance:    s.name,
		Auth:        s.auth,
		PhoneNumber: s.phone,
		Handler:     s.handlerFor(gen),
		Logger:      s.logger,
	})
	if err == nil {
		s.mu.Lock()
		if s.gen == gen {
			s.client = client
		}
		s.mu.Unlock()
		err = client.Connect(ctx)
	}
	if err != nil {
		s.mu.Lock()
		if s.gen == gen && s.state == StateConnecting {
			s.setStateLocked(StateClose)
		}
		s.lastError = err
		s.mu.Unlock()
		if client != nil {
			client.Disconnect()
		}
		return fmt.Errorf("session %s: connect: %w", s.name, err)
	}
	return nil
}

func (s *Session) handlerFor(gen int) protocol.Handler {
	return func(evt protocol.Event) {
		select {
		case s.inbox <- inboxItem{gen: gen, evt: evt}:
		case <-s.ctx.Done():
		}
	}
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case item := <-s.inbox:
			s.process(item)
		}
	}
}

func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.state = next
	metrics.SessionTransitions.WithLabelValues(string(next)).Inc()
}

// scheduleReconnectLocked arms the next backoff retry.
func (s *Session) scheduleReconnectLocked() {
	if s.closed || s.terminal {
		return
	}
	delay := s.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = s.cfg.ReconnectMax
	}
	if s.retry != nil {
		s.retry.Stop()
	}
	s.logger.Info("reconnect scheduled", slog.Duration("delay", delay))
	s.retry = time.AfterFunc(delay, s.reconnect)
}

func (s *Session) reconnect() {
	s.mu.RLock()
	skip := s.closed || s.terminal || s.state != StateClose
	s.mu.RUnlock()
	if skip {
		return
	}
	metrics.Reconnects.Inc()
	if err := s.connect(s.ctx); err != nil {
		s.logger.Warn("reconnect failed", slog.Any("error", err))
		s.mu.Lock()
		s.scheduleReconnectLocked()
		s.mu.Unlock()
	}
}

func (s *Session) publish(evs ...events.Event) {
	if s.publisher == nil {
		return
	}
	for _, ev := range evs {
		s.publisher.Publish(ev)
	}
}

// raiseRemovedLocked builds the single STATUS_INSTANCE removed event of this
// incarnation. It returns false when one was already raised.
func (s *Session) raiseRemovedLocked(reason string) (events.Event, bool) {
	if s.removed {
		return events.Event{}, false
	}
	s.removed = true
	return s.eventLocked(events.StatusInstance, events.StatusPayload{
		Instance: s.name,
		Status:   "removed",
		Reason:   reason,
	}), true
}

func (s *Session) eventLocked(t events.Type, data any) events.Event {
	ev := events.New(t, s.name, data)
	ev.Sender = s.ownerJID
	return ev
}

// Logout unlinks the device, clears the auth state and closes the session
// without scheduling a reconnect.
func (s *Session) Logout(ctx context.Context) error {
	if err := s.desc.Require(protocol.CapLogout); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	client := s.client
	s.client = nil
	s.terminal = true
	s.gen++
	s.stopRetryLocked()
	var out []events.Event
	if s.state != StateClose {
		s.setStateLocked(StateClose)
		out = append(out, s.eventLocked(events.ConnectionUpdate, events.ConnectionPayload{
			Instance: s.name,
			State:    events.StateClose,
			WUID:     s.ownerJID,
		}))
	}
	if ev, ok := s.raiseRemovedLocked(events.RemovedByLogout); ok {
		out = append(out, ev)
	}
	out = append(out, s.eventLocked(events.LogoutInstance, events.StatusPayload{
		Instance: s.name,
		Status:   "logout",
	}))
	s.qr = events.QRCode{Instance: s.name}
	s.mu.Unlock()

	var errs []error
	if client != nil {
		if err := client.Logout(ctx); err != nil {
			errs = append(errs, fmt.Errorf("protocol logout: %w", err))
		}
		client.Disconnect()
	}
	if s.auth != nil {
		if err := s.auth.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("clear auth state: %w", err))
		}
	}
	s.persistStatus(ctx, events.StateClose)
	s.publish(out...)
	return errors.Join(errs...)
}

// Evict ends an idle session. An open session is left alone and false is
// returned. A connecting session is logged out, a closed one is dropped
// silently. Either way exactly one removed event is raised.
func (s *Session) Evict(ctx context.Context) bool {
	s.mu.Lock()
	if s.closed || s.state == StateOpen {
		s.mu.Unlock()
		return false
	}
	client := s.client
	s.client = nil
	wasConnecting := s.state == StateConnecting
	s.terminal = true
	s.gen++
	s.stopRetryLocked()
	var out []events.Event
	if wasConnecting {
		s.setStateLocked(StateClose)
		out = append(out, s.eventLocked(events.ConnectionUpdate, events.ConnectionPayload{
			Instance: s.name,
			State:    events.StateClose,
		}))
	}
	if ev, ok := s.raiseRemovedLocked(events.RemovedByIdleTimeout); ok {
		out = append(out, ev)
	}
	s.mu.Unlock()

	if client != nil {
		if wasConnecting && s.desc.Supports(protocol.CapLogout) {
			if err := client.Logout(ctx); err != nil {
				s.logger.Warn("idle logout failed", slog.Any("error", err))
			}
		}
		client.Disconnect()
	}
	s.publish(out...)
	return true
}

// SendText delivers a plain text message and emits SEND_MESSAGE.
func (s *Session) SendText(ctx context.Context, to, text string) (events.MessagePayload, error) {
	if err := s.desc.Require(protocol.CapSendText); err != nil {
		return events.MessagePayload{}, err
	}
	s.mu.RLock()
	client, state := s.client, s.state
	s.mu.RUnlock()
	if client == nil || state != StateOpen {
		return events.MessagePayload{}, ErrNotConnected
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return events.MessagePayload{}, err
	}
	ref, err := client.SendText(ctx, to, text)
	if err != nil {
		return events.MessagePayload{}, fmt.Errorf("send text: %w", err)
	}
	payload := events.MessagePayload{
		Key:              events.MessageKey{RemoteJID: ref.RemoteJID, FromMe: true, ID: ref.ID},
		MessageType:      "conversation",
		Message:          map[string]any{"conversation": text},
		MessageTimestamp: ref.Timestamp,
		Status:           "PENDING",
		Source:           "api",
	}
	s.mu.RLock()
	ev := s.eventLocked(events.SendMessage, payload)
	s.mu.RUnlock()
	s.persistMessage(ctx, payload)
	s.publish(ev)
	return payload, nil
}

func (s *Session) stopRetryLocked() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

// Close stops the worker and disconnects the client. No events are raised.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.gen++
		s.stopRetryLocked()
		client := s.client
		s.client = nil
		s.mu.Unlock()
		if client != nil {
			client.Disconnect()
		}
		s.cancel()
		<-s.done
	})
}
