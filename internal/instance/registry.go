// Package instance owns the live sessions of every provisioned instance and
// the provisioning operations exposed over HTTP.
package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/authstate"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/metrics"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/protocol"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/repository"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/session"
)

var (
	ErrInstanceExists     = errors.New("instance already exists")
	ErrInvalidName        = errors.New("invalid instance name")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrInstanceOpen       = errors.New("instance is connected")
	ErrInvalidIntegration = errors.New("invalid integration")
	ErrInvalidRequest     = errors.New("invalid request")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@-]{0,99}$`)

// ValidateName rejects names that cannot be used as storage namespaces.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Invalidator drops cached per-instance sink configuration.
type Invalidator interface {
	Invalidate(ctx context.Context, instance string) error
}

// TopologyForgetter releases broker bookkeeping of a removed instance.
type TopologyForgetter interface {
	Forget(instance string)
}

type RegistryDeps struct {
	Protocols *protocol.Registry
	Auth      *authstate.Manager
	Repos     *repository.Repositories
	Publisher session.Publisher
	Configs   Invalidator
	Topology  TopologyForgetter
	Session   session.Config
	Logger    *slog.Logger
}

// CreateOptions configure a new live session.
type CreateOptions struct {
	Integration string
	Number      string
	Settings    repository.Settings
}

type entry struct {
	session *session.Session
	opts    CreateOptions
	gen     uint64
	timer   *time.Timer
}

type Registry struct {
	deps   RegistryDeps
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	nextGen uint64

	cronMu sync.Mutex
	cron   *cron.Cron
}

func NewRegistry(deps RegistryDeps) *Registry {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		deps:    deps,
		logger:  log.With(slog.String("component", "instance_registry")),
		entries: make(map[string]*entry),
	}
}

// Create starts a session for a new instance. It fails when the name is
// invalid, already live, or already persisted.
func (r *Registry) Create(ctx context.Context, name string, opts CreateOptions) (*session.Session, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if r.deps.Repos != nil {
		_, ok, err := r.deps.Repos.Instances.Find(ctx, name, repository.SingletonID)
		if err != nil {
			return nil, fmt.Errorf("lookup instance %s: %w", name, err)
		}
		if ok {
			return nil, fmt.Errorf("%w: %s", ErrInstanceExists, name)
		}
	}
	return r.spawn(name, opts)
}

func (r *Registry) spawn(name string, opts CreateOptions) (*session.Session, error) {
	factory, err := r.deps.Protocols.Resolve(opts.Integration)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIntegration, err)
	}
	opts.Integration = factory.Descriptor().Variant.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceExists, name)
	}
	s := r.newSession(name, factory, opts)
	r.nextGen++
	r.entries[name] = &entry{session: s, opts: opts, gen: r.nextGen}
	metrics.SessionsLive.Inc()
	r.logger.Info("instance created", slog.String("instance", name), slog.String("integration", opts.Integration))
	return s, nil
}

func (r *Registry) newSession(name string, factory protocol.Factory, opts CreateOptions) *session.Session {
	var auth *authstate.Store
	if r.deps.Auth != nil {
		auth = r.deps.Auth.For(name)
	}
	return session.New(session.Params{
		Name:        name,
		PhoneNumber: opts.Number,
		Factory:     factory,
		Auth:        auth,
		Repos:       r.deps.Repos,
		Publisher:   r.deps.Publisher,
		Remover:     r,
		Settings:    opts.Settings,
		Config:      r.deps.Session,
		Logger:      r.logger,
	})
}

func (r *Registry) Get(name string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Names lists live instances in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Name  string
	State session.State
}

func (r *Registry) List(filter ListFilter) []session.Snapshot {
	out := make([]session.Snapshot, 0)
	for _, name := range r.Names() {
		if filter.Name != "" && !strings.EqualFold(filter.Name, name) {
			continue
		}
		s, ok := r.Get(name)
		if !ok {
			continue
		}
		snap := s.Snapshot()
		if filter.State != "" && snap.State != filter.State {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// Remove closes the live session and deletes everything stored for name.
// Removing an unknown name is a no-op.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if ok {
		r.detachLocked(name, e)
	}
	r.mu.Unlock()
	return r.cleanup(ctx, name, e, ok)
}

func (r *Registry) detachLocked(name string, e *entry) {
	delete(r.entries, name)
	if e.timer != nil {
		e.timer.Stop()
	}
}

func (r *Registry) cleanup(ctx context.Context, name string, e *entry, ok bool) error {
	if ok {
		e.session.Close()
		metrics.SessionsLive.Dec()
	}

	var errs []error
	if r.deps.Auth != nil {
		if err := r.deps.Auth.Drop(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("drop auth state: %w", err))
		}
	}
	if r.deps.Repos != nil {
		if err := r.deps.Repos.DropInstance(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	if r.deps.Configs != nil {
		if err := r.deps.Configs.Invalidate(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("invalidate configs: %w", err))
		}
	}
	if r.deps.Topology != nil {
		r.deps.Topology.Forget(name)
	}
	if r.deps.Protocols != nil {
		for _, rel := range r.deps.Protocols.Releasers() {
			if err := rel.Release(ctx, name); err != nil {
				errs = append(errs, fmt.Errorf("release protocol resources: %w", err))
			}
		}
	}
	if ok {
		r.logger.Info("instance removed", slog.String("instance", name))
	}
	return errors.Join(errs...)
}

// RemoveInstance lets a session tear down its own instance. It is a no-op
// when s is no longer the live session of its name, so a restart or
// re-create that raced the request survives.
func (r *Registry) RemoveInstance(ctx context.Context, s *session.Session, reason string) {
	name := s.Name()
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok || e.session != s {
		r.mu.Unlock()
		r.logger.Info("stale teardown ignored", slog.String("instance", name), slog.String("reason", reason))
		return
	}
	r.detachLocked(name, e)
	r.mu.Unlock()
	if err := r.cleanup(ctx, name, e, true); err != nil {
		r.logger.Error("instance teardown failed",
			slog.String("instance", name),
			slog.String("reason", reason),
			slog.Any("error", err),
		)
		return
	}
	r.logger.Info("instance torn down", slog.String("instance", name), slog.String("reason", reason))
}

// Restart replaces the live session of name with a fresh one and connects it.
func (r *Registry) Restart(ctx context.Context, name string) (*session.Session, error) {
	r.mu.Lock()
	old, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, name)
	}
	factory, err := r.deps.Protocols.Resolve(old.opts.Integration)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrInvalidIntegration, err)
	}
	if old.timer != nil {
		old.timer.Stop()
	}
	opts := old.opts
	opts.Settings = old.session.Settings()
	s := r.newSession(name, factory, opts)
	r.nextGen++
	r.entries[name] = &entry{session: s, opts: opts, gen: r.nextGen}
	r.mu.Unlock()

	old.session.Close()
	if _, err := s.Connect(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// Reload recreates and reconnects a session for every persisted instance
// that is not live yet.
func (r *Registry) Reload(ctx context.Context) error {
	if r.deps.Repos == nil {
		return nil
	}
	names, err := r.deps.Repos.InstanceNames(ctx)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	restored := 0
	for _, name := range names {
		if _, ok := r.Get(name); ok {
			continue
		}
		rec, ok, err := r.deps.Repos.Instances.Find(ctx, name, repository.SingletonID)
		if err != nil || !ok {
			r.logger.Warn("skip instance without record", slog.String("instance", name), slog.Any("error", err))
			continue
		}
		settings, _, err := r.deps.Repos.Settings.Find(ctx, name, repository.SingletonID)
		if err != nil {
			r.logger.Warn("load settings failed", slog.String("instance", name), slog.Any("error", err))
		}
		s, err := r.spawn(name, CreateOptions{Integration: rec.Integration, Number: rec.Number, Settings: settings})
		if err != nil {
			r.logger.Error("restore instance failed", slog.String("instance", name), slog.Any("error", err))
			continue
		}
		restored++
		if _, err := s.Connect(ctx); err != nil {
			r.logger.Warn("reconnect on reload failed", slog.String("instance", name), slog.Any("error", err))
		}
	}
	r.logger.Info("instances reloaded", slog.Int("restored", restored))
	return nil
}

// ScheduleIdleEviction arms the idle timer of name. afterMinutes <= 0
// disarms it.
func (r *Registry) ScheduleIdleEviction(name string, afterMinutes int) {
	r.scheduleEviction(name, time.Duration(afterMinutes)*time.Minute)
}

func (r *Registry) scheduleEviction(name string, after time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if after <= 0 {
		return
	}
	gen := e.gen
	e.timer = time.AfterFunc(after, func() { r.evict(name, gen) })
}

// evict is a no-op when the entry was replaced since the timer was armed.
func (r *Registry) evict(name string, gen uint64) {
	r.mu.RLock()
	e, ok := r.entries[name]
	current := ok && e.gen == gen
	r.mu.RUnlock()
	if !current {
		return
	}
	ctx := context.Background()
	if !e.session.Evict(ctx) {
		return
	}
	r.logger.Info("idle instance evicted", slog.String("instance", name))
	if err := r.Remove(ctx, name); err != nil {
		r.logger.Error("evict cleanup failed", slog.String("instance", name), slog.Any("error", err))
	}
}

// StartSweep runs the transient auth key sweep on schedule.
func (r *Registry) StartSweep(schedule string) error {
	if schedule == "" {
		schedule = "@hourly"
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { r.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("schedule auth sweep: %w", err)
	}
	r.cronMu.Lock()
	if r.cron != nil {
		r.cron.Stop()
	}
	r.cron = c
	r.cronMu.Unlock()
	c.Start()
	return nil
}

// Sweep purges transient auth keys of every live instance.
func (r *Registry) Sweep(ctx context.Context) int {
	if r.deps.Auth == nil {
		return 0
	}
	n := r.deps.Auth.Sweep(ctx, r.Names())
	metrics.AuthKeysPurged.Add(float64(n))
	return n
}

// Close stops the sweep and every live session. Stored data is kept.
func (r *Registry) Close() {
	r.cronMu.Lock()
	if r.cron != nil {
		<-r.cron.Stop().Done()
		r.cron = nil
	}
	r.cronMu.Unlock()

	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
	for _, e := range entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.session.Close()
		metrics.SessionsLive.Dec()
	}
}
