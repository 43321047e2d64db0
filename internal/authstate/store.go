// Package authstate persists protocol credentials and signal key material per
// instance on top of a storage.Backend.
package authstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/storage"
)

// CredsKey is the reserved key holding the credentials blob.
const CredsKey = "creds"

// EventBufferCategory holds per-message decrypted event buffers. Losing them
// only risks reprocessing a redelivered message.
const EventBufferCategory = "event-buffer"

// TransientPrefixes are key families the periodic sweep may purge.
var TransientPrefixes = []string{EventBufferCategory + "-"}

// ErrEmptyKey is returned for blank keys.
var ErrEmptyKey = errors.New("authstate: key is required")

// Key builds the "<category>-<id>" key used for signal key entries.
func Key(category, id string) string {
	return category + "-" + id
}

// Store is the auth state of one instance. Writes to CredsKey are serialized.
type Store struct {
	backend  storage.Backend
	instance string
	credsMu  *sync.Mutex
}

func (s *Store) Instance() string {
	return s.instance
}

// Read returns nil without error when the key is absent.
func (s *Store) Read(ctx context.Context, key string) (json.RawMessage, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrEmptyKey
	}
	raw, err := s.backend.Read(ctx, s.instance, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s/%s: %w", s.instance, key, err)
	}
	return raw, nil
}

// ReadInto decodes the value at key into out and reports whether it existed.
func (s *Store) ReadInto(ctx context.Context, key string, out any) (bool, error) {
	raw, err := s.Read(ctx, key)
	if err != nil || raw == nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", s.instance, key, err)
	}
	return true, nil
}

func (s *Store) Write(ctx context.Context, key string, value any) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	raw, err := marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", s.instance, key, err)
	}
	if key == CredsKey {
		s.credsMu.Lock()
		defer s.credsMu.Unlock()
	}
	if err := s.backend.Write(ctx, s.instance, key, raw); err != nil {
		return fmt.Errorf("write %s/%s: %w", s.instance, key, err)
	}
	return nil
}

// UpdateCreds applies fn to the current credentials under the creds lock.
func (s *Store) UpdateCreds(ctx context.Context, fn func(current json.RawMessage) (any, error)) error {
	s.credsMu.Lock()
	defer s.credsMu.Unlock()
	current, err := s.Read(ctx, CredsKey)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	raw, err := marshal(next)
	if err != nil {
		return fmt.Errorf("encode %s/creds: %w", s.instance, err)
	}
	if err := s.backend.Write(ctx, s.instance, CredsKey, raw); err != nil {
		return fmt.Errorf("write %s/creds: %w", s.instance, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	if err := s.backend.Delete(ctx, s.instance, key); err != nil {
		return fmt.Errorf("remove %s/%s: %w", s.instance, key, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.backend.Keys(ctx, s.instance, prefix)
}

// Clear drops every key of the instance, credentials included.
func (s *Store) Clear(ctx context.Context) error {
	return s.backend.Drop(ctx, s.instance)
}

// Purge removes every key starting with one of prefixes and reports how many went.
func (s *Store) Purge(ctx context.Context, prefixes ...string) (int, error) {
	removed := 0
	var errs []error
	for _, prefix := range prefixes {
		keys, err := s.backend.Keys(ctx, s.instance, prefix)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, k := range keys {
			if err := s.backend.Delete(ctx, s.instance, k); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

func marshal(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("value is not valid JSON")
		}
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}

// Manager hands out one Store per instance over a shared backend.
type Manager struct {
	backend storage.Backend
	logger  *slog.Logger

	mu     sync.Mutex
	stores map[string]*Store
}

func NewManager(backend storage.Backend, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		backend: backend,
		logger:  log.With(slog.String("component", "authstate")),
		stores:  make(map[string]*Store),
	}
}

// For returns the store of instance, creating it on first use.
func (m *Manager) For(instance string) *Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stores[instance]; ok {
		return s
	}
	s := &Store{backend: m.backend, instance: instance, credsMu: &sync.Mutex{}}
	m.stores[instance] = s
	return s
}

// Instances lists every instance with persisted auth state.
func (m *Manager) Instances(ctx context.Context) ([]string, error) {
	return m.backend.Namespaces(ctx)
}

// Drop removes all auth state of instance and forgets its store.
func (m *Manager) Drop(ctx context.Context, instance string) error {
	m.mu.Lock()
	delete(m.stores, instance)
	m.mu.Unlock()
	return m.backend.Drop(ctx, instance)
}

// Sweep purges transient key families from every listed instance.
func (m *Manager) Sweep(ctx context.Context, instances []string) int {
	total := 0
	for _, name := range instances {
		n, err := m.For(name).Purge(ctx, TransientPrefixes...)
		total += n
		if err != nil {
			m.logger.Warn("auth state sweep failed",
				slog.String("instance", name),
				slog.Any("error", err),
			)
		}
	}
	if total > 0 {
		m.logger.Info("auth state sweep finished", slog.Int("removed", total))
	}
	return total
}
