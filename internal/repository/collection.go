// Package repository provides typed per-instance collections over the
// configured storage.Backend.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/storage"
)

var (
	ErrNotFound = errors.New("repository: not found")
	ErrExists   = errors.New("repository: already exists")
)

const keySep = "/"

// Collection stores documents of type T under namespace = collection name and
// key = "<instance>/<id>".
type Collection[T any] struct {
	backend storage.Backend
	name    string
}

func NewCollection[T any](backend storage.Backend, name string) *Collection[T] {
	return &Collection[T]{backend: backend, name: name}
}

func (c *Collection[T]) Name() string {
	return c.name
}

func docKey(instance, id string) string {
	return instance + keySep + id
}

// Insert fails with ErrExists when the document is already present.
func (c *Collection[T]) Insert(ctx context.Context, instance, id string, doc T) error {
	if _, err := c.backend.Read(ctx, c.name, docKey(instance, id)); err == nil {
		return fmt.Errorf("%w: %s/%s", ErrExists, c.name, docKey(instance, id))
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return c.Upsert(ctx, instance, id, doc)
}

func (c *Collection[T]) Upsert(ctx context.Context, instance, id string, doc T) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.name, err)
	}
	return c.backend.Write(ctx, c.name, docKey(instance, id), raw)
}

// Find reports false without error when the document is absent.
func (c *Collection[T]) Find(ctx context.Context, instance, id string) (T, bool, error) {
	var doc T
	raw, err := c.backend.Read(ctx, c.name, docKey(instance, id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return doc, false, nil
		}
		return doc, false, err
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, false, fmt.Errorf("decode %s: %w", c.name, err)
	}
	return doc, true, nil
}

// FindAll returns every document of instance. Undecodable documents are skipped.
func (c *Collection[T]) FindAll(ctx context.Context, instance string) ([]T, error) {
	keys, err := c.backend.Keys(ctx, c.name, instance+keySep)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		raw, err := c.backend.Read(ctx, c.name, k)
		if err != nil {
			continue
		}
		var doc T
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

// Update loads the document, applies fn and writes it back.
func (c *Collection[T]) Update(ctx context.Context, instance, id string, fn func(*T) error) error {
	doc, ok, err := c.Find(ctx, instance, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, c.name, docKey(instance, id))
	}
	if err := fn(&doc); err != nil {
		return err
	}
	return c.Upsert(ctx, instance, id, doc)
}

func (c *Collection[T]) Delete(ctx context.Context, instance, id string) error {
	return c.backend.Delete(ctx, c.name, docKey(instance, id))
}

// DeleteInstance removes every document of instance.
func (c *Collection[T]) DeleteInstance(ctx context.Context, instance string) (int, error) {
	keys, err := c.backend.Keys(ctx, c.name, instance+keySep)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, k := range keys {
		if err := c.backend.Delete(ctx, c.name, k); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Instances lists the distinct instance names owning documents.
func (c *Collection[T]) Instances(ctx context.Context) ([]string, error) {
	keys, err := c.backend.Keys(ctx, c.name, "")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		name, _, ok := strings.Cut(k, keySep)
		if !ok || name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out, nil
}
