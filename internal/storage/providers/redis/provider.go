// Package redis implements storage.Backend as one hash per namespace,
// keyed <prefix>:<namespace>, with one field per document key.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/storage"
)

const scanBatch = 200

type Provider struct {
	client goredis.UniversalClient
	prefix string
}

func New(client goredis.UniversalClient, prefix string) *Provider {
	return &Provider{client: client, prefix: strings.TrimSuffix(prefix, ":")}
}

func (p *Provider) hashKey(namespace string) string {
	return p.prefix + ":" + namespace
}

func (p *Provider) Read(ctx context.Context, namespace, key string) (json.RawMessage, error) {
	raw, err := p.client.HGet(ctx, p.hashKey(namespace), key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("hget: %w", err)
	}
	return json.RawMessage(raw), nil
}

func (p *Provider) Write(ctx context.Context, namespace, key string, value json.RawMessage) error {
	if err := p.client.HSet(ctx, p.hashKey(namespace), key, []byte(value)).Err(); err != nil {
		return fmt.Errorf("hset: %w", err)
	}
	return nil
}

func (p *Provider) Delete(ctx context.Context, namespace, key string) error {
	if err := p.client.HDel(ctx, p.hashKey(namespace), key).Err(); err != nil {
		return fmt.Errorf("hdel: %w", err)
	}
	return nil
}

func (p *Provider) Keys(ctx context.Context, namespace, prefix string) ([]string, error) {
	fields, err := p.client.HKeys(ctx, p.hashKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("hkeys: %w", err)
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if strings.HasPrefix(f, prefix) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (p *Provider) Namespaces(ctx context.Context) ([]string, error) {
	base := p.prefix + ":"
	iter := p.client.ScanType(ctx, 0, escapeGlob(base)+"*", scanBatch, "hash").Iterator()
	out := make([]string, 0)
	for iter.Next(ctx) {
		ns := strings.TrimPrefix(iter.Val(), base)
		if ns != "" && !strings.Contains(ns, ":") {
			out = append(out, ns)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func (p *Provider) Drop(ctx context.Context, namespace string) error {
	if err := p.client.Del(ctx, p.hashKey(namespace)).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
