// Package filesystem implements storage.Backend as one JSON file per key:
// <root>/<namespace>/<sanitized-key>.json.
package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/storage"
)

const fileExt = ".json"

// Literal '%' and '_' are escaped first so that "__" always stands for '/'.
var (
	keyReplacer   = strings.NewReplacer("%", "%25", "_", "%5F", "/", "__", ":", "-")
	stemReplacer  = strings.NewReplacer("__", "/")
	escapeDecoder = strings.NewReplacer("%5F", "_", "%25", "%")
)

// SanitizeKey maps a logical key to its file name stem.
func SanitizeKey(key string) string {
	return keyReplacer.Replace(key)
}

// DecodeKey reverses SanitizeKey. Colons come back as dashes.
func DecodeKey(stem string) string {
	return escapeDecoder.Replace(stemReplacer.Replace(stem))
}

// Provider stores documents under a root directory.
type Provider struct {
	root string
}

// New creates the root directory if needed.
func New(root string) (*Provider, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	return &Provider{root: abs}, nil
}

func (p *Provider) Root() string {
	return p.root
}

func (p *Provider) Read(_ context.Context, namespace, key string) (json.RawMessage, error) {
	path, err := p.filePath(namespace, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("read file: %w", err)
	}
	return json.RawMessage(data), nil
}

func (p *Provider) Write(_ context.Context, namespace, key string, value json.RawMessage) error {
	path, err := p.filePath(namespace, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create namespace dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

func (p *Provider) Delete(_ context.Context, namespace, key string) error {
	path, err := p.filePath(namespace, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// Keys lists keys starting with prefix. Colons in stored keys come back as
// dashes.
func (p *Provider) Keys(_ context.Context, namespace, prefix string) ([]string, error) {
	dir, err := p.namespaceDir(namespace)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read namespace dir: %w", err)
	}
	want := strings.ReplaceAll(prefix, ":", "-")
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		key := DecodeKey(strings.TrimSuffix(name, fileExt))
		if strings.HasPrefix(key, want) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *Provider) Namespaces(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read root: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (p *Provider) Drop(_ context.Context, namespace string) error {
	dir, err := p.namespaceDir(namespace)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove namespace dir: %w", err)
	}
	return nil
}

func (p *Provider) namespaceDir(namespace string) (string, error) {
	ns := strings.TrimSpace(namespace)
	if ns == "" || ns == "." || ns == ".." || strings.ContainsAny(ns, `/\`) {
		return "", fmt.Errorf("invalid namespace: %q", namespace)
	}
	joined := filepath.Join(p.root, ns)
	if !strings.HasPrefix(joined, p.root+string(filepath.Separator)) {
		return "", fmt.Errorf("namespace escapes root: %q", namespace)
	}
	return joined, nil
}

func (p *Provider) filePath(namespace, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("invalid storage key: %q", key)
	}
	dir, err := p.namespaceDir(namespace)
	if err != nil {
		return "", err
	}
	name := SanitizeKey(key)
	if name == "." || name == ".." || strings.ContainsAny(name, `\`) {
		return "", fmt.Errorf("invalid storage key: %q", key)
	}
	return filepath.Join(dir, name+fileExt), nil
}
