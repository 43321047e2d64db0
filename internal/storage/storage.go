// Package storage defines the document backend shared by auth state and the
// repositories. Exactly one implementation is selected at startup.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by Read when the key is absent.
var ErrNotFound = errors.New("storage: not found")

// Backend stores JSON documents grouped by namespace. Namespaces map to a
// directory, a table partition or a redis hash depending on the provider.
type Backend interface {
	Read(ctx context.Context, namespace, key string) (json.RawMessage, error)
	Write(ctx context.Context, namespace, key string, value json.RawMessage) error
	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, namespace, key string) error
	Keys(ctx context.Context, namespace, prefix string) ([]string, error)
	Namespaces(ctx context.Context) ([]string, error)
	// Drop removes the namespace and everything in it. Missing namespaces are not an error.
	Drop(ctx context.Context, namespace string) error
}

const (
	wrapIDField    = "_id"
	wrapArrayField = "content_array"
)

type arrayEnvelope struct {
	ID           string          `json:"_id"`
	ContentArray json.RawMessage `json:"content_array"`
}

// WrapArray turns a top-level JSON array into an object document so that
// providers constrained to objects can store it. Other values pass through.
func WrapArray(key string, value json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return value, nil
	}
	return json.Marshal(arrayEnvelope{ID: key, ContentArray: trimmed})
}

// UnwrapArray reverses WrapArray. Objects that are not envelopes for key pass through.
func UnwrapArray(key string, value json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return value, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, err
	}
	if len(fields) != 2 {
		return value, nil
	}
	rawID, hasID := fields[wrapIDField]
	arr, hasArr := fields[wrapArrayField]
	if !hasID || !hasArr {
		return value, nil
	}
	var id string
	if err := json.Unmarshal(rawID, &id); err != nil || id != key {
		return value, nil
	}
	return arr, nil
}
