package authstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/logger"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/storage/providers/filesystem"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	backend, err := filesystem.New(t.TempDir())
	require.NoError(t, err)
	return NewManager(backend, logger.Discard())
}

func TestRoundTripFilesystem(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newManager(t).For("acme")

	creds := []any{map[string]any{"registrationId": float64(42)}, map[string]any{"advSecretKey": "c2VjcmV0"}}
	require.NoError(t, s.Write(ctx, CredsKey, creds))
	key := map[string]any{"keyPair": map[string]any{"public": "AA==", "private": "BB=="}}
	require.NoError(t, s.Write(ctx, Key("pre-key", "1"), key))

	var gotCreds []any
	ok, err := s.ReadInto(ctx, CredsKey, &gotCreds)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, creds, gotCreds)

	var gotKey map[string]any
	ok, err = s.ReadInto(ctx, "pre-key-1", &gotKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key, gotKey)
}

func TestReadMissingReturnsNil(t *testing.T) {
	t.Parallel()
	raw, err := newManager(t).For("acme").Read(context.Background(), "session-x")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestRemoveAndClear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newManager(t)
	s := m.For("acme")
	require.NoError(t, s.Write(ctx, "pre-key-1", json.RawMessage(`{}`)))
	require.NoError(t, s.Remove(ctx, "pre-key-1"))
	require.NoError(t, s.Remove(ctx, "pre-key-1"))
	raw, err := s.Read(ctx, "pre-key-1")
	require.NoError(t, err)
	assert.Nil(t, raw)

	require.NoError(t, s.Write(ctx, CredsKey, json.RawMessage(`{"me":"x"}`)))
	instances, err := m.Instances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, instances)

	require.NoError(t, m.Drop(ctx, "acme"))
	instances, err = m.Instances(ctx)
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestSweepPurgesTransientPrefixesOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newManager(t)
	s := m.For("acme")
	for _, k := range []string{Key(EventBufferCategory, "a1"), Key(EventBufferCategory, "b2"), "identity-5511", "pre-key-1", CredsKey} {
		require.NoError(t, s.Write(ctx, k, json.RawMessage(`{}`)))
	}

	removed := m.Sweep(ctx, []string{"acme", "ghost"})
	assert.Equal(t, 2, removed)

	keys, err := s.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{CredsKey, "identity-5511", "pre-key-1"}, keys)
}

func TestUpdateCredsSerializesWriters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newManager(t).For("acme")
	require.NoError(t, s.Write(ctx, CredsKey, map[string]int{"counter": 0}))

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.UpdateCreds(ctx, func(current json.RawMessage) (any, error) {
				var c map[string]int
				if err := json.Unmarshal(current, &c); err != nil {
					return nil, fmt.Errorf("decode: %w", err)
				}
				c["counter"]++
				return c, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var got map[string]int
	ok, err := s.ReadInto(ctx, CredsKey, &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, writers, got["counter"])
}

func TestForReturnsSameStore(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	assert.Same(t, m.For("acme"), m.For("acme"))
	assert.NotSame(t, m.For("acme"), m.For("other"))
}

func TestWriteRejectsInvalidBytes(t *testing.T) {
	t.Parallel()
	err := newManager(t).For("acme").Write(context.Background(), "k", []byte("not json"))
	assert.Error(t, err)
}
