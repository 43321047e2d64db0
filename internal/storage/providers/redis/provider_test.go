package redis

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/storage"
)

func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("skip redis storage test: TEST_REDIS_ADDR is not set")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	p := New(client, "test-"+uuid.NewString()+":instance")

	cases := map[string]json.RawMessage{
		"creds":     json.RawMessage(`[{"registrationId":42}]`),
		"pre-key-7": json.RawMessage(`{"public":"AA=="}`),
	}
	for k, v := range cases {
		require.NoError(t, p.Write(ctx, "acme", k, v))
	}
	for k, v := range cases {
		got, err := p.Read(ctx, "acme", k)
		require.NoError(t, err)
		assert.JSONEq(t, string(v), string(got))
	}

	ns, err := p.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, ns)

	require.NoError(t, p.Drop(ctx, "acme"))
	require.NoError(t, p.Drop(ctx, "acme"))
	_, err = p.Read(ctx, "acme", "creds")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
