package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeGlob(t *testing.T) {
	t.Parallel()
	assert.Equal(t, `evo:a\*b\?\[c\]`, escapeGlob("evo:a*b?[c]"))
}

func TestRedisPrefixScan(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("skip redis cache test: TEST_REDIS_ADDR is not set")
	}
	ctx := context.Background()
	prefix := "test-" + uuid.NewString()
	r, err := DialRedis(ctx, &redis.Options{Addr: addr}, prefix, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	eng := r.Module("instance")

	require.NoError(t, eng.Set(ctx, "x:a", 1, 0))
	require.NoError(t, eng.Set(ctx, "y:b", 1, 0))

	keys, err := eng.Keys(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"x:a"}, keys)

	n, err := eng.DeleteAll(ctx, "none")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = eng.DeleteAll(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
