package storage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapArrayRoundTrip(t *testing.T) {
	t.Parallel()
	in := json.RawMessage(`[{"keyId":1},{"keyId":2}]`)
	wrapped, err := WrapArray("creds", in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"_id":"creds","content_array":[{"keyId":1},{"keyId":2}]}`, string(wrapped))

	out, err := UnwrapArray("creds", wrapped)
	require.NoError(t, err)
	assert.JSONEq(t, string(in), string(out))
}

func TestWrapArrayPassesObjectsThrough(t *testing.T) {
	t.Parallel()
	in := json.RawMessage(`{"me":{"id":"123@s.whatsapp.net"}}`)
	wrapped, err := WrapArray("creds", in)
	require.NoError(t, err)
	assert.Equal(t, string(in), string(wrapped))

	out, err := UnwrapArray("creds", wrapped)
	require.NoError(t, err)
	assert.Equal(t, string(in), string(out))
}

func TestUnwrapIgnoresForeignEnvelope(t *testing.T) {
	t.Parallel()
	in := json.RawMessage(`{"_id":"other","content_array":[1]}`)
	out, err := UnwrapArray("creds", in)
	require.NoError(t, err)
	assert.Equal(t, string(in), string(out))
}
