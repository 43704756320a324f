package syncclient_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncular/syncular-sub002/syncclient"
)

func TestDeriveAuthToken_DeterministicPerClient(t *testing.T) {
	secret := []byte("shared-secret-shared-secret-32b")

	a1, err := syncclient.DeriveAuthToken(secret, "client-a")
	require.NoError(t, err)
	a2, err := syncclient.DeriveAuthToken(secret, "client-a")
	require.NoError(t, err)
	assert.Equal(t, a1, a2, "same secret+clientId must derive the same token")

	b, err := syncclient.DeriveAuthToken(secret, "client-b")
	require.NoError(t, err)
	assert.NotEqual(t, a1, b, "different clientIds must derive different tokens")
}

func TestRealtimeClient_StateStartsDisconnected(t *testing.T) {
	rc := syncclient.NewRealtimeClient("ws://example.invalid/sync/ws", nil, nil)
	assert.Equal(t, syncclient.Disconnected, rc.State())
}
