package sandbox

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	mu      sync.Mutex
	spawns  []SpawnRequest
	stops   []string
	failure error
}

func (f *fakeRuntime) Spawn(_ context.Context, req SpawnRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failure != nil {
		return f.failure
	}
	f.spawns = append(f.spawns, req)
	return nil
}

func (f *fakeRuntime) Stop(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failure != nil {
		return f.failure
	}
	f.stops = append(f.stops, sessionID)
	return nil
}

func (f *fakeRuntime) Status(context.Context, string) (string, error) {
	return StatusAbsent, nil
}

func newTestController(t *testing.T) (*Controller, *fakeRuntime) {
	t.Helper()
	rt := &fakeRuntime{}
	issuer := NewTokenIssuer("test-secret")
	c := NewController("sess-1", rt, issuer, nil, zerolog.New(os.Stderr))
	return c, rt
}

func TestController_SpawnLifecycle(t *testing.T) {
	c, rt := newTestController(t)
	ctx := context.Background()

	assert.Equal(t, StatusAbsent, c.Snapshot().Status)

	started, err := c.Spawn(ctx, SpawnRequest{RepoOwner: "acme", RepoName: "web-app"})
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, StatusWarming, c.Snapshot().Status)
	assert.True(t, c.WarmupPending())
	require.Len(t, rt.spawns, 1)
	assert.Equal(t, "sess-1", rt.spawns[0].SessionID)
	assert.NotEmpty(t, rt.spawns[0].AuthToken)

	c.MarkRunning()
	assert.True(t, c.Running())

	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, StatusStopped, c.Snapshot().Status)
	assert.Equal(t, []string{"sess-1"}, rt.stops)
}

func TestController_SpawnIdempotentWhileWarming(t *testing.T) {
	c, rt := newTestController(t)
	ctx := context.Background()

	started, err := c.Spawn(ctx, SpawnRequest{})
	require.NoError(t, err)
	assert.True(t, started)

	started, err = c.Spawn(ctx, SpawnRequest{})
	require.NoError(t, err)
	assert.False(t, started, "second spawn while warming must be a no-op")
	assert.Len(t, rt.spawns, 1)
}

func TestController_StoppedSandboxCanBeReplaced(t *testing.T) {
	c, rt := newTestController(t)
	ctx := context.Background()

	_, err := c.Spawn(ctx, SpawnRequest{})
	require.NoError(t, err)
	firstToken := c.AuthToken()
	c.MarkRunning()
	require.NoError(t, c.Stop(ctx))

	started, err := c.Spawn(ctx, SpawnRequest{})
	require.NoError(t, err)
	assert.True(t, started)
	assert.Len(t, rt.spawns, 2)
	assert.NotEqual(t, firstToken, c.AuthToken(), "replacement sandbox gets a fresh token")
}

func TestController_StopIsNoopWhenAbsentOrStopped(t *testing.T) {
	c, rt := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.Stop(ctx))
	assert.Empty(t, rt.stops)

	_, err := c.Spawn(ctx, SpawnRequest{})
	require.NoError(t, err)
	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))
	assert.Len(t, rt.stops, 1)
}

func TestController_SpawnFailureRevertsStatus(t *testing.T) {
	c, rt := newTestController(t)
	rt.failure = assert.AnError

	started, err := c.Spawn(context.Background(), SpawnRequest{})
	assert.Error(t, err)
	assert.False(t, started)
	assert.Equal(t, StatusAbsent, c.Snapshot().Status)
	assert.Empty(t, c.AuthToken())
}

func TestController_MarkRunningOnlyFromWarming(t *testing.T) {
	c, _ := newTestController(t)
	c.MarkRunning()
	assert.Equal(t, StatusAbsent, c.Snapshot().Status)
}
