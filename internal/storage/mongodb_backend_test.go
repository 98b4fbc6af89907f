package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Needs a reachable MongoDB; set GROK2API_TEST_MONGO_URI to run.
func newTestMongoBackend(t *testing.T) *MongoBackend {
	t.Helper()
	uri := os.Getenv("GROK2API_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("GROK2API_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	mb, err := NewMongoBackend(ctx, uri, "grok2api_test")
	require.NoError(t, err)
	require.NoError(t, mb.Initialize(ctx))
	t.Cleanup(func() { _ = mb.Close() })
	return mb
}

func TestMongoBackendRoundTrip(t *testing.T) {
	mb := newTestMongoBackend(t)
	ctx := context.Background()

	snap := Snapshot{
		"ssoBasic": {Record(`{"token":"mongo-secret-1","status":"active","quota":80}`)},
	}
	require.NoError(t, mb.SaveTokens(ctx, snap))

	got, err := mb.LoadTokens(ctx)
	require.NoError(t, err)
	require.Len(t, got["ssoBasic"], 1)
	assert.Equal(t, "mongo-secret-1", recordKey(got["ssoBasic"][0]))

	require.NoError(t, mb.SaveTokens(ctx, Snapshot{}))
	got, err = mb.LoadTokens(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMongoBackendLock(t *testing.T) {
	mb := newTestMongoBackend(t)
	ctx := context.Background()

	release, err := mb.AcquireLock(ctx, "token_refresh", 0)
	require.NoError(t, err)

	_, err = mb.AcquireLock(ctx, "token_refresh", 0)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	release()
	release2, err := mb.AcquireLock(ctx, "token_refresh", time.Second)
	require.NoError(t, err)
	release2()
}
