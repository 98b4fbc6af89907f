package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Needs a reachable PostgreSQL; set GROK2API_TEST_POSTGRES_DSN to run.
func newTestPostgresBackend(t *testing.T) *PostgresBackend {
	t.Helper()
	dsn := os.Getenv("GROK2API_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GROK2API_TEST_POSTGRES_DSN not set")
	}
	pb, err := NewPostgresBackend(dsn)
	require.NoError(t, err)
	require.NoError(t, pb.Initialize(context.Background()))
	t.Cleanup(func() { _ = pb.Close() })
	return pb
}

func TestPostgresBackendRoundTrip(t *testing.T) {
	pb := newTestPostgresBackend(t)
	ctx := context.Background()

	snap := Snapshot{
		"ssoBasic": {Record(`{"token":"pg-secret-1","status":"active","quota":80}`)},
	}
	require.NoError(t, pb.SaveTokens(ctx, snap))

	got, err := pb.LoadTokens(ctx)
	require.NoError(t, err)
	require.Len(t, got["ssoBasic"], 1)
	assert.Equal(t, "pg-secret-1", recordKey(got["ssoBasic"][0]))

	require.NoError(t, pb.SaveTokens(ctx, Snapshot{}))
	got, err = pb.LoadTokens(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPostgresBackendAdvisoryLock(t *testing.T) {
	pb := newTestPostgresBackend(t)
	ctx := context.Background()

	release, err := pb.AcquireLock(ctx, "token_refresh", 0)
	require.NoError(t, err)

	_, err = pb.AcquireLock(ctx, "token_refresh", 0)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	release()
	release2, err := pb.AcquireLock(ctx, "token_refresh", time.Second)
	require.NoError(t, err)
	release2()
}

func TestAdvisoryKeyIsStable(t *testing.T) {
	assert.Equal(t, advisoryKey("tokens_save"), advisoryKey("tokens_save"))
	assert.NotEqual(t, advisoryKey("tokens_save"), advisoryKey("token_refresh"))
}
