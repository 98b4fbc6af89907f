package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileBackend(t *testing.T) *FileBackend {
	t.Helper()
	fb := NewFileBackend(t.TempDir())
	require.NoError(t, fb.Initialize(context.Background()))
	return fb
}

func TestFileBackendLoadMissingFile(t *testing.T) {
	fb := newTestFileBackend(t)

	snap, err := fb.LoadTokens(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestFileBackendRoundTrip(t *testing.T) {
	fb := newTestFileBackend(t)
	ctx := context.Background()

	snap := Snapshot{
		"ssoBasic": {Record(`{"token":"secret-1","status":"active","quota":80}`)},
		"ssoPro":   {Record(`{"token":"secret-2","status":"cooling","quota":0}`)},
	}
	require.NoError(t, fb.SaveTokens(ctx, snap))

	got, err := fb.LoadTokens(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Len(t, got["ssoBasic"], 1)
	assert.Equal(t, "secret-1", recordKey(got["ssoBasic"][0]))
}

func TestFileBackendSaveReplacesSnapshot(t *testing.T) {
	fb := newTestFileBackend(t)
	ctx := context.Background()

	require.NoError(t, fb.SaveTokens(ctx, Snapshot{
		"ssoBasic": {Record(`{"token":"old"}`)},
	}))
	require.NoError(t, fb.SaveTokens(ctx, Snapshot{
		"ssoBasic": {Record(`{"token":"new"}`)},
	}))

	got, err := fb.LoadTokens(ctx)
	require.NoError(t, err)
	require.Len(t, got["ssoBasic"], 1)
	assert.Equal(t, "new", recordKey(got["ssoBasic"][0]))
}

func TestFileBackendCorruptFile(t *testing.T) {
	fb := newTestFileBackend(t)
	require.NoError(t, os.WriteFile(fb.tokenFile(), []byte("{broken"), 0o600))

	_, err := fb.LoadTokens(context.Background())
	require.Error(t, err)
	var serr *Error
	assert.ErrorAs(t, err, &serr)
}

func TestFileBackendNoTempFileLeftBehind(t *testing.T) {
	fb := newTestFileBackend(t)
	require.NoError(t, fb.SaveTokens(context.Background(), Snapshot{"ssoBasic": nil}))

	_, err := os.Stat(fb.tokenFile() + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFileBackendLockExclusion(t *testing.T) {
	fb := newTestFileBackend(t)
	ctx := context.Background()

	release, err := fb.AcquireLock(ctx, "tokens_save", time.Second)
	require.NoError(t, err)

	// flock is advisory per file descriptor owner; a second backend instance
	// models another process sharing the data directory
	other := NewFileBackend(fb.baseDir)
	_, err = other.AcquireLock(ctx, "tokens_save", 0)
	assert.ErrorIs(t, err, ErrLockNotAcquired, "non-blocking try must fail while held")

	release()
	release2, err := other.AcquireLock(ctx, "tokens_save", time.Second)
	require.NoError(t, err)
	release2()
}

func TestFileBackendLockTimeout(t *testing.T) {
	fb := newTestFileBackend(t)
	ctx := context.Background()

	release, err := fb.AcquireLock(ctx, "token_refresh", time.Second)
	require.NoError(t, err)
	defer release()

	other := NewFileBackend(fb.baseDir)
	start := time.Now()
	_, err = other.AcquireLock(ctx, "token_refresh", 150*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockNotAcquired)
	assert.Less(t, time.Since(start), time.Second, "timeout must bound the wait")
}

func TestFileBackendDistinctLockNames(t *testing.T) {
	fb := newTestFileBackend(t)
	ctx := context.Background()

	release1, err := fb.AcquireLock(ctx, "tokens_save", 0)
	require.NoError(t, err)
	defer release1()

	release2, err := fb.AcquireLock(ctx, "token_refresh", 0)
	require.NoError(t, err, "different names are independent critical sections")
	release2()
}

func TestPollLockRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pollLock(ctx, time.Second, func() (bool, error) { return false, nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileBackendHealth(t *testing.T) {
	fb := newTestFileBackend(t)
	assert.NoError(t, fb.Health(context.Background()))

	gone := NewFileBackend(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, gone.Health(context.Background()))
}
