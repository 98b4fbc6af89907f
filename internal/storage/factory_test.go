package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStoreFile(t *testing.T) {
	store, err := NewStore(context.Background(), Config{Backend: "file", DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, ok := store.(*FileBackend)
	assert.True(t, ok)
}

func TestNewStoreDefaultsToFile(t *testing.T) {
	store, err := NewStore(context.Background(), Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, ok := store.(*FileBackend)
	assert.True(t, ok)
}

func TestNewStoreUnknownBackend(t *testing.T) {
	_, err := NewStore(context.Background(), Config{Backend: "etcd"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage backend")
}
