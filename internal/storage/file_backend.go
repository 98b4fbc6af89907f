package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// FileBackend stores the token snapshot as a single JSON file with atomic
// tmp+rename writes. Named locks use flock on files under a .locks dir, so
// mutual exclusion holds across processes sharing the data directory.
type FileBackend struct {
	baseDir string
	mu      sync.Mutex // serializes writes within this process
}

// NewFileBackend creates a file-based storage backend rooted at baseDir.
func NewFileBackend(baseDir string) *FileBackend {
	return &FileBackend{baseDir: baseDir}
}

func (f *FileBackend) tokenFile() string {
	return filepath.Join(f.baseDir, "token.json")
}

func (f *FileBackend) lockDir() string {
	return filepath.Join(f.baseDir, ".locks")
}

func (f *FileBackend) Initialize(ctx context.Context) error {
	for _, dir := range []string{f.baseDir, f.lockDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &Error{Backend: "file", Op: "initialize", Err: fmt.Errorf("create directory %s: %w", dir, err)}
		}
	}
	return nil
}

func (f *FileBackend) Close() error { return nil }

func (f *FileBackend) Health(ctx context.Context) error {
	_, err := os.Stat(f.baseDir)
	return err
}

func (f *FileBackend) LoadTokens(ctx context.Context) (Snapshot, error) {
	data, err := os.ReadFile(f.tokenFile())
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return nil, &Error{Backend: "file", Op: "load", Err: err}
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &Error{Backend: "file", Op: "load", Err: err}
	}
	return snap, nil
}

func (f *FileBackend) SaveTokens(ctx context.Context, snap Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return &Error{Backend: "file", Op: "save", Err: err}
	}

	// 原子写操作: 写入临时文件 -> 重命名
	path := f.tokenFile()
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return &Error{Backend: "file", Op: "save", Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &Error{Backend: "file", Op: "save", Err: err}
	}
	return nil
}

// AcquireLock takes an exclusive flock on .locks/<name>.lock, polling in
// non-blocking mode until the timeout elapses.
func (f *FileBackend) AcquireLock(ctx context.Context, name string, timeout time.Duration) (func(), error) {
	if err := os.MkdirAll(f.lockDir(), 0o755); err != nil {
		return nil, &Error{Backend: "file", Op: "lock", Err: err}
	}
	path := filepath.Join(f.lockDir(), name+".lock")
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, &Error{Backend: "file", Op: "lock", Err: err}
	}

	err = pollLock(ctx, timeout, func() (bool, error) {
		lockErr := syscall.Flock(int(fd.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if lockErr == nil {
			return true, nil
		}
		if lockErr == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, &Error{Backend: "file", Op: "lock", Err: lockErr}
	})
	if err != nil {
		_ = fd.Close()
		return nil, err
	}

	release := func() {
		_ = syscall.Flock(int(fd.Fd()), syscall.LOCK_UN)
		_ = fd.Close()
	}
	return release, nil
}
