package token

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"grok2api-go/internal/storage"
)

// DefaultPoolName is the tier used when callers do not name a pool.
const DefaultPoolName = "ssoBasic"

const (
	defaultSaveDelay      = 500 * time.Millisecond
	defaultLockTimeout    = 10 * time.Second
	defaultReloadInterval = 30 * time.Second
)

// saveLockName is the cross-instance critical section guarding snapshot writes.
const saveLockName = "tokens_save"

// UsageQuerier is the upstream rate-limit authority consumed by SyncUsage and
// the refresh scheduler.
type UsageQuerier interface {
	// QueryRemaining returns the authoritative remaining quota for a secret.
	QueryRemaining(ctx context.Context, secret, model string) (int, error)
}

// StatusCoder is implemented by upstream errors that carry an HTTP status,
// letting the manager distinguish auth failures from transient ones.
type StatusCoder interface {
	StatusCode() int
}

// IsAuthFailure reports whether an upstream error is a 401-class failure.
func IsAuthFailure(err error) bool {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode() == AuthFailureStatus
	}
	return false
}

// Options configures a Manager. Zero values fall back to the documented
// defaults so tests can shrink timings.
type Options struct {
	Store storage.Store
	Usage UsageQuerier // may be nil; SyncUsage then always falls back

	SaveDelay      time.Duration // debounce delay before a flush, default 500ms
	LockTimeout    time.Duration // named-lock timeout for flushes, default 10s
	ReloadInterval time.Duration // staleness bound for ReloadIfStale, default 30s; <0 disables
}

// Manager owns all token pools for one process. It is constructed once,
// injected into request handlers, and serializes every mutation; nothing else
// may touch a TokenInfo directly.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Pool

	store storage.Store
	usage UsageQuerier

	saveDelay      time.Duration
	lockTimeout    time.Duration
	reloadInterval time.Duration
	lastReloadAt   time.Time

	// debounced write-back state
	saveMu    sync.Mutex
	dirty     bool
	flushing  bool
	closed    bool
	stopCh    chan struct{}
	flushDone sync.WaitGroup

	// serializes actual snapshot writes
	writeMu sync.Mutex
}

// NewManager builds an unloaded manager; call Load before serving selections.
func NewManager(opts Options) *Manager {
	m := &Manager{
		pools:          make(map[string]*Pool),
		store:          opts.Store,
		usage:          opts.Usage,
		saveDelay:      opts.SaveDelay,
		lockTimeout:    opts.LockTimeout,
		reloadInterval: opts.ReloadInterval,
		stopCh:         make(chan struct{}),
	}
	if m.saveDelay <= 0 {
		m.saveDelay = defaultSaveDelay
	}
	if m.lockTimeout <= 0 {
		m.lockTimeout = defaultLockTimeout
	}
	if m.reloadInterval == 0 {
		m.reloadInterval = defaultReloadInterval
	}
	return m
}

// Load reads the full snapshot from storage and replaces the in-memory pools.
func (m *Manager) Load(ctx context.Context) error {
	snap, err := m.store.LoadTokens(ctx)
	if err != nil {
		return err
	}

	pools := make(map[string]*Pool, len(snap))
	total := 0
	for poolName, records := range snap {
		pool := NewPool(poolName)
		for _, rec := range records {
			var info TokenInfo
			if err := json.Unmarshal(rec, &info); err != nil {
				log.WithError(err).Warnf("token manager: skipping bad record in pool %q", poolName)
				continue
			}
			// 统一存储裸 token
			info.Token = StripPrefix(info.Token)
			if info.Token == "" {
				continue
			}
			pool.Add(&info)
			total++
		}
		pools[poolName] = pool
	}

	m.mu.Lock()
	m.pools = pools
	m.lastReloadAt = time.Now()
	m.mu.Unlock()

	log.Infof("token manager: loaded %d pools with %d tokens", len(pools), total)
	return nil
}

// ReloadIfStale refreshes the in-memory pools when the configured staleness
// bound has elapsed. This keeps multiple instances eventually consistent; the
// window in which two instances over-select the same token is accepted.
func (m *Manager) ReloadIfStale(ctx context.Context) error {
	if m.reloadInterval <= 0 {
		return nil
	}
	m.mu.RLock()
	stale := time.Since(m.lastReloadAt) >= m.reloadInterval
	m.mu.RUnlock()
	if !stale {
		return nil
	}
	return m.Load(ctx)
}

// GetToken selects an available token from the named pool and returns its
// bare secret. Selection is pure in-memory and never blocks on I/O.
func (m *Manager) GetToken(poolName string) (string, bool) {
	if poolName == "" {
		poolName = DefaultPoolName
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	pool, ok := m.pools[poolName]
	if !ok {
		log.Warnf("token manager: pool %q not found", poolName)
		return "", false
	}
	info := pool.Select()
	if info == nil {
		log.Warnf("token manager: no available token in pool %q", poolName)
		return "", false
	}
	return info.Token, true
}

// Consume applies a local quota estimate deduction and schedules a debounced
// write-back. Returns false if the secret is unknown (routine for concurrent
// add/remove races, not an error).
func (m *Manager) Consume(secret string, effort Effort) bool {
	raw := StripPrefix(secret)

	m.mu.Lock()
	info := m.findLocked(raw)
	if info == nil {
		m.mu.Unlock()
		log.Warnf("token manager: token %s not found for consumption", redact(raw))
		return false
	}
	consumed := info.Consume(effort)
	useCount := info.UseCount
	m.mu.Unlock()

	log.Debugf("token manager: token %s consumed %d quota, use_count=%d", redact(raw), consumed, useCount)
	m.scheduleSave()
	return true
}

// SyncUsage is the primary post-request accounting path: query the upstream
// authority for the real remaining quota, and only fall back to the local
// estimate when the authority is unreachable. The network call runs outside
// the pool lock.
func (m *Manager) SyncUsage(ctx context.Context, secret, model string, fallback Effort, consumeOnFail, isUsage bool) bool {
	raw := StripPrefix(secret)

	m.mu.RLock()
	known := m.findLocked(raw) != nil
	m.mu.RUnlock()
	if !known {
		log.Warnf("token manager: token %s not found for sync", redact(raw))
		return false
	}

	if m.usage != nil {
		remaining, err := m.usage.QueryRemaining(ctx, raw, model)
		if err == nil {
			m.mu.Lock()
			info := m.findLocked(raw)
			if info == nil {
				m.mu.Unlock()
				return false
			}
			oldQuota := info.Quota
			info.UpdateQuota(remaining)
			info.RecordSuccess(isUsage)
			useCount := info.UseCount
			m.mu.Unlock()

			log.Infof("token manager: token %s synced quota %d -> %d (use_count=%d)",
				redact(raw), oldQuota, remaining, useCount)
			m.scheduleSave()
			return true
		}
		log.WithError(err).Warnf("token manager: token %s sync failed, falling back to local estimate", redact(raw))
	}

	if !consumeOnFail {
		return false
	}
	return m.Consume(raw, fallback)
}

// RecordFail records an upstream failure against a token. Non-auth status
// codes are logged but never counted.
func (m *Manager) RecordFail(secret string, statusCode int, reason string) bool {
	raw := StripPrefix(secret)

	m.mu.Lock()
	info := m.findLocked(raw)
	if info == nil {
		m.mu.Unlock()
		log.Warnf("token manager: token %s not found for failure record", redact(raw))
		return false
	}
	info.RecordFail(statusCode, reason)
	failCount := info.FailCount
	m.mu.Unlock()

	if statusCode == AuthFailureStatus {
		log.Warnf("token manager: token %s recorded 401 failure (%d/%d): %s",
			redact(raw), failCount, FailThreshold, reason)
	} else {
		log.Infof("token manager: token %s non-401 error (%d): %s (not counted)",
			redact(raw), statusCode, reason)
	}
	m.scheduleSave()
	return true
}

// findLocked locates a token across all pools by bare secret. Caller holds m.mu.
func (m *Manager) findLocked(raw string) *TokenInfo {
	for _, pool := range m.pools {
		if info := pool.Get(raw); info != nil {
			return info
		}
	}
	return nil
}

// redact shortens secrets for logs.
func redact(secret string) string {
	if len(secret) <= 10 {
		return secret + "..."
	}
	return secret[:10] + "..."
}
