package token

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
)

// ErrTokenExists is returned by Add when the secret is already in the pool.
var ErrTokenExists = errors.New("token already exists")

// Add inserts a default-initialized token into the named pool (created lazily)
// and persists immediately: administrative changes must be durable before the
// call returns, not debounced.
func (m *Manager) Add(ctx context.Context, secret, poolName string) error {
	if poolName == "" {
		poolName = DefaultPoolName
	}
	raw := StripPrefix(secret)

	m.mu.Lock()
	pool, ok := m.pools[poolName]
	if !ok {
		pool = NewPool(poolName)
		m.pools[poolName] = pool
		log.Infof("token manager: pool %q created", poolName)
	}
	if pool.Get(raw) != nil {
		m.mu.Unlock()
		return ErrTokenExists
	}
	pool.Add(NewTokenInfo(raw))
	m.mu.Unlock()

	if err := m.saveNow(ctx); err != nil {
		return err
	}
	log.Infof("token manager: pool %q token added", poolName)
	return nil
}

// Remove deletes a token from whichever pool holds it and persists
// immediately. The bool reports whether the secret was found.
func (m *Manager) Remove(ctx context.Context, secret string) (bool, error) {
	raw := StripPrefix(secret)

	m.mu.Lock()
	removed := false
	for name, pool := range m.pools {
		if pool.Remove(raw) {
			log.Infof("token manager: pool %q token removed", name)
			removed = true
			break
		}
	}
	m.mu.Unlock()

	if !removed {
		log.Warn("token manager: token not found for removal")
		return false, nil
	}
	return true, m.saveNow(ctx)
}

// ResetAll restores every token to the default quota and persists immediately.
func (m *Manager) ResetAll(ctx context.Context) error {
	m.mu.Lock()
	count := 0
	for _, pool := range m.pools {
		for _, info := range pool.List() {
			info.Reset()
			count++
		}
	}
	m.mu.Unlock()

	log.Infof("token manager: reset all, %d tokens updated", count)
	return m.saveNow(ctx)
}

// ResetToken restores a single token and persists immediately.
func (m *Manager) ResetToken(ctx context.Context, secret string) (bool, error) {
	raw := StripPrefix(secret)

	m.mu.Lock()
	info := m.findLocked(raw)
	if info == nil {
		m.mu.Unlock()
		log.Warnf("token manager: token %s not found for reset", redact(raw))
		return false, nil
	}
	info.Reset()
	m.mu.Unlock()

	log.Infof("token manager: token %s reset", redact(raw))
	return true, m.saveNow(ctx)
}

// MarkAssetClear stamps the online-asset purge time for a token. Debounced;
// the field belongs to the media cache collaborator.
func (m *Manager) MarkAssetClear(secret string) bool {
	raw := StripPrefix(secret)

	m.mu.Lock()
	info := m.findLocked(raw)
	if info == nil {
		m.mu.Unlock()
		return false
	}
	info.MarkAssetClear()
	m.mu.Unlock()

	m.scheduleSave()
	return true
}

// Stats returns per-pool aggregates. Read-only, no I/O.
func (m *Manager) Stats() map[string]PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]PoolStats, len(m.pools))
	for name, pool := range m.pools {
		stats[name] = pool.Stats()
	}
	return stats
}

// PoolTokens returns clones of every token in the named pool.
func (m *Manager) PoolTokens(poolName string) []*TokenInfo {
	if poolName == "" {
		poolName = DefaultPoolName
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	pool, ok := m.pools[poolName]
	if !ok {
		return nil
	}
	list := pool.List()
	out := make([]*TokenInfo, 0, len(list))
	for _, info := range list {
		out = append(out, info.Clone())
	}
	return out
}
