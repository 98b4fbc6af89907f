package token

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"grok2api-go/internal/storage"
)

// scheduleSave marks the pools dirty and arms the debounced flush loop if it
// is not already running. Bursts of rapid mutations collapse into one write
// per delay window, bounding the write rate regardless of request volume.
func (m *Manager) scheduleSave() {
	m.saveMu.Lock()
	m.dirty = true
	if m.flushing || m.closed {
		m.saveMu.Unlock()
		return
	}
	m.flushing = true
	m.flushDone.Add(1)
	m.saveMu.Unlock()

	go m.flushLoop()
}

// flushLoop waits out the debounce delay, writes the snapshot if still dirty,
// and re-arms itself while new mutations keep arriving. On a storage failure
// the dirty flag is restored so the next mutation retries; the loop does not
// spin against a broken backend.
func (m *Manager) flushLoop() {
	defer m.flushDone.Done()
	for {
		select {
		case <-time.After(m.saveDelay):
		case <-m.stopCh:
		}

		m.saveMu.Lock()
		if !m.dirty || m.closed {
			m.flushing = false
			m.saveMu.Unlock()
			return
		}
		m.dirty = false
		m.saveMu.Unlock()

		if err := m.saveNow(context.Background()); err != nil {
			log.WithError(err).Error("token manager: debounced save failed")
			m.saveMu.Lock()
			m.dirty = true
			m.flushing = false
			m.saveMu.Unlock()
			return
		}
	}
}

// saveNow serializes all pools and replaces the stored snapshot under the
// cross-instance save lock. Used directly by administrative operations and by
// the flush loop.
func (m *Manager) saveNow(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	snap := m.snapshot()

	release, err := m.store.AcquireLock(ctx, saveLockName, m.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	return m.store.SaveTokens(ctx, snap)
}

// snapshot marshals every pool under the read lock. The whole snapshot is
// written each time; the persistence contract is replace, not merge.
func (m *Manager) snapshot() storage.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make(storage.Snapshot, len(m.pools))
	for name, pool := range m.pools {
		records := make([]storage.Record, 0, pool.Count())
		for _, info := range pool.List() {
			data, err := json.Marshal(info)
			if err != nil {
				log.WithError(err).Warnf("token manager: failed to marshal token %s", redact(info.Token))
				continue
			}
			records = append(records, data)
		}
		snap[name] = records
	}
	return snap
}

// Close flushes any pending debounced write and stops accepting new flush
// loops. A final write that cannot be completed is logged, not swallowed
// silently.
func (m *Manager) Close(ctx context.Context) error {
	m.saveMu.Lock()
	alreadyClosed := m.closed
	m.closed = true
	pending := m.dirty
	m.dirty = false
	m.saveMu.Unlock()

	if !alreadyClosed {
		close(m.stopCh)
	}
	m.flushDone.Wait()

	if pending {
		if err := m.saveNow(ctx); err != nil {
			log.WithError(err).Warn("token manager: dropping unflushed token state at shutdown")
			return err
		}
	}
	return nil
}

// Dirty reports whether mutations are awaiting a flush. Exposed for tests and
// observability.
func (m *Manager) Dirty() bool {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	return m.dirty
}
