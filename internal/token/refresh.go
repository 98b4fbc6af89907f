package token

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// 批量刷新配置
const (
	refreshBatchSize   = 10
	refreshConcurrency = 5
	refreshBatchDelay  = time.Second
	refreshRetryWait   = 500 * time.Millisecond
	refreshMaxRetries  = 2
)

// RefreshSummary reports one reconciliation pass over cooling tokens.
type RefreshSummary struct {
	Checked   int `json:"checked"`
	Refreshed int `json:"refreshed"`
	Recovered int `json:"recovered"` // quota went 0 -> positive
	Expired   int `json:"expired"`   // still 401 after retries
}

// RefreshCoolingTokens reconciles every cooling token that has not been
// synced within interval against the upstream authority. Quota truth comes
// back via UpdateQuota; tokens that keep answering 401 after retries are
// expired. All changes persist in one immediate write at the end.
func (m *Manager) RefreshCoolingTokens(ctx context.Context, interval time.Duration) (RefreshSummary, error) {
	var summary RefreshSummary
	if m.usage == nil {
		return summary, nil
	}

	m.mu.RLock()
	var toRefresh []string
	for _, pool := range m.pools {
		for _, info := range pool.List() {
			if info.NeedRefresh(interval) {
				toRefresh = append(toRefresh, info.Token)
			}
		}
	}
	m.mu.RUnlock()

	summary.Checked = len(toRefresh)
	if len(toRefresh) == 0 {
		log.Debug("token manager: no tokens need refresh")
		return summary, nil
	}
	log.Infof("token manager: found %d cooling tokens to refresh", len(toRefresh))

	sem := semaphore.NewWeighted(refreshConcurrency)
	var statMu sync.Mutex

	for start := 0; start < len(toRefresh); start += refreshBatchSize {
		if ctx.Err() != nil {
			break
		}
		end := start + refreshBatchSize
		if end > len(toRefresh) {
			end = len(toRefresh)
		}
		batch := toRefresh[start:end]

		var wg sync.WaitGroup
		for _, secret := range batch {
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
			wg.Add(1)
			go func(secret string) {
				defer wg.Done()
				defer sem.Release(1)
				recovered, expired, ok := m.refreshOne(ctx, secret)
				statMu.Lock()
				if ok {
					summary.Refreshed++
				}
				if recovered {
					summary.Recovered++
				}
				if expired {
					summary.Expired++
				}
				statMu.Unlock()
			}(secret)
		}
		wg.Wait()

		// 批次间延迟
		if end < len(toRefresh) {
			select {
			case <-ctx.Done():
			case <-time.After(refreshBatchDelay):
			}
		}
	}

	if err := m.saveNow(context.WithoutCancel(ctx)); err != nil {
		log.WithError(err).Error("token manager: failed to persist refresh results")
		return summary, err
	}

	log.Infof("token manager: refresh completed, checked=%d refreshed=%d recovered=%d expired=%d",
		summary.Checked, summary.Refreshed, summary.Recovered, summary.Expired)
	return summary, ctx.Err()
}

// refreshOne queries the authority for a single token, retrying up to
// refreshMaxRetries times on auth failures (transient 401 glitches are
// common). A token answering 401 past the retries is forced to expired. Any
// other failure stamps the token synced so the next cycle does not hammer it.
func (m *Manager) refreshOne(ctx context.Context, secret string) (recovered, expired, refreshed bool) {
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			// cancelled mid-cycle: count as not refreshed, no mutation
			return false, false, false
		}

		remaining, err := m.usage.QueryRemaining(ctx, secret, "")
		if err == nil {
			m.mu.Lock()
			info := m.findLocked(secret)
			if info == nil {
				m.mu.Unlock()
				return false, false, false
			}
			oldQuota := info.Quota
			oldStatus := info.Status
			info.UpdateQuota(remaining)
			info.MarkSynced()
			newStatus := info.Status
			m.mu.Unlock()

			log.Infof("token manager: token %s refreshed %d -> %d, status %s -> %s",
				redact(secret), oldQuota, remaining, oldStatus, newStatus)
			return oldQuota == 0 && remaining > 0, false, true
		}

		if !IsAuthFailure(err) {
			log.WithError(err).Warnf("token manager: token %s refresh failed", redact(secret))
			m.markSynced(secret)
			return false, false, false
		}

		if attempt < refreshMaxRetries {
			log.Warnf("token manager: token %s 401 on refresh, retry %d/%d",
				redact(secret), attempt+1, refreshMaxRetries)
			select {
			case <-ctx.Done():
				return false, false, false
			case <-time.After(refreshRetryWait):
			}
			continue
		}

		log.Errorf("token manager: token %s still 401 after %d retries, marking expired",
			redact(secret), refreshMaxRetries)
		m.mu.Lock()
		if info := m.findLocked(secret); info != nil {
			info.Status = StatusExpired
			info.MarkSynced()
		}
		m.mu.Unlock()
		return false, true, false
	}
}

func (m *Manager) markSynced(secret string) {
	m.mu.Lock()
	if info := m.findLocked(secret); info != nil {
		info.MarkSynced()
	}
	m.mu.Unlock()
}
