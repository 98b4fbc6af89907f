package token

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"grok2api-go/internal/monitoring/tracing"
	"grok2api-go/internal/storage"
)

// refreshLockName is the cross-instance critical section guarding a refresh
// cycle; only one instance works per cycle.
const refreshLockName = "token_refresh"

// DefaultRefreshInterval is how often cooling tokens are reconciled.
const DefaultRefreshInterval = 8 * time.Hour

// Scheduler periodically drives the manager's cooling-token reconciliation.
// Cycles are serialized across instances with a non-blocking named lock:
// refresh is idempotent, so losing the race is a skip, not a failure.
type Scheduler struct {
	manager  *Manager
	store    storage.Store
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewScheduler builds a stopped scheduler. A non-positive interval falls back
// to the 8 hour default.
func NewScheduler(manager *Manager, store storage.Store, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Scheduler{manager: manager, store: store, interval: interval}
}

// Start launches the recurring refresh loop. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		log.Warn("token scheduler: already running")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx)
	log.Infof("token scheduler: started (interval %s)", s.interval)
}

// Stop cancels the loop and waits for an in-flight cycle to unwind.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	log.Info("token scheduler: stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("token scheduler: refresh cycle failed")
			}
		}
	}
}

// RunOnce executes a single refresh cycle. When another instance holds the
// refresh lock the cycle is skipped entirely and reports zero work; that is
// a normal outcome, not an error.
func (s *Scheduler) RunOnce(ctx context.Context) (RefreshSummary, error) {
	ctx, span := tracing.StartSpan(ctx, "token", "Scheduler.RunOnce")
	defer span.End()

	release, err := s.store.AcquireLock(ctx, refreshLockName, 0)
	if err != nil {
		if errors.Is(err, storage.ErrLockNotAcquired) {
			log.Info("token scheduler: skipped cycle (lock held by another instance)")
			return RefreshSummary{}, nil
		}
		return RefreshSummary{}, err
	}
	defer release()

	log.Info("token scheduler: starting token refresh")
	summary, err := s.manager.RefreshCoolingTokens(ctx, s.interval)
	if err != nil {
		return summary, err
	}
	span.SetAttributes(
		tracing.CheckedAttr(summary.Checked),
		tracing.RecoveredAttr(summary.Recovered),
		tracing.ExpiredAttr(summary.Expired),
	)
	log.Infof("token scheduler: refresh completed, checked=%d refreshed=%d recovered=%d expired=%d",
		summary.Checked, summary.Refreshed, summary.Recovered, summary.Expired)
	return summary, nil
}
