package storage

import (
	"context"
	"time"

	"github.com/tidwall/gjson"
)

// recordKey extracts the bare secret used to key a record in per-token
// layouts (redis hash fields, SQL primary keys, mongo _id).
func recordKey(rec Record) string {
	return gjson.GetBytes(rec, "token").String()
}

// pollLock retries a non-blocking tryAcquire until it succeeds or the
// timeout elapses. A zero timeout performs exactly one try. Shared by
// backends whose native lock primitive is try-style (flock, pg advisory,
// mongo lock documents).
func pollLock(ctx context.Context, timeout time.Duration, tryAcquire func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := tryAcquire()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
