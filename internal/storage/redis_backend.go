package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// lockTTL bounds how long a crashed holder can pin a redis lock.
const lockTTL = 30 * time.Second

// releaseScript deletes the lock key only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// RedisBackend stores each pool as a hash (field = bare secret, value = record
// JSON) plus a set of pool names, and implements named locks with SET NX.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend creates a Redis storage backend.
func NewRedisBackend(addr, password string, db int, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "grok2api:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	return &RedisBackend{client: client, prefix: prefix}
}

// NewRedisBackendWithClient wraps an existing client (used by tests).
func NewRedisBackendWithClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "grok2api:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) poolsKey() string           { return r.prefix + "pools" }
func (r *RedisBackend) poolKey(name string) string { return r.prefix + "pool:" + name }
func (r *RedisBackend) lockKey(name string) string { return r.prefix + "lock:" + name }

func (r *RedisBackend) Initialize(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return &Error{Backend: "redis", Op: "initialize", Err: err}
	}
	return nil
}

func (r *RedisBackend) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *RedisBackend) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) LoadTokens(ctx context.Context) (Snapshot, error) {
	poolNames, err := r.client.SMembers(ctx, r.poolsKey()).Result()
	if err != nil {
		return nil, &Error{Backend: "redis", Op: "load", Err: err}
	}

	snap := make(Snapshot, len(poolNames))
	for _, name := range poolNames {
		fields, err := r.client.HGetAll(ctx, r.poolKey(name)).Result()
		if err != nil {
			return nil, &Error{Backend: "redis", Op: "load", Err: err}
		}
		records := make([]Record, 0, len(fields))
		for _, raw := range fields {
			records = append(records, Record(raw))
		}
		snap[name] = records
	}
	return snap, nil
}

func (r *RedisBackend) SaveTokens(ctx context.Context, snap Snapshot) error {
	existing, err := r.client.SMembers(ctx, r.poolsKey()).Result()
	if err != nil {
		return &Error{Backend: "redis", Op: "save", Err: err}
	}

	// union of old and new pool names; stale hashes must go
	allPools := make(map[string]struct{}, len(existing)+len(snap))
	for _, name := range existing {
		allPools[name] = struct{}{}
	}
	for name := range snap {
		allPools[name] = struct{}{}
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.poolsKey())
	for name := range allPools {
		pipe.Del(ctx, r.poolKey(name))
	}
	for name, records := range snap {
		pipe.SAdd(ctx, r.poolsKey(), name)
		if len(records) == 0 {
			continue
		}
		fields := make(map[string]interface{}, len(records))
		for _, rec := range records {
			key := recordKey(rec)
			if key == "" {
				continue
			}
			fields[key] = string(rec)
		}
		if len(fields) > 0 {
			pipe.HSet(ctx, r.poolKey(name), fields)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &Error{Backend: "redis", Op: "save", Err: err}
	}
	return nil
}

// AcquireLock implements a distributed lock with SET NX + TTL; release is a
// compare-and-delete so an expired lock taken over by another instance is
// never released by the old holder.
func (r *RedisBackend) AcquireLock(ctx context.Context, name string, timeout time.Duration) (func(), error) {
	key := r.lockKey(name)
	owner := uuid.NewString()

	err := pollLock(ctx, timeout, func() (bool, error) {
		ok, err := r.client.SetNX(ctx, key, owner, lockTTL).Result()
		if err != nil {
			return false, &Error{Backend: "redis", Op: "lock", Err: err}
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, r.client, []string{key}, owner).Err()
	}
	return release, nil
}
