// Package cache implements the two-tier key-value store used across the
// pipeline: an in-process map with TTLs, optionally fronted by a remote
// redis tier. Remote failures never fail a caller; every operation falls
// back silently to the in-process map.
//
// The store carries reasoner plans, detail hydration entries, provider
// cooldown state, circuit-breaker state, rate buckets, distributed locks
// and stale-result recall bundles.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options configures the store. A zero Options gives a memory-only store.
type Options struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// MaxEntries bounds the in-process map; the oldest entry is evicted
	// when full. Zero means 4096.
	MaxEntries int
}

// Store is safe for concurrent use. Locks are held only across map
// operations, never across network calls.
type Store struct {
	log *zap.Logger
	rdb *redis.Client

	mu         sync.RWMutex
	entries    map[string]entry
	maxEntries int

	lockMu sync.Mutex
	locks  map[string]lockEntry
}

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
	storedAt  time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type lockEntry struct {
	owner     string
	expiresAt time.Time
}

// New builds a store. When opts.RedisAddr is empty the remote tier is
// disabled and every operation is served from the in-process map.
func New(opts Options, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	s := &Store{
		log:        log,
		entries:    make(map[string]entry),
		maxEntries: maxEntries,
		locks:      make(map[string]lockEntry),
	}
	if opts.RedisAddr != "" {
		s.rdb = redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
	}
	return s
}

// Close releases the remote client, if any.
func (s *Store) Close() error {
	if s.rdb != nil {
		return s.rdb.Close()
	}
	return nil
}

// Remote reports whether the remote tier is configured.
func (s *Store) Remote() bool { return s.rdb != nil }

// =============================================================================
// STRING OPERATIONS
// =============================================================================

// GetString returns the value for key and whether it was present. Remote
// misses are authoritative; remote errors fall back to the local tier.
func (s *Store) GetString(ctx context.Context, key string) (string, bool) {
	if s.rdb != nil {
		val, err := s.rdb.Get(ctx, key).Result()
		switch {
		case err == nil:
			return val, true
		case errors.Is(err, redis.Nil):
			s.deleteLocal(key)
			return "", false
		default:
			s.log.Debug("cache remote get failed, using local tier",
				zap.String("key", key), zap.Error(err))
		}
	}
	return s.getLocal(key)
}

// SetString stores value under key. ttl <= 0 stores without expiry. The
// local tier is always written so a remote outage keeps the value visible.
func (s *Store) SetString(ctx context.Context, key, value string, ttl time.Duration) {
	s.setLocal(key, value, ttl)
	if s.rdb != nil {
		if err := s.rdb.Set(ctx, key, value, normalizeTTL(ttl)).Err(); err != nil {
			s.log.Debug("cache remote set failed",
				zap.String("key", key), zap.Error(err))
		}
	}
}

// Del removes key from both tiers.
func (s *Store) Del(ctx context.Context, key string) {
	s.deleteLocal(key)
	if s.rdb != nil {
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			s.log.Debug("cache remote del failed",
				zap.String("key", key), zap.Error(err))
		}
	}
}

// =============================================================================
// SERIALISED VALUES
// =============================================================================

// GetValue unmarshals the JSON stored under key into out.
func (s *Store) GetValue(ctx context.Context, key string, out any) (bool, error) {
	raw, ok := s.GetString(ctx, key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		// A corrupt entry is as good as absent; drop it.
		s.Del(ctx, key)
		return false, err
	}
	return true, nil
}

// SetValue marshals v as JSON and stores it under key.
func (s *Store) SetValue(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.SetString(ctx, key, string(raw), ttl)
	return nil
}

// =============================================================================
// COUNTERS
// =============================================================================

// Increment atomically adds one to the counter at key and returns the new
// value. When the counter is freshly created its TTL is set to ttl.
func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) int64 {
	if s.rdb != nil {
		n, err := s.rdb.Incr(ctx, key).Result()
		if err == nil {
			if n == 1 && ttl > 0 {
				if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
					s.log.Debug("cache remote expire failed",
						zap.String("key", key), zap.Error(err))
				}
			}
			s.setLocal(key, strconv.FormatInt(n, 10), ttl)
			return n
		}
		s.log.Debug("cache remote incr failed, using local tier",
			zap.String("key", key), zap.Error(err))
	}
	return s.incrementLocal(key, ttl)
}

// =============================================================================
// DISTRIBUTED LOCKS
// =============================================================================

// releaseScript deletes the lock only when the stored owner matches, so a
// worker whose lock already expired cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireLock attempts a best-effort distributed lock. Returns true when
// this owner now holds the lock.
func (s *Store) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if s.rdb != nil {
		ok, err := s.rdb.SetNX(ctx, key, owner, ttl).Result()
		if err == nil {
			return ok
		}
		s.log.Debug("cache remote setnx failed, using local lock",
			zap.String("key", key), zap.Error(err))
	}
	return s.acquireLockLocal(key, owner, ttl)
}

// ReleaseLock releases the lock only when owner still holds it.
func (s *Store) ReleaseLock(ctx context.Context, key, owner string) {
	if s.rdb != nil {
		if err := releaseScript.Run(ctx, s.rdb, []string{key}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
			s.log.Debug("cache remote lock release failed",
				zap.String("key", key), zap.Error(err))
		}
	}
	s.releaseLockLocal(key, owner)
}

// =============================================================================
// LOCAL TIER
// =============================================================================

func (s *Store) getLocal(key string) (string, bool) {
	now := time.Now()

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	if e.expired(now) {
		s.mu.Lock()
		if cur, still := s.entries[key]; still && cur.expired(now) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return "", false
	}
	return e.value, true
}

func (s *Store) setLocal(key, value string, ttl time.Duration) {
	now := time.Now()
	e := entry{value: value, storedAt: now}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	if len(s.entries) >= s.maxEntries {
		s.evictOldestLocked()
	}
	s.entries[key] = e
	s.mu.Unlock()
}

func (s *Store) deleteLocal(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

func (s *Store) incrementLocal(key string, ttl time.Duration) int64 {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if ok && e.expired(now) {
		ok = false
	}
	var n int64
	if ok {
		n, _ = strconv.ParseInt(e.value, 10, 64)
	}
	n++
	next := entry{value: strconv.FormatInt(n, 10), storedAt: now}
	if ok {
		next.expiresAt = e.expiresAt
	} else if ttl > 0 {
		next.expiresAt = now.Add(ttl)
	}
	s.entries[key] = next
	return n
}

func (s *Store) acquireLockLocal(key, owner string, ttl time.Duration) bool {
	now := time.Now()

	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	if l, ok := s.locks[key]; ok && now.Before(l.expiresAt) && l.owner != owner {
		return false
	}
	s.locks[key] = lockEntry{owner: owner, expiresAt: now.Add(ttl)}
	return true
}

func (s *Store) releaseLockLocal(key, owner string) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	if l, ok := s.locks[key]; ok && l.owner == owner {
		delete(s.locks, key)
	}
}

// evictOldestLocked removes the entry with the earliest storedAt.
// Caller holds s.mu.
func (s *Store) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range s.entries {
		if first || e.storedAt.Before(oldest) {
			oldestKey, oldest = k, e.storedAt
			first = false
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
	}
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}
