package shared

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld indicates another run already holds the fiscal year lock.
var ErrLockHeld = errors.New("shared: closure already running for this fiscal year")

// ClosureLockKey builds the redis key guarding the closing of a fiscal year.
func ClosureLockKey(fiscalYearID string) string {
	return fmt.Sprintf("ohada:closure:%s:lock", fiscalYearID)
}

// Locker serialises closing runs per fiscal year.
type Locker interface {
	Acquire(ctx context.Context, fiscalYearID string) (release func(), err error)
}

// AcquireAll takes the lock of every non-empty fiscal year id in a stable order.
// A closing run and a carry-forward mutation touch both the closing and the opening
// year, so both keys are held. Locks already taken are released when one is held.
func AcquireAll(ctx context.Context, locker Locker, fiscalYearIDs ...string) (func(), error) {
	ids := make([]string, 0, len(fiscalYearIDs))
	for _, id := range fiscalYearIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	releases := make([]func(), 0, len(ids))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, id := range ids {
		release, err := locker.Acquire(ctx, id)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// ClosureLock is a redis SET NX lock with an owner token and a TTL.
type ClosureLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewClosureLock constructs the lock. A non-positive ttl defaults to 15 minutes.
func NewClosureLock(client *redis.Client, ttl time.Duration) *ClosureLock {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &ClosureLock{client: client, ttl: ttl}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Acquire takes the lock or returns ErrLockHeld. The release func only deletes the key
// while this caller still owns it.
func (l *ClosureLock) Acquire(ctx context.Context, fiscalYearID string) (func(), error) {
	key := ClosureLockKey(fiscalYearID)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("shared: acquire closure lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func() {
		_ = releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{key}, token).Err()
	}, nil
}

// MemoryLock is an in-process Locker for single-instance deployments without redis.
type MemoryLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLock constructs an empty lock set.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{held: make(map[string]struct{})}
}

// Acquire implements Locker.
func (l *MemoryLock) Acquire(_ context.Context, fiscalYearID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[fiscalYearID]; ok {
		return nil, ErrLockHeld
	}
	l.held[fiscalYearID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, fiscalYearID)
			l.mu.Unlock()
		})
	}, nil
}
