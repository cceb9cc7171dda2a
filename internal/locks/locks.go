package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Common errors
var (
	ErrLockNotAcquired = errors.New("could not acquire lock")
	ErrLockExpired     = errors.New("lock expired")
	ErrLockNotOwned    = errors.New("lock not owned by this client")
)

// ResourceType represents different types of lockable resources
type ResourceType string

const (
	ResourceUserSession ResourceType = "user-session" // one session-create at a time per user
)

// DistributedLock represents a distributed lock backed by Redis
type DistributedLock struct {
	client    *redis.Client
	key       string
	token     string
	expiresAt time.Time
}

// LockManager manages distributed locks
type LockManager struct {
	redis     *redis.Client
	keyPrefix string
}

// NewLockManager creates a new lock manager
func NewLockManager(redisClient *redis.Client) *LockManager {
	return &LockManager{
		redis:     redisClient,
		keyPrefix: "browserpilot:lock:",
	}
}

// lockKey generates a Redis key for a lock
func (m *LockManager) lockKey(resourceType ResourceType, resourceID string) string {
	return fmt.Sprintf("%s%s:%s", m.keyPrefix, resourceType, resourceID)
}

// Acquire tries to acquire a lock
func (m *LockManager) Acquire(ctx context.Context, resourceType ResourceType, resourceID string, ttl time.Duration) (*DistributedLock, error) {
	key := m.lockKey(resourceType, resourceID)
	token := uuid.New().String()

	// Use SET NX EX for atomic lock acquisition
	ok, err := m.redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}

	if !ok {
		return nil, ErrLockNotAcquired
	}

	return &DistributedLock{
		client:    m.redis,
		key:       key,
		token:     token,
		expiresAt: time.Now().Add(ttl),
	}, nil
}

// AcquireWithRetry tries to acquire a lock with retries and exponential backoff
func (m *LockManager) AcquireWithRetry(ctx context.Context, resourceType ResourceType, resourceID string, ttl time.Duration, maxWait time.Duration) (*DistributedLock, error) {
	deadline := time.Now().Add(maxWait)
	retryInterval := 50 * time.Millisecond
	maxRetryInterval := 500 * time.Millisecond

	for {
		lock, err := m.Acquire(ctx, resourceType, resourceID, ttl)
		if err == nil {
			return lock, nil
		}
		if err != ErrLockNotAcquired {
			return nil, err
		}

		if time.Now().After(deadline) {
			return nil, ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
			retryInterval = retryInterval * 2
			if retryInterval > maxRetryInterval {
				retryInterval = maxRetryInterval
			}
		}
	}
}

// IsLocked checks if a resource is currently locked
func (m *LockManager) IsLocked(ctx context.Context, resourceType ResourceType, resourceID string) (bool, error) {
	key := m.lockKey(resourceType, resourceID)
	exists, err := m.redis.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// Release releases the lock (only if we own it)
func (l *DistributedLock) Release(ctx context.Context) error {
	// Lua script to atomically check and delete, so we never delete a lock
	// someone else re-acquired after ours expired.
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	result, err := script.Run(ctx, l.client, []string{l.key}, l.token).Result()
	if err != nil {
		return err
	}
	if result.(int64) == 0 {
		return ErrLockNotOwned
	}
	return nil
}

// Extend extends the lock TTL (only if we own it)
func (l *DistributedLock) Extend(ctx context.Context, ttl time.Duration) error {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)

	result, err := script.Run(ctx, l.client, []string{l.key}, l.token, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return err
	}
	if result.(int64) == 0 {
		return ErrLockExpired
	}
	l.expiresAt = time.Now().Add(ttl)
	return nil
}

// IsExpired checks if the lock has expired (locally)
func (l *DistributedLock) IsExpired() bool {
	return time.Now().After(l.expiresAt)
}

// WithLock executes a function while holding a lock
func WithLock(ctx context.Context, manager *LockManager, resourceType ResourceType, resourceID string, ttl time.Duration, fn func() error) error {
	lock, err := manager.Acquire(ctx, resourceType, resourceID, ttl)
	if err != nil {
		return err
	}
	defer lock.Release(ctx)

	return fn()
}
