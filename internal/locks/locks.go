// Package locks provides the logical locks of the runtime on top of the
// K/V store: the non-blocking per-task spawn lock and the blocking
// per-entity update lock. Locks carry a TTL so a crashed holder cannot
// wedge the system; the TTL is a safety net, not the release path.
package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sibyldev/sibyl/internal/kv"
)

// ErrLockHeld is returned by TryAcquire when another holder owns the lock.
var ErrLockHeld = errors.New("lock is held")

const (
	// DefaultTTL bounds how long an abandoned lock can block others.
	DefaultTTL = 5 * time.Minute

	// acquirePollInterval is the blocking-acquire retry cadence.
	acquirePollInterval = 50 * time.Millisecond
)

// Manager hands out locks keyed on the shared K/V store, so they hold
// across every process of the deployment.
type Manager struct {
	store kv.Store
	ttl   time.Duration
}

// NewManager creates a lock manager with the default TTL.
func NewManager(store kv.Store) *Manager {
	return &Manager{store: store, ttl: DefaultTTL}
}

// NewManagerWithTTL creates a lock manager with a custom TTL. Tests use
// short TTLs to exercise expiry.
func NewManagerWithTTL(store kv.Store, ttl time.Duration) *Manager {
	return &Manager{store: store, ttl: ttl}
}

// Lock is a held lock. Release it exactly once.
type Lock struct {
	key   string
	token string
	m     *Manager
}

// Key returns the lock's key.
func (l *Lock) Key() string { return l.key }

// TryAcquire attempts a non-blocking acquire. Returns ErrLockHeld when the
// lock is owned elsewhere; the caller is expected to reject its operation.
func (m *Manager) TryAcquire(ctx context.Context, key string) (*Lock, error) {
	token := uuid.New().String()
	ok, err := m.store.SetNX(ctx, key, token, m.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrLockHeld)
	}
	return &Lock{key: key, token: token, m: m}, nil
}

// Acquire blocks until the lock is obtained or ctx is done.
func (m *Manager) Acquire(ctx context.Context, key string) (*Lock, error) {
	ticker := time.NewTicker(acquirePollInterval)
	defer ticker.Stop()

	for {
		lock, err := m.TryAcquire(ctx, key)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Release gives the lock back. Releasing a lock whose key has expired and
// been re-acquired by someone else is a no-op for their entry.
func (l *Lock) Release(ctx context.Context) error {
	current, err := l.m.store.Get(ctx, l.key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if current != l.token {
		return nil
	}
	return l.m.store.Del(ctx, l.key)
}

// TrySpawnLock acquires the non-blocking spawn lock for a task.
func (m *Manager) TrySpawnLock(ctx context.Context, taskID string) (*Lock, error) {
	return m.TryAcquire(ctx, kv.SpawnLockKey(taskID))
}

// WithEntityLock runs fn while holding the per-entity update lock.
func (m *Manager) WithEntityLock(ctx context.Context, orgID, entityID string, fn func() error) error {
	lock, err := m.Acquire(ctx, kv.EntityLockKey(orgID, entityID))
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()
	return fn()
}
