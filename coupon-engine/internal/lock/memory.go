package lock

import (
	"context"
	"sync"
	"time"
)

type memoryHold struct {
	owner     string
	count     int
	lease     time.Duration
	expiresAt time.Time
}

// MemoryLocker implements Locker inside one process. Useful for tests and single-node setups.
type MemoryLocker struct {
	mu       sync.Mutex
	holds    map[string]*memoryHold
	settings Settings
	instance string
	now      func() time.Time
}

func NewMemoryLocker(settings Settings) *MemoryLocker {
	return &MemoryLocker{
		holds:    map[string]*memoryHold{},
		settings: settings,
		instance: InstanceID(),
		now:      time.Now,
	}
}

func (m *MemoryLocker) Acquire(ctx context.Context, key string) (bool, error) {
	return m.AcquireWithSettings(ctx, key, m.settings.Wait, m.settings.Lease)
}

func (m *MemoryLocker) AcquireWithSettings(ctx context.Context, key string, wait, lease time.Duration) (bool, error) {
	owner := ownerFrom(ctx, m.instance)
	deadline := m.now().Add(wait)
	for {
		ttl, ok := m.tryAcquire(key, owner, lease)
		if ok {
			return true, nil
		}
		remaining := deadline.Sub(m.now())
		if remaining <= 0 {
			return false, nil
		}
		if err := sleepCtx(ctx, pollInterval(remaining, ttl)); err != nil {
			return false, err
		}
	}
}

func (m *MemoryLocker) tryAcquire(key, owner string, lease time.Duration) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	h := m.live(key, now)
	if h == nil {
		m.holds[key] = &memoryHold{owner: owner, count: 1, lease: lease, expiresAt: now.Add(lease)}
		return 0, true
	}
	if h.owner == owner {
		h.count++
		if lease > h.lease {
			h.lease = lease
		}
		h.expiresAt = now.Add(h.lease)
		return 0, true
	}
	return h.expiresAt.Sub(now), false
}

// live returns the current hold for key, dropping it if its TTL has passed. Caller holds mu.
func (m *MemoryLocker) live(key string, now time.Time) *memoryHold {
	h, ok := m.holds[key]
	if !ok {
		return nil
	}
	if !now.Before(h.expiresAt) {
		delete(m.holds, key)
		return nil
	}
	return h
}

func (m *MemoryLocker) Release(ctx context.Context, key string) error {
	owner := ownerFrom(ctx, m.instance)
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.live(key, m.now())
	if h == nil || h.owner != owner {
		return ErrNotHeld
	}
	h.count--
	if h.count <= 0 {
		delete(m.holds, key)
		return nil
	}
	h.expiresAt = m.now().Add(h.lease)
	return nil
}

func (m *MemoryLocker) IsLocked(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(key, m.now()) != nil, nil
}

func (m *MemoryLocker) IsHeldByCurrentOwner(ctx context.Context, key string) (bool, error) {
	owner := ownerFrom(ctx, m.instance)
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.live(key, m.now())
	return h != nil && h.owner == owner, nil
}

func (m *MemoryLocker) ForceUnlock(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.holds, key)
	return nil
}
