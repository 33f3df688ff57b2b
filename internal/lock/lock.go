package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout indicates the lock could not be acquired before the context ended.
var ErrTimeout = errors.New("lock acquisition timed out")

// Locker hands out named, mutually exclusive leases.
type Locker interface {
	// Acquire blocks until the lock named key is held or ctx is done. ttl
	// bounds how long a lease survives a holder that never releases it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Memory is a Locker for a single process. Each key is a one-slot semaphore,
// dropped again once nobody holds or waits for it.
type Memory struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewMemory returns an empty in-process locker.
func NewMemory() *Memory {
	return &Memory{slots: make(map[string]*slot)}
}

// ref registers interest in key and returns its slot.
func (m *Memory) ref(key string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	return s
}

func (m *Memory) unref(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}

// Acquire takes the slot for key. The ttl is not enforced; an in-process
// holder always releases through its deferred Release.
func (m *Memory) Acquire(ctx context.Context, key string, _ time.Duration) (Lease, error) {
	s := m.ref(key)
	select {
	case s.ch <- struct{}{}:
		return &memoryLease{m: m, key: key, s: s}, nil
	case <-ctx.Done():
		m.unref(key, s)
		return nil, ErrTimeout
	}
}

type memoryLease struct {
	once sync.Once
	m    *Memory
	key  string
	s    *slot
}

func (l *memoryLease) Release(context.Context) error {
	l.once.Do(func() {
		<-l.s.ch
		l.m.unref(l.key, l.s)
	})
	return nil
}
