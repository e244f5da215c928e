// Package syncutil provides per-key locking for escrow entry mutations.
package syncutil

import (
	"context"
	"sync"
)

// KeyLock serializes work per key. Waiting callers can give up when their
// context is cancelled. Idle keys are dropped so the map does not grow with
// the number of entries ever touched.
type KeyLock struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{} // holds one token while unlocked
	refs int
}

// NewKeyLock returns an empty KeyLock.
func NewKeyLock() *KeyLock {
	return &KeyLock{slots: make(map[string]*slot)}
}

// Lock acquires key. On success the returned func must be called exactly once.
func (l *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	s := l.acquireSlot(key)

	select {
	case <-s.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				s.ch <- struct{}{}
				l.releaseSlot(key, s)
			})
		}, nil
	case <-ctx.Done():
		l.releaseSlot(key, s)
		return nil, ctx.Err()
	}
}

// Len reports how many keys are held or awaited.
func (l *KeyLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func (l *KeyLock) acquireSlot(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		s.ch <- struct{}{}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *KeyLock) releaseSlot(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
