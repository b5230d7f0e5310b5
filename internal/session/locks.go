package session

import "sync"

// keyedMutex serializes work per vendor. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int64]*refLock)}
}

func (k *keyedMutex) acquire(id int64) *refLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[id]
	if !ok {
		l = &refLock{}
		k.locks[id] = l
	}
	l.refs++
	return l
}

func (k *keyedMutex) release(id int64, l *refLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, id)
	}
}

// Lock blocks until id is free and returns the unlock function.
func (k *keyedMutex) Lock(id int64) func() {
	l := k.acquire(id)
	l.Lock()
	return func() {
		l.Unlock()
		k.release(id, l)
	}
}

// TryLock takes id only if nobody holds it.
func (k *keyedMutex) TryLock(id int64) (func(), bool) {
	l := k.acquire(id)
	if !l.TryLock() {
		k.release(id, l)
		return nil, false
	}
	return func() {
		l.Unlock()
		k.release(id, l)
	}, true
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
