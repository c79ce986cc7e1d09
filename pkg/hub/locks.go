package hub

import "sync"

// keyedLocks hands out one mutex per resource key. Fast-lane tools lock the
// file path or conversation scope they touch, so writes to the same resource
// serialize without global contention.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedLocks) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if l, ok := k.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	k.locks[key] = l
	return l
}

// withLock runs fn while holding the mutex for key.
func (k *keyedLocks) withLock(key string, fn func()) {
	l := k.get(key)
	l.Lock()
	defer l.Unlock()
	fn()
}
