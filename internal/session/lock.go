package session

import "sync"

// KeyedLock serializes work per key: calls to Do with the same key run
// their functions strictly in issuance order, while distinct keys
// proceed independently. There is no timeout; a stuck holder blocks its
// key indefinitely.
type KeyedLock struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewKeyedLock returns an empty KeyedLock.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{tails: make(map[string]chan struct{})}
}

// Do runs fn after every previously-issued Do for the same key has
// completed. The error from fn is returned unchanged.
func (l *KeyedLock) Do(key string, fn func() error) error {
	l.mu.Lock()
	prev := l.tails[key]
	cur := make(chan struct{})
	l.tails[key] = cur
	l.mu.Unlock()

	if prev != nil {
		<-prev
	}

	defer func() {
		close(cur)
		l.mu.Lock()
		// Drop the tail entry once the queue drains so idle keys
		// do not accumulate.
		if l.tails[key] == cur {
			delete(l.tails, key)
		}
		l.mu.Unlock()
	}()

	return fn()
}
