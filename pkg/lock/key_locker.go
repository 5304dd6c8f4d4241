package lock

import (
	"sync"

	"github.com/apex/log"
)

type keyMutex struct {
	mu   sync.Mutex
	refs int
}

// KeyLocker hands out one mutex per string key. Mutexes are dropped once no goroutine
// holds or waits on them, so the map only grows with the number of keys in use.
type KeyLocker struct {
	mapMutex sync.Mutex
	keyMap   map[string]*keyMutex
}

func NewKeyLocker() *KeyLocker {
	return &KeyLocker{
		keyMap: make(map[string]*keyMutex),
	}
}

func (l *KeyLocker) AcquireLock(key string) {
	l.mapMutex.Lock()
	m, ok := l.keyMap[key]
	if !ok {
		m = &keyMutex{}
		l.keyMap[key] = m
	}
	m.refs++
	l.mapMutex.Unlock()

	m.mu.Lock()
}

func (l *KeyLocker) ReleaseLock(key string) {
	l.mapMutex.Lock()
	defer l.mapMutex.Unlock()

	m, ok := l.keyMap[key]
	if !ok {
		log.Errorf("ReleaseLock called on key (%s) with no mutex", key)
		return
	}

	m.refs--
	if m.refs == 0 {
		delete(l.keyMap, key)
	}

	m.mu.Unlock()
}

func (l *KeyLocker) WithLock(key string, f func() error) error {
	l.AcquireLock(key)
	defer l.ReleaseLock(key)
	return f()
}

func (l *KeyLocker) size() int {
	l.mapMutex.Lock()
	defer l.mapMutex.Unlock()
	return len(l.keyMap)
}
