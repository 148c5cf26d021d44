package vm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// runtimeLock serializes every metadata and cache mutation.
type runtimeLock struct {
	mu   sync.Locker
	held atomic.Bool
}

func newRuntimeLock(debug bool, timeout time.Duration) *runtimeLock {
	if !debug {
		return &runtimeLock{mu: &sync.Mutex{}}
	}
	if timeout > 0 {
		deadlock.Opts.DeadlockTimeout = timeout
	}
	return &runtimeLock{mu: &deadlock.Mutex{}}
}

func (l *runtimeLock) Lock() {
	l.mu.Lock()
	l.held.Store(true)
}

func (l *runtimeLock) Unlock() {
	l.held.Store(false)
	l.mu.Unlock()
}

func (l *runtimeLock) assertLocked() {
	if !l.held.Load() {
		panic("vm: runtime lock not held")
	}
}
