package engine

import "sync"

// RWLocker is a read-write locker. Sqlite storage uses a real mutex, other
// engines handle concurrent access on their own and get the noop variant.
type RWLocker interface {
	sync.Locker
	RLock()
	RUnlock()
}

// NoopLocker satisfies RWLocker without doing anything
type NoopLocker struct{}

// Lock does nothing
func (NoopLocker) Lock() {}

// Unlock does nothing
func (NoopLocker) Unlock() {}

// RLock does nothing
func (NoopLocker) RLock() {}

// RUnlock does nothing
func (NoopLocker) RUnlock() {}
