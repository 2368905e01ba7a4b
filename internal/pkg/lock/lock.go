// Package lock provides per-address locking for balance mutations and
// nonce selection. Both are read-decide-write sequences that must be
// serialized per account.
package lock

import "sync"

// addressMutex wraps a mutex so instances can be pooled.
type addressMutex struct {
	mu sync.Mutex
}

// AddressLock provides per-address mutual exclusion. Requests for
// independent addresses proceed concurrently; requests for the same
// address serialize.
type AddressLock struct {
	locks sync.Map // map[string]*addressMutex
	pool  sync.Pool
}

// NewAddressLock creates a new AddressLock instance.
func NewAddressLock() *AddressLock {
	return &AddressLock{
		pool: sync.Pool{
			New: func() any {
				return &addressMutex{}
			},
		},
	}
}

// getLock retrieves or creates a mutex for the given address. Callers must
// pass the normalized (lower-case) address.
func (al *AddressLock) getLock(address string) *addressMutex {
	if v, ok := al.locks.Load(address); ok {
		return v.(*addressMutex)
	}

	newLock := al.pool.Get().(*addressMutex)

	actual, loaded := al.locks.LoadOrStore(address, newLock)
	if loaded {
		// Another goroutine created the lock first, return ours to pool
		al.pool.Put(newLock)
	}
	return actual.(*addressMutex)
}

// Lock acquires the lock for an address.
func (al *AddressLock) Lock(address string) {
	al.getLock(address).mu.Lock()
}

// Unlock releases the lock for an address.
func (al *AddressLock) Unlock(address string) {
	if v, ok := al.locks.Load(address); ok {
		v.(*addressMutex).mu.Unlock()
	}
}

// TryLock attempts to acquire the lock without blocking.
// Returns true if the lock was acquired, false otherwise.
func (al *AddressLock) TryLock(address string) bool {
	return al.getLock(address).mu.TryLock()
}

// WithLock executes a function while holding the address's lock.
func (al *AddressLock) WithLock(address string, fn func() error) error {
	al.Lock(address)
	defer al.Unlock(address)
	return fn()
}
