package common

import (
	"errors"
	"sync"
)

var (
	// ErrGlobalLimitReached is returned by TryAcquire when the total number
	// of outstanding permits, across all keys, has reached the global limit.
	ErrGlobalLimitReached = errors.New("global permit limit reached")

	// ErrPerKeyLimitReached is returned by TryAcquire when the number of
	// outstanding permits for the requested key has reached the per-key
	// limit.
	ErrPerKeyLimitReached = errors.New("per-key permit limit reached")
)

// NamedSemaphore is a counting semaphore keyed by an arbitrary comparable
// type. It enforces a limit on the number of permits held per key, and
// optionally a limit on the number of permits held across all keys. It is
// used to bound the number of concurrent tasks processing requests and
// responses.
type NamedSemaphore[K comparable] struct {
	sync.Mutex
	perKey      map[K]int
	perKeyLimit int
	globalLimit int //0 means no global limit
	held        int
}

// NewNamedSemaphore creates a NamedSemaphore with the given per-key limit. A
// globalLimit of 0 disables the global limit.
func NewNamedSemaphore[K comparable](perKeyLimit int, globalLimit int) *NamedSemaphore[K] {
	return &NamedSemaphore[K]{
		perKey:      make(map[K]int),
		perKeyLimit: perKeyLimit,
		globalLimit: globalLimit,
	}
}

// TryAcquire attempts to acquire a permit for the given key. It fails with
// ErrGlobalLimitReached or ErrPerKeyLimitReached, without mutating any
// counters, if either bound would be exceeded. It never blocks.
func (s *NamedSemaphore[K]) TryAcquire(key K) (*Permit[K], error) {
	s.Lock()
	defer s.Unlock()

	if s.globalLimit > 0 && s.held >= s.globalLimit {
		return nil, ErrGlobalLimitReached
	}

	if s.perKey[key] >= s.perKeyLimit {
		return nil, ErrPerKeyLimitReached
	}

	s.perKey[key]++
	s.held++

	return &Permit[K]{key: key, parent: s}, nil
}

// Held returns the total number of permits currently held across all keys.
func (s *NamedSemaphore[K]) Held() int {
	s.Lock()
	defer s.Unlock()
	return s.held
}

// Keys returns the number of keys with at least one outstanding permit.
func (s *NamedSemaphore[K]) Keys() int {
	s.Lock()
	defer s.Unlock()
	return len(s.perKey)
}

// Permit represents one unit of capacity taken from a NamedSemaphore. It must
// be released when the holder is done.
type Permit[K comparable] struct {
	key      K
	parent   *NamedSemaphore[K]
	released bool
}

// Release returns the permit to the semaphore. The per-key entry is removed
// from the tracking map when its count reaches zero, so the map does not grow
// with the number of distinct keys seen. Releasing twice is a no-op.
func (p *Permit[K]) Release() {
	p.parent.Lock()
	defer p.parent.Unlock()

	if p.released {
		return
	}
	p.released = true

	p.parent.held--
	p.parent.perKey[p.key]--
	if p.parent.perKey[p.key] <= 0 {
		delete(p.parent.perKey, p.key)
	}
}
