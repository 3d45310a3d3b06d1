// Package store persists DRB computation progress and results so a
// restarted node resumes instead of recomputing.
package store

import (
	"sync"

	"github.com/pelagos-network/pelagos/src/membership"
)

// Store is the persistence surface consumed by the membership coordinator.
type Store interface {
	membership.DrbStore

	// Close releases the underlying resources.
	Close() error
}

// InmemStore implements Store with plain maps. Used in tests and for nodes
// that accept recomputing DRB results on restart.
type InmemStore struct {
	sync.Mutex
	progress map[membership.Epoch]membership.DrbInput
	results  map[membership.Epoch]membership.DrbResult
}

// NewInmemStore creates an empty InmemStore.
func NewInmemStore() *InmemStore {
	return &InmemStore{
		progress: make(map[membership.Epoch]membership.DrbInput),
		results:  make(map[membership.Epoch]membership.DrbResult),
	}
}

// StoreDrbProgress implements the Store interface.
func (s *InmemStore) StoreDrbProgress(epoch membership.Epoch, input membership.DrbInput) error {
	s.Lock()
	defer s.Unlock()
	s.progress[epoch] = input
	return nil
}

// LoadDrbProgress implements the Store interface.
func (s *InmemStore) LoadDrbProgress(epoch membership.Epoch) (membership.DrbInput, bool, error) {
	s.Lock()
	defer s.Unlock()
	input, ok := s.progress[epoch]
	return input, ok, nil
}

// StoreDrbResult implements the Store interface.
func (s *InmemStore) StoreDrbResult(epoch membership.Epoch, result membership.DrbResult) error {
	s.Lock()
	defer s.Unlock()
	s.results[epoch] = result
	return nil
}

// LoadDrbResult implements the Store interface.
func (s *InmemStore) LoadDrbResult(epoch membership.Epoch) (membership.DrbResult, bool, error) {
	s.Lock()
	defer s.Unlock()
	result, ok := s.results[epoch]
	return result, ok, nil
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}
