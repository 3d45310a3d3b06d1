package store

import (
	"fmt"

	"github.com/dgraph-io/badger"
	"github.com/ugorji/go/codec"

	"github.com/pelagos-network/pelagos/src/membership"
)

var storeJSONHandle = func() *codec.JsonHandle {
	h := &codec.JsonHandle{}
	h.Canonical = true
	return h
}()

// BadgerStore implements Store on a Badger database with prefixed string
// keys.
type BadgerStore struct {
	db   *badger.DB
	path string
}

// NewBadgerStore opens (or creates) a Badger database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(false).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStore{db: db, path: path}, nil
}

// Path returns the database directory.
func (s *BadgerStore) Path() string {
	return s.path
}

func drbProgressKey(epoch membership.Epoch) []byte {
	return []byte(fmt.Sprintf("drbprogress_%d", epoch))
}

func drbResultKey(epoch membership.Epoch) []byte {
	return []byte(fmt.Sprintf("drbresult_%d", epoch))
}

func (s *BadgerStore) set(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *BadgerStore) get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// StoreDrbProgress implements the Store interface.
func (s *BadgerStore) StoreDrbProgress(epoch membership.Epoch, input membership.DrbInput) error {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, storeJSONHandle)
	if err := enc.Encode(input); err != nil {
		return err
	}
	return s.set(drbProgressKey(epoch), buf)
}

// LoadDrbProgress implements the Store interface.
func (s *BadgerStore) LoadDrbProgress(epoch membership.Epoch) (membership.DrbInput, bool, error) {
	var input membership.DrbInput

	buf, ok, err := s.get(drbProgressKey(epoch))
	if err != nil || !ok {
		return input, false, err
	}

	dec := codec.NewDecoderBytes(buf, storeJSONHandle)
	if err := dec.Decode(&input); err != nil {
		return input, false, err
	}
	return input, true, nil
}

// StoreDrbResult implements the Store interface.
func (s *BadgerStore) StoreDrbResult(epoch membership.Epoch, result membership.DrbResult) error {
	return s.set(drbResultKey(epoch), result[:])
}

// LoadDrbResult implements the Store interface.
func (s *BadgerStore) LoadDrbResult(epoch membership.Epoch) (membership.DrbResult, bool, error) {
	var result membership.DrbResult

	buf, ok, err := s.get(drbResultKey(epoch))
	if err != nil || !ok {
		return result, false, err
	}

	if len(buf) != len(result) {
		return result, false, fmt.Errorf("corrupt drb result for epoch %d: %d bytes", epoch, len(buf))
	}
	copy(result[:], buf)
	return result, true, nil
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
