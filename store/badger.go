package store

import (
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore is the on-disk blob store. The database is opened lazily on
// first use so a daemon that only ever handles small downloads never
// touches the spill directory.
type BadgerStore struct {
	dir string

	mu sync.Mutex
	db *badger.DB
}

func NewBadgerStore(dir string) *BadgerStore {
	return &BadgerStore{dir: dir}
}

func (s *BadgerStore) openDB() (*badger.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	opts := badger.DefaultOptions(s.dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store at %s: %w", s.dir, err)
	}
	s.db = db
	return db, nil
}

func (s *BadgerStore) Put(key string, value []byte) error {
	db, err := s.openDB()
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *BadgerStore) Get(key string) ([]byte, error) {
	db, err := s.openDB()
	if err != nil {
		return nil, err
	}
	var value []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", key, err)
	}
	return value, nil
}

func (s *BadgerStore) Delete(key string) error {
	db, err := s.openDB()
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *BadgerStore) DeletePrefix(prefix string) error {
	db, err := s.openDB()
	if err != nil {
		return err
	}
	return db.DropPrefix([]byte(prefix))
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
