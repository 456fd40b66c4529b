// internal/storage/badger_store.go
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

var (
	ErrNotFound = errors.New("entity not found")
	ErrExists   = errors.New("entity already exists")
)

// Entity represents any storable entity with an ID
type Entity interface {
	GetID() string
}

// Store keeps JSON-encoded entities of one kind under "prefix:id" keys.
type Store[T Entity] struct {
	db     *badger.DB
	prefix string
}

func New[T Entity](db *badger.DB, prefix string) *Store[T] {
	return &Store[T]{
		db:     db,
		prefix: prefix,
	}
}

func (s *Store[T]) makeKey(id string) []byte {
	return []byte(fmt.Sprintf("%s:%s", s.prefix, id))
}

func (s *Store[T]) stripPrefix(key []byte) string {
	return strings.TrimPrefix(string(key), s.prefix+":")
}

func (s *Store[T]) Create(entity T) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := s.makeKey(entity.GetID())
		_, err := txn.Get(key)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrExists, entity.GetID())
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return s.PutTxn(txn, entity)
	})
}

// Put inserts or overwrites entity.
func (s *Store[T]) Put(entity T) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return s.PutTxn(txn, entity)
	})
}

func (s *Store[T]) PutTxn(txn *badger.Txn, entity T) error {
	if entity.GetID() == "" {
		return fmt.Errorf("entity ID cannot be empty")
	}

	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshaling entity: %w", err)
	}
	return txn.Set(s.makeKey(entity.GetID()), data)
}

func (s *Store[T]) Get(id string) (T, error) {
	var entity T
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		entity, err = s.GetTxn(txn, id)
		return err
	})
	return entity, err
}

func (s *Store[T]) GetTxn(txn *badger.Txn, id string) (T, error) {
	var entity T
	item, err := txn.Get(s.makeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return entity, fmt.Errorf("%w: %s:%s", ErrNotFound, s.prefix, id)
	}
	if err != nil {
		return entity, err
	}

	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &entity)
	})
	return entity, err
}

func (s *Store[T]) Delete(id string) error {
	key := s.makeKey(id)

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s:%s", ErrNotFound, s.prefix, id)
		} else if err != nil {
			return err
		}

		return txn.Delete(key)
	})
}

func (s *Store[T]) DeleteTxn(txn *badger.Txn, id string) error {
	return txn.Delete(s.makeKey(id))
}

// List returns every entity of this kind in key order.
func (s *Store[T]) List() ([]T, error) {
	var results []T
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		results, err = s.ListTxn(txn)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	return results, nil
}

func (s *Store[T]) ListTxn(txn *badger.Txn) ([]T, error) {
	var results []T
	opts := badger.DefaultIteratorOptions
	prefix := []byte(s.prefix + ":")
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		err := item.Value(func(val []byte) error {
			var entity T
			if err := json.Unmarshal(val, &entity); err != nil {
				return fmt.Errorf("decoding %s: %w", s.stripPrefix(item.Key()), err)
			}
			results = append(results, entity)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}
