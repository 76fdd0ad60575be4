// Package badgerstore is an optional persistence backend for deployments
// that already run a BadgerDB instance for other node state: the directory
// snapshot is stored as a single value under a namespaced key, following
// the prefix-keyed, JSON-valued wrapper pattern the node uses for its
// address-manager storage.
package badgerstore

import (
	"context"
	"errors"

	badger "github.com/dgraph-io/badger/v3"
)

// Store implements peerdir.Store on top of a BadgerDB instance.
type Store struct {
	db  *badger.DB
	key []byte
}

// Config controls the underlying BadgerDB instance.
type Config struct {
	Dir            string
	NamespaceKey   string // defaults to "peerdir:snapshot"
	InMemory       bool
}

// Open opens (or creates) the BadgerDB directory at cfg.Dir.
func Open(cfg Config) (*Store, error) {
	if cfg.NamespaceKey == "" {
		cfg.NamespaceKey = "peerdir:snapshot"
	}
	opts := badger.DefaultOptions(cfg.Dir)
	opts = opts.WithInMemory(cfg.InMemory)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, key: []byte(cfg.NamespaceKey)}, nil
}

func (s *Store) Load(_ context.Context) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append(out, val...)
			return nil
		})
	})
	return out, err
}

func (s *Store) Save(_ context.Context, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key, data)
	})
}

func (s *Store) Close() error { return s.db.Close() }
