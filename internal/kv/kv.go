// kv.go - Badger-backed key/value store shared by the durable ledger and coprocessor stores.

package kv

import (
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("key not found")

type StoreConfig struct {
	Path string
	// InMemory runs badger without touching disk (tests).
	InMemory   bool
	SyncWrites bool
	Logger     *logrus.Logger
}

// Store wraps a badger database.
type Store struct {
	db  *badger.DB
	log *logrus.Entry
}

// Txn is a read-write transaction.
type Txn struct {
	txn *badger.Txn
}

func Open(config StoreConfig) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log := config.Logger.WithField("component", "kv")

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.Path == "" {
			return nil, errors.New("no path provided in configuration")
		}
		if err := os.MkdirAll(config.Path, 0o755); err != nil {
			return nil, errors.Wrap(err, "create store directory")
		}
		opts = badger.DefaultOptions(config.Path)
		opts.ValueLogFileSize = 1024 * 1024 * 64
	}
	opts.Logger = nil
	opts.SyncWrites = config.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	log.WithField("path", config.Path).Debug("key/value store opened")
	return &Store{db: db, log: log}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

// Has reports whether key exists.
func (s *Store) Has(key []byte) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Set writes a single key.
func (s *Store) Set(key, value []byte) error {
	return s.Update(func(txn *Txn) error {
		return txn.Set(key, value)
	})
}

// Update runs fn in a read-write transaction; all writes commit together or not at all.
func (s *Store) Update(fn func(txn *Txn) error) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return fn(&Txn{txn: txn})
	})
	if err != nil {
		s.log.WithError(err).Warn("transaction aborted")
	}
	return err
}

// Iterate calls fn for every key with prefix, in key order.
func (s *Store) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Ping checks the database is usable.
func (s *Store) Ping() error {
	if s.db.IsClosed() {
		return errors.New("store is closed")
	}
	return nil
}

func (t *Txn) Set(key, value []byte) error {
	return t.txn.Set(key, value)
}

func (t *Txn) Get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}
