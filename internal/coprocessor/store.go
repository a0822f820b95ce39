package coprocessor

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"confidentialclaims/internal/fhe"
	"confidentialclaims/internal/kv"
)

// Record is everything the coprocessor keeps per handle. Sealed never holds
// plaintext.
type Record struct {
	Sealed     []byte          `json:"sealed"`
	Provenance fhe.Provenance  `json:"provenance"`
	Allowed    []fhe.Principal `json:"allowed,omitempty"`
}

func (r *Record) allows(p fhe.Principal) bool {
	for _, a := range r.Allowed {
		if a == p {
			return true
		}
	}
	return false
}

// Store persists records by handle. Get reports fhe.ErrUnknownHandle for
// missing handles.
type Store interface {
	Get(h fhe.Handle) (*Record, error)
	Put(h fhe.Handle, r *Record) error
	// PutAll writes every record or none of them.
	PutAll(records map[fhe.Handle]*Record) error
	Ping() error
}

type MemoryStore struct {
	mu      sync.RWMutex
	records map[fhe.Handle]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[fhe.Handle]Record)}
}

func (m *MemoryStore) Get(h fhe.Handle) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[h]
	if !ok {
		return nil, errors.Wrapf(fhe.ErrUnknownHandle, "%s", h)
	}
	r.Allowed = append([]fhe.Principal(nil), r.Allowed...)
	return &r, nil
}

func (m *MemoryStore) Put(h fhe.Handle, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[h] = *r
	return nil
}

func (m *MemoryStore) PutAll(records map[fhe.Handle]*Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, r := range records {
		m.records[h] = *r
	}
	return nil
}

func (m *MemoryStore) Ping() error { return nil }

var recordPrefix = []byte("ct/")

// BadgerStore keeps records as JSON under "ct/<handle>".
type BadgerStore struct {
	store *kv.Store
}

func NewBadgerStore(store *kv.Store) *BadgerStore {
	return &BadgerStore{store: store}
}

func recordKey(h fhe.Handle) []byte {
	return append(append([]byte(nil), recordPrefix...), h[:]...)
}

func (b *BadgerStore) Get(h fhe.Handle) (*Record, error) {
	raw, err := b.store.Get(recordKey(h))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errors.Wrapf(fhe.ErrUnknownHandle, "%s", h)
	}
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, errors.Wrapf(err, "decode record %s", h)
	}
	return &r, nil
}

func (b *BadgerStore) Put(h fhe.Handle, r *Record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encode record")
	}
	return b.store.Set(recordKey(h), raw)
}

func (b *BadgerStore) PutAll(records map[fhe.Handle]*Record) error {
	return b.store.Update(func(txn *kv.Txn) error {
		for h, r := range records {
			raw, err := json.Marshal(r)
			if err != nil {
				return errors.Wrap(err, "encode record")
			}
			if err := txn.Set(recordKey(h), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerStore) Ping() error {
	return b.store.Ping()
}
