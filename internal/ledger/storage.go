// storage.go - Persistence of the append-only claim table.
//
// A Storage holds rows indexed by sequential id plus the implicit counter
// (the number of rows). Rows are never deleted.

package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"confidentialclaims/internal/kv"
)

// Storage persists claim rows.
type Storage interface {
	// Load returns all rows in id order.
	Load(ctx context.Context) ([]Claim, error)
	// Append stores the row for id, which must equal the current row count.
	Append(ctx context.Context, id ClaimID, c Claim) error
	// Put overwrites an existing row.
	Put(ctx context.Context, id ClaimID, c Claim) error
	Close() error
}

// MemoryStorage keeps rows in a slice.
type MemoryStorage struct {
	mu     sync.Mutex
	claims []Claim
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) Load(ctx context.Context) ([]Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Claim, len(m.claims))
	copy(out, m.claims)
	return out, nil
}

func (m *MemoryStorage) Append(ctx context.Context, id ClaimID, c Claim) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(id) != uint64(len(m.claims)) {
		return errors.Errorf("append id %d, expected %d", id, len(m.claims))
	}
	m.claims = append(m.claims, c)
	return nil
}

func (m *MemoryStorage) Put(ctx context.Context, id ClaimID, c Claim) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(id) >= uint64(len(m.claims)) {
		return errors.Wrapf(ErrNotFound, "put %d", id)
	}
	m.claims[id] = c
	return nil
}

func (m *MemoryStorage) Close() error { return nil }

func (m *MemoryStorage) row(id ClaimID) (Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(id) >= uint64(len(m.claims)) {
		return Claim{}, errors.Wrapf(ErrNotFound, "row %d", id)
	}
	return m.claims[id], nil
}

func (m *MemoryStorage) truncate(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < len(m.claims) {
		m.claims = m.claims[:n]
	}
}

var (
	claimPrefix = []byte("claim/")
	countKey    = []byte("meta/count")
)

// BadgerStorage keeps rows in a kv.Store. A row and the counter are written
// in the same transaction.
type BadgerStorage struct {
	store *kv.Store
}

func NewBadgerStorage(store *kv.Store) *BadgerStorage {
	return &BadgerStorage{store: store}
}

func claimKey(id ClaimID) []byte {
	key := make([]byte, len(claimPrefix)+8)
	copy(key, claimPrefix)
	binary.BigEndian.PutUint64(key[len(claimPrefix):], uint64(id))
	return key
}

func (b *BadgerStorage) Load(ctx context.Context) ([]Claim, error) {
	count, err := b.count()
	if err != nil {
		return nil, err
	}
	claims := make([]Claim, 0, count)
	err = b.store.Iterate(claimPrefix, func(key, value []byte) error {
		var c Claim
		if err := json.Unmarshal(value, &c); err != nil {
			return errors.Wrapf(err, "decode %s", key)
		}
		claims = append(claims, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if uint64(len(claims)) != count {
		return nil, errors.Errorf("claim table has %d rows, counter says %d", len(claims), count)
	}
	return claims, nil
}

func (b *BadgerStorage) Append(ctx context.Context, id ClaimID, c Claim) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	row, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode claim")
	}
	return b.store.Update(func(txn *kv.Txn) error {
		count, err := readCount(txn)
		if err != nil {
			return err
		}
		if uint64(id) != count {
			return errors.Errorf("append id %d, expected %d", id, count)
		}
		if err := txn.Set(claimKey(id), row); err != nil {
			return err
		}
		var next [8]byte
		binary.BigEndian.PutUint64(next[:], count+1)
		return txn.Set(countKey, next[:])
	})
}

func (b *BadgerStorage) Put(ctx context.Context, id ClaimID, c Claim) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	row, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode claim")
	}
	return b.store.Update(func(txn *kv.Txn) error {
		if _, err := txn.Get(claimKey(id)); err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return errors.Wrapf(ErrNotFound, "put %d", id)
			}
			return err
		}
		return txn.Set(claimKey(id), row)
	})
}

func (b *BadgerStorage) Close() error {
	return b.store.Close()
}

func (b *BadgerStorage) count() (uint64, error) {
	raw, err := b.store.Get(countKey)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

func readCount(txn *kv.Txn) (uint64, error) {
	raw, err := txn.Get(countKey)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}
