// snapshot.go - JSON snapshots of the claim table.
//
// A snapshot is a single indented JSON file holding every row. FileStorage
// rewrites it after each change, which is enough for demos and small
// deployments; use BadgerStorage otherwise.

package ledger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

type Snapshot struct {
	Count   uint64    `json:"count"`
	Claims  []Claim   `json:"claims"`
	TakenAt time.Time `json:"taken_at"`
}

// Snapshot captures the current claim table.
func (l *Ledger) Snapshot() *Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Snapshot{
		Count:   l.store.Count(),
		Claims:  l.store.All(),
		TakenAt: time.Now().UTC(),
	}
}

// SaveSnapshot writes the current claim table to path.
func (l *Ledger) SaveSnapshot(path string) error {
	return l.Snapshot().SaveToFile(path)
}

// SaveToFile overwrites path atomically.
func (s *Snapshot) SaveToFile(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create snapshot directory")
		}
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		f.Close()
		return errors.Wrap(err, "encode snapshot")
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Validate checks the counter matches the rows and every row exists.
func (s *Snapshot) Validate() error {
	if s.Count != uint64(len(s.Claims)) {
		return errors.Errorf("snapshot count %d does not match %d claims", s.Count, len(s.Claims))
	}
	for i, c := range s.Claims {
		if !c.Exists {
			return errors.Errorf("snapshot claim %d is marked absent", i)
		}
	}
	return nil
}

// LoadSnapshot reads and validates a snapshot file.
func LoadSnapshot(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var s Snapshot
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return nil, errors.Wrapf(err, "decode snapshot %s", path)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// NewMemoryStorageFromSnapshot seeds a MemoryStorage with the snapshot rows.
func NewMemoryStorageFromSnapshot(s *Snapshot) (*MemoryStorage, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	m := NewMemoryStorage()
	m.claims = append(m.claims, s.Claims...)
	return m, nil
}

// FileStorage is a MemoryStorage persisted as a snapshot file after every write.
type FileStorage struct {
	*MemoryStorage
	path string
}

// OpenFileStorage loads path if it exists, or starts empty.
func OpenFileStorage(path string) (*FileStorage, error) {
	mem := NewMemoryStorage()
	s, err := LoadSnapshot(path)
	switch {
	case err == nil:
		if mem, err = NewMemoryStorageFromSnapshot(s); err != nil {
			return nil, err
		}
	case !os.IsNotExist(errors.Cause(err)):
		return nil, err
	}
	return &FileStorage{MemoryStorage: mem, path: path}, nil
}

func (f *FileStorage) Append(ctx context.Context, id ClaimID, c Claim) error {
	if err := f.MemoryStorage.Append(ctx, id, c); err != nil {
		return err
	}
	if err := f.flush(ctx); err != nil {
		f.MemoryStorage.truncate(int(id))
		return err
	}
	return nil
}

func (f *FileStorage) Put(ctx context.Context, id ClaimID, c Claim) error {
	prev, err := f.MemoryStorage.row(id)
	if err != nil {
		return err
	}
	if err := f.MemoryStorage.Put(ctx, id, c); err != nil {
		return err
	}
	if err := f.flush(ctx); err != nil {
		_ = f.MemoryStorage.Put(context.Background(), id, prev)
		return err
	}
	return nil
}

func (f *FileStorage) flush(ctx context.Context) error {
	claims, err := f.MemoryStorage.Load(ctx)
	if err != nil {
		return err
	}
	s := &Snapshot{Count: uint64(len(claims)), Claims: claims, TakenAt: time.Now().UTC()}
	return errors.Wrap(s.SaveToFile(f.path), "write snapshot")
}
