// store.go - ClaimStore: the append-only claim table over a Storage.

package ledger

import (
	"context"

	"github.com/pkg/errors"

	"confidentialclaims/internal/fhe"
)

// ClaimStore caches every row in memory and writes through to storage.
// Not safe for concurrent use; the Ledger serializes access.
type ClaimStore struct {
	alloc   *Allocator
	storage Storage
	claims  []Claim
}

// NewClaimStore loads existing rows and resumes the allocator after them.
func NewClaimStore(ctx context.Context, storage Storage) (*ClaimStore, error) {
	claims, err := storage.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load claims")
	}
	for i, c := range claims {
		if !c.Exists {
			return nil, errors.Errorf("claim %d is allocated but marked absent", i)
		}
	}
	return &ClaimStore{
		alloc:   NewAllocator(uint64(len(claims))),
		storage: storage,
		claims:  claims,
	}, nil
}

// Submit appends a new claim whose payout is the given encrypted zero. The
// counter advances only once the row is persisted.
func (s *ClaimStore) Submit(ctx context.Context, submitter fhe.Principal, loss, risk, zero fhe.Handle) (ClaimID, error) {
	id := s.alloc.Peek()
	c := Claim{
		LossAmount: loss,
		RiskLevel:  risk,
		Payout:     zero,
		Submitter:  submitter,
		Exists:     true,
	}
	if err := s.storage.Append(ctx, id, c); err != nil {
		return 0, errors.Wrapf(err, "persist claim %d", id)
	}
	s.alloc.Allocate()
	s.claims = append(s.claims, c)
	return id, nil
}

// Get returns the row for id.
func (s *ClaimStore) Get(id ClaimID) (Claim, error) {
	if !s.Exists(id) {
		return Claim{}, errors.Wrapf(ErrNotFound, "claim %d", id)
	}
	return s.claims[id], nil
}

func (s *ClaimStore) Exists(id ClaimID) bool {
	return uint64(id) < s.alloc.Count() && s.claims[id].Exists
}

func (s *ClaimStore) Count() uint64 {
	return s.alloc.Count()
}

// SetPayout replaces the payout handle of an existing claim.
func (s *ClaimStore) SetPayout(ctx context.Context, id ClaimID, payout fhe.Handle) error {
	c, err := s.Get(id)
	if err != nil {
		return err
	}
	c.Payout = payout
	if err := s.storage.Put(ctx, id, c); err != nil {
		return errors.Wrapf(err, "persist payout of claim %d", id)
	}
	s.claims[id] = c
	return nil
}

// All returns a copy of every row in id order.
func (s *ClaimStore) All() []Claim {
	out := make([]Claim, len(s.claims))
	copy(out, s.claims)
	return out
}
