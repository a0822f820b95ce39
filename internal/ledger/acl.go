package ledger

import (
	"context"

	"github.com/pkg/errors"

	"confidentialclaims/internal/fhe"
)

// AccessControl grants decryption rights on ledger handles. The ledger's own
// principal is always granted first.
type AccessControl struct {
	backend fhe.Backend
	self    fhe.Principal
}

func NewAccessControl(backend fhe.Backend, self fhe.Principal) *AccessControl {
	return &AccessControl{backend: backend, self: self}
}

// Grant allows self and every listed principal to decrypt h. Duplicates and
// repeated grants are harmless.
func (a *AccessControl) Grant(ctx context.Context, h fhe.Handle, principals ...fhe.Principal) error {
	seen := make(map[fhe.Principal]bool, len(principals)+1)
	for _, p := range append([]fhe.Principal{a.self}, principals...) {
		if seen[p] {
			continue
		}
		seen[p] = true
		if err := a.backend.Allow(ctx, h, p); err != nil {
			return errors.Wrapf(err, "grant %s on %s", p, h)
		}
	}
	return nil
}
