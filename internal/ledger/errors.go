package ledger

import (
	"github.com/pkg/errors"

	"confidentialclaims/internal/throttle"
)

var (
	// ErrNotFound: the claim id was never allocated.
	ErrNotFound = errors.New("claim not found")
	// ErrProofVerification: the submitted ciphertexts and proof do not verify.
	ErrProofVerification = errors.New("input proof verification failed")
	// ErrDelayIntegrity: the throttling invariant broke during evaluation.
	ErrDelayIntegrity = throttle.ErrDelayIntegrity
)
