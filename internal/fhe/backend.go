// backend.go - Capability interface of the confidential-compute backend.
//
// The ledger never touches plaintext. Everything it computes goes through a
// Backend: handle in, handle out, with access grants as the only side effect.

package fhe

import (
	"context"
	"math"

	"github.com/pkg/errors"
)

var (
	ErrInvalidProof   = errors.New("input proof does not verify")
	ErrUnknownHandle  = errors.New("unknown ciphertext handle")
	ErrAccessDenied   = errors.New("principal is not allowed to decrypt handle")
	ErrDivisionByZero = errors.New("division by zero constant")
	ErrInputRange     = errors.New("input value exceeds the 32-bit domain")
	ErrEmptyPrincipal = errors.New("principal must not be empty")
)

// MaxInput is the largest plaintext accepted from an external ciphertext.
const MaxInput = math.MaxUint32

// Principal identifies a party that may be granted decryption rights.
type Principal string

// Validate rejects the empty principal.
func (p Principal) Validate() error {
	if p == "" {
		return ErrEmptyPrincipal
	}
	return nil
}

// InputBatch carries externally encrypted values together with a single proof
// covering all of them. The encoding of both fields is backend-specific.
type InputBatch struct {
	Ciphertexts [][]byte `json:"ciphertexts"`
	Proof       []byte   `json:"proof"`
}

// Backend is the set of operations the ledger may request on encrypted values.
// Division is only by a plaintext constant.
type Backend interface {
	// TrivialEncrypt encrypts a public constant.
	TrivialEncrypt(ctx context.Context, v uint64) (Handle, error)
	// FromExternal verifies the batch proof for owner and imports every ciphertext.
	FromExternal(ctx context.Context, owner Principal, in InputBatch) ([]Handle, error)

	Add(ctx context.Context, a, b Handle) (Handle, error)
	Sub(ctx context.Context, a, b Handle) (Handle, error)
	Mul(ctx context.Context, a, b Handle) (Handle, error)
	AddScalar(ctx context.Context, a Handle, c uint64) (Handle, error)
	SubScalar(ctx context.Context, a Handle, c uint64) (Handle, error)
	// ScalarSub computes c - a.
	ScalarSub(ctx context.Context, c uint64, a Handle) (Handle, error)
	MulScalar(ctx context.Context, a Handle, c uint64) (Handle, error)
	// DivScalar computes floor(a / c) for a plaintext constant c.
	DivScalar(ctx context.Context, a Handle, c uint64) (Handle, error)

	Allow(ctx context.Context, h Handle, p Principal) error
	IsAllowed(ctx context.Context, h Handle, p Principal) (bool, error)
	// Decrypt is the decryption oracle; it requires a prior grant.
	Decrypt(ctx context.Context, h Handle, p Principal) (uint64, error)
	Provenance(ctx context.Context, h Handle) (Provenance, error)
}

// Evaluate applies op to plaintext operands. Arithmetic wraps modulo 2^64.
// For binary ops b is the second operand, for scalar ops it is the constant.
func Evaluate(op Op, a, b uint64) (uint64, error) {
	switch op {
	case OpAdd, OpAddScalar:
		return a + b, nil
	case OpSub, OpSubScalar:
		return a - b, nil
	case OpScalarSub:
		return b - a, nil
	case OpMul, OpMulScalar:
		return a * b, nil
	case OpDivScalar:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		return a / b, nil
	default:
		return 0, errors.Errorf("operation %s is not arithmetic", op)
	}
}
