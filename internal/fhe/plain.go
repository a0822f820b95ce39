// plain.go - Plaintext mock backend.
//
// PlainBackend keeps plaintexts in memory next to their handles. It follows the
// same handle derivation, access rules and arithmetic as the sealed coprocessor,
// which makes it suitable for ledger tests and local development.

package fhe

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"sync/atomic"

	mimcNative "github.com/consensys/gnark-crypto/ecc/bw6-761/fr/mimc"
	"github.com/pkg/errors"
)

// plainCiphertextSize is value (8 bytes) followed by a 16 byte nonce.
const plainCiphertextSize = 24

// PlainBackend is an in-memory Backend without encryption.
type PlainBackend struct {
	mu     sync.RWMutex
	values map[Handle]uint64
	prov   map[Handle]Provenance
	acl    map[Handle]map[Principal]struct{}
	calls  int64
}

// NewPlainBackend creates an empty mock backend.
func NewPlainBackend() *PlainBackend {
	return &PlainBackend{
		values: make(map[Handle]uint64),
		prov:   make(map[Handle]Provenance),
		acl:    make(map[Handle]map[Principal]struct{}),
	}
}

// EncodeInputs builds a batch that PlainBackend.FromExternal accepts for owner.
func EncodeInputs(owner Principal, values ...uint64) (InputBatch, error) {
	cts := make([][]byte, len(values))
	for i, v := range values {
		ct := make([]byte, plainCiphertextSize)
		binary.BigEndian.PutUint64(ct[:8], v)
		if _, err := rand.Read(ct[8:]); err != nil {
			return InputBatch{}, errors.Wrap(err, "sample nonce")
		}
		cts[i] = ct
	}
	return InputBatch{Ciphertexts: cts, Proof: plainProof(owner, cts)}, nil
}

// plainProof binds the ciphertexts to their owner with a MiMC digest.
func plainProof(owner Principal, cts [][]byte) []byte {
	h := mimcNative.NewMiMC()
	absorb(h, []byte(owner))
	for _, ct := range cts {
		absorb(h, ct)
	}
	return h.Sum(nil)
}

// Calls returns the number of backend operations served so far.
func (b *PlainBackend) Calls() int64 {
	return atomic.LoadInt64(&b.calls)
}

func (b *PlainBackend) TrivialEncrypt(ctx context.Context, v uint64) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	atomic.AddInt64(&b.calls, 1)
	h := DeriveHandle(OpTrivial, nil, v)
	b.put(h, v, Provenance{Op: OpTrivial, Constant: v})
	return h, nil
}

func (b *PlainBackend) FromExternal(ctx context.Context, owner Principal, in InputBatch) ([]Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	atomic.AddInt64(&b.calls, 1)
	if !bytes.Equal(in.Proof, plainProof(owner, in.Ciphertexts)) {
		return nil, ErrInvalidProof
	}

	values := make([]uint64, len(in.Ciphertexts))
	for i, ct := range in.Ciphertexts {
		if len(ct) != plainCiphertextSize {
			return nil, errors.Wrapf(ErrInvalidProof, "ciphertext %d has %d bytes", i, len(ct))
		}
		v := binary.BigEndian.Uint64(ct[:8])
		if v > MaxInput {
			return nil, errors.Wrapf(ErrInvalidProof, "ciphertext %d: %v", i, ErrInputRange)
		}
		values[i] = v
	}

	handles := make([]Handle, len(values))
	for i, v := range values {
		h := DeriveHandle(OpInput, nil, uint64(i), []byte(owner), in.Ciphertexts[i])
		b.put(h, v, Provenance{Op: OpInput, Constant: uint64(i)})
		handles[i] = h
	}
	return handles, nil
}

func (b *PlainBackend) Add(ctx context.Context, x, y Handle) (Handle, error) {
	return b.binary(ctx, OpAdd, x, y)
}

func (b *PlainBackend) Sub(ctx context.Context, x, y Handle) (Handle, error) {
	return b.binary(ctx, OpSub, x, y)
}

func (b *PlainBackend) Mul(ctx context.Context, x, y Handle) (Handle, error) {
	return b.binary(ctx, OpMul, x, y)
}

func (b *PlainBackend) AddScalar(ctx context.Context, x Handle, c uint64) (Handle, error) {
	return b.scalar(ctx, OpAddScalar, x, c)
}

func (b *PlainBackend) SubScalar(ctx context.Context, x Handle, c uint64) (Handle, error) {
	return b.scalar(ctx, OpSubScalar, x, c)
}

func (b *PlainBackend) ScalarSub(ctx context.Context, c uint64, x Handle) (Handle, error) {
	return b.scalar(ctx, OpScalarSub, x, c)
}

func (b *PlainBackend) MulScalar(ctx context.Context, x Handle, c uint64) (Handle, error) {
	return b.scalar(ctx, OpMulScalar, x, c)
}

func (b *PlainBackend) DivScalar(ctx context.Context, x Handle, c uint64) (Handle, error) {
	return b.scalar(ctx, OpDivScalar, x, c)
}

func (b *PlainBackend) Allow(ctx context.Context, h Handle, p Principal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.values[h]; !ok {
		return errors.Wrapf(ErrUnknownHandle, "allow %s", h)
	}
	grants, ok := b.acl[h]
	if !ok {
		grants = make(map[Principal]struct{})
		b.acl[h] = grants
	}
	grants[p] = struct{}{}
	return nil
}

func (b *PlainBackend) IsAllowed(ctx context.Context, h Handle, p Principal) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.acl[h][p]
	return ok, nil
}

// Ping always succeeds; the mock has nothing to reach.
func (b *PlainBackend) Ping() error { return nil }

func (b *PlainBackend) Decrypt(ctx context.Context, h Handle, p Principal) (uint64, error) {
	// Unknown handles are denied too, so callers without a grant learn nothing.
	allowed, err := b.IsAllowed(ctx, h, p)
	if err != nil {
		return 0, err
	}
	if !allowed {
		return 0, errors.Wrapf(ErrAccessDenied, "%s on %s", p, h)
	}
	return b.get(h)
}

func (b *PlainBackend) Provenance(ctx context.Context, h Handle) (Provenance, error) {
	if err := ctx.Err(); err != nil {
		return Provenance{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.prov[h]
	if !ok {
		return Provenance{}, errors.Wrapf(ErrUnknownHandle, "provenance %s", h)
	}
	return p, nil
}

func (b *PlainBackend) binary(ctx context.Context, op Op, x, y Handle) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	atomic.AddInt64(&b.calls, 1)
	a, err := b.get(x)
	if err != nil {
		return Handle{}, err
	}
	c, err := b.get(y)
	if err != nil {
		return Handle{}, err
	}
	v, err := Evaluate(op, a, c)
	if err != nil {
		return Handle{}, err
	}
	h := DeriveHandle(op, []Handle{x, y}, 0)
	b.put(h, v, Provenance{Op: op, Operands: []Handle{x, y}})
	return h, nil
}

func (b *PlainBackend) scalar(ctx context.Context, op Op, x Handle, c uint64) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	atomic.AddInt64(&b.calls, 1)
	a, err := b.get(x)
	if err != nil {
		return Handle{}, err
	}
	v, err := Evaluate(op, a, c)
	if err != nil {
		return Handle{}, err
	}
	h := DeriveHandle(op, []Handle{x}, c)
	b.put(h, v, Provenance{Op: op, Operands: []Handle{x}, Constant: c})
	return h, nil
}

func (b *PlainBackend) get(h Handle) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.values[h]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownHandle, "%s", h)
	}
	return v, nil
}

func (b *PlainBackend) put(h Handle, v uint64, p Provenance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[h] = v
	b.prov[h] = p
}
