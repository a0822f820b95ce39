// coprocessor.go - Confidential-compute backend holding sealed values.
//
// Plaintexts exist only inside an operation: operands are unsealed, combined,
// and the result sealed again under a key derived from the backend secret.
// Callers only ever see handles.

package coprocessor

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"sync"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"confidentialclaims/internal/fhe"
	"confidentialclaims/internal/inputproof"
)

const sealingInfo = "confidentialclaims/coprocessor/sealing/v1"

// InputVerifier checks an input batch and returns the submitter's ephemeral key.
type InputVerifier interface {
	Verify(owner fhe.Principal, in fhe.InputBatch) (bls12377.G1Affine, error)
}

type Config struct {
	KeyPair  *inputproof.KeyPair
	Verifier InputVerifier
	// Store defaults to a MemoryStore.
	Store  Store
	Logger logrus.FieldLogger
}

// Backend implements fhe.Backend.
type Backend struct {
	kp       *inputproof.KeyPair
	verifier InputVerifier
	aead     cipher.AEAD
	store    Store
	log      logrus.FieldLogger

	// mu serializes read-modify-write of records.
	mu sync.Mutex
}

var _ fhe.Backend = (*Backend)(nil)

func New(cfg Config) (*Backend, error) {
	if cfg.KeyPair == nil {
		return nil, errors.New("coprocessor needs a key pair")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("coprocessor needs an input verifier")
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	secret := cfg.KeyPair.Sk.Bytes()
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret[:], nil, []byte(sealingInfo)), key); err != nil {
		return nil, errors.Wrap(err, "derive sealing key")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "init sealing cipher")
	}
	return &Backend{
		kp:       cfg.KeyPair,
		verifier: cfg.Verifier,
		aead:     aead,
		store:    cfg.Store,
		log:      cfg.Logger.WithField("component", "coprocessor"),
	}, nil
}

// PublicKey is the key clients encrypt their inputs to.
func (b *Backend) PublicKey() bls12377.G1Affine {
	return b.kp.Pk
}

// Ping checks the record store.
func (b *Backend) Ping() error {
	return b.store.Ping()
}

func (b *Backend) TrivialEncrypt(ctx context.Context, v uint64) (fhe.Handle, error) {
	if err := ctx.Err(); err != nil {
		return fhe.Handle{}, err
	}
	h := fhe.DeriveHandle(fhe.OpTrivial, nil, v)
	return h, b.create(h, v, fhe.Provenance{Op: fhe.OpTrivial, Constant: v})
}

func (b *Backend) FromExternal(ctx context.Context, owner fhe.Principal, in fhe.InputBatch) ([]fhe.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	ephemeral, err := b.verifier.Verify(owner, in)
	if err != nil {
		b.log.WithError(err).WithField("owner", owner).Warn("rejected input batch")
		if errors.Is(err, fhe.ErrInvalidProof) {
			return nil, err
		}
		return nil, errors.Wrap(fhe.ErrInvalidProof, err.Error())
	}
	values, err := b.kp.Open(owner, ephemeral, in.Ciphertexts)
	if err != nil {
		return nil, errors.Wrap(fhe.ErrInvalidProof, err.Error())
	}

	handles := make([]fhe.Handle, len(values))
	for i := range values {
		handles[i] = fhe.DeriveHandle(fhe.OpInput, nil, uint64(i), []byte(owner), in.Ciphertexts[i])
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	fresh := make(map[fhe.Handle]*Record, len(values))
	for i, h := range handles {
		if _, err := b.store.Get(h); err == nil {
			continue
		} else if !errors.Is(err, fhe.ErrUnknownHandle) {
			return nil, err
		}
		sealed, err := b.seal(h, values[i])
		if err != nil {
			return nil, err
		}
		fresh[h] = &Record{Sealed: sealed, Provenance: fhe.Provenance{Op: fhe.OpInput, Constant: uint64(i)}}
	}
	if err := b.store.PutAll(fresh); err != nil {
		return nil, err
	}
	return handles, nil
}

func (b *Backend) Add(ctx context.Context, x, y fhe.Handle) (fhe.Handle, error) {
	return b.binary(ctx, fhe.OpAdd, x, y)
}

func (b *Backend) Sub(ctx context.Context, x, y fhe.Handle) (fhe.Handle, error) {
	return b.binary(ctx, fhe.OpSub, x, y)
}

func (b *Backend) Mul(ctx context.Context, x, y fhe.Handle) (fhe.Handle, error) {
	return b.binary(ctx, fhe.OpMul, x, y)
}

func (b *Backend) AddScalar(ctx context.Context, x fhe.Handle, c uint64) (fhe.Handle, error) {
	return b.scalar(ctx, fhe.OpAddScalar, x, c)
}

func (b *Backend) SubScalar(ctx context.Context, x fhe.Handle, c uint64) (fhe.Handle, error) {
	return b.scalar(ctx, fhe.OpSubScalar, x, c)
}

func (b *Backend) ScalarSub(ctx context.Context, c uint64, x fhe.Handle) (fhe.Handle, error) {
	return b.scalar(ctx, fhe.OpScalarSub, x, c)
}

func (b *Backend) MulScalar(ctx context.Context, x fhe.Handle, c uint64) (fhe.Handle, error) {
	return b.scalar(ctx, fhe.OpMulScalar, x, c)
}

func (b *Backend) DivScalar(ctx context.Context, x fhe.Handle, c uint64) (fhe.Handle, error) {
	return b.scalar(ctx, fhe.OpDivScalar, x, c)
}

func (b *Backend) Allow(ctx context.Context, h fhe.Handle, p fhe.Principal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r, err := b.store.Get(h)
	if err != nil {
		return err
	}
	if r.allows(p) {
		return nil
	}
	r.Allowed = append(r.Allowed, p)
	return b.store.Put(h, r)
}

func (b *Backend) IsAllowed(ctx context.Context, h fhe.Handle, p fhe.Principal) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r, err := b.store.Get(h)
	if errors.Is(err, fhe.ErrUnknownHandle) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return r.allows(p), nil
}

func (b *Backend) Decrypt(ctx context.Context, h fhe.Handle, p fhe.Principal) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r, err := b.store.Get(h)
	if errors.Is(err, fhe.ErrUnknownHandle) {
		return 0, errors.Wrapf(fhe.ErrAccessDenied, "%s on %s", p, h)
	}
	if err != nil {
		return 0, err
	}
	if !r.allows(p) {
		return 0, errors.Wrapf(fhe.ErrAccessDenied, "%s on %s", p, h)
	}
	return b.unseal(h, r.Sealed)
}

func (b *Backend) Provenance(ctx context.Context, h fhe.Handle) (fhe.Provenance, error) {
	if err := ctx.Err(); err != nil {
		return fhe.Provenance{}, err
	}
	r, err := b.store.Get(h)
	if err != nil {
		return fhe.Provenance{}, err
	}
	return r.Provenance, nil
}

func (b *Backend) binary(ctx context.Context, op fhe.Op, x, y fhe.Handle) (fhe.Handle, error) {
	if err := ctx.Err(); err != nil {
		return fhe.Handle{}, err
	}
	a, err := b.value(x)
	if err != nil {
		return fhe.Handle{}, err
	}
	c, err := b.value(y)
	if err != nil {
		return fhe.Handle{}, err
	}
	v, err := fhe.Evaluate(op, a, c)
	if err != nil {
		return fhe.Handle{}, err
	}
	operands := []fhe.Handle{x, y}
	h := fhe.DeriveHandle(op, operands, 0)
	return h, b.create(h, v, fhe.Provenance{Op: op, Operands: operands})
}

func (b *Backend) scalar(ctx context.Context, op fhe.Op, x fhe.Handle, c uint64) (fhe.Handle, error) {
	if err := ctx.Err(); err != nil {
		return fhe.Handle{}, err
	}
	a, err := b.value(x)
	if err != nil {
		return fhe.Handle{}, err
	}
	v, err := fhe.Evaluate(op, a, c)
	if err != nil {
		return fhe.Handle{}, err
	}
	operands := []fhe.Handle{x}
	h := fhe.DeriveHandle(op, operands, c)
	return h, b.create(h, v, fhe.Provenance{Op: op, Operands: operands, Constant: c})
}

func (b *Backend) value(h fhe.Handle) (uint64, error) {
	r, err := b.store.Get(h)
	if err != nil {
		return 0, err
	}
	return b.unseal(h, r.Sealed)
}

// create stores a new record unless h already exists. Handles are derived
// from provenance, so an existing record holds the same value and keeps its
// grants.
func (b *Backend) create(h fhe.Handle, v uint64, prov fhe.Provenance) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.store.Get(h); err == nil {
		return nil
	} else if !errors.Is(err, fhe.ErrUnknownHandle) {
		return err
	}
	sealed, err := b.seal(h, v)
	if err != nil {
		return err
	}
	return b.store.Put(h, &Record{Sealed: sealed, Provenance: prov})
}

// seal returns nonce || XChaCha20-Poly1305(v) with the handle as associated data.
func (b *Backend) seal(h fhe.Handle, v uint64) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize(), b.aead.NonceSize()+8+b.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "sample nonce")
	}
	var plain [8]byte
	binary.BigEndian.PutUint64(plain[:], v)
	return b.aead.Seal(nonce, nonce, plain[:], h[:]), nil
}

func (b *Backend) unseal(h fhe.Handle, sealed []byte) (uint64, error) {
	n := b.aead.NonceSize()
	if len(sealed) < n {
		return 0, errors.Errorf("sealed value of %s is truncated", h)
	}
	plain, err := b.aead.Open(nil, sealed[:n], sealed[n:], h[:])
	if err != nil {
		return 0, errors.Wrapf(err, "unseal %s", h)
	}
	if len(plain) != 8 {
		return 0, errors.Errorf("sealed value of %s has %d bytes", h, len(plain))
	}
	return binary.BigEndian.Uint64(plain), nil
}
