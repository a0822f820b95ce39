// crypto.go - Native side of the input encryption: keys, masks, sealing and opening.
//
// Values live in the BW6-761 scalar field, which is the BLS12-377 base field,
// so the MiMC masks computed here match the ones the circuit recomputes.

package inputproof

import (
	"crypto/sha256"
	"math"
	"math/big"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	bls12377_fr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/consensys/gnark-crypto/ecc/bw6-761/fr"
	mimcNative "github.com/consensys/gnark-crypto/ecc/bw6-761/fr/mimc"
	"github.com/consensys/gnark/std/algebra/native/sw_bls12377"
	"github.com/pkg/errors"

	"confidentialclaims/internal/fhe"
)

// CiphertextSize is the encoded size of one masked value.
const CiphertextSize = fr.Bytes

// KeyPair is the backend's BLS12-377 key. Submitters encrypt to Pk.
type KeyPair struct {
	Sk bls12377_fr.Element
	Pk bls12377.G1Affine
}

// Generator returns the G1 generator of BLS12-377.
func Generator() bls12377.G1Affine {
	g1Jac, _, _, _ := bls12377.Generators()
	var g bls12377.G1Affine
	g.FromJacobian(&g1Jac)
	return g
}

// GenerateKeyPair samples a random key.
func GenerateKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := kp.Sk.SetRandom(); err != nil {
		return nil, errors.Wrap(err, "sample secret key")
	}
	g := Generator()
	kp.Pk.ScalarMultiplication(&g, kp.Sk.BigInt(new(big.Int)))
	return &kp, nil
}

// KeyPairFromSecret rebuilds a key from its 32-byte secret scalar.
func KeyPairFromSecret(sk []byte) (*KeyPair, error) {
	var kp KeyPair
	if err := kp.Sk.SetBytesCanonical(sk); err != nil {
		return nil, errors.Wrap(err, "decode secret key")
	}
	g := Generator()
	kp.Pk.ScalarMultiplication(&g, kp.Sk.BigInt(new(big.Int)))
	return &kp, nil
}

// OwnerElement maps a principal to the field element bound into its proofs.
func OwnerElement(owner fhe.Principal) fr.Element {
	digest := sha256.Sum256([]byte(owner))
	var e fr.Element
	e.SetBytes(digest[:])
	return e
}

// masks computes mask_0 = MiMC(encKey.X, encKey.Y, owner), mask_i = MiMC(mask_{i-1}).
func masks(encKey bls12377.G1Affine, owner fr.Element) [BatchSize]fr.Element {
	var out [BatchSize]fr.Element
	h := mimcNative.NewMiMC()
	x := encKey.X.Bytes()
	y := encKey.Y.Bytes()
	o := owner.Bytes()
	h.Write(x[:])
	h.Write(y[:])
	h.Write(o[:])
	out[0].SetBytes(h.Sum(nil))
	for i := 1; i < BatchSize; i++ {
		h.Reset()
		prev := out[i-1].Bytes()
		h.Write(prev[:])
		out[i].SetBytes(h.Sum(nil))
	}
	return out
}

// sealed is everything the prover needs to build a witness.
type sealed struct {
	ciphertexts [BatchSize]fr.Element
	values      [BatchSize]uint64
	owner       fr.Element
	r           bls12377_fr.Element
	g_r         bls12377.G1Affine
	encKey      bls12377.G1Affine
}

// seal masks values for the holder of backendPub.
func seal(backendPub bls12377.G1Affine, owner fhe.Principal, values []uint64) (*sealed, error) {
	if len(values) != BatchSize {
		return nil, errors.Errorf("expected %d values, got %d", BatchSize, len(values))
	}
	s := &sealed{owner: OwnerElement(owner)}
	for i, v := range values {
		if v > math.MaxUint32 {
			return nil, errors.Wrapf(fhe.ErrInputRange, "value %d", i)
		}
		s.values[i] = v
	}
	if _, err := s.r.SetRandom(); err != nil {
		return nil, errors.Wrap(err, "sample encryption randomness")
	}
	rBig := s.r.BigInt(new(big.Int))
	g := Generator()
	s.g_r.ScalarMultiplication(&g, rBig)
	s.encKey.ScalarMultiplication(&backendPub, rBig)

	m := masks(s.encKey, s.owner)
	for i := range s.ciphertexts {
		var v fr.Element
		v.SetUint64(s.values[i])
		s.ciphertexts[i].Add(&v, &m[i])
	}
	return s, nil
}

// Seal masks values for the holder of backendPub without proving anything
// about them. Prover.Encrypt is the proven variant.
func Seal(backendPub bls12377.G1Affine, owner fhe.Principal, values ...uint64) ([][]byte, bls12377.G1Affine, error) {
	s, err := seal(backendPub, owner, values)
	if err != nil {
		return nil, bls12377.G1Affine{}, err
	}
	return s.encoded(), s.g_r, nil
}

func (s *sealed) encoded() [][]byte {
	cts := make([][]byte, BatchSize)
	for i := range s.ciphertexts {
		b := s.ciphertexts[i].Bytes()
		cts[i] = b[:]
	}
	return cts
}

// Open removes the masks from ciphertexts sent by owner with ephemeral key
// G_r. It assumes the proof already verified; the range is checked anyway.
func (kp *KeyPair) Open(owner fhe.Principal, ephemeral bls12377.G1Affine, ciphertexts [][]byte) ([]uint64, error) {
	if len(ciphertexts) != BatchSize {
		return nil, errors.Errorf("expected %d ciphertexts, got %d", BatchSize, len(ciphertexts))
	}
	var encKey bls12377.G1Affine
	encKey.ScalarMultiplication(&ephemeral, kp.Sk.BigInt(new(big.Int)))
	m := masks(encKey, OwnerElement(owner))

	out := make([]uint64, BatchSize)
	for i, raw := range ciphertexts {
		ct, err := decodeCiphertext(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "ciphertext %d", i)
		}
		var v fr.Element
		v.Sub(&ct, &m[i])
		if !v.IsUint64() || v.Uint64() > math.MaxUint32 {
			return nil, errors.Wrapf(fhe.ErrInputRange, "ciphertext %d", i)
		}
		out[i] = v.Uint64()
	}
	return out, nil
}

func decodeCiphertext(raw []byte) (fr.Element, error) {
	var e fr.Element
	if len(raw) != CiphertextSize {
		return e, errors.Errorf("ciphertext has %d bytes, want %d", len(raw), CiphertextSize)
	}
	if err := e.SetBytesCanonical(raw); err != nil {
		return e, errors.Wrap(err, "ciphertext is not a field element")
	}
	return e, nil
}

// toGnarkPoint converts a native BLS12-377 point to gnark format.
func toGnarkPoint(p bls12377.G1Affine) sw_bls12377.G1Affine {
	xBytes := p.X.Bytes()
	yBytes := p.Y.Bytes()
	return sw_bls12377.G1Affine{
		X: new(big.Int).SetBytes(xBytes[:]).String(),
		Y: new(big.Int).SetBytes(yBytes[:]).String(),
	}
}

func elementString(e fr.Element) string {
	return e.BigInt(new(big.Int)).String()
}
