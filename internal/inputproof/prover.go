// prover.go - Client side: seal values and prove they are well formed.

package inputproof

import (
	"bytes"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/pkg/errors"

	"confidentialclaims/internal/fhe"
)

// Prover encrypts batches for one backend public key.
type Prover struct {
	keys       *Keys
	backendPub bls12377.G1Affine
}

func NewProver(keys *Keys, backendPub bls12377.G1Affine) *Prover {
	return &Prover{keys: keys, backendPub: backendPub}
}

// Encrypt seals exactly BatchSize values for owner and attaches the proof.
func (p *Prover) Encrypt(owner fhe.Principal, values ...uint64) (fhe.InputBatch, error) {
	if err := owner.Validate(); err != nil {
		return fhe.InputBatch{}, err
	}
	s, err := seal(p.backendPub, owner, values)
	if err != nil {
		return fhe.InputBatch{}, err
	}

	w, err := frontend.NewWitness(s.assignment(p.backendPub), ecc.BW6_761.ScalarField())
	if err != nil {
		return fhe.InputBatch{}, errors.Wrap(err, "witness creation failed")
	}
	proof, err := groth16.Prove(p.keys.CCS, p.keys.PK, w)
	if err != nil {
		return fhe.InputBatch{}, errors.Wrap(err, "proof generation failed")
	}
	var proofBuf bytes.Buffer
	if _, err := proof.WriteTo(&proofBuf); err != nil {
		return fhe.InputBatch{}, errors.Wrap(err, "proof marshaling failed")
	}

	env := Envelope{Ephemeral: G1AffineJSON{s.g_r}, Proof: proofBuf.Bytes()}
	rawEnv, err := env.Marshal()
	if err != nil {
		return fhe.InputBatch{}, err
	}
	return fhe.InputBatch{Ciphertexts: s.encoded(), Proof: rawEnv}, nil
}

// assignment is the full witness for s.
func (s *sealed) assignment(backendPub bls12377.G1Affine) *Circuit {
	c := &Circuit{
		Owner:  elementString(s.owner),
		G:      toGnarkPoint(Generator()),
		G_b:    toGnarkPoint(backendPub),
		G_r:    toGnarkPoint(s.g_r),
		EncKey: toGnarkPoint(s.encKey),
		R:      s.r.BigInt(new(big.Int)).String(),
	}
	for i := 0; i < BatchSize; i++ {
		c.Ciphertexts[i] = elementString(s.ciphertexts[i])
		c.Values[i] = s.values[i]
	}
	return c
}
