package inputproof

import (
	"bytes"

	"github.com/consensys/gnark-crypto/ecc"
	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/pkg/errors"

	"confidentialclaims/internal/fhe"
)

// Verifier checks input batches addressed to one backend public key.
type Verifier struct {
	vk         groth16.VerifyingKey
	backendPub bls12377.G1Affine
}

func NewVerifier(vk groth16.VerifyingKey, backendPub bls12377.G1Affine) *Verifier {
	return &Verifier{vk: vk, backendPub: backendPub}
}

// Verify checks the batch proof for owner and returns the submitter's
// ephemeral key. Every failure wraps fhe.ErrInvalidProof.
func (v *Verifier) Verify(owner fhe.Principal, in fhe.InputBatch) (bls12377.G1Affine, error) {
	var zero bls12377.G1Affine
	invalid := func(err error, msg string) (bls12377.G1Affine, error) {
		return zero, errors.Wrapf(fhe.ErrInvalidProof, "%s: %v", msg, err)
	}

	if err := owner.Validate(); err != nil {
		return zero, err
	}
	if len(in.Ciphertexts) != BatchSize {
		return invalid(errors.Errorf("got %d ciphertexts", len(in.Ciphertexts)), "batch size")
	}
	env, err := UnmarshalEnvelope(in.Proof)
	if err != nil {
		return invalid(err, "envelope")
	}

	public := &Circuit{
		Owner: elementString(OwnerElement(owner)),
		G:     toGnarkPoint(Generator()),
		G_b:   toGnarkPoint(v.backendPub),
		G_r:   toGnarkPoint(env.Ephemeral.G1Affine),
	}
	for i, raw := range in.Ciphertexts {
		ct, err := decodeCiphertext(raw)
		if err != nil {
			return invalid(err, "ciphertext")
		}
		public.Ciphertexts[i] = elementString(ct)
	}
	w, err := frontend.NewWitness(public, ecc.BW6_761.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return invalid(err, "public witness creation failed")
	}

	proof := groth16.NewProof(ecc.BW6_761)
	if _, err := proof.ReadFrom(bytes.NewReader(env.Proof)); err != nil {
		return invalid(err, "proof unmarshaling failed")
	}
	if err := groth16.Verify(proof, v.vk, w); err != nil {
		return invalid(err, "proof verification failed")
	}
	return env.Ephemeral.G1Affine, nil
}
