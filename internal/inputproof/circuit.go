package inputproof

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/algebra/native/sw_bls12377"
	"github.com/consensys/gnark/std/hash/mimc"
)

const (
	// BatchSize is the number of values covered by one proof: loss amount and risk level.
	BatchSize = 2
	// ValueBits bounds every encrypted value.
	ValueBits = 32
)

// Circuit proves that each public ciphertext is a ValueBits-bit value masked
// with a key only the backend (holder of b, G_b = G^b) can rebuild:
//
//	EncKey = G_b^r, G_r = G^r
//	mask_0 = MiMC(EncKey.X, EncKey.Y, Owner), mask_i = MiMC(mask_{i-1})
//	Ciphertexts[i] = Values[i] + mask_i
//
// Folding Owner into the first mask binds the batch to its submitter.
type Circuit struct {
	// ====== PUBLIC VARIABLES ======
	Ciphertexts [BatchSize]frontend.Variable `gnark:",public"`
	Owner       frontend.Variable            `gnark:",public"`
	G           sw_bls12377.G1Affine         `gnark:",public"`
	G_b         sw_bls12377.G1Affine         `gnark:",public"`
	G_r         sw_bls12377.G1Affine         `gnark:",public"`

	// ====== PRIVATE VARIABLES ======
	Values [BatchSize]frontend.Variable
	EncKey sw_bls12377.G1Affine
	R      frontend.Variable
}

func (c *Circuit) Define(api frontend.API) error {
	// 1) Range of every value
	for i := 0; i < BatchSize; i++ {
		api.ToBinary(c.Values[i], ValueBits)
	}

	// 2) Masked values
	masks, err := MaskChain(api, c.EncKey, c.Owner)
	if err != nil {
		return err
	}
	for i := 0; i < BatchSize; i++ {
		api.AssertIsEqual(c.Ciphertexts[i], api.Add(c.Values[i], masks[i]))
	}

	// 3) (G^b)^r == EncKey
	G_b_r := new(sw_bls12377.G1Affine)
	G_b_r.ScalarMul(api, c.G_b, c.R)
	api.AssertIsEqual(c.EncKey.X, G_b_r.X)
	api.AssertIsEqual(c.EncKey.Y, G_b_r.Y)

	// 4) G^r == G_r
	G_r := new(sw_bls12377.G1Affine)
	G_r.ScalarMul(api, c.G, c.R)
	api.AssertIsEqual(c.G_r.X, G_r.X)
	api.AssertIsEqual(c.G_r.Y, G_r.Y)

	return nil
}

// MaskChain is the in-circuit version of masks.
func MaskChain(api frontend.API, encKey sw_bls12377.G1Affine, owner frontend.Variable) ([BatchSize]frontend.Variable, error) {
	var out [BatchSize]frontend.Variable
	hasher, err := mimc.NewMiMC(api)
	if err != nil {
		return out, err
	}
	hasher.Write(encKey.X, encKey.Y, owner)
	out[0] = hasher.Sum()
	for i := 1; i < BatchSize; i++ {
		hasher.Reset()
		hasher.Write(out[i-1])
		out[i] = hasher.Sum()
	}
	return out, nil
}
