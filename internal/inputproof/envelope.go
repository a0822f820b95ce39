package inputproof

import (
	"encoding/base64"
	"encoding/json"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/pkg/errors"
)

// G1AffineJSON marshals a BLS12-377 point as a base64 string of its compressed form.
type G1AffineJSON struct {
	bls12377.G1Affine
}

func (p G1AffineJSON) MarshalJSON() ([]byte, error) {
	raw := p.G1Affine.Bytes()
	return json.Marshal(base64.StdEncoding.EncodeToString(raw[:]))
}

func (p *G1AffineJSON) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "G1 point must be a JSON string")
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	_, err = p.G1Affine.SetBytes(b)
	return err
}

// Envelope is the proof field of an InputBatch: the submitter's ephemeral key
// G^r and the serialized groth16 proof.
type Envelope struct {
	Ephemeral G1AffineJSON `json:"ephemeral"`
	Proof     []byte       `json:"proof"`
}

func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalEnvelope(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, errors.Wrap(err, "decode proof envelope")
	}
	if len(e.Proof) == 0 {
		return nil, errors.New("proof envelope carries no proof")
	}
	return &e, nil
}
