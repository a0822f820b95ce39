// handle.go - Opaque ciphertext handles and their provenance.
//
// A Handle never carries plaintext. It is the MiMC digest of the operation that
// produced it and of that operation's inputs, so two handles are equal only when
// they denote the same computation.

package fhe

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"

	"github.com/consensys/gnark-crypto/ecc/bw6-761/fr"
	mimcNative "github.com/consensys/gnark-crypto/ecc/bw6-761/fr/mimc"
	"github.com/pkg/errors"
)

// HandleSize is the byte length of a handle (one BW6-761 scalar field element).
const HandleSize = fr.Bytes

// Handle references an encrypted value held by a Backend.
type Handle [HandleSize]byte

// String returns the hex encoding of the handle.
func (h Handle) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the handle is unset.
func (h Handle) IsZero() bool {
	return h == Handle{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Handle) UnmarshalText(text []byte) error {
	parsed, err := ParseHandle(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHandle decodes a hex-encoded handle.
func ParseHandle(s string) (Handle, error) {
	var h Handle
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, errors.Wrap(err, "decode handle")
	}
	if len(b) != HandleSize {
		return h, errors.Errorf("handle must be %d bytes, got %d", HandleSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Op identifies the operation that produced a handle.
type Op uint8

const (
	OpTrivial Op = iota + 1
	OpInput
	OpAdd
	OpSub
	OpMul
	OpAddScalar
	OpSubScalar
	OpScalarSub
	OpMulScalar
	OpDivScalar
)

func (o Op) String() string {
	switch o {
	case OpTrivial:
		return "trivial"
	case OpInput:
		return "input"
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	case OpMul:
		return "mul"
	case OpAddScalar:
		return "add_scalar"
	case OpSubScalar:
		return "sub_scalar"
	case OpScalarSub:
		return "scalar_sub"
	case OpMulScalar:
		return "mul_scalar"
	case OpDivScalar:
		return "div_scalar"
	default:
		return "unknown"
	}
}

// Provenance records how a handle was produced.
type Provenance struct {
	Op       Op       `json:"op"`
	Operands []Handle `json:"operands,omitempty"`
	Constant uint64   `json:"constant"`
}

// DeriveHandle computes the handle for op applied to operands and constant.
// Extra byte strings (ciphertext bytes, owner) are folded in for input handles.
func DeriveHandle(op Op, operands []Handle, constant uint64, extra ...[]byte) Handle {
	h := mimcNative.NewMiMC()
	absorb(h, uint64Bytes(uint64(op)))
	for _, o := range operands {
		absorb(h, o[:])
	}
	absorb(h, uint64Bytes(constant))
	for _, e := range extra {
		digest := sha256.Sum256(e)
		absorb(h, digest[:])
	}

	var out Handle
	copy(out[:], h.Sum(nil))
	return out
}

// absorb writes b into the MiMC state as a single canonical field element.
func absorb(h hash.Hash, b []byte) {
	var e fr.Element
	e.SetBytes(b)
	bb := e.Bytes()
	h.Write(bb[:])
}

func uint64Bytes(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}
