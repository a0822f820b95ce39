// keys.go - Circuit compilation and groth16 key persistence.

package inputproof

import (
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/pkg/errors"
)

const (
	ProvingKeyFile   = "input.pk"
	VerifyingKeyFile = "input.vk"
	// SecretKeyFile holds the backend secret scalar, 32 raw bytes.
	SecretKeyFile = "backend.sk"
)

// Keys bundles the compiled circuit with its groth16 keys.
type Keys struct {
	CCS constraint.ConstraintSystem
	PK  groth16.ProvingKey
	VK  groth16.VerifyingKey
}

// Compile builds the constraint system over the BW6-761 scalar field.
func Compile() (constraint.ConstraintSystem, error) {
	var circuit Circuit
	ccs, err := frontend.Compile(ecc.BW6_761.ScalarField(), r1cs.NewBuilder, &circuit)
	if err != nil {
		return nil, errors.Wrap(err, "circuit compilation failed")
	}
	return ccs, nil
}

// Setup compiles the circuit and runs a fresh groth16 setup.
func Setup() (*Keys, error) {
	ccs, err := Compile()
	if err != nil {
		return nil, err
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, errors.Wrap(err, "groth16 setup")
	}
	return &Keys{CCS: ccs, PK: pk, VK: vk}, nil
}

// SetupOrLoadKeys loads the keys from dir, or generates and saves them there.
func SetupOrLoadKeys(dir string) (*Keys, error) {
	ccs, err := Compile()
	if err != nil {
		return nil, err
	}
	pkPath := filepath.Join(dir, ProvingKeyFile)
	vkPath := filepath.Join(dir, VerifyingKeyFile)

	pk, pkErr := LoadProvingKey(pkPath)
	vk, vkErr := LoadVerifyingKey(vkPath)
	if pkErr == nil && vkErr == nil {
		return &Keys{CCS: ccs, PK: pk, VK: vk}, nil
	}

	pk, vk, err = groth16.Setup(ccs)
	if err != nil {
		return nil, errors.Wrap(err, "groth16 setup")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create key directory")
	}
	if err := SaveProvingKey(pkPath, pk); err != nil {
		return nil, err
	}
	if err := SaveVerifyingKey(vkPath, vk); err != nil {
		return nil, err
	}
	return &Keys{CCS: ccs, PK: pk, VK: vk}, nil
}

func SaveProvingKey(path string, pk groth16.ProvingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = pk.WriteTo(f)
	return errors.Wrap(err, "write proving key")
}

func SaveVerifyingKey(path string, vk groth16.VerifyingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = vk.WriteTo(f)
	return errors.Wrap(err, "write verifying key")
}

func LoadProvingKey(path string) (groth16.ProvingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pk := groth16.NewProvingKey(ecc.BW6_761)
	_, err = pk.ReadFrom(f)
	return pk, err
}

// LoadVerifyingKey is all a verifier-only process needs.
func LoadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vk := groth16.NewVerifyingKey(ecc.BW6_761)
	_, err = vk.ReadFrom(f)
	return vk, err
}

// LoadOrCreateKeyPair reads the backend key from dir, generating it on first use.
func LoadOrCreateKeyPair(dir string) (*KeyPair, error) {
	path := filepath.Join(dir, SecretKeyFile)
	raw, err := os.ReadFile(path)
	if err == nil {
		return KeyPairFromSecret(raw)
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "read backend key")
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create key directory")
	}
	sk := kp.Sk.Bytes()
	if err := os.WriteFile(path, sk[:], 0o600); err != nil {
		return nil, errors.Wrap(err, "write backend key")
	}
	return kp, nil
}
