package crypto

import (
	"crypto/ed25519"
	"errors"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Signature represents an Ed25519 signature.
type Signature [SignatureSize]byte

// SigningKeyPair represents an Ed25519 identity key pair. The private
// key is stored as the 32-byte seed; the full 64-byte key is derived
// on demand.
type SigningKeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateSigningKeyPair creates a new random Ed25519 signing key pair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	seed, err := SecureRandom(32)
	if err != nil {
		return nil, err
	}

	var kp SigningKeyPair
	copy(kp.Private[:], seed)
	ZeroBytes(seed)

	edKey := ed25519.NewKeyFromSeed(kp.Private[:])
	pub := edKey.Public().(ed25519.PublicKey)
	copy(kp.Public[:], pub)

	return &kp, nil
}

// SigningKeyFromSeed reconstructs a signing key pair from a stored
// 32-byte seed.
func SigningKeyFromSeed(seed [32]byte) (*SigningKeyPair, error) {
	if isZeroKey(seed) {
		return nil, errors.New("invalid signing seed: all zeros")
	}

	var kp SigningKeyPair
	kp.Private = seed

	edKey := ed25519.NewKeyFromSeed(seed[:])
	pub := edKey.Public().(ed25519.PublicKey)
	copy(kp.Public[:], pub)

	return &kp, nil
}

// Sign creates an Ed25519 signature for a message using the private key.
func Sign(message []byte, privateKey [32]byte) (Signature, error) {
	if len(message) == 0 {
		return Signature{}, errors.New("empty message")
	}

	// Ed25519 private keys are 64 bytes (32 bytes seed + 32 bytes public key)
	edPrivateKey := ed25519.NewKeyFromSeed(privateKey[:])

	signatureBytes := ed25519.Sign(edPrivateKey, message)

	var signature Signature
	copy(signature[:], signatureBytes)

	return signature, nil
}

// Verify checks if a signature is valid for a message and public key.
func Verify(message []byte, signature Signature, publicKey [32]byte) (bool, error) {
	if len(message) == 0 {
		return false, errors.New("empty message")
	}

	var edPublicKey [ed25519.PublicKeySize]byte
	copy(edPublicKey[:], publicKey[:])

	return ed25519.Verify(edPublicKey[:], message, signature[:]), nil
}
