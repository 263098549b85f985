package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// Nonce is a 24-byte value used for encryption. It must never repeat
// under the same symmetric key.
type Nonce [24]byte

// MaxMessageSize limits plaintext size to prevent excessive memory
// usage (1MB).
const MaxMessageSize = 1024 * 1024

// EncryptionOverhead is the number of bytes secretbox adds to the
// plaintext for the authentication tag.
const EncryptionOverhead = secretbox.Overhead

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	_, err := rand.Read(nonce[:])
	if err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// EncryptSymmetric encrypts a message using a symmetric session key.
// The output carries both the ciphertext and the authentication tag.
func EncryptSymmetric(message []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}

	if len(message) > MaxMessageSize {
		return nil, errors.New("message too large")
	}

	out := secretbox.Seal(nil, message, (*[24]byte)(&nonce), (*[32]byte)(&key))

	return out, nil
}
