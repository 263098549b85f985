package crypto

import (
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrAuthenticationFailed indicates the ciphertext authentication tag
// did not verify. No plaintext is returned in this case.
var ErrAuthenticationFailed = errors.New("decryption failed: message authentication failed")

// DecryptSymmetric decrypts a message using a symmetric session key.
// The authentication tag is verified before any plaintext is returned.
func DecryptSymmetric(ciphertext []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("empty ciphertext")
	}

	out, ok := secretbox.Open(nil, ciphertext, (*[24]byte)(&nonce), (*[32]byte)(&key))
	if !ok {
		return nil, ErrAuthenticationFailed
	}

	return out, nil
}
