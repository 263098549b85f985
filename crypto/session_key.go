package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// sessionKeyInfo is the HKDF info label binding derived keys to this
// protocol version. Changing it invalidates all established sessions.
const sessionKeyInfo = "securelink-session-v1"

// DeriveSessionKey computes a symmetric session key from our ephemeral
// private key and the peer's ephemeral public key using X25519 followed
// by HKDF-SHA256. Both sides arrive at the same key.
func DeriveSessionKey(privateKey, peerPublicKey [32]byte) ([32]byte, error) {
	logrus.WithFields(logrus.Fields{
		"function":        "DeriveSessionKey",
		"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:8]),
	}).Debug("Deriving session key via X25519 + HKDF")

	// Work on copies so the caller's key material is never modified.
	var privateKeyCopy [32]byte
	copy(privateKeyCopy[:], privateKey[:])

	sharedSecret, err := curve25519.X25519(privateKeyCopy[:], peerPublicKey[:])
	if err != nil {
		ZeroBytes(privateKeyCopy[:])
		return [32]byte{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	reader := hkdf.New(sha256.New, sharedSecret, nil, []byte(sessionKeyInfo))

	var sessionKey [32]byte
	if _, err := io.ReadFull(reader, sessionKey[:]); err != nil {
		ZeroBytes(privateKeyCopy[:])
		ZeroBytes(sharedSecret)
		return [32]byte{}, fmt.Errorf("failed to expand session key: %w", err)
	}

	// Wipe intermediates; only the derived key leaves this function.
	ZeroBytes(privateKeyCopy[:])
	ZeroBytes(sharedSecret)

	logrus.WithFields(logrus.Fields{
		"function": "DeriveSessionKey",
	}).Debug("Session key derived, intermediates wiped")

	return sessionKey, nil
}

// SecureRandom generates cryptographically secure random bytes.
func SecureRandom(size int) ([]byte, error) {
	bytes := make([]byte, size)
	if _, err := rand.Read(bytes); err != nil {
		return nil, err
	}
	return bytes, nil
}
