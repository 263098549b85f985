// Package session establishes and operates the encrypted session with
// the remote service.
//
// A session begins with a handshake: the client proves its long-term
// identity by signing a random challenge, exchanges fresh ephemeral
// X25519 public keys with the peer, and both sides derive the same
// symmetric session key. Every subsequent payload travels inside an
// authenticated-encryption envelope under that key.
//
// The long-term identity is constant for the installation; ephemeral
// key material is scoped to a single handshake attempt and never
// persisted or reused.
package session

import (
	"time"

	"github.com/opd-ai/securelink/crypto"
)

// KeyMaterial is the outcome of a successful handshake: the derived
// symmetric session key and the peer's ephemeral public key. It lives
// until explicitly invalidated by a decryption failure, reconnect, or
// logout.
type KeyMaterial struct {
	SessionKey      [32]byte
	PeerEphemeralPK [32]byte
	EstablishedAt   time.Time
}

// Wipe erases the session key. The material must not be used after.
func (km *KeyMaterial) Wipe() {
	if km == nil {
		return
	}
	crypto.ZeroBytes(km.SessionKey[:])
	crypto.ZeroBytes(km.PeerEphemeralPK[:])
}
