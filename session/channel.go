package session

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securelink/crypto"
	"github.com/opd-ai/securelink/faults"
)

// ErrNoSession indicates an encrypt or decrypt call arrived without
// established key material. The channel fails closed; the caller must
// run a handshake first.
var ErrNoSession = &faults.HandshakeError{Err: fmt.Errorf("no established session")}

// Envelope is the wire form of all post-handshake traffic. Payload is
// base64(nonce || ciphertext).
type Envelope struct {
	Encrypted bool   `json:"encrypted"`
	Payload   string `json:"payload"`
	ClientID  string `json:"client_id"`
}

// Channel provides authenticated encryption of arbitrary payloads
// under the established session key. Many encrypt/decrypt calls may
// run concurrently; key rotation takes an exclusive lock so no caller
// ever observes half-rotated material.
type Channel struct {
	mu       sync.RWMutex
	material *KeyMaterial
	clientID string
}

// NewChannel creates a channel for the given client identifier. The
// channel starts without key material and fails closed until a
// handshake installs some.
func NewChannel(clientID string) *Channel {
	return &Channel{clientID: clientID}
}

// SetKeyMaterial installs freshly derived session key material,
// wiping any previous key. Safe to call while encrypt/decrypt calls
// are in flight.
func (c *Channel) SetKeyMaterial(km *KeyMaterial) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.material != nil {
		c.material.Wipe()
	}
	c.material = km

	logrus.WithFields(logrus.Fields{
		"function":  "Channel.SetKeyMaterial",
		"client_id": c.clientID,
	}).Debug("Session key material rotated")
}

// Invalidate discards the current session key material. Subsequent
// encrypt/decrypt calls fail closed until a new handshake completes.
func (c *Channel) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.material != nil {
		c.material.Wipe()
		c.material = nil

		logrus.WithFields(logrus.Fields{
			"function":  "Channel.Invalidate",
			"client_id": c.clientID,
		}).Info("Session invalidated")
	}
}

// Established reports whether the channel holds usable key material.
func (c *Channel) Established() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.material != nil
}

// Encrypt seals a payload into an envelope using a fresh random nonce.
// It fails closed with ErrNoSession when no session is established.
func (c *Channel) Encrypt(payload []byte) (*Envelope, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.material == nil {
		return nil, ErrNoSession
	}

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("channel: failed to generate nonce: %w", err)
	}

	ciphertext, err := crypto.EncryptSymmetric(payload, nonce, c.material.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("channel: encryption failed: %w", err)
	}

	combined := make([]byte, len(nonce)+len(ciphertext))
	copy(combined, nonce[:])
	copy(combined[len(nonce):], ciphertext)

	return &Envelope{
		Encrypted: true,
		Payload:   base64.StdEncoding.EncodeToString(combined),
		ClientID:  c.clientID,
	}, nil
}

// Decrypt opens an envelope, verifying the authentication tag before
// returning any plaintext. A tag mismatch invalidates the session and
// returns a *faults.DecryptionError; the caller must re-handshake.
func (c *Channel) Decrypt(env *Envelope) ([]byte, error) {
	plaintext, err := c.tryDecrypt(env)
	if err != nil {
		var decryptErr *faults.DecryptionError
		if errors.As(err, &decryptErr) {
			// Fail closed: the key is no longer trustworthy.
			c.Invalidate()
		}
		return nil, err
	}
	return plaintext, nil
}

// tryDecrypt performs the decryption under the read lock so rotation
// cannot interleave with an in-flight call.
func (c *Channel) tryDecrypt(env *Envelope) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.material == nil {
		return nil, ErrNoSession
	}

	if env == nil || !env.Encrypted {
		return nil, fmt.Errorf("channel: envelope is not encrypted")
	}

	combined, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, &faults.DecryptionError{Err: fmt.Errorf("malformed payload encoding: %w", err)}
	}

	if len(combined) < 24+crypto.EncryptionOverhead {
		return nil, &faults.DecryptionError{Err: fmt.Errorf("payload too short: %d bytes", len(combined))}
	}

	var nonce crypto.Nonce
	copy(nonce[:], combined[:24])

	plaintext, err := crypto.DecryptSymmetric(combined[24:], nonce, c.material.SessionKey)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Channel.tryDecrypt",
			"client_id": c.clientID,
		}).Error("Envelope authentication failed")
		return nil, &faults.DecryptionError{Err: err}
	}

	return plaintext, nil
}
