// Package identity manages the client's long-term signing identity.
//
// The identity is an Ed25519 keypair generated once on first run and
// persisted through the encrypted keystore. It is immutable for the
// lifetime of the installation: every handshake proves possession of
// the same long-term key, while ephemeral session keys are regenerated
// per handshake and never persisted.
package identity

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securelink/crypto"
	"github.com/opd-ai/securelink/faults"
)

// identityFile is the keystore entry holding the serialized identity.
const identityFile = "identity"

// persistedIdentity is the CBOR on-disk form of the identity keypair.
type persistedIdentity struct {
	Seed      [32]byte  `cbor:"1,keyasint"`
	Public    [32]byte  `cbor:"2,keyasint"`
	CreatedAt time.Time `cbor:"3,keyasint"`
}

// KeyStore holds the client's long-term signing keypair and exposes
// its public identity. Safe for concurrent use; the keypair never
// changes after construction.
type KeyStore struct {
	mu        sync.RWMutex
	keyPair   *crypto.SigningKeyPair
	createdAt time.Time
	store     *crypto.EncryptedKeyStore
}

// LoadOrCreate loads the persisted identity from the encrypted store,
// or generates and persists a fresh one on first run.
func LoadOrCreate(store *crypto.EncryptedKeyStore) (*KeyStore, error) {
	if store == nil {
		return nil, fmt.Errorf("identity: nil keystore")
	}

	if store.Exists(identityFile) {
		return load(store)
	}
	return create(store)
}

func load(store *crypto.EncryptedKeyStore) (*KeyStore, error) {
	data, err := store.ReadEncrypted(identityFile)
	if err != nil {
		return nil, &faults.StorageError{Op: "load identity", Err: err}
	}
	defer crypto.ZeroBytes(data)

	var persisted persistedIdentity
	if err := cbor.Unmarshal(data, &persisted); err != nil {
		return nil, &faults.StorageError{Op: "decode identity", Err: err}
	}

	keyPair, err := crypto.SigningKeyFromSeed(persisted.Seed)
	if err != nil {
		return nil, fmt.Errorf("identity: corrupt persisted seed: %w", err)
	}
	crypto.ZeroBytes(persisted.Seed[:])

	logrus.WithFields(logrus.Fields{
		"function":  "LoadOrCreate",
		"client_id": shortHex(keyPair.Public),
	}).Info("Loaded existing client identity")

	return &KeyStore{
		keyPair:   keyPair,
		createdAt: persisted.CreatedAt,
		store:     store,
	}, nil
}

func create(store *crypto.EncryptedKeyStore) (*KeyStore, error) {
	keyPair, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, fmt.Errorf("identity: failed to generate keypair: %w", err)
	}

	createdAt := time.Now().UTC()
	persisted := persistedIdentity{
		Seed:      keyPair.Private,
		Public:    keyPair.Public,
		CreatedAt: createdAt,
	}

	data, err := cbor.Marshal(persisted)
	crypto.ZeroBytes(persisted.Seed[:])
	if err != nil {
		crypto.WipeSigningKeyPair(keyPair)
		return nil, fmt.Errorf("identity: failed to encode keypair: %w", err)
	}

	if err := store.WriteEncrypted(identityFile, data); err != nil {
		crypto.ZeroBytes(data)
		crypto.WipeSigningKeyPair(keyPair)
		return nil, &faults.StorageError{Op: "persist identity", Err: err}
	}
	crypto.ZeroBytes(data)

	logrus.WithFields(logrus.Fields{
		"function":  "LoadOrCreate",
		"client_id": shortHex(keyPair.Public),
	}).Info("Generated new client identity")

	return &KeyStore{
		keyPair:   keyPair,
		createdAt: createdAt,
		store:     store,
	}, nil
}

// PublicIdentity returns the long-term public signing key.
func (ks *KeyStore) PublicIdentity() [32]byte {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.keyPair.Public
}

// ClientID returns the short hex identifier derived from the public
// key, used as the envelope client_id on the wire.
func (ks *KeyStore) ClientID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return shortHex(ks.keyPair.Public)
}

// CreatedAt returns when this identity was first generated.
func (ks *KeyStore) CreatedAt() time.Time {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.createdAt
}

// SignChallenge signs a handshake challenge with the long-term private
// key, proving identity to the peer.
func (ks *KeyStore) SignChallenge(challenge []byte) (crypto.Signature, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if len(challenge) == 0 {
		return crypto.Signature{}, fmt.Errorf("identity: empty challenge")
	}

	return crypto.Sign(challenge, ks.keyPair.Private)
}

// Close wipes the private key material from memory.
func (ks *KeyStore) Close() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return crypto.WipeSigningKeyPair(ks.keyPair)
}

// shortHex renders the first 8 bytes of a public key as hex.
func shortHex(publicKey [32]byte) string {
	return hex.EncodeToString(publicKey[:8])
}
