package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securelink/crypto"
	"github.com/opd-ai/securelink/faults"
	"github.com/opd-ai/securelink/identity"
)

// StatusSessionEstablished is the peer's acceptance discriminator.
const StatusSessionEstablished = "session_established"

// challengeSize is the length of the random handshake challenge.
const challengeSize = 32

// handshakeRequest is the wire form of the client's opening message.
type handshakeRequest struct {
	Component   string `json:"component"`
	IdentityKey string `json:"identity_key"`
	PublicKey   string `json:"public_key"`
	Timestamp   int64  `json:"timestamp"`
	Challenge   string `json:"challenge"`
	Signature   string `json:"signature"`
}

type handshakeRequestBody struct {
	HandshakeRequest handshakeRequest `json:"handshake_request"`
}

// handshakeResponse is the wire form of the peer's reply.
type handshakeResponse struct {
	Status            string `json:"status"`
	HandshakeResponse struct {
		PublicKey string `json:"public_key"`
	} `json:"handshake_response"`
}

// Handshaker performs the one-shot key exchange with the remote peer.
// Each Initiate call uses a brand-new ephemeral keypair and challenge,
// so the operation is safe to retry without cross-attempt state.
type Handshaker struct {
	httpClient *http.Client
	serverURL  string
	component  string
	timeout    time.Duration
}

// NewHandshaker creates a handshaker against the given server base URL.
// A nil httpClient falls back to http.DefaultClient.
func NewHandshaker(httpClient *http.Client, serverURL, component string, timeout time.Duration) *Handshaker {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Handshaker{
		httpClient: httpClient,
		serverURL:  serverURL,
		component:  component,
		timeout:    timeout,
	}
}

// Initiate runs the handshake: generate a fresh ephemeral keypair and
// challenge, sign the challenge with the long-term identity, send the
// request, verify acceptance, and derive the shared session key.
//
// Peer rejection yields a *faults.HandshakeError; transport failure
// yields a *faults.NetworkError. On any failure no key material is
// produced and no partial state remains.
func (h *Handshaker) Initiate(ctx context.Context, id *identity.KeyStore) (*KeyMaterial, error) {
	ephemeral, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("handshake: failed to generate ephemeral keypair: %w", err)
	}
	defer crypto.WipeKeyPair(ephemeral)

	challenge, err := crypto.SecureRandom(challengeSize)
	if err != nil {
		return nil, fmt.Errorf("handshake: failed to generate challenge: %w", err)
	}

	signature, err := id.SignChallenge(challenge)
	if err != nil {
		return nil, fmt.Errorf("handshake: failed to sign challenge: %w", err)
	}

	identityKey := id.PublicIdentity()
	body := handshakeRequestBody{
		HandshakeRequest: handshakeRequest{
			Component:   h.component,
			IdentityKey: base64.StdEncoding.EncodeToString(identityKey[:]),
			PublicKey:   base64.StdEncoding.EncodeToString(ephemeral.Public[:]),
			Timestamp:   time.Now().Unix(),
			Challenge:   base64.StdEncoding.EncodeToString(challenge),
			Signature:   base64.StdEncoding.EncodeToString(signature[:]),
		},
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Handshaker.Initiate",
		"component": h.component,
		"client_id": id.ClientID(),
	}).Info("Initiating handshake")

	response, err := h.post(ctx, body)
	if err != nil {
		return nil, err
	}

	if response.Status != StatusSessionEstablished {
		logrus.WithFields(logrus.Fields{
			"function": "Handshaker.Initiate",
			"status":   response.Status,
		}).Error("Peer rejected handshake")
		return nil, &faults.HandshakeError{Status: response.Status}
	}

	peerKeyBytes, err := base64.StdEncoding.DecodeString(response.HandshakeResponse.PublicKey)
	if err != nil {
		return nil, &faults.HandshakeError{Err: fmt.Errorf("malformed peer public key: %w", err)}
	}
	if len(peerKeyBytes) != 32 {
		return nil, &faults.HandshakeError{Err: fmt.Errorf("peer public key must be 32 bytes, got %d", len(peerKeyBytes))}
	}

	var peerPublicKey [32]byte
	copy(peerPublicKey[:], peerKeyBytes)

	sessionKey, err := crypto.DeriveSessionKey(ephemeral.Private, peerPublicKey)
	if err != nil {
		return nil, &faults.HandshakeError{Err: fmt.Errorf("session key derivation failed: %w", err)}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Handshaker.Initiate",
		"client_id": id.ClientID(),
	}).Info("Handshake complete, session key established")

	return &KeyMaterial{
		SessionKey:      sessionKey,
		PeerEphemeralPK: peerPublicKey,
		EstablishedAt:   time.Now(),
	}, nil
}

// post sends the handshake request and decodes the peer's reply.
func (h *Handshaker) post(ctx context.Context, body handshakeRequestBody) (*handshakeResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("handshake: failed to encode request: %w", err)
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.serverURL+"/handshake", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("handshake: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, &faults.NetworkError{Op: "handshake", Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &faults.ServerError{Op: "handshake", StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, crypto.MaxMessageSize))
	if err != nil {
		return nil, &faults.NetworkError{Op: "handshake", Err: err}
	}

	var decoded handshakeResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, &faults.HandshakeError{Err: fmt.Errorf("malformed response: %w", err)}
	}

	return &decoded, nil
}

// isTimeout reports whether a transport error was a deadline expiry.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
