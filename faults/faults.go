// Package faults defines the tagged error taxonomy shared by the
// secure session layer. Every failure crossing an I/O boundary is
// created as one of these typed variants at the failure site and
// matched with errors.As, never by inspecting error strings.
package faults

import (
	"fmt"
	"time"
)

// NetworkError indicates a transport-level failure: timeout, connection
// refused, DNS failure. Retryable with backoff.
type NetworkError struct {
	Op      string // operation that failed, e.g. "handshake", "send"
	Timeout bool   // whether the failure was a deadline expiry
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("network timeout during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError indicates the backend answered with a 5xx status.
// Retryable with backoff; classified as backend-unavailable.
type ServerError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error during %s: status %d", e.Op, e.StatusCode)
}

// AuthError indicates the credential presented was rejected (401/403,
// expired or revoked token). Never retried by the retry manager; routed
// to token refresh or full re-authentication.
type AuthError struct {
	Op             string
	StatusCode     int
	Reason         string
	Reauthenticate bool // true when refresh cannot help and full login is required
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed during %s: %s (status %d)", e.Op, e.Reason, e.StatusCode)
}

// ValidationError indicates the request was malformed or rejected by
// the backend with a non-auth 4xx. Not retryable; surfaced verbatim.
type ValidationError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error during %s: %s (status %d)", e.Op, e.Message, e.StatusCode)
}

// HandshakeError indicates the peer rejected the handshake (bad
// signature, stale timestamp, malformed response). Fatal per attempt;
// a retry requires a fresh ephemeral keypair and challenge.
type HandshakeError struct {
	Status string // status discriminator returned by the peer, if any
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("handshake rejected: %s", e.Status)
	}
	return fmt.Sprintf("handshake failed: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// DecryptionError indicates an authentication-tag mismatch on an
// incoming envelope. Fatal for the session: the key material is
// invalidated and a fresh handshake is required.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("envelope decryption failed: %v", e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// CircuitOpenError indicates a call was rejected locally by an open
// circuit breaker. No network attempt was made; not counted as a new
// failure and never retried locally.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry after %s)", e.Name, e.RetryAfter)
}

// StorageError indicates the durable local store (keystore, queue
// snapshot) failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
