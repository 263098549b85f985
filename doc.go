// Package securelink implements a secure session transport and
// resilience layer for clients of a remote service.
//
// The module derives a per-session symmetric key from long-term
// asymmetric identities via a signed-challenge handshake, wraps all
// subsequent traffic in an authenticated-encryption envelope, manages
// the access/refresh token lifecycle, and composes retry, circuit
// breaking, and a durable offline queue so callers always receive a
// typed outcome instead of a raw transport failure.
//
// # Getting Started
//
// Build a client from configuration and connect:
//
//	cfg := config.Default()
//	cfg.ServerURL = "https://api.example.com"
//	cfg.Component = "desktop-app"
//	cfg.DataDir = "/var/lib/myapp"
//
//	client, err := transport.NewSecureClient(&cfg, masterPassword)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	response, err := client.Send(ctx, "/messages", payload)
//
// Send encrypts the payload under the session key, retries transient
// failures with backoff behind a per-endpoint circuit breaker, rotates
// the access token when the server rejects it, re-handshakes when the
// session dies, and parks the payload in the durable offline queue
// when connectivity is persistently down (returning ErrQueued).
//
// # Packages
//
//   - crypto: keypairs, symmetric encryption, key derivation, and the
//     encrypted at-rest keystore
//   - identity: the device's long-term signing identity
//   - session: handshake protocol and the encrypted channel
//   - auth: access/refresh token lifecycle with single-flight refresh
//   - faults: the tagged error taxonomy and recovery classification
//   - resilience: retry manager, circuit breakers, resilient operations
//   - queue: durable offline queue and fallback transport chain
//   - transport: the SecureClient composition root
//   - config: TOML configuration with validation
//   - metrics: Prometheus instrumentation
package securelink
