// Package transport composes the secure session layer into a client:
// identity, handshake, encrypted envelopes, token lifecycle, retry and
// circuit-breaker discipline, and the durable offline queue, behind a
// small Connect/Send/Health/Close surface.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securelink/auth"
	"github.com/opd-ai/securelink/config"
	"github.com/opd-ai/securelink/crypto"
	"github.com/opd-ai/securelink/faults"
	"github.com/opd-ai/securelink/identity"
	"github.com/opd-ai/securelink/metrics"
	"github.com/opd-ai/securelink/queue"
	"github.com/opd-ai/securelink/resilience"
	"github.com/opd-ai/securelink/session"
)

// ErrQueued is returned by Send when immediate delivery failed and the
// payload was durably parked in the offline queue for the drain loop.
var ErrQueued = errors.New("transport: operation queued for deferred delivery")

// SecureClient is the composition root: it owns the device identity,
// the secure channel, the token manager, the resilience machinery and
// the offline queue, and exposes encrypted request/response exchange
// with the remote peer.
type SecureClient struct {
	cfg        *config.Config
	httpClient *http.Client

	store      *crypto.EncryptedKeyStore
	id         *identity.KeyStore
	channel    *session.Channel
	handshaker *session.Handshaker
	tokens     *auth.Manager
	breakers   *resilience.Registry
	retry      *resilience.Manager
	queue      *queue.OfflineQueue
	fallback   *queue.FallbackTransport
	metrics    *metrics.Metrics

	connectMu    sync.Mutex
	drainStarted bool
}

// ClientOption configures a SecureClient.
type ClientOption func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
	registry   prometheus.Registerer
	onReauth   func(error)
}

// WithHTTPClient overrides the HTTP client used for all requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(o *clientOptions) { o.httpClient = hc }
}

// WithMetricsRegistry registers the client's collectors against the
// given registerer.
func WithMetricsRegistry(reg prometheus.Registerer) ClientOption {
	return func(o *clientOptions) { o.registry = reg }
}

// WithReauthenticationSignal registers a callback fired when the
// refresh credential dies and the application must run a full login.
func WithReauthenticationSignal(fn func(error)) ClientOption {
	return func(o *clientOptions) { o.onReauth = fn }
}

// NewSecureClient wires the full stack from configuration. The master
// password protects the at-rest keystore holding identity, tokens and
// the offline queue.
func NewSecureClient(cfg *config.Config, masterPassword []byte, opts ...ClientOption) (*SecureClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var options clientOptions
	for _, opt := range opts {
		opt(&options)
	}
	httpClient := options.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	store, err := crypto.NewEncryptedKeyStore(cfg.DataDir, masterPassword)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to open keystore: %w", err)
	}

	id, err := identity.LoadOrCreate(store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("transport: failed to load identity: %w", err)
	}

	m := metrics.New(options.registry)
	channel := session.NewChannel(id.ClientID())
	handshaker := session.NewHandshaker(httpClient, cfg.ServerURL, cfg.Component, cfg.HandshakeTimeout)

	refresher := NewHTTPRefresher(httpClient, cfg.ServerURL, channel, cfg.RequestTimeout, func(result string) {
		m.TokenRefreshes.WithLabelValues(result).Inc()
	})

	authOpts := []auth.Option{}
	if options.onReauth != nil {
		authOpts = append(authOpts, auth.WithReauthenticationSignal(options.onReauth))
	}
	tokens, err := auth.NewManager(store, refresher, cfg.TokenExpirySkew, authOpts...)
	if err != nil {
		store.Close()
		return nil, err
	}

	breakers := resilience.NewRegistry(
		resilience.BreakerConfig{
			FailureThreshold: cfg.FailureThreshold,
			ResetTimeout:     cfg.ResetTimeout,
		},
		resilience.WithTransitionObserver(func(name string, state resilience.BreakerState) {
			m.BreakerTransitions.WithLabelValues(name, state.String()).Inc()
		}),
	)
	retry := resilience.NewManager(breakers, resilience.WithRetryObserver(func(name string) {
		m.RetriesTotal.WithLabelValues(name).Inc()
	}))

	c := &SecureClient{
		cfg:        cfg,
		httpClient: httpClient,
		store:      store,
		id:         id,
		channel:    channel,
		handshaker: handshaker,
		tokens:     tokens,
		breakers:   breakers,
		retry:      retry,
		metrics:    m,
	}

	c.queue, err = queue.NewOfflineQueue(store, &drainDeliverer{client: c},
		cfg.QueueMaxRetries, cfg.QueueMaxDepth, cfg.QueueDrainEvery,
		queue.WithDeadLetterObserver(func(queue.Operation) { m.DeadLettersTotal.Inc() }),
		queue.WithDepthObserver(func(depth int) { m.QueueDepth.Set(float64(depth)) }),
	)
	if err != nil {
		store.Close()
		return nil, err
	}

	c.fallback, err = queue.NewFallbackTransport(
		&networkTransport{client: c},
		queue.NewQueueTransport(c.queue),
	)
	if err != nil {
		store.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "NewSecureClient",
		"server":    cfg.ServerURL,
		"component": cfg.Component,
		"client_id": id.ClientID(),
	}).Info("Secure client initialized")

	return c, nil
}

// Tokens exposes the token manager so the application can install
// credentials after login and observe the lifecycle state.
func (c *SecureClient) Tokens() *auth.Manager { return c.tokens }

// ClientID returns the short public identifier of the device identity.
func (c *SecureClient) ClientID() string { return c.id.ClientID() }

// QueueDepth reports how many operations await deferred delivery.
func (c *SecureClient) QueueDepth() int { return c.queue.Depth() }

func (c *SecureClient) policy() resilience.Policy {
	return resilience.Policy{
		MaxRetries:        c.cfg.MaxRetries,
		BaseDelay:         c.cfg.BaseDelay,
		MaxDelay:          c.cfg.MaxDelay,
		BackoffMultiplier: c.cfg.BackoffMultiplier,
		JitterFactor:      c.cfg.JitterFactor,
	}
}

// Connect establishes a fresh secure session: it runs the handshake
// under the retry discipline and installs the derived key material.
// Safe to call again to replace a dead session.
func (c *SecureClient) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	material, _, err := resilience.ExecuteTyped(ctx, c.retry, "handshake", c.policy(),
		func(ctx context.Context) (*session.KeyMaterial, error) {
			return c.handshaker.Initiate(ctx, c.id)
		})
	if err != nil {
		c.metrics.HandshakesTotal.WithLabelValues("failure").Inc()
		return err
	}
	c.metrics.HandshakesTotal.WithLabelValues("success").Inc()

	c.channel.SetKeyMaterial(material)

	if !c.drainStarted {
		c.queue.Start(context.Background())
		c.drainStarted = true
	}
	return nil
}

func (c *SecureClient) ensureSession(ctx context.Context) error {
	if c.channel.Established() {
		return nil
	}
	return c.Connect(ctx)
}

// Send delivers a payload to the endpoint inside the encrypted
// envelope and returns the decrypted response payload. Transient
// failures retry with backoff under a per-endpoint circuit breaker; a
// decrypt failure re-handshakes once; a rejected access token forces
// one refresh; and when connectivity is persistently down the payload
// is parked in the offline queue and ErrQueued is returned.
func (c *SecureClient) Send(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	response, _, err := resilience.ExecuteTyped(ctx, c.retry, endpoint, c.policy(),
		func(ctx context.Context) ([]byte, error) {
			return c.exchange(ctx, endpoint, payload)
		})
	if err == nil {
		return response, nil
	}

	var decryptErr *faults.DecryptionError
	if errors.As(err, &decryptErr) {
		logrus.WithFields(logrus.Fields{
			"function": "SecureClient.Send",
			"endpoint": endpoint,
		}).Warn("Session lost, re-establishing")
		if connectErr := c.Connect(ctx); connectErr != nil {
			return nil, connectErr
		}
		return c.exchange(ctx, endpoint, payload)
	}

	var authErr *faults.AuthError
	if errors.As(err, &authErr) && !authErr.Reauthenticate {
		if _, refreshErr := c.tokens.ForceRefresh(ctx); refreshErr != nil {
			return nil, refreshErr
		}
		return c.exchange(ctx, endpoint, payload)
	}

	switch faults.Classify(err) {
	case faults.KindNetwork, faults.KindBackendUnavailable:
		if deliverErr := c.fallback.Deliver(ctx, endpoint, payload); deliverErr == nil {
			return nil, errors.Join(ErrQueued, err)
		}
	}
	return nil, err
}

// exchange performs one encrypted request/response round trip.
func (c *SecureClient) exchange(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	token, err := c.tokens.GetValidAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	env, err := c.channel.Encrypt(payload)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to encode envelope: %w", err)
	}

	reqCtx := ctx
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.ServerURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.Value)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &faults.NetworkError{Op: endpoint, Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &faults.NetworkError{Op: endpoint, Err: err}
	}

	if err := mapStatus(endpoint, resp.StatusCode, data); err != nil {
		return nil, err
	}

	var respEnv session.Envelope
	if err := json.Unmarshal(data, &respEnv); err != nil {
		return nil, &faults.ServerError{Op: endpoint, StatusCode: resp.StatusCode, Body: "malformed envelope"}
	}

	plaintext, err := c.channel.Decrypt(&respEnv)
	if err != nil {
		var decryptErr *faults.DecryptionError
		if errors.As(err, &decryptErr) {
			c.metrics.DecryptFailures.Inc()
		}
		return nil, err
	}
	return plaintext, nil
}

// Health probes the peer's liveness endpoint. It bypasses the
// envelope: liveness must be observable even without a session.
func (c *SecureClient) Health(ctx context.Context) error {
	reqCtx := ctx
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.ServerURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("transport: failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &faults.NetworkError{Op: "health", Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	return mapStatus("health", resp.StatusCode, body)
}

// Close shuts down the drain loop, invalidates the session and wipes
// key material. The client must not be used after Close.
func (c *SecureClient) Close() error {
	c.connectMu.Lock()
	if c.drainStarted {
		c.queue.Stop()
		c.drainStarted = false
	}
	c.connectMu.Unlock()

	c.channel.Invalidate()
	errs := errors.Join(c.id.Close(), c.store.Close())

	logrus.WithField("function", "SecureClient.Close").Info("Secure client closed")
	return errs
}

// networkTransport runs a live encrypted exchange as the primary
// member of the fallback chain.
type networkTransport struct {
	client *SecureClient
}

func (t *networkTransport) Name() string { return "network" }

func (t *networkTransport) Deliver(ctx context.Context, endpoint string, payload []byte) error {
	if err := t.client.ensureSession(ctx); err != nil {
		return err
	}
	_, err := t.client.exchange(ctx, endpoint, payload)
	return err
}

// drainDeliverer delivers queued operations: payloads are stored in
// plaintext and sealed under the session key current at drain time.
type drainDeliverer struct {
	client *SecureClient
}

func (d *drainDeliverer) Deliver(ctx context.Context, endpoint string, payload []byte) error {
	if err := d.client.ensureSession(ctx); err != nil {
		return err
	}
	_, err := d.client.exchange(ctx, endpoint, payload)
	return err
}
