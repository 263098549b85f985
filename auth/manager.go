package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/opd-ai/securelink/crypto"
	"github.com/opd-ai/securelink/faults"
)

// tokensFile is the keystore entry holding the persisted token pair.
const tokensFile = "tokens"

// State is the manager's credential lifecycle position.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// ErrNotAuthenticated indicates there are no credentials at all; the
// caller must run a full login before requesting tokens.
var ErrNotAuthenticated = &faults.AuthError{
	Op:             "get_access_token",
	Reason:         "not authenticated",
	Reauthenticate: true,
}

// Refresher exchanges a refresh token for a fresh token pair. A dead
// refresh credential must surface as *faults.AuthError with
// Reauthenticate set; transient transport failure as
// *faults.NetworkError so callers can retry.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
}

// persistedToken is the CBOR on-disk form of one token.
type persistedToken struct {
	Value     string    `cbor:"1,keyasint"`
	Type      string    `cbor:"2,keyasint"`
	IssuedAt  time.Time `cbor:"3,keyasint"`
	ExpiresAt time.Time `cbor:"4,keyasint"`
	Subject   string    `cbor:"5,keyasint"`
}

type persistedPair struct {
	Access  persistedToken `cbor:"1,keyasint"`
	Refresh persistedToken `cbor:"2,keyasint"`
}

// Manager owns the token pair and serializes all refreshes. Many
// callers may request tokens concurrently; at most one refresh request
// is ever in flight for the credential.
type Manager struct {
	store     *crypto.EncryptedKeyStore
	refresher Refresher
	skew      time.Duration
	now       func() time.Time
	onReauth  func(error)

	group singleflight.Group

	mu    sync.RWMutex
	state State
	pair  *TokenPair
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithReauthenticationSignal registers a callback fired once each time
// the refresh credential dies and a full login becomes necessary.
func WithReauthenticationSignal(fn func(error)) Option {
	return func(m *Manager) { m.onReauth = fn }
}

// NewManager creates a token manager backed by the encrypted keystore.
// Previously persisted tokens are loaded so authentication survives a
// process restart; a missing or corrupt entry simply starts the
// manager unauthenticated.
func NewManager(store *crypto.EncryptedKeyStore, refresher Refresher, skew time.Duration, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("auth: keystore is required")
	}
	if refresher == nil {
		return nil, fmt.Errorf("auth: refresher is required")
	}

	m := &Manager{
		store:     store,
		refresher: refresher,
		skew:      skew,
		now:       time.Now,
		state:     StateUnauthenticated,
	}
	for _, opt := range opts {
		opt(m)
	}

	if store.Exists(tokensFile) {
		pair, err := m.loadPersisted()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "auth.NewManager",
				"error":    err,
			}).Warn("Discarding unreadable persisted tokens")
		} else {
			m.pair = pair
			m.state = StateAuthenticated
		}
	}

	return m, nil
}

func (m *Manager) loadPersisted() (*TokenPair, error) {
	data, err := m.store.ReadEncrypted(tokensFile)
	if err != nil {
		return nil, &faults.StorageError{Op: "load_tokens", Err: err}
	}
	defer crypto.ZeroBytes(data)

	var persisted persistedPair
	if err := cbor.Unmarshal(data, &persisted); err != nil {
		return nil, &faults.StorageError{Op: "load_tokens", Err: err}
	}

	return &TokenPair{
		Access:  Token(persisted.Access),
		Refresh: Token(persisted.Refresh),
	}, nil
}

func (m *Manager) persist(pair *TokenPair) error {
	data, err := cbor.Marshal(persistedPair{
		Access:  persistedToken(pair.Access),
		Refresh: persistedToken(pair.Refresh),
	})
	if err != nil {
		return &faults.StorageError{Op: "persist_tokens", Err: err}
	}
	defer crypto.ZeroBytes(data)

	if err := m.store.WriteEncrypted(tokensFile, data); err != nil {
		return &faults.StorageError{Op: "persist_tokens", Err: err}
	}
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SetTokens installs a freshly issued pair, e.g. after a full login,
// and persists it through the keystore.
func (m *Manager) SetTokens(pair TokenPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.persist(&pair); err != nil {
		return err
	}
	m.pair = &pair
	m.state = StateAuthenticated

	logrus.WithFields(logrus.Fields{
		"function": "Manager.SetTokens",
		"subject":  pair.Access.Subject,
		"expires":  pair.Access.ExpiresAt,
	}).Info("Tokens installed")
	return nil
}

// Logout destroys the credential pair in memory and on disk.
func (m *Manager) Logout() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pair = nil
	m.state = StateUnauthenticated

	if err := m.store.DeleteEncrypted(tokensFile); err != nil {
		return &faults.StorageError{Op: "logout", Err: err}
	}

	logrus.WithField("function", "Manager.Logout").Info("Credentials destroyed")
	return nil
}

// GetValidAccessToken returns an access token guaranteed to be valid
// for at least the configured skew margin. When the cached token is
// near expiry it refreshes first; concurrent callers share one
// in-flight refresh and all receive the same rotated token.
func (m *Manager) GetValidAccessToken(ctx context.Context) (Token, error) {
	m.mu.RLock()
	pair := m.pair
	m.mu.RUnlock()

	if pair == nil {
		return Token{}, ErrNotAuthenticated
	}
	if pair.Access.ValidAt(m.now(), m.skew) {
		return pair.Access, nil
	}

	result, err, _ := m.group.Do("refresh", func() (any, error) {
		return m.refresh(ctx, false)
	})
	if err != nil {
		return Token{}, err
	}
	return result.(Token), nil
}

// ForceRefresh rotates the token pair even when the cached access
// token still looks valid locally, for recovering from a server-side
// rejection. Concurrent forced refreshes share one network call.
func (m *Manager) ForceRefresh(ctx context.Context) (Token, error) {
	result, err, _ := m.group.Do("refresh", func() (any, error) {
		return m.refresh(ctx, true)
	})
	if err != nil {
		return Token{}, err
	}
	return result.(Token), nil
}

// refresh is the single-flight body: re-checks the cache (another
// caller may have finished a refresh while this one queued), then
// exchanges the refresh token for a new pair.
func (m *Manager) refresh(ctx context.Context, force bool) (Token, error) {
	m.mu.Lock()
	if m.pair == nil {
		m.mu.Unlock()
		return Token{}, ErrNotAuthenticated
	}
	if !force && m.pair.Access.ValidAt(m.now(), m.skew) {
		token := m.pair.Access
		m.mu.Unlock()
		return token, nil
	}

	refreshToken := m.pair.Refresh
	m.state = StateRefreshing
	m.mu.Unlock()

	// A refresh token known to be expired is never sent: the server
	// would reject it anyway, and the contract is to fail fast into
	// re-authentication instead.
	if !refreshToken.ValidAt(m.now(), 0) {
		err := &faults.AuthError{
			Op:             "refresh",
			Reason:         "refresh token expired",
			Reauthenticate: true,
		}
		m.forceReauthentication(err)
		return Token{}, err
	}

	logrus.WithField("function", "Manager.refresh").Debug("Refreshing access token")

	pair, err := m.refresher.Refresh(ctx, refreshToken.Value)
	if err != nil {
		var authErr *faults.AuthError
		if errors.As(err, &authErr) && authErr.Reauthenticate {
			m.forceReauthentication(err)
			return Token{}, err
		}

		// Transient failure: keep the credentials, the caller may
		// retry. State returns to Authenticated because the pair is
		// still the best credential we hold.
		m.mu.Lock()
		m.state = StateAuthenticated
		m.mu.Unlock()
		return Token{}, err
	}

	// Servers may or may not rotate the refresh token; keep the old
	// one when the response omits it.
	if pair.Refresh.Value == "" {
		pair.Refresh = refreshToken
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.persist(pair); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.refresh",
			"error":    err,
		}).Warn("Refreshed tokens could not be persisted")
	}
	m.pair = pair
	m.state = StateAuthenticated

	logrus.WithFields(logrus.Fields{
		"function": "Manager.refresh",
		"expires":  pair.Access.ExpiresAt,
	}).Info("Access token refreshed")

	return pair.Access, nil
}

// forceReauthentication drops the dead credentials and notifies the
// caller that a full login is required.
func (m *Manager) forceReauthentication(cause error) {
	m.mu.Lock()
	m.pair = nil
	m.state = StateUnauthenticated
	m.mu.Unlock()

	if err := m.store.DeleteEncrypted(tokensFile); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.forceReauthentication",
			"error":    err,
		}).Warn("Failed to remove persisted tokens")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Manager.forceReauthentication",
		"cause":    cause,
	}).Warn("Re-authentication required")

	if m.onReauth != nil {
		m.onReauth(cause)
	}
}
