package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/securelink/crypto"
	"github.com/opd-ai/securelink/faults"
)

// fakeRefresher counts network calls and serves a scripted response.
type fakeRefresher struct {
	calls   atomic.Int64
	delay   time.Duration
	respond func(refreshToken string) (*TokenPair, error)
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, &faults.NetworkError{Op: "refresh", Timeout: true, Err: ctx.Err()}
		}
	}
	return f.respond(refreshToken)
}

func newTestStore(t *testing.T) *crypto.EncryptedKeyStore {
	t.Helper()
	store, err := crypto.NewEncryptedKeyStore(t.TempDir(), []byte("test-master-password"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testPair(now time.Time, accessTTL, refreshTTL time.Duration) TokenPair {
	return TokenPair{
		Access: Token{
			Value:     "access-original",
			Type:      TypeAccess,
			IssuedAt:  now,
			ExpiresAt: now.Add(accessTTL),
			Subject:   "device-1",
		},
		Refresh: Token{
			Value:     "refresh-original",
			Type:      TypeRefresh,
			IssuedAt:  now,
			ExpiresAt: now.Add(refreshTTL),
			Subject:   "device-1",
		},
	}
}

func TestCachedTokenReturnedWithoutNetworkCall(t *testing.T) {
	refresher := &fakeRefresher{respond: func(string) (*TokenPair, error) {
		t.Fatal("refresh must not be called for a valid token")
		return nil, nil
	}}

	m, err := NewManager(newTestStore(t), refresher, 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, m.SetTokens(testPair(time.Now(), time.Hour, 24*time.Hour)))

	token, err := m.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-original", token.Value)
	assert.Equal(t, StateAuthenticated, m.State())
	assert.Equal(t, int64(0), refresher.calls.Load())
}

func TestUnauthenticatedManagerRejectsTokenRequests(t *testing.T) {
	refresher := &fakeRefresher{respond: func(string) (*TokenPair, error) { return nil, nil }}
	m, err := NewManager(newTestStore(t), refresher, 30*time.Second)
	require.NoError(t, err)

	_, err = m.GetValidAccessToken(context.Background())
	var authErr *faults.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, authErr.Reauthenticate)
	assert.Equal(t, int64(0), refresher.calls.Load())
}

func TestExpiredAccessTokenTriggersRefresh(t *testing.T) {
	now := time.Now()
	refresher := &fakeRefresher{respond: func(refreshToken string) (*TokenPair, error) {
		assert.Equal(t, "refresh-original", refreshToken)
		return &TokenPair{
			Access: Token{
				Value:     "access-rotated",
				Type:      TypeAccess,
				IssuedAt:  now,
				ExpiresAt: now.Add(time.Hour),
			},
			Refresh: Token{
				Value:     "refresh-rotated",
				Type:      TypeRefresh,
				IssuedAt:  now,
				ExpiresAt: now.Add(24 * time.Hour),
			},
		}, nil
	}}

	m, err := NewManager(newTestStore(t), refresher, 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, m.SetTokens(testPair(now.Add(-2*time.Hour), time.Hour, 24*time.Hour)))

	token, err := m.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-rotated", token.Value)
	assert.Equal(t, int64(1), refresher.calls.Load())
	assert.Equal(t, StateAuthenticated, m.State())
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	now := time.Now()
	refresher := &fakeRefresher{
		delay: 50 * time.Millisecond,
		respond: func(string) (*TokenPair, error) {
			return &TokenPair{
				Access: Token{
					Value:     "access-rotated",
					Type:      TypeAccess,
					ExpiresAt: now.Add(time.Hour),
				},
			}, nil
		},
	}

	m, err := NewManager(newTestStore(t), refresher, 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, m.SetTokens(testPair(now.Add(-2*time.Hour), time.Hour, 24*time.Hour)))

	const callers = 10
	results := make([]Token, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.GetValidAccessToken(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-rotated", results[i].Value)
	}
	assert.Equal(t, int64(1), refresher.calls.Load(),
		"exactly one network refresh for all concurrent callers")
}

func TestRefreshKeepsOldRefreshTokenWhenNotRotated(t *testing.T) {
	now := time.Now()
	refresher := &fakeRefresher{respond: func(string) (*TokenPair, error) {
		return &TokenPair{
			Access: Token{Value: "access-rotated", ExpiresAt: now.Add(time.Hour)},
		}, nil
	}}

	m, err := NewManager(newTestStore(t), refresher, 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, m.SetTokens(testPair(now.Add(-2*time.Hour), time.Hour, 24*time.Hour)))

	_, err = m.GetValidAccessToken(context.Background())
	require.NoError(t, err)

	m.mu.RLock()
	defer m.mu.RUnlock()
	assert.Equal(t, "refresh-original", m.pair.Refresh.Value)
}

func TestRevokedRefreshForcesReauthentication(t *testing.T) {
	now := time.Now()
	refresher := &fakeRefresher{respond: func(string) (*TokenPair, error) {
		return nil, &faults.AuthError{
			Op:             "refresh",
			StatusCode:     401,
			Reason:         "refresh token revoked",
			Reauthenticate: true,
		}
	}}

	var signaled atomic.Bool
	store := newTestStore(t)
	m, err := NewManager(store, refresher, 30*time.Second,
		WithReauthenticationSignal(func(error) { signaled.Store(true) }))
	require.NoError(t, err)
	require.NoError(t, m.SetTokens(testPair(now.Add(-2*time.Hour), time.Hour, 24*time.Hour)))

	_, err = m.GetValidAccessToken(context.Background())
	var authErr *faults.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, authErr.Reauthenticate)

	assert.Equal(t, StateUnauthenticated, m.State())
	assert.True(t, signaled.Load())
	assert.False(t, store.Exists("tokens"), "dead credentials must not survive on disk")

	// A dead refresh token is never retried.
	_, err = m.GetValidAccessToken(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(1), refresher.calls.Load())
}

func TestLocallyExpiredRefreshTokenFailsFast(t *testing.T) {
	now := time.Now()
	refresher := &fakeRefresher{respond: func(string) (*TokenPair, error) {
		t.Fatal("an expired refresh token must never reach the network")
		return nil, nil
	}}

	m, err := NewManager(newTestStore(t), refresher, 30*time.Second)
	require.NoError(t, err)
	// Both tokens already expired.
	require.NoError(t, m.SetTokens(testPair(now.Add(-48*time.Hour), time.Hour, 24*time.Hour)))

	_, err = m.GetValidAccessToken(context.Background())
	var authErr *faults.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, authErr.Reauthenticate)
	assert.Equal(t, int64(0), refresher.calls.Load())
}

func TestTransientRefreshFailureKeepsCredentials(t *testing.T) {
	now := time.Now()
	refresher := &fakeRefresher{respond: func(string) (*TokenPair, error) {
		return nil, &faults.NetworkError{Op: "refresh", Err: context.DeadlineExceeded}
	}}

	m, err := NewManager(newTestStore(t), refresher, 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, m.SetTokens(testPair(now.Add(-2*time.Hour), time.Hour, 24*time.Hour)))

	_, err = m.GetValidAccessToken(context.Background())
	var netErr *faults.NetworkError
	require.ErrorAs(t, err, &netErr)

	// Credentials survive, a later attempt may succeed.
	assert.Equal(t, StateAuthenticated, m.State())
}

func TestForceRefreshRotatesDespiteValidCache(t *testing.T) {
	now := time.Now()
	refresher := &fakeRefresher{respond: func(string) (*TokenPair, error) {
		return &TokenPair{
			Access: Token{Value: "access-rotated", ExpiresAt: now.Add(time.Hour)},
		}, nil
	}}

	m, err := NewManager(newTestStore(t), refresher, 30*time.Second)
	require.NoError(t, err)
	// Locally valid tokens; the server has rejected them anyway.
	require.NoError(t, m.SetTokens(testPair(now, time.Hour, 24*time.Hour)))

	token, err := m.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-rotated", token.Value)
	assert.Equal(t, int64(1), refresher.calls.Load())
}

func TestTokensSurviveRestart(t *testing.T) {
	dataDir := t.TempDir()
	password := []byte("test-master-password")
	now := time.Now()

	refresher := &fakeRefresher{respond: func(string) (*TokenPair, error) { return nil, nil }}

	store, err := crypto.NewEncryptedKeyStore(dataDir, password)
	require.NoError(t, err)
	m, err := NewManager(store, refresher, 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, m.SetTokens(testPair(now, time.Hour, 24*time.Hour)))
	store.Close()

	store, err = crypto.NewEncryptedKeyStore(dataDir, password)
	require.NoError(t, err)
	defer store.Close()

	reloaded, err := NewManager(store, refresher, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, reloaded.State())

	token, err := reloaded.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-original", token.Value)
	assert.Equal(t, "device-1", token.Subject)
}

func TestLogoutDestroysCredentials(t *testing.T) {
	refresher := &fakeRefresher{respond: func(string) (*TokenPair, error) { return nil, nil }}
	store := newTestStore(t)

	m, err := NewManager(store, refresher, 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, m.SetTokens(testPair(time.Now(), time.Hour, 24*time.Hour)))
	require.True(t, store.Exists("tokens"))

	require.NoError(t, m.Logout())
	assert.Equal(t, StateUnauthenticated, m.State())
	assert.False(t, store.Exists("tokens"))

	_, err = m.GetValidAccessToken(context.Background())
	assert.Error(t, err)
}

func TestTokenValidAtRespectsSkew(t *testing.T) {
	now := time.Now()
	token := Token{Value: "x", ExpiresAt: now.Add(time.Minute)}

	assert.True(t, token.ValidAt(now, 0))
	assert.True(t, token.ValidAt(now, 30*time.Second))
	assert.False(t, token.ValidAt(now, 2*time.Minute))
	assert.False(t, Token{}.ValidAt(now, 0))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unauthenticated", StateUnauthenticated.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "refreshing", StateRefreshing.String())
}
