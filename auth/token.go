// Package auth owns the access/refresh credential pair. It hands out a
// single valid access token to callers, refreshing behind the scenes
// when the cached one is near expiry, and signals when the refresh
// credential itself is dead and a full re-login is required.
package auth

import "time"

// Token types as carried on the wire.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Token is an opaque signed credential plus its claims metadata. The
// Value is never inspected client-side; expiry decisions use the
// ExpiresAt claim only.
type Token struct {
	Value     string
	Type      string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Subject   string
}

// TokenPair couples the short-lived access token with the long-lived
// refresh token. The pair is always replaced atomically.
type TokenPair struct {
	Access  Token
	Refresh Token
}

// ValidAt reports whether the token is usable at the given instant,
// with a skew margin so a token about to expire is refreshed before a
// request can race its server-side expiry.
func (t Token) ValidAt(now time.Time, skew time.Duration) bool {
	if t.Value == "" {
		return false
	}
	return now.Add(skew).Before(t.ExpiresAt)
}
