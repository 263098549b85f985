package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securelink/auth"
	"github.com/opd-ai/securelink/faults"
	"github.com/opd-ai/securelink/session"
)

// refreshRequest is the wire form of the token refresh call.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// refreshResponse is the peer's reply. ExpiresIn values are seconds.
// A non-success reply carries an error discriminator so the client can
// tell a dead refresh token from a transient backend problem.
type refreshResponse struct {
	Success          bool   `json:"success"`
	JWTToken         string `json:"jwt_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	Error            string `json:"error,omitempty"`
}

// terminalRefreshErrors are the discriminators that mean the refresh
// token is dead and a full re-login is the only way forward.
var terminalRefreshErrors = map[string]bool{
	"token_expired": true,
	"token_revoked": true,
	"invalid_token": true,
}

// HTTPRefresher implements auth.Refresher against the POST /refresh
// endpoint. Once a secure session is established the refresh request
// travels inside the encrypted envelope like all other traffic; before
// that it goes as plain JSON over the transport's TLS.
type HTTPRefresher struct {
	httpClient *http.Client
	serverURL  string
	channel    *session.Channel
	timeout    time.Duration
	onResult   func(result string)
}

// NewHTTPRefresher creates a refresher. The channel may be nil when
// refreshes never need envelope encryption (e.g. tests).
func NewHTTPRefresher(httpClient *http.Client, serverURL string, channel *session.Channel, timeout time.Duration, onResult func(result string)) *HTTPRefresher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPRefresher{
		httpClient: httpClient,
		serverURL:  serverURL,
		channel:    channel,
		timeout:    timeout,
		onResult:   onResult,
	}
}

func (r *HTTPRefresher) observe(result string) {
	if r.onResult != nil {
		r.onResult(result)
	}
}

// Refresh exchanges the refresh token for a rotated pair. A dead
// refresh token surfaces as *faults.AuthError with Reauthenticate set;
// transport and backend failures surface as retryable fault types.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
	pair, err := r.refresh(ctx, refreshToken)
	if err != nil {
		var authErr *faults.AuthError
		if errors.As(err, &authErr) && authErr.Reauthenticate {
			r.observe("rejected")
		} else {
			r.observe("failure")
		}
		return nil, err
	}
	r.observe("success")
	return pair, nil
}

func (r *HTTPRefresher) refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, fmt.Errorf("refresh: failed to encode request: %w", err)
	}

	encrypted := r.channel != nil && r.channel.Established()
	if encrypted {
		env, err := r.channel.Encrypt(body)
		if err != nil {
			return nil, err
		}
		if body, err = json.Marshal(env); err != nil {
			return nil, fmt.Errorf("refresh: failed to encode envelope: %w", err)
		}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.serverURL+"/refresh", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("refresh: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, &faults.NetworkError{Op: "refresh", Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &faults.NetworkError{Op: "refresh", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &faults.AuthError{
			Op:             "refresh",
			StatusCode:     resp.StatusCode,
			Reason:         "refresh token rejected",
			Reauthenticate: true,
		}
	case resp.StatusCode >= 500:
		return nil, &faults.ServerError{Op: "refresh", StatusCode: resp.StatusCode, Body: string(data)}
	case resp.StatusCode != http.StatusOK:
		return nil, &faults.ValidationError{Op: "refresh", StatusCode: resp.StatusCode, Message: string(data)}
	}

	if encrypted {
		var env session.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, &faults.ServerError{Op: "refresh", StatusCode: resp.StatusCode, Body: "malformed envelope"}
		}
		if data, err = r.channel.Decrypt(&env); err != nil {
			return nil, err
		}
	}

	var decoded refreshResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, &faults.ServerError{Op: "refresh", StatusCode: resp.StatusCode, Body: "malformed response"}
	}

	if !decoded.Success {
		if terminalRefreshErrors[decoded.Error] {
			return nil, &faults.AuthError{
				Op:             "refresh",
				StatusCode:     resp.StatusCode,
				Reason:         decoded.Error,
				Reauthenticate: true,
			}
		}
		return nil, &faults.ServerError{Op: "refresh", StatusCode: resp.StatusCode, Body: decoded.Error}
	}

	now := time.Now()
	pair := &auth.TokenPair{
		Access: auth.Token{
			Value:     decoded.JWTToken,
			Type:      auth.TypeAccess,
			IssuedAt:  now,
			ExpiresAt: now.Add(time.Duration(decoded.ExpiresIn) * time.Second),
		},
	}
	if decoded.RefreshToken != "" {
		pair.Refresh = auth.Token{
			Value:     decoded.RefreshToken,
			Type:      auth.TypeRefresh,
			IssuedAt:  now,
			ExpiresAt: now.Add(time.Duration(decoded.RefreshExpiresIn) * time.Second),
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "HTTPRefresher.refresh",
		"rotated":  decoded.RefreshToken != "",
		"expires":  pair.Access.ExpiresAt,
	}).Debug("Token refresh succeeded")

	return pair, nil
}
