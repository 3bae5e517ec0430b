package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
)

// CredentialsProvider supplies the auth params for connect requests.
type CredentialsProvider interface {
	// EnsureValidCredentials obtains usable credentials, renewing them when
	// they expired or when forceRenew is set.
	EnsureValidCredentials(ctx context.Context, forceRenew bool) error
	// ConnectParams returns the query params that authenticate a connect
	// request with the current credentials.
	ConnectParams(ctx context.Context) (map[string]string, error)
}

// KeyAuth authenticates with an API key. It never needs renewal.
type KeyAuth struct {
	key string
}

func NewKeyAuth(key string) (*KeyAuth, error) {
	name, secret, ok := strings.Cut(key, ":")
	if !ok || name == "" || secret == "" {
		return nil, newError(codeBadRequest, http.StatusBadRequest, "Invalid key; expected \"name:secret\"")
	}
	return &KeyAuth{key: key}, nil
}

func (a *KeyAuth) EnsureValidCredentials(_ context.Context, _ bool) error {
	return nil
}

func (a *KeyAuth) ConnectParams(_ context.Context) (map[string]string, error) {
	return map[string]string{"key": a.key}, nil
}

// TokenDetails is an access token with an optional expiry.
type TokenDetails struct {
	Token   string
	Expires time.Time
}

func (t *TokenDetails) expired(now time.Time) bool {
	return t == nil || t.Token == "" || (!t.Expires.IsZero() && !now.Before(t.Expires))
}

// TokenSource fetches a fresh token, typically from the application's
// token endpoint.
type TokenSource func(ctx context.Context) (*TokenDetails, error)

// TokenAuth authenticates with access tokens obtained from a TokenSource.
type TokenAuth struct {
	mu     sync.Mutex
	source TokenSource
	token  *TokenDetails
	now    func() time.Time
}

// NewTokenAuth returns a provider that starts with token (may be nil) and
// renews through source. A nil source means the token can never be renewed.
func NewTokenAuth(token *TokenDetails, source TokenSource) *TokenAuth {
	return &TokenAuth{source: source, token: token, now: time.Now}
}

func (a *TokenAuth) EnsureValidCredentials(ctx context.Context, forceRenew bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !forceRenew && !a.token.expired(a.now()) {
		return nil
	}
	if a.source == nil {
		return newError(codeNoTokenRenewal, http.StatusUnauthorized, "Token expired and no means of renewal specified")
	}
	token, err := a.source(ctx)
	if err != nil {
		var info *ErrorInfo
		if errors.As(err, &info) {
			return info
		}
		return wrapError(err, codeAuthProvider, http.StatusUnauthorized)
	}
	if token.expired(a.now()) {
		return newError(codeAuthProvider, http.StatusUnauthorized, "Token source returned an expired or empty token")
	}
	a.token = token
	return nil
}

func (a *TokenAuth) ConnectParams(_ context.Context) (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token == nil || a.token.Token == "" {
		return nil, newError(codeNoTokenRenewal, http.StatusUnauthorized, "No token available")
	}
	return map[string]string{"accessToken": a.token.Token}, nil
}

// authorize resolves the auth params for a connect request. A nil provider
// connects anonymously.
func authorize(ctx context.Context, p CredentialsProvider, forceRenew bool) (map[string]string, *ErrorInfo) {
	if p == nil {
		return nil, nil
	}
	if err := p.EnsureValidCredentials(ctx, forceRenew); err != nil {
		return nil, wrapError(err, codeAuthProvider, http.StatusUnauthorized)
	}
	params, err := p.ConnectParams(ctx)
	if err != nil {
		return nil, wrapError(err, codeAuthProvider, http.StatusUnauthorized)
	}
	return params, nil
}
