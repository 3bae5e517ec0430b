package realtime

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKeyAuth(t *testing.T) {
	if _, err := NewKeyAuth("missing-secret"); err == nil {
		t.Fatalf("key without secret accepted")
	}

	auth, err := NewKeyAuth("app.key:secret")
	if err != nil {
		t.Fatalf("NewKeyAuth: %v", err)
	}
	params, authErr := authorize(context.Background(), auth, true)
	if authErr != nil {
		t.Fatalf("authorize: %v", authErr)
	}
	if params["key"] != "app.key:secret" {
		t.Fatalf("params: got %v", params)
	}
}

func TestTokenAuthRenewsExpiredToken(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	auth := NewTokenAuth(&TokenDetails{Token: "old", Expires: now}, func(context.Context) (*TokenDetails, error) {
		calls++
		return &TokenDetails{Token: "new", Expires: now.Add(time.Hour)}, nil
	})
	auth.now = func() time.Time { return now }

	params, err := authorize(context.Background(), auth, false)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if params["accessToken"] != "new" || calls != 1 {
		t.Fatalf("got token %q after %d renewals", params["accessToken"], calls)
	}

	if _, err := authorize(context.Background(), auth, false); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if calls != 1 {
		t.Fatalf("valid token renewed")
	}

	if _, err := authorize(context.Background(), auth, true); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if calls != 2 {
		t.Fatalf("forced renewal skipped")
	}
}

func TestTokenAuthErrors(t *testing.T) {
	tests := []struct {
		name   string
		auth   *TokenAuth
		code   int
		status int
	}{
		{
			name: "no source",
			auth: NewTokenAuth(nil, nil),
			code: codeNoTokenRenewal,
		},
		{
			name: "source error",
			auth: NewTokenAuth(nil, func(context.Context) (*TokenDetails, error) {
				return nil, errors.New("dial tcp: refused")
			}),
			code:   codeAuthProvider,
			status: 401,
		},
		{
			name: "source returned empty token",
			auth: NewTokenAuth(nil, func(context.Context) (*TokenDetails, error) {
				return &TokenDetails{}, nil
			}),
			code: codeAuthProvider,
		},
		{
			name: "source error info",
			auth: NewTokenAuth(nil, func(context.Context) (*TokenDetails, error) {
				return nil, &ErrorInfo{Code: 40300, StatusCode: 403, Message: "forbidden"}
			}),
			code:   40300,
			status: 403,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := authorize(context.Background(), tt.auth, false)
			if err == nil || err.Code != tt.code {
				t.Fatalf("got %v, want code %d", err, tt.code)
			}
			if tt.status != 0 && err.StatusCode != tt.status {
				t.Fatalf("status: got %d, want %d", err.StatusCode, tt.status)
			}
		})
	}
}

func TestAuthorizeAnonymous(t *testing.T) {
	params, err := authorize(context.Background(), nil, true)
	if err != nil || params != nil {
		t.Fatalf("got %v, %v", params, err)
	}
}

func TestErrorClassification(t *testing.T) {
	if !isTokenErr(&ErrorInfo{Code: 40142}) || isTokenErr(&ErrorInfo{Code: 40150}) || isTokenErr(nil) {
		t.Fatalf("isTokenErr misclassifies")
	}
	if !isRetriable(nil) || !isRetriable(&ErrorInfo{Code: 50300, StatusCode: 503}) {
		t.Fatalf("server errors must be retriable")
	}
	if !isRetriable(stateError(StateDisconnected)) {
		t.Fatalf("connection errors must be retriable")
	}
	if isRetriable(&ErrorInfo{Code: 40400, StatusCode: 404}) {
		t.Fatalf("client errors must not be retriable")
	}
	if !isFatalAuthErr(&ErrorInfo{Code: codeNoTokenRenewal}) {
		t.Fatalf("missing renewal must be fatal")
	}

	wrapped := wrapError(errors.New("boom"), codeAuthProvider, 401)
	if wrapped.Code != codeAuthProvider || errors.Unwrap(wrapped) == nil {
		t.Fatalf("wrapError: got %+v", wrapped)
	}
	if wrapError(nil, 1, 2) != nil {
		t.Fatalf("wrapError(nil) must be nil")
	}
}
