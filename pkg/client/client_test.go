package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/kiosklicense/pkg/protocol"
)

func newHTTPClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		ConfigDir:         t.TempDir(),
		ServerURL:         srv.URL,
		AllowInsecureHTTP: true,
		HTTPTimeout:       time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestNewRejectsPlainHTTP(t *testing.T) {
	_, err := New(Config{ConfigDir: t.TempDir(), ServerURL: "http://licensing.local"})
	assert.Error(t, err)
}

func TestInsecureHTTPKeepsCertificateChecks(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(protocol.ValidateResponse{User: protocol.UserView{ID: "u1", Email: "a@b.com", Role: protocol.RoleClient}})
	}))
	t.Cleanup(srv.Close)

	strict, err := New(Config{ConfigDir: t.TempDir(), ServerURL: srv.URL, AllowInsecureHTTP: true, HTTPTimeout: time.Second})
	require.NoError(t, err)
	_, err = strict.Validate(context.Background(), "bearer")
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	lax, err := New(Config{ConfigDir: t.TempDir(), ServerURL: srv.URL, InsecureSkipVerify: true, HTTPTimeout: time.Second})
	require.NoError(t, err)
	resp, err := lax.Validate(context.Background(), "bearer")
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", resp.User.Email)
}

func TestClientLogin(t *testing.T) {
	c := newHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/login", r.URL.Path)
		var req protocol.LoginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "fp-123456", req.HardwareID)
		_ = json.NewEncoder(w).Encode(protocol.LoginResponse{
			Token:  "bearer",
			Models: []string{"predefined"},
			User:   protocol.UserView{ID: "u1", Email: req.Email, Role: protocol.RoleClient},
		})
	})

	resp, err := c.Login(context.Background(), protocol.LoginRequest{Email: "a@b.com", Password: "pw", HardwareID: "fp-123456"})
	require.NoError(t, err)
	assert.Equal(t, "bearer", resp.Token)
	assert.Equal(t, "a@b.com", resp.User.Email)
}

func TestClientErrorMapping(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		reason    protocol.Reason
		transient bool
	}{
		{"explicit rejection", http.StatusForbidden, `{"error":"subscription has expired","reason":"subscription_expired"}`, protocol.ReasonSubscriptionExpired, false},
		{"unknown reason", http.StatusUnauthorized, `{"error":"nope"}`, protocol.ReasonUnauthorized, false},
		{"server error", http.StatusBadGateway, `upstream down`, protocol.ReasonNetworkUnavailable, true},
		{"throttled", http.StatusTooManyRequests, `{"error":"too many requests","reason":"rate_limited"}`, protocol.ReasonNetworkUnavailable, true},
		{"malformed success", http.StatusOK, `{`, protocol.ReasonNetworkUnavailable, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.Validate(context.Background(), "bearer")
			require.Error(t, err)
			assert.Equal(t, tc.transient, IsTransient(err))
			assert.Equal(t, tc.reason, protocol.AsError(err).Reason)
		})
	}
}

func TestClientUnreachableServerIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{ConfigDir: t.TempDir(), ServerURL: url, AllowInsecureHTTP: true})
	require.NoError(t, err)
	_, err = c.Validate(context.Background(), "bearer")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, protocol.ErrNetworkUnavailable)
}

func TestClientSendsBearer(t *testing.T) {
	c := newHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(protocol.ValidateResponse{User: protocol.UserView{ID: "u1"}})
	})
	resp, err := c.Validate(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "u1", resp.User.ID)
}
