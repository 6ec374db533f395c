package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/kiosklicense/pkg/protocol"
	"github.com/oarkflow/kiosklicense/pkg/utils"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBridgeServer(t *testing.T, b *SessionBridge, limiter *utils.RateLimiter) *httptest.Server {
	t.Helper()
	server, err := NewServer(b, ServerOptions{RateLimiter: limiter, Logger: quietLogger()})
	require.NoError(t, err)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestMobileLoginEndpoint(t *testing.T) {
	b := New()
	srv := newBridgeServer(t, b, nil)
	handset := NewClient(srv.URL, 0)
	ctx := context.Background()

	_, err := handset.Login(ctx, "kiosk@example.com")
	assert.ErrorIs(t, err, protocol.ErrNoActiveSession)
	assert.Equal(t, http.StatusUnauthorized, protocol.AsError(err).Status)

	b.Publish(sampleSession(time.Now().Add(time.Hour)))
	got, err := handset.Login(ctx, "KIOSK@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Kiosk@Example.com", got.Email)
	assert.Equal(t, []string{"predefined"}, got.Models)

	_, err = handset.Login(ctx, "other@example.com")
	assert.ErrorIs(t, err, protocol.ErrEmailMismatch)
}

func TestMobileLoginRejectsBadBodies(t *testing.T) {
	srv := newBridgeServer(t, New(), nil)
	for _, body := range []string{`not json`, `{}`, `{"email":"a@b.c","extra":1}`} {
		resp, err := http.Post(srv.URL+"/api/mobile-login", "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestMobileLoginRateLimited(t *testing.T) {
	srv := newBridgeServer(t, New(), utils.NewRateLimiter(2, time.Minute))
	handset := NewClient(srv.URL, time.Second)

	var last error
	for i := 0; i < 3; i++ {
		_, last = handset.Login(context.Background(), "kiosk@example.com")
	}
	assert.ErrorIs(t, last, protocol.ErrRateLimited)
}

func TestMobileLoginRateLimitIgnoresForwardedHeaders(t *testing.T) {
	srv := newBridgeServer(t, New(), utils.NewRateLimiter(2, time.Minute))

	codes := map[int]int{}
	for i := 0; i < 6; i++ {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/mobile-login",
			bytes.NewBufferString(`{"email":"kiosk@example.com"}`))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		req.Header.Set("X-Real-IP", fmt.Sprintf("198.51.100.%d", i+1))
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		codes[resp.StatusCode]++
	}
	assert.Equal(t, map[int]int{http.StatusUnauthorized: 2, http.StatusTooManyRequests: 4}, codes)
}

func TestBridgeHealth(t *testing.T) {
	srv := newBridgeServer(t, New(), nil)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandsetClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, 200*time.Millisecond).Login(context.Background(), "kiosk@example.com")
	assert.ErrorIs(t, err, protocol.ErrNetworkUnavailable)
}
