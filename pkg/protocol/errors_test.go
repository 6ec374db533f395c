package protocol

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesReason(t *testing.T) {
	rebuilt := FromResponse(http.StatusForbidden, ErrorResponse{
		Error:  "this license belongs to another device",
		Reason: string(ReasonDeviceMismatch),
	})
	assert.ErrorIs(t, rebuilt, ErrDeviceMismatch)
	assert.NotErrorIs(t, rebuilt, ErrSubscriptionExpired)

	wrapped := fmt.Errorf("login: %w", rebuilt)
	assert.ErrorIs(t, wrapped, ErrDeviceMismatch)
	assert.Equal(t, ReasonDeviceMismatch, AsError(wrapped).Reason)
}

func TestFromResponseUnknownReason(t *testing.T) {
	cases := []struct {
		status int
		want   Reason
	}{
		{http.StatusUnauthorized, ReasonUnauthorized},
		{http.StatusForbidden, ReasonForbidden},
		{http.StatusNotFound, ReasonAccountNotFound},
		{http.StatusTooManyRequests, ReasonRateLimited},
		{http.StatusConflict, ReasonBadRequest},
		{http.StatusBadGateway, ReasonInternal},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			err := FromResponse(tc.status, ErrorResponse{})
			require.Equal(t, tc.want, err.Reason)
			assert.Equal(t, tc.status, err.Status)
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestAsErrorFallsBackToInternal(t *testing.T) {
	assert.Equal(t, ErrInternal, AsError(errors.New("boom")))
}

func TestBridgedSessionCloneIsDeep(t *testing.T) {
	orig := &BridgedSession{Email: "a@x.com", Models: []string{"gemma"}}
	clone := orig.Clone()
	clone.Models[0] = "changed"
	assert.Equal(t, "gemma", orig.Models[0])
	assert.Nil(t, (*BridgedSession)(nil).Clone())
}
