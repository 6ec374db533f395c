package protocol

import (
	"errors"
	"net/http"
)

// Reason is the machine-stable identifier carried in error responses.
type Reason string

const (
	ReasonInvalidCredentials   Reason = "invalid_credentials"
	ReasonAccountInactive      Reason = "account_inactive"
	ReasonNoSubscription       Reason = "no_subscription"
	ReasonSubscriptionInactive Reason = "subscription_inactive"
	ReasonSubscriptionExpired  Reason = "subscription_expired"
	ReasonDeviceMismatch       Reason = "device_mismatch"
	ReasonInvalidToken         Reason = "invalid_token"
	ReasonNetworkUnavailable   Reason = "network_unavailable"
	ReasonUnauthorized         Reason = "unauthorized"
	ReasonForbidden            Reason = "forbidden"
	ReasonAccountNotFound      Reason = "account_not_found"
	ReasonAccountExists        Reason = "account_exists"
	ReasonBadRequest           Reason = "bad_request"
	ReasonRateLimited          Reason = "rate_limited"
	ReasonInternal             Reason = "internal"
	ReasonNoActiveSession      Reason = "no_active_session"
	ReasonEmailMismatch        Reason = "email_mismatch"
)

// Error is a licensing failure with a reason, a user-facing message and the
// HTTP status it maps to.
type Error struct {
	Reason  Reason
	Message string
	Status  int
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches on Reason so errors rebuilt from a response compare equal to
// the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

// WithMessage returns a copy carrying a different message.
func (e *Error) WithMessage(msg string) *Error {
	clone := *e
	clone.Message = msg
	return &clone
}

var (
	ErrInvalidCredentials   = &Error{ReasonInvalidCredentials, "invalid email or password", http.StatusUnauthorized}
	ErrAccountInactive      = &Error{ReasonAccountInactive, "account has been disabled by an administrator", http.StatusForbidden}
	ErrNoSubscription       = &Error{ReasonNoSubscription, "account has no subscription", http.StatusForbidden}
	ErrSubscriptionInactive = &Error{ReasonSubscriptionInactive, "subscription is not active", http.StatusForbidden}
	ErrSubscriptionExpired  = &Error{ReasonSubscriptionExpired, "subscription has expired", http.StatusForbidden}
	ErrDeviceMismatch       = &Error{ReasonDeviceMismatch, "this license belongs to another device", http.StatusForbidden}
	ErrInvalidToken         = &Error{ReasonInvalidToken, "invalid token", http.StatusUnauthorized}
	ErrNetworkUnavailable   = &Error{ReasonNetworkUnavailable, "licensing server unreachable", http.StatusServiceUnavailable}
	ErrUnauthorized         = &Error{ReasonUnauthorized, "unauthorized", http.StatusUnauthorized}
	ErrForbidden            = &Error{ReasonForbidden, "forbidden", http.StatusForbidden}
	ErrAccountNotFound      = &Error{ReasonAccountNotFound, "account not found", http.StatusNotFound}
	ErrAccountExists        = &Error{ReasonAccountExists, "account already exists", http.StatusConflict}
	ErrBadRequest           = &Error{ReasonBadRequest, "invalid request", http.StatusBadRequest}
	ErrRateLimited          = &Error{ReasonRateLimited, "too many requests", http.StatusTooManyRequests}
	ErrInternal             = &Error{ReasonInternal, "internal server error", http.StatusInternalServerError}
	ErrNoActiveSession      = &Error{ReasonNoActiveSession, "no active session on the primary device", http.StatusUnauthorized}
	ErrEmailMismatch        = &Error{ReasonEmailMismatch, "email does not match the active session", http.StatusUnauthorized}
)

var known = map[Reason]*Error{}

func init() {
	for _, e := range []*Error{
		ErrInvalidCredentials, ErrAccountInactive, ErrNoSubscription,
		ErrSubscriptionInactive, ErrSubscriptionExpired, ErrDeviceMismatch,
		ErrInvalidToken, ErrNetworkUnavailable, ErrUnauthorized, ErrForbidden,
		ErrAccountNotFound, ErrAccountExists, ErrBadRequest, ErrRateLimited,
		ErrInternal, ErrNoActiveSession, ErrEmailMismatch,
	} {
		known[e.Reason] = e
	}
}

// FromResponse rebuilds an error from a decoded error body. Unknown reasons
// keep the HTTP status and message.
func FromResponse(status int, body ErrorResponse) *Error {
	if base, ok := known[Reason(body.Reason)]; ok {
		out := *base
		out.Status = status
		if body.Error != "" {
			out.Message = body.Error
		}
		return &out
	}
	msg := body.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	reason := ReasonInternal
	switch {
	case status == http.StatusUnauthorized:
		reason = ReasonUnauthorized
	case status == http.StatusForbidden:
		reason = ReasonForbidden
	case status == http.StatusNotFound:
		reason = ReasonAccountNotFound
	case status == http.StatusTooManyRequests:
		reason = ReasonRateLimited
	case status >= 400 && status < 500:
		reason = ReasonBadRequest
	}
	return &Error{Reason: reason, Message: msg, Status: status}
}

// AsError extracts a *Error from err, falling back to ErrInternal.
func AsError(err error) *Error {
	var target *Error
	if errors.As(err, &target) {
		return target
	}
	return ErrInternal
}
