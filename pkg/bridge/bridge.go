// Package bridge lets handset devices on the kiosk's local network piggyback
// on the kiosk's licensing session. A handset proves nothing beyond knowing
// the email of the account logged in on the kiosk, so the bridge must only
// be exposed on a trusted network.
package bridge

import (
	"sync/atomic"
	"time"

	"github.com/oarkflow/kiosklicense/pkg/protocol"
)

// SessionBridge holds the session last published by the kiosk.
type SessionBridge struct {
	current atomic.Pointer[protocol.BridgedSession]
	now     func() time.Time
}

type Option func(*SessionBridge)

func WithClock(now func() time.Time) Option {
	return func(b *SessionBridge) {
		if now != nil {
			b.now = now
		}
	}
}

func New(opts ...Option) *SessionBridge {
	b := &SessionBridge{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish replaces the current session; nil clears it.
func (b *SessionBridge) Publish(session *protocol.BridgedSession) {
	b.current.Store(session.Clone())
}

// Current returns a copy of the published session, or nil.
func (b *SessionBridge) Current() *protocol.BridgedSession {
	return b.current.Load().Clone()
}

// AuthenticateByEmail answers a handset login. Emails compare
// case-insensitively after trimming.
func (b *SessionBridge) AuthenticateByEmail(email string) (*protocol.BridgedSession, error) {
	session := b.current.Load()
	if session == nil {
		return nil, protocol.ErrNoActiveSession
	}
	if session.Role != protocol.RoleSuperadmin && !b.now().Before(session.ExpiryDate) {
		return nil, protocol.ErrNoActiveSession
	}
	if protocol.NormalizeEmail(email) != protocol.NormalizeEmail(session.Email) {
		return nil, protocol.ErrEmailMismatch
	}
	return session.Clone(), nil
}
