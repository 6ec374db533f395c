package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oarkflow/kiosklicense/pkg/protocol"
	"github.com/oarkflow/kiosklicense/pkg/utils"
)

// API is the subset of the licensing server the session store needs.
type API interface {
	Login(ctx context.Context, req protocol.LoginRequest) (*protocol.LoginResponse, error)
	Validate(ctx context.Context, bearer string) (*protocol.ValidateResponse, error)
}

// Publisher receives the reduced session after every change; nil means there
// is no usable session.
type Publisher interface {
	Publish(session *protocol.BridgedSession)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(*protocol.BridgedSession)

func (f PublisherFunc) Publish(session *protocol.BridgedSession) { f(session) }

type SessionAccount struct {
	ID     string   `json:"id"`
	Email  string   `json:"email"`
	Role   string   `json:"role"`
	Models []string `json:"models"`
}

// Session is the kiosk's cached login.
type Session struct {
	BearerToken  string         `json:"bearer_token"`
	LicenseToken string         `json:"license_token,omitempty"`
	ExpiresAt    time.Time      `json:"expires_at"`
	HardwareID   string         `json:"hardware_id,omitempty"`
	Account      SessionAccount `json:"account"`
	LoggedInAt   time.Time      `json:"logged_in_at"`
	ValidatedAt  time.Time      `json:"validated_at"`
}

func (s *Session) superadmin() bool {
	return s.Account.Role == protocol.RoleSuperadmin
}

func (s *Session) validAt(now time.Time) bool {
	if s == nil || s.BearerToken == "" {
		return false
	}
	if s.superadmin() {
		return true
	}
	return now.Before(s.ExpiresAt)
}

// Bridged returns the reduced view handed to handset devices.
func (s *Session) Bridged() *protocol.BridgedSession {
	if s == nil {
		return nil
	}
	return &protocol.BridgedSession{
		Email:      s.Account.Email,
		Role:       s.Account.Role,
		ExpiryDate: s.ExpiresAt,
		Models:     append([]string(nil), s.Account.Models...),
	}
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Account.Models = append([]string(nil), s.Account.Models...)
	return &clone
}

type StoreOption func(*SessionStore)

func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *SessionStore) {
		if now != nil {
			s.now = now
		}
	}
}

func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *SessionStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPublisher adds a publisher; it may be given more than once.
func WithPublisher(p Publisher) StoreOption {
	return func(s *SessionStore) {
		if p != nil {
			s.publishers = append(s.publishers, p)
		}
	}
}

// SessionStore owns the kiosk session: it logs in, answers validity checks
// without the network, revalidates against the server and keeps an
// encrypted copy on disk.
type SessionStore struct {
	api        API
	blobs      BlobStore
	now        func() time.Time
	logger     *slog.Logger
	publishers []Publisher

	mu      sync.RWMutex
	session *Session
	flight  singleflight.Group
}

func NewSessionStore(api API, blobs BlobStore, opts ...StoreOption) *SessionStore {
	s := &SessionStore{
		api:    api,
		blobs:  blobs,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns a copy of the session, or nil.
func (s *SessionStore) Current() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.clone()
}

// Login authenticates against the server. Any failure other than the server
// being unreachable locks the kiosk by discarding the current session.
func (s *SessionStore) Login(ctx context.Context, email, password, fingerprint string) (*Session, error) {
	resp, err := s.api.Login(ctx, protocol.LoginRequest{
		Email:      email,
		Password:   password,
		HardwareID: fingerprint,
	})
	if err != nil {
		if !IsTransient(err) {
			s.Logout()
		}
		return nil, err
	}
	now := s.now()
	session := &Session{
		BearerToken:  resp.Token,
		LicenseToken: resp.LicenseToken,
		ExpiresAt:    resp.ExpiryDate,
		HardwareID:   fingerprint,
		Account: SessionAccount{
			ID:     resp.User.ID,
			Email:  resp.User.Email,
			Role:   resp.User.Role,
			Models: append([]string(nil), resp.Models...),
		},
		LoggedInAt:  now,
		ValidatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	s.persistLocked()
	s.publishLocked()
	s.logger.Info("kiosk session established",
		"account", session.Account.ID,
		"role", session.Account.Role,
		"expires_at", session.ExpiresAt,
		"hwid", utils.Truncate(fingerprint, 12),
	)
	return session.clone(), nil
}

// IsLocallyValid never touches the network.
func (s *SessionStore) IsLocallyValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.validAt(s.now())
}

// ExpiresAt returns the cached expiry of a non-superadmin session.
func (s *SessionStore) ExpiresAt() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil || s.session.superadmin() {
		return time.Time{}, false
	}
	return s.session.ExpiresAt, true
}

// Revalidate checks the session with the server. Concurrent callers share
// one request. When the server cannot be reached the session is kept and
// the local verdict returned; an explicit rejection destroys it.
func (s *SessionStore) Revalidate(ctx context.Context) (bool, error) {
	v, err, _ := s.flight.Do("revalidate", func() (interface{}, error) {
		return s.revalidate(ctx)
	})
	valid, _ := v.(bool)
	return valid, err
}

func (s *SessionStore) revalidate(ctx context.Context) (bool, error) {
	s.mu.RLock()
	current := s.session
	s.mu.RUnlock()
	if current == nil {
		return false, nil
	}
	bearer := current.BearerToken

	resp, err := s.api.Validate(ctx, bearer)
	if err != nil {
		if IsTransient(err) {
			s.logger.Warn("revalidation deferred; licensing server unreachable", "error", err)
			return s.IsLocallyValid(), nil
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.session != nil && s.session.BearerToken == bearer {
			s.logger.Warn("session rejected by licensing server", "reason", protocol.AsError(err).Reason)
			s.clearLocked()
		}
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.session == nil || s.session.BearerToken != bearer {
		// A login or logout happened while the request was in flight.
		return s.session.validAt(now), nil
	}
	updated := s.session.clone()
	updated.Account.Role = resp.User.Role
	updated.Account.Email = resp.User.Email
	if sub := resp.Subscription; sub != nil {
		updated.ExpiresAt = sub.ExpiryDate
		updated.Account.Models = append([]string(nil), sub.Models...)
	}
	updated.ValidatedAt = now
	s.session = updated
	s.persistLocked()
	s.publishLocked()
	return updated.validAt(now), nil
}

// Logout clears the session in memory and on disk.
func (s *SessionStore) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

// EnforceExpiry logs out a session whose expiry has passed and reports
// whether it did.
func (s *SessionStore) EnforceExpiry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.session.validAt(s.now()) {
		return false
	}
	s.logger.Info("kiosk session expired", "account", s.session.Account.ID, "expired_at", s.session.ExpiresAt)
	s.clearLocked()
	return true
}

// Restore loads the session saved by a previous run. An unreadable or
// expired blob is deleted. It reports whether a usable session was loaded.
func (s *SessionStore) Restore(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	raw, err := s.blobs.Load()
	if err != nil {
		if errors.Is(err, ErrNoBlob) {
			return false, nil
		}
		if errors.Is(err, ErrBlobUnreadable) {
			s.logger.Warn("discarding unreadable session file", "error", err)
			s.Logout()
			return false, nil
		}
		return false, err
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		s.logger.Warn("discarding malformed session file", "error", err)
		s.Logout()
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !session.validAt(s.now()) {
		s.clearLocked()
		return false, nil
	}
	s.session = &session
	s.publishLocked()
	return true, nil
}

func (s *SessionStore) clearLocked() {
	s.session = nil
	if err := s.blobs.Clear(); err != nil {
		s.logger.Warn("failed to remove session file", "error", err)
	}
	s.publishLocked()
}

func (s *SessionStore) persistLocked() {
	raw, err := json.Marshal(s.session)
	if err != nil {
		s.logger.Warn("failed to encode session", "error", err)
		return
	}
	if err := s.blobs.Save(raw); err != nil {
		s.logger.Warn("failed to persist session", "error", err)
	}
}

func (s *SessionStore) publishLocked() {
	var bridged *protocol.BridgedSession
	if s.session.validAt(s.now()) {
		bridged = s.session.Bridged()
	}
	for _, p := range s.publishers {
		p.Publish(bridged)
	}
}
