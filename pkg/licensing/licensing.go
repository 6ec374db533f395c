package licensing

import (
	"regexp"
	"strings"
	"time"

	"github.com/oarkflow/kiosklicense/pkg/protocol"
	"github.com/oarkflow/kiosklicense/pkg/utils"
)

// ==================== Accounts & Subscriptions ====================

type Role string

const (
	RoleClient     Role = protocol.RoleClient
	RoleAdmin      Role = protocol.RoleAdmin
	RoleSuperadmin Role = protocol.RoleSuperadmin
)

func ParseRole(input string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(input))) {
	case "", RoleClient:
		return RoleClient, true
	case RoleAdmin:
		return RoleAdmin, true
	case RoleSuperadmin:
		return RoleSuperadmin, true
	default:
		return "", false
	}
}

// Elevated reports whether the role may use the admin API.
func (r Role) Elevated() bool {
	return r == RoleAdmin || r == RoleSuperadmin
}

type SubscriptionKind string

const (
	SubscriptionRental    SubscriptionKind = "rental"
	SubscriptionPermanent SubscriptionKind = "permanent"
)

type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusExpired   SubscriptionStatus = "expired"
	StatusSuspended SubscriptionStatus = "suspended"
)

// NeverExpires is the expiry carried by permanent subscriptions.
var NeverExpires = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

type Account struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	PasswordHash   []byte    `json:"password_hash"`
	Role           Role      `json:"role"`
	Active         bool      `json:"active"`
	HardwareID     string    `json:"hardware_id,omitempty"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastLoginAt    time.Time `json:"last_login_at,omitempty"`
}

// Bound reports whether a hardware fingerprint is locked onto the account.
func (a *Account) Bound() bool {
	return a.HardwareID != ""
}

type Subscription struct {
	ID           string             `json:"id"`
	AccountID    string             `json:"account_id"`
	Kind         SubscriptionKind   `json:"kind"`
	StartedAt    time.Time          `json:"started_at"`
	ExpiresAt    time.Time          `json:"expires_at"`
	Models       []string           `json:"models"`
	Status       SubscriptionStatus `json:"status"`
	LicenseToken string             `json:"license_token,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Expired reports whether the expiry has passed. Permanent subscriptions never
// expire.
func (s *Subscription) Expired(now time.Time) bool {
	if s.Kind == SubscriptionPermanent {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// LoginRecord is an audit entry for a login attempt against a known account.
type LoginRecord struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	Email      string    `json:"email"`
	HardwareID string    `json:"hardware_id,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Success    bool      `json:"success"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func cloneAccount(a *Account) *Account {
	if a == nil {
		return nil
	}
	clone := *a
	if len(a.PasswordHash) > 0 {
		clone.PasswordHash = append([]byte(nil), a.PasswordHash...)
	}
	return &clone
}

func cloneSubscription(s *Subscription) *Subscription {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Models = append([]string(nil), s.Models...)
	return &clone
}

func cloneLoginRecord(r *LoginRecord) *LoginRecord {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

func normalizeEmail(email string) string {
	return protocol.NormalizeEmail(email)
}

var fingerprintPattern = regexp.MustCompile(`^[A-Za-z0-9:._\-]{8,256}$`)

// normalizeFingerprint trims the submitted hardware id. An empty result means
// the client could not compute one.
func normalizeFingerprint(fp string) (string, bool) {
	fp = strings.TrimSpace(fp)
	if fp == "" {
		return "", true
	}
	return fp, fingerprintPattern.MatchString(fp)
}

func normalizeModels(models []string) []string {
	return utils.NormalizeList(models)
}

// ==================== Views ====================

func userView(a *Account) protocol.UserView {
	return protocol.UserView{
		ID:         a.ID,
		Email:      a.Email,
		Role:       string(a.Role),
		Active:     a.Active,
		DeviceLock: a.Bound(),
	}
}

func subscriptionView(s *Subscription) *protocol.SubscriptionView {
	if s == nil {
		return nil
	}
	return &protocol.SubscriptionView{
		ID:         s.ID,
		Type:       string(s.Kind),
		Status:     string(s.Status),
		StartDate:  s.StartedAt,
		ExpiryDate: s.ExpiresAt,
		Models:     append([]string{}, s.Models...),
	}
}

func accountView(a *Account, s *Subscription) protocol.AccountView {
	view := protocol.AccountView{
		User:         userView(a),
		Subscription: subscriptionView(s),
		CreatedAt:    a.CreatedAt,
	}
	if !a.LastLoginAt.IsZero() {
		last := a.LastLoginAt
		view.LastLoginAt = &last
	}
	return view
}

func loginRecordView(r *LoginRecord) protocol.LoginRecordView {
	return protocol.LoginRecordView{
		ID:         r.ID,
		HardwareID: r.HardwareID,
		IPAddress:  r.IPAddress,
		UserAgent:  r.UserAgent,
		Success:    r.Success,
		Reason:     r.Reason,
		Timestamp:  r.Timestamp,
	}
}
