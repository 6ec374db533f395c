// Package protocol holds the JSON messages exchanged between the licensing
// server, the kiosk desktop process and handset devices on the local bridge.
package protocol

import (
	"strings"
	"time"
)

const (
	RoleClient     = "client"
	RoleAdmin      = "admin"
	RoleSuperadmin = "superadmin"
)

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email      string `json:"email" validate:"required,email,max=254"`
	Password   string `json:"password" validate:"required,max=256"`
	HardwareID string `json:"hardwareId,omitempty" validate:"omitempty,max=256"`
}

// UserView is the account summary returned to kiosks.
type UserView struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Role       string `json:"role"`
	Active     bool   `json:"active"`
	DeviceLock bool   `json:"deviceLocked"`
}

// LoginResponse is returned by POST /auth/login.
type LoginResponse struct {
	Token        string    `json:"token"`
	LicenseToken string    `json:"licenseToken"`
	ExpiryDate   time.Time `json:"expiryDate"`
	Models       []string  `json:"models"`
	User         UserView  `json:"user"`
}

// SubscriptionView is the public shape of a subscription record.
type SubscriptionView struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	StartDate  time.Time `json:"startDate"`
	ExpiryDate time.Time `json:"expiryDate"`
	Models     []string  `json:"models"`
}

// ValidateResponse is returned by GET /auth/validate. Subscription is nil for
// superadmin accounts.
type ValidateResponse struct {
	User         UserView          `json:"user"`
	Subscription *SubscriptionView `json:"subscription"`
}

type VerifyLicenseRequest struct {
	LicenseToken string `json:"licenseToken" validate:"required,max=8192"`
}

// LicenseView is the decoded content of a license token.
type LicenseView struct {
	SubscriptionID string    `json:"subscriptionId"`
	Type           string    `json:"type"`
	ExpiryDate     time.Time `json:"expiryDate"`
	IssuedAt       time.Time `json:"issuedAt"`
	Models         []string  `json:"models"`
}

// ErrorResponse is the body of every 4xx/5xx answer.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Admin requests.

type CreateAccountRequest struct {
	Email        string   `json:"email" validate:"required,email,max=254"`
	Password     string   `json:"password" validate:"required,min=8,max=256"`
	Role         string   `json:"role" validate:"omitempty,oneof=client admin"`
	Type         string   `json:"type" validate:"omitempty,oneof=rental permanent"`
	DurationDays int      `json:"durationDays" validate:"omitempty,min=1,max=36500"`
	Models       []string `json:"models" validate:"omitempty,dive,required,max=64"`
}

type AccountView struct {
	User         UserView          `json:"user"`
	Subscription *SubscriptionView `json:"subscription"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastLoginAt  *time.Time        `json:"lastLoginAt,omitempty"`
}

type ExtendRequest struct {
	Days int `json:"days" validate:"required,min=1,max=36500"`
}

type ModelsRequest struct {
	Models []string `json:"models" validate:"required,dive,required,max=64"`
}

type StatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active suspended"`
}

type ActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type LoginRecordView struct {
	ID         string    `json:"id"`
	HardwareID string    `json:"hardwareId,omitempty"`
	IPAddress  string    `json:"ipAddress,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
	Success    bool      `json:"success"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Local bridge messages.

type MobileLoginRequest struct {
	Email string `json:"email" validate:"required,max=254"`
}

// BridgedSession is the reduced session a primary device republishes for
// handsets. Values are treated as immutable once published.
type BridgedSession struct {
	Email      string    `json:"email"`
	Role       string    `json:"role"`
	ExpiryDate time.Time `json:"expiryDate"`
	Models     []string  `json:"models"`
}

// Clone returns a deep copy so callers can never mutate a published value.
func (s *BridgedSession) Clone() *BridgedSession {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Models = append([]string(nil), s.Models...)
	return &clone
}

type MobileLoginResponse struct {
	User BridgedSession `json:"user"`
}

// NormalizeEmail lowercases and trims an address for comparisons.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
