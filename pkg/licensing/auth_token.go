package licensing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oarkflow/kiosklicense/pkg/protocol"
)

const bearerIssuer = "kiosk-licensing"

// SessionClaims is the payload of the bearer token handed out at login.
type SessionClaims struct {
	Email      string `json:"email"`
	Role       Role   `json:"role"`
	HardwareID string `json:"hwid,omitempty"`
	jwt.RegisteredClaims
}

// BearerSigner signs and verifies HS256 session tokens.
type BearerSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewBearerSigner(secret string, ttl time.Duration, now func() time.Time) (*BearerSigner, error) {
	if len(strings.TrimSpace(secret)) < 16 {
		return nil, fmt.Errorf("jwt secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &BearerSigner{secret: []byte(secret), ttl: ttl, now: now}, nil
}

func (bs *BearerSigner) Sign(account *Account) (string, error) {
	now := bs.now()
	claims := &SessionClaims{
		Email:      account.Email,
		Role:       account.Role,
		HardwareID: account.HardwareID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			Issuer:    bearerIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(bs.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(bs.secret)
}

// Parse verifies a bearer token. Any failure is protocol.ErrUnauthorized.
func (bs *BearerSigner) Parse(raw string) (*SessionClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, protocol.ErrUnauthorized
	}
	token, err := jwt.ParseWithClaims(raw, &SessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		return bs.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(bearerIssuer),
		jwt.WithTimeFunc(bs.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, protocol.ErrUnauthorized.WithMessage("session expired")
		}
		return nil, protocol.ErrUnauthorized
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, protocol.ErrUnauthorized
	}
	return claims, nil
}

// BearerFromHeader extracts the token from an Authorization header value.
func BearerFromHeader(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
