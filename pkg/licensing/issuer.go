package licensing

import (
	"context"
	"fmt"
	"time"
)

// LicenseIssuer mints license tokens for subscriptions and persists them.
type LicenseIssuer struct {
	storage Storage
	cipher  *TokenCipher
	now     func() time.Time
}

func NewLicenseIssuer(storage Storage, cipher *TokenCipher, now func() time.Time) *LicenseIssuer {
	if now == nil {
		now = time.Now
	}
	return &LicenseIssuer{storage: storage, cipher: cipher, now: now}
}

// Issue encodes a fresh token for sub and stores it. sub is only updated
// once the write has succeeded; on error no token is returned.
func (li *LicenseIssuer) Issue(ctx context.Context, sub *Subscription) (string, error) {
	if sub == nil {
		return "", fmt.Errorf("subscription is nil")
	}
	now := li.now().UTC()
	token, err := li.cipher.Encode(LicensePayload{
		SubscriptionID: sub.ID,
		ExpiresAt:      sub.ExpiresAt.UTC(),
		Models:         append([]string{}, sub.Models...),
		Kind:           sub.Kind,
		IssuedAt:       now,
	})
	if err != nil {
		return "", err
	}
	updated := cloneSubscription(sub)
	updated.LicenseToken = token
	updated.UpdatedAt = now
	if err := li.storage.UpdateSubscription(ctx, updated); err != nil {
		return "", fmt.Errorf("failed to persist license token: %w", err)
	}
	sub.LicenseToken = token
	sub.UpdatedAt = now
	return token, nil
}

// Decode opens a token issued by this issuer.
func (li *LicenseIssuer) Decode(token string) (*LicensePayload, error) {
	return li.cipher.Decode(token)
}
