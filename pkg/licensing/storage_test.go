package licensing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storageBackends(t *testing.T) map[string]func(t *testing.T) Storage {
	return map[string]func(t *testing.T) Storage{
		"memory": func(t *testing.T) Storage {
			return NewInMemoryStorage()
		},
		"file": func(t *testing.T) Storage {
			s, err := NewPersistentStorage(filepath.Join(t.TempDir(), "state.json"))
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Storage {
			s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "licensing.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func seedAccount(t *testing.T, s Storage, id, email string, at time.Time) *Account {
	t.Helper()
	account := &Account{
		ID:           id,
		Email:        email,
		PasswordHash: []byte("hash"),
		Role:         RoleClient,
		Active:       true,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	require.NoError(t, s.CreateAccount(context.Background(), account))
	return account
}

func seedSubscription(t *testing.T, s Storage, accountID string, kind SubscriptionKind, start time.Time, days int) *Subscription {
	t.Helper()
	expires := NeverExpires
	if kind == SubscriptionRental {
		expires = start.AddDate(0, 0, days)
	}
	sub := &Subscription{
		ID:        "sub-" + accountID,
		AccountID: accountID,
		Kind:      kind,
		StartedAt: start,
		ExpiresAt: expires,
		Models:    []string{"predefined"},
		Status:    StatusActive,
		CreatedAt: start,
		UpdatedAt: start,
	}
	require.NoError(t, s.SaveSubscription(context.Background(), sub))
	return sub
}

func TestStorageBackends(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for name, build := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("accounts are unique by case-insensitive email", func(t *testing.T) {
				s := build(t)
				seedAccount(t, s, "a1", "Owner@Example.com", start)
				err := s.CreateAccount(ctx, &Account{ID: "a2", Email: "owner@example.COM", PasswordHash: []byte("x"), Role: RoleClient, CreatedAt: start, UpdatedAt: start})
				assert.ErrorIs(t, err, errAccountExists)

				got, err := s.GetAccountByEmail(ctx, "  OWNER@example.com ")
				require.NoError(t, err)
				assert.Equal(t, "a1", got.ID)
				assert.True(t, got.CreatedAt.Equal(start))

				_, err = s.GetAccount(ctx, "missing")
				assert.ErrorIs(t, err, errAccountMissing)
			})

			t.Run("hardware binding is compare and set", func(t *testing.T) {
				s := build(t)
				seedAccount(t, s, "a1", "one@example.com", start)

				require.NoError(t, s.BindHardwareID(ctx, "a1", "device-aaaa", start))
				require.NoError(t, s.BindHardwareID(ctx, "a1", "device-aaaa", start))
				assert.ErrorIs(t, s.BindHardwareID(ctx, "a1", "device-bbbb", start), errHardwareBound)
				assert.ErrorIs(t, s.BindHardwareID(ctx, "nobody", "device-aaaa", start), errAccountMissing)

				require.NoError(t, s.ClearHardwareID(ctx, "a1", start))
				require.NoError(t, s.BindHardwareID(ctx, "a1", "device-bbbb", start))
				got, err := s.GetAccount(ctx, "a1")
				require.NoError(t, err)
				assert.Equal(t, "device-bbbb", got.HardwareID)
			})

			t.Run("one subscription per account", func(t *testing.T) {
				s := build(t)
				seedAccount(t, s, "a1", "one@example.com", start)
				sub := seedSubscription(t, s, "a1", SubscriptionRental, start, 30)

				dup := *sub
				dup.ID = "another"
				assert.ErrorIs(t, s.SaveSubscription(ctx, &dup), errSubscriptionExists)

				got, err := s.GetSubscriptionByAccount(ctx, "a1")
				require.NoError(t, err)
				assert.Equal(t, []string{"predefined"}, got.Models)
				assert.True(t, got.ExpiresAt.Equal(start.AddDate(0, 0, 30)))

				got.Models = []string{"predefined", "gemma"}
				got.LicenseToken = "aa:bb"
				require.NoError(t, s.UpdateSubscription(ctx, got))
				again, err := s.GetSubscription(ctx, got.ID)
				require.NoError(t, err)
				assert.Equal(t, []string{"predefined", "gemma"}, again.Models)
				assert.Equal(t, "aa:bb", again.LicenseToken)
			})

			t.Run("expire subscriptions is idempotent", func(t *testing.T) {
				s := build(t)
				seedAccount(t, s, "a1", "one@example.com", start)
				seedAccount(t, s, "a2", "two@example.com", start)
				seedAccount(t, s, "a3", "three@example.com", start)
				seedSubscription(t, s, "a1", SubscriptionRental, start, 10)
				seedSubscription(t, s, "a2", SubscriptionRental, start, 60)
				seedSubscription(t, s, "a3", SubscriptionPermanent, start, 0)

				now := start.AddDate(0, 0, 10)
				changed, err := s.ExpireSubscriptions(ctx, now)
				require.NoError(t, err)
				assert.Equal(t, []string{"sub-a1"}, changed)

				changed, err = s.ExpireSubscriptions(ctx, now)
				require.NoError(t, err)
				assert.Empty(t, changed)

				sub, err := s.GetSubscription(ctx, "sub-a1")
				require.NoError(t, err)
				assert.Equal(t, StatusExpired, sub.Status)
				perm, err := s.GetSubscription(ctx, "sub-a3")
				require.NoError(t, err)
				assert.Equal(t, StatusActive, perm.Status)
			})

			t.Run("delete cascades", func(t *testing.T) {
				s := build(t)
				seedAccount(t, s, "a1", "one@example.com", start)
				seedSubscription(t, s, "a1", SubscriptionRental, start, 30)
				require.NoError(t, s.RecordLogin(ctx, &LoginRecord{ID: "l1", AccountID: "a1", Email: "one@example.com", Success: true, Timestamp: start}))

				require.NoError(t, s.DeleteAccount(ctx, "a1"))
				_, err := s.GetSubscriptionByAccount(ctx, "a1")
				assert.ErrorIs(t, err, errSubscriptionMissing)
				logins, err := s.ListLogins(ctx, "a1")
				require.NoError(t, err)
				assert.Empty(t, logins)
				assert.ErrorIs(t, s.DeleteAccount(ctx, "a1"), errAccountMissing)

				// The email is free again.
				seedAccount(t, s, "a1b", "ONE@example.com", start)
			})

			t.Run("login records are capped", func(t *testing.T) {
				s := build(t)
				seedAccount(t, s, "a1", "one@example.com", start)
				for i := 0; i < maxLoginRecords+5; i++ {
					require.NoError(t, s.RecordLogin(ctx, &LoginRecord{
						ID:        fmt.Sprintf("l%03d", i),
						AccountID: "a1",
						Email:     "one@example.com",
						Success:   i%2 == 0,
						Timestamp: start.Add(time.Duration(i) * time.Second),
					}))
				}
				logins, err := s.ListLogins(ctx, "a1")
				require.NoError(t, err)
				require.Len(t, logins, maxLoginRecords)
				assert.Equal(t, "l005", logins[0].ID)
			})

			t.Run("login records keep time order across fractional seconds", func(t *testing.T) {
				s := build(t)
				seedAccount(t, s, "a1", "one@example.com", start)
				offsets := []time.Duration{0, 100 * time.Millisecond, 120 * time.Millisecond, time.Second}
				for i, offset := range offsets {
					require.NoError(t, s.RecordLogin(ctx, &LoginRecord{
						ID:        fmt.Sprintf("l%d", i),
						AccountID: "a1",
						Email:     "one@example.com",
						Success:   true,
						Timestamp: start.Add(offset),
					}))
				}
				logins, err := s.ListLogins(ctx, "a1")
				require.NoError(t, err)
				ids := make([]string, 0, len(logins))
				for _, l := range logins {
					ids = append(ids, l.ID)
				}
				assert.Equal(t, []string{"l0", "l1", "l2", "l3"}, ids)
				assert.True(t, logins[2].Timestamp.Equal(start.Add(120*time.Millisecond)))
			})
		})
	}
}

func TestPersistentStorageReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	first, err := NewPersistentStorage(path)
	require.NoError(t, err)
	seedAccount(t, first, "a1", "one@example.com", start)
	seedSubscription(t, first, "a1", SubscriptionRental, start, 30)
	require.NoError(t, first.BindHardwareID(ctx, "a1", "device-aaaa", start))

	second, err := NewPersistentStorage(path)
	require.NoError(t, err)
	account, err := second.GetAccountByEmail(ctx, "one@example.com")
	require.NoError(t, err)
	assert.Equal(t, "device-aaaa", account.HardwareID)
	sub, err := second.GetSubscriptionByAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "sub-a1", sub.ID)
}

func TestPersistentStorageFailedWriteLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	s, err := NewPersistentStorage(path)
	require.NoError(t, err)
	seedAccount(t, s, "a1", "one@example.com", start)
	sub := seedSubscription(t, s, "a1", SubscriptionRental, start, 30)

	// A non-empty directory at the target path makes the final rename fail.
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.MkdirAll(filepath.Join(path, "blocker"), 0o700))

	issuer := NewLicenseIssuer(s, newTestCipher(t), func() time.Time { return start })
	token, err := issuer.Issue(ctx, sub)
	require.Error(t, err)
	assert.Empty(t, token)

	stored, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.LicenseToken)

	assert.Error(t, s.BindHardwareID(ctx, "a1", "device-aaaa", start))
	account, err := s.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, account.HardwareID)

	assert.Error(t, s.DeleteAccount(ctx, "a1"))
	_, err = s.GetAccount(ctx, "a1")
	assert.NoError(t, err)

	changed, err := s.ExpireSubscriptions(ctx, start.AddDate(0, 0, 31))
	assert.Error(t, err)
	assert.Empty(t, changed)
	stored, err = s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, stored.Status)
}

func TestBuildStorage(t *testing.T) {
	s, desc, err := BuildStorage(StorageOptions{Mode: "memory"})
	require.NoError(t, err)
	assert.Equal(t, "memory", desc)
	assert.IsType(t, &InMemoryStorage{}, s)

	path := filepath.Join(t.TempDir(), "x.json")
	_, desc, err = BuildStorage(StorageOptions{Mode: "file", FilePath: path})
	require.NoError(t, err)
	assert.Equal(t, "file:"+path, desc)

	_, _, err = BuildStorage(StorageOptions{Mode: "redis"})
	assert.Error(t, err)
}
