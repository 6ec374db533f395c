package licensing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/kiosklicense/pkg/protocol"
)

func TestDeviceBinderLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	storage := NewInMemoryStorage()
	binder := NewDeviceBinder(storage, clock.Now)

	client := seedAccount(t, storage, "c1", "client@example.com", clock.Now())
	admin := seedAccount(t, storage, "ad1", "admin@example.com", clock.Now())
	admin.Role = RoleAdmin

	outcome, err := binder.CheckAndBind(ctx, client, "fingerprint-one")
	require.NoError(t, err)
	assert.Equal(t, BindFirstUse, outcome)

	outcome, err = binder.CheckAndBind(ctx, client, "fingerprint-one")
	require.NoError(t, err)
	assert.Equal(t, BindMatched, outcome)

	_, err = binder.CheckAndBind(ctx, client, "fingerprint-two")
	assert.ErrorIs(t, err, protocol.ErrDeviceMismatch)

	outcome, err = binder.CheckAndBind(ctx, client, "")
	require.NoError(t, err)
	assert.Equal(t, BindSkipped, outcome)
	stored, err := storage.GetAccount(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "fingerprint-one", stored.HardwareID)

	require.NoError(t, binder.ResetLock(ctx, admin, client))
	assert.False(t, client.Bound())

	outcome, err = binder.CheckAndBind(ctx, client, "fingerprint-two")
	require.NoError(t, err)
	assert.Equal(t, BindFirstUse, outcome)
}

func TestDeviceBinderStaleAccountLosesRace(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	storage := NewInMemoryStorage()
	binder := NewDeviceBinder(storage, clock.Now)
	seedAccount(t, storage, "c1", "client@example.com", clock.Now())

	first, err := storage.GetAccount(ctx, "c1")
	require.NoError(t, err)
	second, err := storage.GetAccount(ctx, "c1")
	require.NoError(t, err)

	_, err = binder.CheckAndBind(ctx, first, "fingerprint-one")
	require.NoError(t, err)
	_, err = binder.CheckAndBind(ctx, second, "fingerprint-two")
	assert.ErrorIs(t, err, protocol.ErrDeviceMismatch)
}

func TestDeviceBinderSuperadminExempt(t *testing.T) {
	ctx := context.Background()
	storage := NewInMemoryStorage()
	binder := NewDeviceBinder(storage, nil)
	root := seedAccount(t, storage, "root", "root@example.com", newFakeClock().Now())
	root.Role = RoleSuperadmin

	for _, fp := range []string{"fingerprint-one", "fingerprint-two", "bad"} {
		outcome, err := binder.CheckAndBind(ctx, root, fp)
		require.NoError(t, err)
		assert.Equal(t, BindExempt, outcome)
	}
	assert.False(t, root.Bound())
}

func TestDeviceBinderRejectsMalformedFingerprint(t *testing.T) {
	storage := NewInMemoryStorage()
	binder := NewDeviceBinder(storage, nil)
	client := seedAccount(t, storage, "c1", "client@example.com", newFakeClock().Now())

	_, err := binder.CheckAndBind(context.Background(), client, "short")
	assert.ErrorIs(t, err, protocol.ErrBadRequest)
	_, err = binder.CheckAndBind(context.Background(), client, "has spaces in it")
	assert.ErrorIs(t, err, protocol.ErrBadRequest)
}

func TestResetLockAuthorization(t *testing.T) {
	ctx := context.Background()
	storage := NewInMemoryStorage()
	binder := NewDeviceBinder(storage, nil)
	now := newFakeClock().Now()

	client := seedAccount(t, storage, "c1", "client@example.com", now)
	other := seedAccount(t, storage, "c2", "other@example.com", now)
	admin := seedAccount(t, storage, "ad1", "admin@example.com", now)
	admin.Role = RoleAdmin
	require.NoError(t, storage.BindHardwareID(ctx, "c1", "fingerprint-one", now))
	require.NoError(t, storage.BindHardwareID(ctx, "ad1", "fingerprint-adm", now))
	client.HardwareID = "fingerprint-one"
	admin.HardwareID = "fingerprint-adm"

	assert.ErrorIs(t, binder.ResetLock(ctx, other, client), protocol.ErrForbidden)
	assert.ErrorIs(t, binder.ResetLock(ctx, admin, admin), protocol.ErrForbidden)
	assert.ErrorIs(t, binder.ResetLock(ctx, nil, client), protocol.ErrForbidden)
	assert.True(t, client.Bound())

	require.NoError(t, binder.ResetLock(ctx, admin, client))
	stored, err := storage.GetAccount(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, stored.HardwareID)

	// Already unbound: no-op.
	require.NoError(t, binder.ResetLock(ctx, admin, client))
}
