package licensing

import (
	"context"
	"errors"
	"time"

	"github.com/oarkflow/kiosklicense/pkg/protocol"
)

type BindOutcome int

const (
	// BindExempt: superadmin accounts are never locked.
	BindExempt BindOutcome = iota
	BindFirstUse
	BindMatched
	// BindSkipped: no fingerprint was supplied; the login proceeds without
	// touching the lock.
	BindSkipped
)

func (o BindOutcome) String() string {
	switch o {
	case BindExempt:
		return "exempt"
	case BindFirstUse:
		return "first_use"
	case BindMatched:
		return "matched"
	case BindSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// DeviceBinder enforces the one-account-one-device lock.
type DeviceBinder struct {
	storage Storage
	now     func() time.Time
}

func NewDeviceBinder(storage Storage, now func() time.Time) *DeviceBinder {
	if now == nil {
		now = time.Now
	}
	return &DeviceBinder{storage: storage, now: now}
}

// CheckAndBind binds an unbound account to fingerprint or verifies that a
// bound one matches. account.HardwareID is updated on first use.
func (db *DeviceBinder) CheckAndBind(ctx context.Context, account *Account, fingerprint string) (BindOutcome, error) {
	if account.Role == RoleSuperadmin {
		return BindExempt, nil
	}
	fp, ok := normalizeFingerprint(fingerprint)
	if !ok {
		return 0, protocol.ErrBadRequest.WithMessage("invalid hardware id")
	}
	if fp == "" {
		return BindSkipped, nil
	}
	if account.Bound() {
		if account.HardwareID != fp {
			return 0, protocol.ErrDeviceMismatch
		}
		return BindMatched, nil
	}
	now := db.now().UTC()
	if err := db.storage.BindHardwareID(ctx, account.ID, fp, now); err != nil {
		if errors.Is(err, errHardwareBound) {
			// Lost a race with a concurrent first login from another device.
			return 0, protocol.ErrDeviceMismatch
		}
		return 0, err
	}
	account.HardwareID = fp
	account.UpdatedAt = now
	return BindFirstUse, nil
}

// ResetLock clears the binding on target. The actor must be elevated and
// may not reset its own account.
func (db *DeviceBinder) ResetLock(ctx context.Context, actor, target *Account) error {
	if actor == nil || target == nil {
		return protocol.ErrForbidden
	}
	if !actor.Role.Elevated() || actor.ID == target.ID {
		return protocol.ErrForbidden
	}
	if target.Role == RoleSuperadmin || !target.Bound() {
		return nil
	}
	now := db.now().UTC()
	if err := db.storage.ClearHardwareID(ctx, target.ID, now); err != nil {
		return err
	}
	target.HardwareID = ""
	target.UpdatedAt = now
	return nil
}
