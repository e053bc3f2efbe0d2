// Package ledger is the authoritative mapping of licenses to bound
// device identifiers. It enforces the capacity and uniqueness
// invariants; every mutation expects to run inside a transaction owned
// by the caller (see WithTx). The composite unique index on
// (license_id, device_id) is the correctness backstop should an
// optimistic capacity check ever race past the transaction lock.
package ledger

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	apperrors "stitchkey/internal/errors"
	"stitchkey/internal/store"
)

// Ledger owns the device_bindings table. License rows are read for
// joins but never mutated here; lifecycle transitions belong to the
// services layer.
type Ledger struct {
	db *gorm.DB
}

// New creates a ledger over the given database handle.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// WithTx returns a ledger bound to an open transaction. Capacity
// checks are only meaningful inside the same transaction as the insert
// they guard.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx}
}

// CountBindings returns the number of devices bound to a license.
func (l *Ledger) CountBindings(ctx context.Context, licenseID uint) (int64, error) {
	var n int64
	err := l.db.WithContext(ctx).
		Model(&store.DeviceBinding{}).
		Where("license_id = ?", licenseID).
		Count(&n).Error
	return n, err
}

// FindBinding returns the binding for (licenseID, deviceID), or
// ErrBindingNotFound.
func (l *Ledger) FindBinding(ctx context.Context, licenseID uint, deviceID string) (*store.DeviceBinding, error) {
	var b store.DeviceBinding
	err := l.db.WithContext(ctx).
		First(&b, "license_id = ? AND device_id = ?", licenseID, deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrBindingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// FindActiveBinding returns the most recent binding of deviceID to any
// active license, along with that license. Used by the self-healing
// verify path after a migration moved the device.
func (l *Ledger) FindActiveBinding(ctx context.Context, deviceID string) (*store.DeviceBinding, *store.License, error) {
	var b store.DeviceBinding
	err := l.db.WithContext(ctx).
		Joins("JOIN licenses ON licenses.id = device_bindings.license_id").
		Where("device_bindings.device_id = ? AND licenses.is_active = ?", deviceID, true).
		Order("device_bindings.activated_at DESC").
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, apperrors.ErrBindingNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	var lic store.License
	if err := l.db.WithContext(ctx).Preload("Type").First(&lic, b.LicenseID).Error; err != nil {
		return nil, nil, err
	}
	return &b, &lic, nil
}

// Bind inserts a binding after re-checking capacity inside the current
// transaction. allowed of nil means unlimited. A concurrent insert of
// the same pair is absorbed as success: the binding exists, which is
// all the caller asked for.
func (l *Ledger) Bind(ctx context.Context, licenseID uint, deviceID string, allowed *int) error {
	if allowed != nil {
		n, err := l.CountBindings(ctx, licenseID)
		if err != nil {
			return err
		}
		if n >= int64(*allowed) {
			return apperrors.ErrCapacityExceeded
		}
	}
	b := store.DeviceBinding{
		LicenseID:   licenseID,
		DeviceID:    deviceID,
		ActivatedAt: time.Now().UTC(),
	}
	err := l.db.WithContext(ctx).Create(&b).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

// Unbind removes the binding for (licenseID, deviceID), freeing one
// capacity slot.
func (l *Ledger) Unbind(ctx context.Context, licenseID uint, deviceID string) error {
	res := l.db.WithContext(ctx).
		Where("license_id = ? AND device_id = ?", licenseID, deviceID).
		Delete(&store.DeviceBinding{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrBindingNotFound
	}
	return nil
}

// MoveBinding rewrites one binding's owning license, re-checking
// destination capacity first. If the device is already bound to the
// destination the source row is simply deleted. Whether a drained
// source license is then deleted or flagged inactive is policy owned
// by the services layer, not the ledger.
func (l *Ledger) MoveBinding(ctx context.Context, deviceID string, fromLicenseID, toLicenseID uint, allowed *int) error {
	b, err := l.FindBinding(ctx, fromLicenseID, deviceID)
	if err != nil {
		return err
	}
	if _, err := l.FindBinding(ctx, toLicenseID, deviceID); err == nil {
		return l.db.WithContext(ctx).Delete(b).Error
	} else if !errors.Is(err, apperrors.ErrBindingNotFound) {
		return err
	}
	if allowed != nil {
		n, err := l.CountBindings(ctx, toLicenseID)
		if err != nil {
			return err
		}
		if n >= int64(*allowed) {
			return apperrors.ErrCapacityExceeded
		}
	}
	return l.db.WithContext(ctx).
		Model(b).
		Update("license_id", toLicenseID).Error
}

// MoveAll transfers every binding of the source license to the
// destination in one pass, all-or-nothing. A device already bound to
// the destination is deduplicated: its source row is deleted rather
// than rewritten. Returns ErrCapacityExceeded without touching any row
// when the destination cannot absorb the full incoming set.
func (l *Ledger) MoveAll(ctx context.Context, fromLicenseID, toLicenseID uint, allowed *int) error {
	var source []store.DeviceBinding
	if err := l.db.WithContext(ctx).
		Where("license_id = ?", fromLicenseID).
		Find(&source).Error; err != nil {
		return err
	}

	var duplicates []uint
	incoming := 0
	for _, b := range source {
		_, err := l.FindBinding(ctx, toLicenseID, b.DeviceID)
		switch {
		case err == nil:
			duplicates = append(duplicates, b.ID)
		case errors.Is(err, apperrors.ErrBindingNotFound):
			incoming++
		default:
			return err
		}
	}

	if allowed != nil {
		current, err := l.CountBindings(ctx, toLicenseID)
		if err != nil {
			return err
		}
		if current+int64(incoming) > int64(*allowed) {
			return apperrors.ErrCapacityExceeded
		}
	}

	if len(duplicates) > 0 {
		if err := l.db.WithContext(ctx).
			Delete(&store.DeviceBinding{}, duplicates).Error; err != nil {
			return err
		}
	}
	return l.db.WithContext(ctx).
		Model(&store.DeviceBinding{}).
		Where("license_id = ?", fromLicenseID).
		Update("license_id", toLicenseID).Error
}

// HasTrialBinding reports whether deviceID holds any binding, current
// or historical, to a trial-type license. Exhausted trial rows and
// their bindings are retained as audit records precisely so this scan
// stays cheap; it is the trial-abuse gate.
func (l *Ledger) HasTrialBinding(ctx context.Context, deviceID, trialTypeCode string) (bool, error) {
	var n int64
	err := l.db.WithContext(ctx).
		Model(&store.DeviceBinding{}).
		Joins("JOIN licenses ON licenses.id = device_bindings.license_id").
		Where("device_bindings.device_id = ? AND licenses.type_code = ?", deviceID, trialTypeCode).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
