package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	apperrors "stitchkey/internal/errors"
	"stitchkey/internal/store"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "test.db")}, logger)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	return db
}

func intPtr(n int) *int { return &n }

func seedType(t *testing.T, db *gorm.DB, code string, allowed *int) {
	t.Helper()
	require.NoError(t, db.Create(&store.LicenseType{Code: code, AllowedDevices: allowed}).Error)
}

func seedLicense(t *testing.T, db *gorm.DB, typeCode, key string, active bool) uint {
	t.Helper()
	lic := store.License{
		TypeCode:   typeCode,
		LicenseKey: key,
		CreatedAt:  time.Now().UTC(),
		IsActive:   active,
	}
	require.NoError(t, db.Create(&lic).Error)
	return lic.ID
}

func TestLedger_BindAndFind(t *testing.T) {
	db := testDB(t)
	seedType(t, db, "LICENSE-PRO", intPtr(5))
	licID := seedLicense(t, db, "LICENSE-PRO", "KEY-1", true)

	led := New(db)
	ctx := context.Background()

	require.NoError(t, led.Bind(ctx, licID, "device-1", intPtr(5)))

	binding, err := led.FindBinding(ctx, licID, "device-1")
	require.NoError(t, err)
	assert.Equal(t, licID, binding.LicenseID)
	assert.Equal(t, "device-1", binding.DeviceID)

	n, err := led.CountBindings(ctx, licID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestLedger_BindIdempotent(t *testing.T) {
	db := testDB(t)
	seedType(t, db, "LICENSE-PRO", intPtr(5))
	licID := seedLicense(t, db, "LICENSE-PRO", "KEY-1", true)

	led := New(db)
	ctx := context.Background()

	require.NoError(t, led.Bind(ctx, licID, "device-1", intPtr(5)))
	require.NoError(t, led.Bind(ctx, licID, "device-1", intPtr(5)), "rebinding the same device is not an error")

	n, err := led.CountBindings(ctx, licID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "no duplicate row")
}

func TestLedger_BindCapacity(t *testing.T) {
	db := testDB(t)
	seedType(t, db, "LICENSE-SOLO", intPtr(1))
	licID := seedLicense(t, db, "LICENSE-SOLO", "KEY-1", true)

	led := New(db)
	ctx := context.Background()

	require.NoError(t, led.Bind(ctx, licID, "device-1", intPtr(1)))
	err := led.Bind(ctx, licID, "device-2", intPtr(1))
	assert.ErrorIs(t, err, apperrors.ErrCapacityExceeded)
}

func TestLedger_BindUnlimited(t *testing.T) {
	db := testDB(t)
	seedType(t, db, "LICENSE-SITE", nil)
	licID := seedLicense(t, db, "LICENSE-SITE", "KEY-1", true)

	led := New(db)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, led.Bind(ctx, licID, fmt.Sprintf("device-%d", i), nil))
	}
	n, err := led.CountBindings(ctx, licID)
	require.NoError(t, err)
	assert.EqualValues(t, 20, n)
}

func TestLedger_Unbind(t *testing.T) {
	db := testDB(t)
	seedType(t, db, "LICENSE-PRO", intPtr(5))
	licID := seedLicense(t, db, "LICENSE-PRO", "KEY-1", true)

	led := New(db)
	ctx := context.Background()

	require.NoError(t, led.Bind(ctx, licID, "device-1", intPtr(5)))
	require.NoError(t, led.Unbind(ctx, licID, "device-1"))

	_, err := led.FindBinding(ctx, licID, "device-1")
	assert.ErrorIs(t, err, apperrors.ErrBindingNotFound)

	err = led.Unbind(ctx, licID, "device-1")
	assert.ErrorIs(t, err, apperrors.ErrBindingNotFound, "unbinding twice fails")
}

func TestLedger_FindActiveBinding(t *testing.T) {
	db := testDB(t)
	seedType(t, db, "LICENSE-TRIAL", intPtr(1))
	seedType(t, db, "LICENSE-PRO", intPtr(5))
	trialID := seedLicense(t, db, "LICENSE-TRIAL", "TRIAL-1", false)
	proID := seedLicense(t, db, "LICENSE-PRO", "KEY-1", true)

	led := New(db)
	ctx := context.Background()

	// Device has a historical binding on the inactive trial and a live
	// one on the pro license.
	require.NoError(t, led.Bind(ctx, trialID, "device-1", nil))
	require.NoError(t, led.Bind(ctx, proID, "device-1", intPtr(5)))

	binding, lic, err := led.FindActiveBinding(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, proID, binding.LicenseID)
	assert.Equal(t, proID, lic.ID)
	assert.Equal(t, "LICENSE-PRO", lic.TypeCode)
	assert.True(t, lic.IsActive)

	_, _, err = led.FindActiveBinding(ctx, "device-unknown")
	assert.ErrorIs(t, err, apperrors.ErrBindingNotFound)
}

func TestLedger_MoveBinding(t *testing.T) {
	db := testDB(t)
	seedType(t, db, "LICENSE-PRO", intPtr(5))
	fromID := seedLicense(t, db, "LICENSE-PRO", "KEY-FROM", true)
	toID := seedLicense(t, db, "LICENSE-PRO", "KEY-TO", true)

	led := New(db)
	ctx := context.Background()

	require.NoError(t, led.Bind(ctx, fromID, "device-1", intPtr(5)))
	require.NoError(t, led.MoveBinding(ctx, "device-1", fromID, toID, intPtr(5)))

	_, err := led.FindBinding(ctx, fromID, "device-1")
	assert.ErrorIs(t, err, apperrors.ErrBindingNotFound)

	binding, err := led.FindBinding(ctx, toID, "device-1")
	require.NoError(t, err)
	assert.Equal(t, toID, binding.LicenseID)
}

func TestLedger_MoveBindingCapacity(t *testing.T) {
	db := testDB(t)
	seedType(t, db, "LICENSE-SOLO", intPtr(1))
	fromID := seedLicense(t, db, "LICENSE-SOLO", "KEY-FROM", true)
	toID := seedLicense(t, db, "LICENSE-SOLO", "KEY-TO", true)

	led := New(db)
	ctx := context.Background()

	require.NoError(t, led.Bind(ctx, fromID, "device-1", intPtr(1)))
	require.NoError(t, led.Bind(ctx, toID, "device-2", intPtr(1)))

	err := led.MoveBinding(ctx, "device-1", fromID, toID, intPtr(1))
	assert.ErrorIs(t, err, apperrors.ErrCapacityExceeded)
}

func TestLedger_MoveAll(t *testing.T) {
	db := testDB(t)
	seedType(t, db, "LICENSE-PRO", intPtr(5))
	fromID := seedLicense(t, db, "LICENSE-PRO", "KEY-FROM", true)
	toID := seedLicense(t, db, "LICENSE-PRO", "KEY-TO", true)

	led := New(db)
	ctx := context.Background()

	for _, dev := range []string{"device-1", "device-2", "device-3"} {
		require.NoError(t, led.Bind(ctx, fromID, dev, intPtr(5)))
	}
	// device-2 is already present at the destination.
	require.NoError(t, led.Bind(ctx, toID, "device-2", intPtr(5)))

	require.NoError(t, led.MoveAll(ctx, fromID, toID, intPtr(5)))

	n, err := led.CountBindings(ctx, fromID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "source is drained")

	n, err = led.CountBindings(ctx, toID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n, "overlapping device is not duplicated")
}

func TestLedger_MoveAllCapacity(t *testing.T) {
	db := testDB(t)
	seedType(t, db, "LICENSE-PRO", intPtr(3))
	fromID := seedLicense(t, db, "LICENSE-PRO", "KEY-FROM", true)
	toID := seedLicense(t, db, "LICENSE-PRO", "KEY-TO", true)

	led := New(db)
	ctx := context.Background()

	for _, dev := range []string{"device-1", "device-2", "device-3"} {
		require.NoError(t, led.Bind(ctx, fromID, dev, intPtr(3)))
	}
	require.NoError(t, led.Bind(ctx, toID, "device-4", intPtr(3)))

	err := led.MoveAll(ctx, fromID, toID, intPtr(3))
	assert.ErrorIs(t, err, apperrors.ErrCapacityExceeded)

	n, err := led.CountBindings(ctx, fromID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n, "nothing moved on capacity failure")
}

func TestLedger_HasTrialBinding(t *testing.T) {
	db := testDB(t)
	seedType(t, db, "LICENSE-TRIAL", intPtr(1))
	seedType(t, db, "LICENSE-PRO", intPtr(5))
	trialID := seedLicense(t, db, "LICENSE-TRIAL", "TRIAL-1", false)
	proID := seedLicense(t, db, "LICENSE-PRO", "KEY-1", true)

	led := New(db)
	ctx := context.Background()

	require.NoError(t, led.Bind(ctx, trialID, "device-1", nil))
	require.NoError(t, led.Bind(ctx, proID, "device-2", intPtr(5)))

	trialed, err := led.HasTrialBinding(ctx, "device-1", "LICENSE-TRIAL")
	require.NoError(t, err)
	assert.True(t, trialed, "inactive trial rows still count")

	trialed, err = led.HasTrialBinding(ctx, "device-2", "LICENSE-TRIAL")
	require.NoError(t, err)
	assert.False(t, trialed)
}

// Concurrent binds inside write transactions must never overshoot the
// device limit: the immediate transaction lock serializes the
// check-then-insert and the unique index backstops duplicates.
func TestLedger_ConcurrentBindCapacity(t *testing.T) {
	db := testDB(t)
	seedType(t, db, "LICENSE-PRO", intPtr(3))
	licID := seedLicense(t, db, "LICENSE-PRO", "KEY-1", true)

	led := New(db)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		dev := fmt.Sprintf("device-%d", i)
		g.Go(func() error {
			err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				return led.WithTx(tx).Bind(ctx, licID, dev, intPtr(3))
			})
			if errors.Is(err, apperrors.ErrCapacityExceeded) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	n, err := led.CountBindings(ctx, licID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n, "exactly the allowed number of devices bound")
}
