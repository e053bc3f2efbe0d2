package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	t.Run("requires a path", func(t *testing.T) {
		_, err := Open(Options{}, nil)
		assert.Error(t, err)
	})

	t.Run("creates and migrates the schema", func(t *testing.T) {
		db, err := Open(Options{Path: filepath.Join(t.TempDir(), "test.db")}, nil)
		require.NoError(t, err)

		for _, table := range []string{"license_types", "licenses", "device_bindings"} {
			assert.True(t, db.Migrator().HasTable(table), "table %s exists", table)
		}
	})
}

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{
			name: "plain path",
			path: "data/licenses.db",
			want: "data/licenses.db?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on",
		},
		{
			name: "path with existing params",
			path: "file::memory:?cache=shared",
			want: "file::memory:?cache=shared&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dsn(tt.path))
		})
	}
}

func TestUniqueBindingIndex(t *testing.T) {
	db, err := Open(Options{Path: filepath.Join(t.TempDir(), "test.db")}, nil)
	require.NoError(t, err)

	require.NoError(t, db.Create(&LicenseType{Code: "LICENSE-PRO"}).Error)
	lic := License{TypeCode: "LICENSE-PRO", LicenseKey: "KEY-1", CreatedAt: time.Now(), IsActive: true}
	require.NoError(t, db.Create(&lic).Error)

	require.NoError(t, db.Create(&DeviceBinding{LicenseID: lic.ID, DeviceID: "device-1", ActivatedAt: time.Now()}).Error)
	err = db.Create(&DeviceBinding{LicenseID: lic.ID, DeviceID: "device-1", ActivatedAt: time.Now()}).Error
	assert.Error(t, err, "duplicate (license, device) pair is rejected by the index")

	// Same device on a different license is a separate row.
	other := License{TypeCode: "LICENSE-PRO", LicenseKey: "KEY-2", CreatedAt: time.Now(), IsActive: true}
	require.NoError(t, db.Create(&other).Error)
	assert.NoError(t, db.Create(&DeviceBinding{LicenseID: other.ID, DeviceID: "device-1", ActivatedAt: time.Now()}).Error)
}
