package store

import "time"

// LicenseType is an immutable catalog entry describing capacity and
// validity policy shared by many licenses. Rows are append-only:
// changing capacity retroactively would break assumptions already made
// for issued bindings.
type LicenseType struct {
	Code           string `gorm:"primaryKey;size:64"`
	AllowedDevices *int   // nil = unlimited
	ValidityDays   *int   // nil = perpetual
	CreatedAt      time.Time
}

// TableName overrides the default pluralization for clarity in the schema.
func (LicenseType) TableName() string { return "license_types" }

// License grants usage rights identified by a secret key. IsActive=false
// is terminal: expired or revoked licenses are never reactivated.
type License struct {
	ID         uint   `gorm:"primaryKey"`
	TypeCode   string `gorm:"size:64;not null;index"`
	LicenseKey string `gorm:"size:128;not null;uniqueIndex"`
	CreatedAt  time.Time
	IsActive   bool `gorm:"not null"`

	Type LicenseType `gorm:"foreignKey:TypeCode;references:Code"`
}

func (License) TableName() string { return "licenses" }

// DeviceBinding associates one hardware-derived identifier with one
// license, consuming one capacity slot. The composite unique index is
// the concurrency backstop: two racing activations can never both
// insert the same (license, device) pair.
type DeviceBinding struct {
	ID          uint      `gorm:"primaryKey"`
	LicenseID   uint      `gorm:"not null;uniqueIndex:idx_license_device"`
	DeviceID    string    `gorm:"size:128;not null;uniqueIndex:idx_license_device;index"`
	ActivatedAt time.Time `gorm:"not null"`
}

func (DeviceBinding) TableName() string { return "device_bindings" }
