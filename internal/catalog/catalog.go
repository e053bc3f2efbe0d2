// Package catalog is the read-mostly set of license types. Entries are
// append-only: capacity or validity of an existing type is never
// changed because already-issued bindings were checked against it.
package catalog

import (
	"context"
	"errors"

	"gorm.io/gorm"

	apperrors "stitchkey/internal/errors"
	"stitchkey/internal/store"
)

// TrialTypeCode is the reserved catalog code for single-use trial
// licenses. It is seeded at provisioning time and excluded from
// client-facing type listings.
const TrialTypeCode = "LICENSE-TRIAL"

// Catalog looks up and provisions license types.
type Catalog struct {
	db *gorm.DB
}

// New creates a catalog over the given database handle.
func New(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

// WithTx returns a catalog bound to an open transaction.
func (c *Catalog) WithTx(tx *gorm.DB) *Catalog {
	return &Catalog{db: tx}
}

// Lookup returns the license type for code.
func (c *Catalog) Lookup(ctx context.Context, code string) (*store.LicenseType, error) {
	var lt store.LicenseType
	err := c.db.WithContext(ctx).First(&lt, "code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrTypeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &lt, nil
}

// Create provisions a new license type. nil allowedDevices means
// unlimited; nil validityDays means perpetual.
func (c *Catalog) Create(ctx context.Context, code string, allowedDevices, validityDays *int) error {
	lt := store.LicenseType{
		Code:           code,
		AllowedDevices: allowedDevices,
		ValidityDays:   validityDays,
	}
	err := c.db.WithContext(ctx).Create(&lt).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperrors.ErrTypeExists
	}
	return err
}

// List returns all purchasable license types. The trial type is
// excluded: trials are issued by the server, never picked by a client.
func (c *Catalog) List(ctx context.Context) ([]store.LicenseType, error) {
	var types []store.LicenseType
	err := c.db.WithContext(ctx).
		Where("code <> ?", TrialTypeCode).
		Order("code").
		Find(&types).Error
	if err != nil {
		return nil, err
	}
	return types, nil
}
