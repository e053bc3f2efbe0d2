// Package services contains the license lifecycle engine: the business
// rules governing activation, trial issuance, migration, deactivation
// and expiration. The engine owns License row transitions; device rows
// belong to the ledger; both are mutated only inside transactions the
// engine opens here.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"stitchkey/internal/catalog"
	apperrors "stitchkey/internal/errors"
	"stitchkey/internal/infrastructure"
	"stitchkey/internal/ledger"
	"stitchkey/internal/store"
	"stitchkey/internal/token"
)

// VerifyResult is the polymorphic verify response: either the
// presented credential is still good, or the device moved to another
// license since issuance and a replacement credential is handed back.
type VerifyResult struct {
	Refreshed   bool
	LicenseID   uint
	AccessToken string
}

// LicenseInfo is the read model returned to the client for rendering
// remaining validity.
type LicenseInfo struct {
	LicenseID    uint      `json:"license_id"`
	TypeCode     string    `json:"license_type_code"`
	CreatedAt    time.Time `json:"created_at"`
	IsActive     bool      `json:"is_active"`
	ValidityDays *int      `json:"validity_days"`
}

// LicenseTypeInfo is a catalog listing entry.
type LicenseTypeInfo struct {
	Code string `json:"code"`
}

// LicenseService provides the business logic for license operations.
type LicenseService interface {
	IssueTrial(ctx context.Context, deviceID string) (string, error)
	Activate(ctx context.Context, licenseKey, deviceID string) (string, error)
	Verify(ctx context.Context, credential string) (*VerifyResult, error)
	Migrate(ctx context.Context, credential, newLicenseKey, deviceID string) (string, error)
	Deactivate(ctx context.Context, credential, deviceID string) error
	Refresh(ctx context.Context, credential string) (string, error)
	GetLicense(ctx context.Context, credential string, licenseID uint) (*LicenseInfo, error)
	ListTypes(ctx context.Context) ([]LicenseTypeInfo, error)
	ProvisionType(ctx context.Context, code string, allowedDevices, validityDays *int) error
	ProvisionLicense(ctx context.Context, licenseKey, typeCode string) (string, error)
}

// licenseService implements LicenseService over the relational store.
type licenseService struct {
	db      *gorm.DB
	catalog *catalog.Catalog
	ledger  *ledger.Ledger
	codec   *token.Codec
	ttl     time.Duration
	logger  *slog.Logger
	metrics *infrastructure.LicenseMetrics
	now     func() time.Time
}

// NewLicenseService wires the engine. metrics may be nil (tests).
func NewLicenseService(
	db *gorm.DB,
	cat *catalog.Catalog,
	led *ledger.Ledger,
	codec *token.Codec,
	ttl time.Duration,
	logger *slog.Logger,
	metrics *infrastructure.LicenseMetrics,
) LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &licenseService{
		db:      db,
		catalog: cat,
		ledger:  led,
		codec:   codec,
		ttl:     ttl,
		logger:  logger.With(slog.String("service", "license")),
		metrics: metrics,
		now:     time.Now,
	}
}

// IssueTrial creates a fresh trial license bound to the device and
// returns its credential. A device gets exactly one trial, ever:
// historical trial bindings block re-issue even after migration.
func (s *licenseService) IssueTrial(ctx context.Context, deviceID string) (string, error) {
	var licenseID uint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		led := s.ledger.WithTx(tx)

		trialed, err := led.HasTrialBinding(ctx, deviceID, catalog.TrialTypeCode)
		if err != nil {
			return err
		}
		if trialed {
			return apperrors.ErrAlreadyTrialed
		}

		trialType, err := s.catalog.WithTx(tx).Lookup(ctx, catalog.TrialTypeCode)
		if err != nil {
			return err
		}

		lic := store.License{
			TypeCode:   trialType.Code,
			LicenseKey: generateKey("TRIAL"),
			CreatedAt:  s.now().UTC(),
			IsActive:   true,
		}
		if err := tx.Create(&lic).Error; err != nil {
			return err
		}
		if err := led.Bind(ctx, lic.ID, deviceID, trialType.AllowedDevices); err != nil {
			return err
		}
		licenseID = lic.ID
		return nil
	})
	if err != nil {
		return "", err
	}

	s.metrics.RecordTrialIssued(ctx)
	s.logger.InfoContext(ctx, "trial issued",
		slog.Uint64("license_id", uint64(licenseID)),
		slog.String("device_id", deviceID))
	return s.codec.Issue(licenseID, deviceID, s.ttl)
}

// Activate binds the device to the license identified by key and
// returns a credential. Re-activating an already-bound device is
// idempotent: no new row, just a fresh credential, so clients can
// recover from credential loss without an error path.
func (s *licenseService) Activate(ctx context.Context, licenseKey, deviceID string) (string, error) {
	var (
		licenseID uint
		expired   *store.License
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		led := s.ledger.WithTx(tx)

		lic, err := licenseByKey(ctx, tx, licenseKey)
		if err != nil {
			return err
		}
		if !lic.IsActive {
			return apperrors.ErrLicenseInactive
		}
		if err := s.checkExpiration(lic); err != nil {
			expired = lic
			return err
		}

		_, err = led.FindBinding(ctx, lic.ID, deviceID)
		switch {
		case err == nil:
			// already bound, short-circuit to credential issue
		case errors.Is(err, apperrors.ErrBindingNotFound):
			if err := led.Bind(ctx, lic.ID, deviceID, lic.Type.AllowedDevices); err != nil {
				if errors.Is(err, apperrors.ErrCapacityExceeded) {
					return apperrors.ErrDeviceLimitExceeded
				}
				return err
			}
		default:
			return err
		}
		licenseID = lic.ID
		return nil
	})
	if expired != nil {
		s.retireExpired(ctx, expired)
	}
	if err != nil {
		if errors.Is(err, apperrors.ErrDeviceLimitExceeded) {
			s.metrics.RecordCapacityRejection(ctx)
		}
		s.metrics.RecordActivation(ctx, false)
		return "", err
	}

	s.metrics.RecordActivation(ctx, true)
	s.logger.InfoContext(ctx, "license activated",
		slog.Uint64("license_id", uint64(licenseID)),
		slog.String("device_id", deviceID))
	return s.codec.Issue(licenseID, deviceID, s.ttl)
}

// Verify re-validates a credential against current ledger state. Token
// expiry is advisory here; the store is authoritative. If the device
// was migrated to a different license since issuance, Verify succeeds
// and hands back a credential for the current license so clients adopt
// the move without any push notification.
func (s *licenseService) Verify(ctx context.Context, credential string) (*VerifyResult, error) {
	claims, err := s.codec.Decode(credential, true)
	if err != nil {
		s.metrics.RecordVerification(ctx, "invalid_token")
		return nil, err
	}

	var (
		result  *VerifyResult
		expired *store.License
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		led := s.ledger.WithTx(tx)

		lic, lerr := licenseByID(ctx, tx, claims.LicenseID)
		if lerr == nil && lic.IsActive {
			if err := s.checkExpiration(lic); err != nil {
				expired = lic
				return err
			}
			_, berr := led.FindBinding(ctx, lic.ID, claims.DeviceID)
			if berr == nil {
				if err := s.checkOverCapacity(ctx, led, lic); err != nil {
					return err
				}
				result = &VerifyResult{LicenseID: lic.ID}
				return nil
			}
			if !errors.Is(berr, apperrors.ErrBindingNotFound) {
				return berr
			}
		} else if lerr != nil && !errors.Is(lerr, apperrors.ErrLicenseNotFound) {
			return lerr
		}

		// The named license is gone, revoked, or no longer holds the
		// device. If the device landed on another active license via
		// migration, adopt it.
		_, current, herr := led.FindActiveBinding(ctx, claims.DeviceID)
		if herr != nil {
			if !errors.Is(herr, apperrors.ErrBindingNotFound) {
				return herr
			}
			switch {
			case lerr != nil:
				return apperrors.ErrLicenseNotFound
			case !lic.IsActive:
				return apperrors.ErrLicenseInactive
			default:
				return apperrors.ErrDeviceNotBound
			}
		}
		if err := s.checkExpiration(current); err != nil {
			expired = current
			return err
		}
		if err := s.checkOverCapacity(ctx, led, current); err != nil {
			return err
		}
		refreshed, err := s.codec.Issue(current.ID, claims.DeviceID, s.ttl)
		if err != nil {
			return err
		}
		result = &VerifyResult{Refreshed: true, LicenseID: current.ID, AccessToken: refreshed}
		return nil
	})
	if expired != nil {
		s.retireExpired(ctx, expired)
	}
	if err != nil {
		s.metrics.RecordVerification(ctx, "rejected")
		return nil, err
	}

	if result.Refreshed {
		s.metrics.RecordVerification(ctx, "refreshed")
		s.logger.InfoContext(ctx, "credential refreshed for migrated device",
			slog.Uint64("license_id", uint64(result.LicenseID)),
			slog.String("device_id", claims.DeviceID))
	} else {
		s.metrics.RecordVerification(ctx, "ok")
	}
	return result, nil
}

// Migrate moves a device (and, for paid sources, every sibling device)
// from the credential's license to the license identified by
// newLicenseKey, atomically. deviceID, when provided by the client,
// must match the credential.
func (s *licenseService) Migrate(ctx context.Context, credential, newLicenseKey, deviceID string) (string, error) {
	claims, err := s.codec.Decode(credential, true)
	if err != nil {
		return "", err
	}
	if deviceID != "" && deviceID != claims.DeviceID {
		return "", apperrors.ErrDeviceMismatch
	}

	var (
		destID     uint
		sourceType string
		expired    *store.License
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		led := s.ledger.WithTx(tx)

		source, err := licenseByID(ctx, tx, claims.LicenseID)
		if err != nil {
			return err
		}
		dest, err := licenseByKey(ctx, tx, newLicenseKey)
		if err != nil {
			return err
		}
		if source.ID == dest.ID {
			return apperrors.ErrSameLicense
		}
		if !source.IsActive || !dest.IsActive {
			return apperrors.ErrLicenseInactive
		}
		if err := s.checkExpiration(source); err != nil {
			expired = source
			return err
		}
		if err := s.checkExpiration(dest); err != nil {
			expired = dest
			return err
		}

		sourceType = source.TypeCode
		destID = dest.ID

		if source.TypeCode == catalog.TrialTypeCode {
			// Trial consumption is permanent: the trial row and its
			// binding are retained inactive as the audit record that
			// blocks re-trialing this device.
			if _, err := led.FindBinding(ctx, source.ID, claims.DeviceID); err != nil {
				if errors.Is(err, apperrors.ErrBindingNotFound) {
					return apperrors.ErrDeviceNotBound
				}
				return err
			}
			if err := led.Bind(ctx, dest.ID, claims.DeviceID, dest.Type.AllowedDevices); err != nil {
				if errors.Is(err, apperrors.ErrCapacityExceeded) {
					return apperrors.ErrInsufficientCapacity
				}
				return err
			}
			return tx.Model(source).Update("is_active", false).Error
		}

		// Paid source: transfer the full device set or nothing, then
		// delete the drained source row.
		if err := led.MoveAll(ctx, source.ID, dest.ID, dest.Type.AllowedDevices); err != nil {
			if errors.Is(err, apperrors.ErrCapacityExceeded) {
				return apperrors.ErrInsufficientCapacity
			}
			return err
		}
		return tx.Delete(&store.License{}, source.ID).Error
	})
	if expired != nil {
		s.retireExpired(ctx, expired)
	}
	if err != nil {
		return "", err
	}

	s.metrics.RecordMigration(ctx, sourceType)
	s.logger.InfoContext(ctx, "license migrated",
		slog.Uint64("from_license_id", uint64(claims.LicenseID)),
		slog.Uint64("to_license_id", uint64(destID)),
		slog.String("source_type", sourceType),
		slog.String("device_id", claims.DeviceID))
	return s.codec.Issue(destID, claims.DeviceID, s.ttl)
}

// Deactivate removes the binding for deviceID from the credential's
// license, freeing one capacity slot. Trial bindings are refused:
// releasing one would let the device trial again.
func (s *licenseService) Deactivate(ctx context.Context, credential, deviceID string) error {
	claims, err := s.codec.Decode(credential, true)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lic, err := licenseByID(ctx, tx, claims.LicenseID)
		if err != nil {
			return err
		}
		if lic.TypeCode == catalog.TrialTypeCode {
			return apperrors.ErrTrialNotDeactivatable
		}
		return s.ledger.WithTx(tx).Unbind(ctx, lic.ID, deviceID)
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "device deactivated",
		slog.Uint64("license_id", uint64(claims.LicenseID)),
		slog.String("device_id", deviceID))
	return nil
}

// Refresh issues a replacement credential for a stale one. Expiry on
// the presented token is ignored; everything else is re-validated.
func (s *licenseService) Refresh(ctx context.Context, credential string) (string, error) {
	claims, err := s.codec.Decode(credential, true)
	if err != nil {
		return "", err
	}

	var expired *store.License
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lic, err := licenseByID(ctx, tx, claims.LicenseID)
		if err != nil {
			return err
		}
		if !lic.IsActive {
			return apperrors.ErrLicenseInactive
		}
		if err := s.checkExpiration(lic); err != nil {
			expired = lic
			return err
		}
		if _, err := s.ledger.WithTx(tx).FindBinding(ctx, lic.ID, claims.DeviceID); err != nil {
			if errors.Is(err, apperrors.ErrBindingNotFound) {
				return apperrors.ErrDeviceNotBound
			}
			return err
		}
		return nil
	})
	if expired != nil {
		s.retireExpired(ctx, expired)
	}
	if err != nil {
		return "", err
	}
	return s.codec.Issue(claims.LicenseID, claims.DeviceID, s.ttl)
}

// GetLicense returns the read model for the license named in the
// credential. The path id must match the credential's license so one
// device cannot enumerate other customers' licenses.
func (s *licenseService) GetLicense(ctx context.Context, credential string, licenseID uint) (*LicenseInfo, error) {
	claims, err := s.codec.Decode(credential, false)
	if err != nil {
		return nil, err
	}
	if claims.LicenseID != licenseID {
		return nil, apperrors.ErrDeviceNotBound
	}

	var (
		info    *LicenseInfo
		expired *store.License
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lic, err := licenseByID(ctx, tx, licenseID)
		if err != nil {
			return err
		}
		// Lazy expiration: the read reports the flagged state and the
		// flag itself is written back after this transaction commits.
		if s.checkExpiration(lic) != nil {
			expired = lic
		}
		info = &LicenseInfo{
			LicenseID:    lic.ID,
			TypeCode:     lic.TypeCode,
			CreatedAt:    lic.CreatedAt,
			IsActive:     lic.IsActive && expired == nil,
			ValidityDays: lic.Type.ValidityDays,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired != nil {
		s.retireExpired(ctx, expired)
	}
	return info, nil
}

// ListTypes returns the purchasable catalog. Reads are retried once on
// transient store failure.
func (s *licenseService) ListTypes(ctx context.Context) ([]LicenseTypeInfo, error) {
	types, err := s.catalog.List(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "catalog list failed, retrying once",
			slog.String("error", err.Error()))
		if types, err = s.catalog.List(ctx); err != nil {
			return nil, err
		}
	}
	out := make([]LicenseTypeInfo, 0, len(types))
	for _, t := range types {
		out = append(out, LicenseTypeInfo{Code: t.Code})
	}
	return out, nil
}

// ProvisionType creates a catalog entry.
func (s *licenseService) ProvisionType(ctx context.Context, code string, allowedDevices, validityDays *int) error {
	if err := s.catalog.Create(ctx, code, allowedDevices, validityDays); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "license type provisioned", slog.String("code", code))
	return nil
}

// ProvisionLicense creates a license of typeCode. When licenseKey is
// empty a key is generated and returned.
func (s *licenseService) ProvisionLicense(ctx context.Context, licenseKey, typeCode string) (string, error) {
	if licenseKey == "" {
		licenseKey = generateKey("KEY")
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.catalog.WithTx(tx).Lookup(ctx, typeCode); err != nil {
			return err
		}
		lic := store.License{
			TypeCode:   typeCode,
			LicenseKey: licenseKey,
			CreatedAt:  s.now().UTC(),
			IsActive:   true,
		}
		if err := tx.Create(&lic).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperrors.ErrLicenseExists
			}
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "license provisioned", slog.String("type_code", typeCode))
	return licenseKey, nil
}

// checkExpiration reports whether lic has outlived its validity
// window: pure function of now, createdAt and the type's validity
// period. Invoked from every read and verify path; there is no
// background sweep. It only inspects; the caller persists the
// transition via retireExpired once its own transaction has ended,
// since returning ErrLicenseExpired rolls that transaction back and
// would discard an in-transaction flag write.
func (s *licenseService) checkExpiration(lic *store.License) error {
	if lic.Type.ValidityDays == nil {
		return nil
	}
	expiresAt := lic.CreatedAt.Add(time.Duration(*lic.Type.ValidityDays) * 24 * time.Hour)
	if s.now().UTC().Before(expiresAt) {
		return nil
	}
	return apperrors.ErrLicenseExpired
}

// retireExpired persists is_active=false for an overrun license in its
// own committed transaction. Must run after the detecting transaction
// has released the write lock.
func (s *licenseService) retireExpired(ctx context.Context, lic *store.License) {
	if !lic.IsActive {
		return
	}
	if err := s.db.WithContext(ctx).Model(&store.License{}).
		Where("id = ?", lic.ID).
		Update("is_active", false).Error; err != nil {
		s.logger.ErrorContext(ctx, "failed to persist expiration",
			slog.Uint64("license_id", uint64(lic.ID)),
			slog.String("error", err.Error()))
		return
	}
	s.logger.InfoContext(ctx, "license expired",
		slog.Uint64("license_id", uint64(lic.ID)))
}

// checkOverCapacity is the read-path capacity gate for already-bound
// devices: strictly over the limit fails, exactly at the limit is
// fine. The bind path gates with >= instead.
func (s *licenseService) checkOverCapacity(ctx context.Context, led *ledger.Ledger, lic *store.License) error {
	if lic.Type.AllowedDevices == nil {
		return nil
	}
	n, err := led.CountBindings(ctx, lic.ID)
	if err != nil {
		return err
	}
	if n > int64(*lic.Type.AllowedDevices) {
		return apperrors.ErrDeviceLimitExceeded
	}
	return nil
}

func licenseByKey(ctx context.Context, tx *gorm.DB, key string) (*store.License, error) {
	var lic store.License
	err := tx.WithContext(ctx).Preload("Type").First(&lic, "license_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrLicenseNotFound
	}
	if err != nil {
		return nil, err
	}
	return &lic, nil
}

func licenseByID(ctx context.Context, tx *gorm.DB, id uint) (*store.License, error) {
	var lic store.License
	err := tx.WithContext(ctx).Preload("Type").First(&lic, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrLicenseNotFound
	}
	if err != nil {
		return nil, err
	}
	return &lic, nil
}

// generateKey produces a human-presentable opaque key such as
// KEY-5F2A-90C1-77DE-43AB.
func generateKey(prefix string) string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return fmt.Sprintf("%s-%s-%s-%s-%s", prefix, raw[0:4], raw[4:8], raw[8:12], raw[12:16])
}
