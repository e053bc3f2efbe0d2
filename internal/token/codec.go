// Package token implements the credential codec: a signed, expiring
// token binding a license to a device. The codec is pure; possession of
// a valid token is necessary but never sufficient, the server always
// re-validates against ledger state because revocation and migration
// can invalidate a token before its stated expiry.
package token

import (
	"errors"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	apperrors "stitchkey/internal/errors"
)

const signingAlg = "HS256"

// Claims is the decoded credential payload.
type Claims struct {
	LicenseID uint
	DeviceID  string
	ExpiresAt time.Time
}

// credentialClaims is the wire shape. license_id/device_id field names
// match the tokens the desktop client already caches.
type credentialClaims struct {
	LicenseID uint   `json:"license_id"`
	DeviceID  string `json:"device_id"`
	jwtv5.RegisteredClaims
}

// Codec issues and verifies credentials with a single process-wide
// HMAC secret, initialized once at startup and read-only thereafter.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// NewCodec creates a codec. The secret is mandatory; the service
// refuses to start without one.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, fmt.Errorf("token: signing secret is required")
	}
	return &Codec{secret: []byte(secret), now: time.Now}, nil
}

// Issue produces a signed credential expiring at now+ttl (UTC).
func (c *Codec) Issue(licenseID uint, deviceID string, ttl time.Duration) (string, error) {
	now := c.now().UTC()
	claims := credentialClaims{
		LicenseID: licenseID,
		DeviceID:  deviceID,
		RegisteredClaims: jwtv5.RegisteredClaims{
			IssuedAt:  jwtv5.NewNumericDate(now),
			ExpiresAt: jwtv5.NewNumericDate(now.Add(ttl)),
		},
	}
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims)
	signed, err := tk.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("token: failed to sign credential: %w", err)
	}
	return signed, nil
}

// Decode verifies the signature and returns the embedded claims.
//
// With ignoreExpiry the expiration check is skipped (signature is still
// verified): the refresh and verify paths treat token expiry as
// advisory because the ledger, not the token, is authoritative.
func (c *Codec) Decode(token string, ignoreExpiry bool) (Claims, error) {
	parser := jwtv5.NewParser(
		jwtv5.WithValidMethods([]string{signingAlg}),
		jwtv5.WithoutClaimsValidation(),
	)
	var claims credentialClaims
	_, err := parser.ParseWithClaims(token, &claims, func(t *jwtv5.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwtv5.ErrTokenSignatureInvalid):
			return Claims{}, apperrors.ErrTokenInvalidSignature
		default:
			return Claims{}, apperrors.ErrTokenMalformed
		}
	}
	if claims.DeviceID == "" || claims.LicenseID == 0 || claims.ExpiresAt == nil {
		return Claims{}, apperrors.ErrTokenMalformed
	}

	out := Claims{
		LicenseID: claims.LicenseID,
		DeviceID:  claims.DeviceID,
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}
	if !ignoreExpiry && c.now().UTC().After(out.ExpiresAt) {
		return out, apperrors.ErrTokenExpired
	}
	return out, nil
}
