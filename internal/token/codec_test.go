package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "stitchkey/internal/errors"
)

func TestNewCodec(t *testing.T) {
	t.Run("rejects empty secret", func(t *testing.T) {
		_, err := NewCodec("")
		assert.Error(t, err)
	})

	t.Run("accepts non-empty secret", func(t *testing.T) {
		codec, err := NewCodec("test-secret")
		require.NoError(t, err)
		assert.NotNil(t, codec)
	})
}

func TestCodec_IssueAndDecode(t *testing.T) {
	codec, err := NewCodec("test-secret")
	require.NoError(t, err)

	credential, err := codec.Issue(42, "device-abc", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, credential)

	claims, err := codec.Decode(credential, false)
	require.NoError(t, err)
	assert.Equal(t, uint(42), claims.LicenseID)
	assert.Equal(t, "device-abc", claims.DeviceID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, 5*time.Second)
}

func TestCodec_Decode_WrongSecret(t *testing.T) {
	issuer, err := NewCodec("secret-a")
	require.NoError(t, err)
	verifier, err := NewCodec("secret-b")
	require.NoError(t, err)

	credential, err := issuer.Issue(1, "device-1", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Decode(credential, false)
	assert.ErrorIs(t, err, apperrors.ErrTokenInvalidSignature)
}

func TestCodec_Decode_Malformed(t *testing.T) {
	codec, err := NewCodec("test-secret")
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty string", token: ""},
		{name: "garbage", token: "not-a-token"},
		{name: "truncated", token: "eyJhbGciOiJIUzI1NiJ9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode(tt.token, false)
			assert.ErrorIs(t, err, apperrors.ErrTokenMalformed)
		})
	}
}

func TestCodec_Decode_Expired(t *testing.T) {
	codec, err := NewCodec("test-secret")
	require.NoError(t, err)

	// Issue a credential that expired an hour ago.
	codec.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	credential, err := codec.Issue(7, "device-7", time.Hour)
	require.NoError(t, err)
	codec.now = time.Now

	t.Run("strict decode rejects expired", func(t *testing.T) {
		_, err := codec.Decode(credential, false)
		assert.ErrorIs(t, err, apperrors.ErrTokenExpired)
	})

	t.Run("ignoreExpiry decodes claims", func(t *testing.T) {
		claims, err := codec.Decode(credential, true)
		require.NoError(t, err)
		assert.Equal(t, uint(7), claims.LicenseID)
		assert.Equal(t, "device-7", claims.DeviceID)
	})
}

func TestCodec_Decode_ExpiryBoundary(t *testing.T) {
	codec, err := NewCodec("test-secret")
	require.NoError(t, err)

	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	codec.now = func() time.Time { return issued }
	credential, err := codec.Issue(9, "device-9", time.Hour)
	require.NoError(t, err)

	t.Run("one second before expiry is valid", func(t *testing.T) {
		codec.now = func() time.Time { return issued.Add(time.Hour - time.Second) }
		_, err := codec.Decode(credential, false)
		assert.NoError(t, err)
	})

	t.Run("one second after expiry is rejected", func(t *testing.T) {
		codec.now = func() time.Time { return issued.Add(time.Hour + time.Second) }
		_, err := codec.Decode(credential, false)
		assert.ErrorIs(t, err, apperrors.ErrTokenExpired)
	})
}
