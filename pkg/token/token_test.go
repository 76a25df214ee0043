package token

import (
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeadFlow/pkg/errors"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestOptOutSigner_RoundTrip(t *testing.T) {
	signer := NewOptOutSigner(testSecret, time.Hour)

	signed, err := signer.Sign(1234567890123, "email", "nonce-1")
	require.NoError(t, err)

	claims, err := signer.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, int64(1234567890123), claims.LeadPublic)
	assert.Equal(t, "email", claims.Channel)
	assert.Equal(t, "nonce-1", claims.Nonce)
}

func TestOptOutSigner_RejectsTamperedAndExpired(t *testing.T) {
	issued := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	now := issued
	signer := NewOptOutSigner(testSecret, time.Hour).WithClock(func() time.Time { return now })

	signed, err := signer.Sign(7, "whatsapp", "n")
	require.NoError(t, err)

	other := NewOptOutSigner("ffffffffffffffffffffffffffffffff", time.Hour)
	_, err = other.Verify(signed)
	assert.ErrorIs(t, err, errors.OptOutTokenInvalid)

	now = issued.Add(2 * time.Hour)
	_, err = signer.Verify(signed)
	assert.ErrorIs(t, err, errors.OptOutTokenInvalid)

	_, err = signer.Verify("")
	assert.ErrorIs(t, err, errors.OptOutTokenInvalid)
}

func TestOptOutSigner_RejectsOtherTokenTypes(t *testing.T) {
	signer := NewOptOutSigner(testSecret, 0)

	foreign, err := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, jwtv5.MapClaims{
		"lid":  "7",
		"type": "access",
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = signer.Verify(foreign)
	assert.ErrorIs(t, err, errors.OptOutTokenInvalid)
}
