package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHashAndVerify(t *testing.T) {
	hasher := NewBcryptHasher(bcrypt.MinCost)

	hash, err := hasher.Hash("2468")
	require.NoError(t, err)
	assert.NotEqual(t, "2468", hash)

	v := NewVerifier(hash, hasher)
	assert.True(t, v.Configured())
	require.NoError(t, v.Verify("2468"))
	require.ErrorIs(t, v.Verify("1357"), ErrInvalidPIN)
	require.ErrorIs(t, v.Verify(""), ErrInvalidPIN)
}

func TestVerifierWithoutHash(t *testing.T) {
	v := NewVerifier("  ", NewBcryptHasher(bcrypt.MinCost))
	assert.False(t, v.Configured())
	require.ErrorIs(t, v.Verify("2468"), ErrPINNotConfigured)
}

func TestVerifierWithCorruptHash(t *testing.T) {
	v := NewVerifier("not-a-bcrypt-hash", NewBcryptHasher(bcrypt.MinCost))
	err := v.Verify("2468")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidPIN)
}

func TestValidatePIN(t *testing.T) {
	for _, pin := range []string{"1234", "000000", "123456789012"} {
		assert.NoError(t, ValidatePIN(pin), pin)
	}
	for _, pin := range []string{"", "123", "1234567890123", "12a4", "١٢٣٤", "12 34"} {
		assert.ErrorIs(t, ValidatePIN(pin), ErrWeakPIN, pin)
	}

	_, err := NewBcryptHasher(bcrypt.MinCost).Hash("12")
	require.ErrorIs(t, err, ErrWeakPIN)
}
