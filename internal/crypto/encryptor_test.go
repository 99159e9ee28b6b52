package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-keeper/internal/common/errors"
)

func TestNewTokenCipher(t *testing.T) {
	_, err := NewTokenCipher("")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))

	c, err := NewTokenCipher("primary", "", "primary", "old")
	require.NoError(t, err)
	assert.Len(t, c.previous, 1)
}

func TestEncryptDecrypt(t *testing.T) {
	c, err := NewTokenCipher("a passphrase of any length")
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		sealed, err := c.Encrypt("refresh-token-value")
		require.NoError(t, err)
		assert.NotEqual(t, "refresh-token-value", sealed)

		opened, err := c.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, "refresh-token-value", opened)
	})

	t.Run("nonce makes ciphertexts differ", func(t *testing.T) {
		a, _ := c.Encrypt("same")
		b, _ := c.Encrypt("same")
		assert.NotEqual(t, a, b)
	})

	t.Run("empty stays empty", func(t *testing.T) {
		sealed, err := c.Encrypt("")
		require.NoError(t, err)
		assert.Empty(t, sealed)

		opened, err := c.Decrypt("")
		require.NoError(t, err)
		assert.Empty(t, opened)
	})

	t.Run("garbage is rejected", func(t *testing.T) {
		_, err := c.Decrypt("not base64 !!")
		assert.Error(t, err)

		_, err = c.Decrypt("AAAA")
		assert.Error(t, err)
	})
}

func TestKeyRotation(t *testing.T) {
	old, err := NewTokenCipher("old-key")
	require.NoError(t, err)
	sealed, err := old.Encrypt("access-token")
	require.NoError(t, err)

	rotated, err := NewTokenCipher("new-key", "old-key")
	require.NoError(t, err)

	opened, err := rotated.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "access-token", opened)
	assert.True(t, rotated.NeedsRotation(sealed))

	resealed, err := rotated.Encrypt(opened)
	require.NoError(t, err)
	assert.False(t, rotated.NeedsRotation(resealed))

	withoutOld, err := NewTokenCipher("new-key")
	require.NoError(t, err)
	_, err = withoutOld.Decrypt(sealed)
	assert.Error(t, err)
}
