package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	t.Run("generates 64 character hex string", func(t *testing.T) {
		token, err := GenerateToken()
		require.NoError(t, err)
		assert.Len(t, token, 64)
		for _, c := range token {
			assert.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'))
		}
	})

	t.Run("generates unique tokens", func(t *testing.T) {
		token1, _ := GenerateToken()
		token2, _ := GenerateToken()
		assert.NotEqual(t, token1, token2)
	})
}

func TestHashToken(t *testing.T) {
	assert.Len(t, HashToken("test-token"), 64)
	assert.Equal(t, HashToken("test-token"), HashToken("test-token"))
	assert.NotEqual(t, HashToken("token-1"), HashToken("token-2"))
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(hash, "$2a$12$"))
	assert.True(t, CheckPasswordHash("s3cret", hash))
	assert.False(t, CheckPasswordHash("wrong", hash))
	assert.False(t, CheckPasswordHash("s3cret", "not-a-hash"))
}

func TestMaskCode(t *testing.T) {
	assert.Equal(t, "12****", MaskCode("123456"))
	assert.Equal(t, "****", MaskCode("12"))
	assert.Equal(t, "****", MaskCode(""))
}

func TestIsValidEnum(t *testing.T) {
	methods := []string{"sms", "email"}
	assert.True(t, IsValidEnum("sms", methods))
	assert.True(t, IsValidEnum("", methods))
	assert.False(t, IsValidEnum("fax", methods))
}

func TestEncryption(t *testing.T) {
	key := strings.Repeat("ab", 32)

	t.Run("round trip", func(t *testing.T) {
		sealed, err := Encrypt(key, "hunter2")
		require.NoError(t, err)
		assert.NotContains(t, sealed, "hunter2")

		plain, err := Decrypt(key, sealed)
		require.NoError(t, err)
		assert.Equal(t, "hunter2", plain)
	})

	t.Run("nonce differs per call", func(t *testing.T) {
		a, _ := Encrypt(key, "same")
		b, _ := Encrypt(key, "same")
		assert.NotEqual(t, a, b)
	})

	t.Run("wrong key fails", func(t *testing.T) {
		sealed, err := Encrypt(key, "hunter2")
		require.NoError(t, err)
		_, err = Decrypt(strings.Repeat("cd", 32), sealed)
		assert.Error(t, err)
	})

	t.Run("short key is rejected", func(t *testing.T) {
		_, err := Encrypt("abcd", "x")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("truncated ciphertext", func(t *testing.T) {
		_, err := Decrypt(key, "AAAA")
		assert.ErrorIs(t, err, ErrCiphertextTooShort)
	})
}
